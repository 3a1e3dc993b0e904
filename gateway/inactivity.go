package gateway

import (
	"context"
	"fmt"
	"os/exec"
	"time"
)

// InactivityShutdownHost powers off the machine, for hosts that are billed while running and restarted on demand.
func InactivityShutdownHost() {
	fmt.Println("no activity, shutting down host")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown host: %s", err)
	}
}

// startInactivityTimer arms the single shutdown timer. Every Touch pushes it back to the full window.
func (g *Gateway) startInactivityTimer() {
	if g.inactivityTimeout <= 0 {
		return
	}
	g.activityMut.Lock()
	defer g.activityMut.Unlock()
	g.deadline = time.Now().Add(g.inactivityTimeout)
	g.timer = time.AfterFunc(g.inactivityTimeout, g.inactive)
}

// Touch records activity, restoring the full inactivity window.
func (g *Gateway) Touch() {
	g.activityMut.Lock()
	defer g.activityMut.Unlock()
	if g.timer == nil {
		return
	}
	select {
	case <-g.closed:
		return
	default:
	}
	g.timer.Reset(g.inactivityTimeout)
	g.deadline = time.Now().Add(g.inactivityTimeout)
}

// Remaining is how long until the gateway shuts down for inactivity. It is zero when the timeout is disabled.
func (g *Gateway) Remaining() time.Duration {
	g.activityMut.Lock()
	defer g.activityMut.Unlock()
	if g.timer == nil {
		return 0
	}
	d := time.Until(g.deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (g *Gateway) inactive() {
	// A Touch can race with the timer firing; only shut down if the deadline really passed.
	g.activityMut.Lock()
	remaining := time.Until(g.deadline)
	g.activityMut.Unlock()
	if remaining > 0 {
		return
	}

	g.log.Infow("no activity, shutting down", "Timeout", g.inactivityTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := g.Stop(ctx)
	if err != nil {
		g.log.Errorw("error stopping gateway", "Error", err)
	}
	if g.inactivityHandler != nil {
		g.inactivityHandler()
	}
}
