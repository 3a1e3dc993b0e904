package router

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/pool"
	"github.com/julienschmidt/httprouter"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func wantsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

// subscribe merges the notification streams of several backends into one channel.
// The returned function unsubscribes from all of them; the merged channel is never closed.
func subscribe(backends []Backend) (<-chan pool.Notification, func()) {
	out := make(chan pool.Notification)
	stop := make(chan struct{})
	var unsubs []func()
	for _, b := range backends {
		ch, unsub := b.Subscribe()
		unsubs = append(unsubs, unsub)
		go func() {
			for n := range ch {
				select {
				case out <- n:
				case <-stop:
					return
				}
			}
		}()
	}
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(stop)
			for _, unsub := range unsubs {
				unsub()
			}
		})
	}
}

// serveEvents streams backend notifications as server-sent events, with a keep-alive ping on every interval.
func (rt *Router) serveEvents(w http.ResponseWriter, r *http.Request, backends []Backend) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ": connected\n\n")
	flusher.Flush()

	notifications, cancel := subscribe(backends)
	defer cancel()

	ticker := time.NewTicker(rt.pingInterval)
	defer ticker.Stop()

	for {
		var err error
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			_, err = io.WriteString(w, "event: ping\ndata: {\"type\":\"ping\"}\n\n")
		case n := <-notifications:
			_, err = fmt.Fprintf(w, "event: message\ndata: %s\n\n", n.Message)
		}
		if err != nil {
			rt.log.Debugf("event stream write error: %s", err)
			return
		}
		flusher.Flush()
	}
}

func (rt *Router) backendWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	b, ok := rt.backend(name)
	if !ok {
		http.Error(w, fmt.Sprintf("%s: %q", ErrBackendNotFound, name), http.StatusNotFound)
		return
	}
	rt.serveWS(w, r, []Backend{b})
}

func (rt *Router) aggregateWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rt.serveWS(w, r, rt.sortedBackends())
}

// serveWS streams notifications over a WebSocket, one JSON message per notification.
// Anything the client sends is discarded.
func (rt *Router) serveWS(w http.ResponseWriter, r *http.Request, backends []Backend) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:  []string{"*"},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		rt.log.Debugf("notification WebSocket accept error: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	ctx := conn.CloseRead(r.Context())
	notifications, cancel := subscribe(backends)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case n := <-notifications:
			err := wsjson.Write(ctx, conn, n)
			if err != nil {
				rt.log.Debugf("notification WebSocket write error: %s", err)
				return
			}
		}
	}
}
