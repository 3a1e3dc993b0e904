// Package setup is the boundary to first-time backend provisioning.
// The gateway only needs a pass/fail answer; how a backend gets provisioned is up to the Runner.
package setup

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/guseggert/mcpbridge/backend"
	"go.uber.org/zap"
)

// MarkerFile is written into a backend's root once its setup script has succeeded.
const MarkerFile = ".mcpbridge-ready"

type Result struct {
	Success  bool
	Message  string
	Duration time.Duration
}

type Runner interface {
	RunSetup(ctx context.Context, d backend.Descriptor, env []string) Result
	IsReady(d backend.Descriptor) bool
}

// Noop treats every backend as already provisioned.
type Noop struct{}

func (Noop) RunSetup(context.Context, backend.Descriptor, []string) Result {
	return Result{Success: true, Message: "setup skipped"}
}

func (Noop) IsReady(backend.Descriptor) bool { return true }

// ScriptRunner runs the descriptor's setup script and persists readiness as a marker file in the backend root.
type ScriptRunner struct {
	Log     *zap.SugaredLogger
	Timeout time.Duration
}

func (s *ScriptRunner) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

func (s *ScriptRunner) IsReady(d backend.Descriptor) bool {
	if !d.NeedsSetup {
		return true
	}
	_, err := os.Stat(filepath.Join(d.Root, MarkerFile))
	return err == nil
}

func (s *ScriptRunner) RunSetup(ctx context.Context, d backend.Descriptor, env []string) Result {
	start := time.Now()
	if d.SetupScript == "" {
		return Result{Success: true, Message: "no setup script"}
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, d.SetupScript)
	cmd.Dir = d.Root
	cmd.Env = append(d.Environ(), env...)
	cmd.WaitDelay = time.Second
	output := &bytes.Buffer{}
	cmd.Stdout = output
	cmd.Stderr = output

	s.log().Infow("running setup", "Backend", d.Name, "Script", d.SetupScript)
	err := cmd.Run()
	res := Result{Duration: time.Since(start)}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Message = fmt.Sprintf("setup exited with code %d: %s", exitErr.ExitCode(), tail(output.String(), 512))
		} else {
			res.Message = fmt.Sprintf("running setup: %s", err)
		}
		s.log().Warnw("setup failed", "Backend", d.Name, "Message", res.Message, "Duration", res.Duration)
		return res
	}

	err = os.WriteFile(filepath.Join(d.Root, MarkerFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0644)
	if err != nil {
		res.Message = fmt.Sprintf("writing readiness marker: %s", err)
		return res
	}
	res.Success = true
	res.Message = "setup complete"
	s.log().Infow("setup complete", "Backend", d.Name, "Duration", res.Duration)
	return res
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
