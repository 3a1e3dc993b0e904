package pool

import (
	"errors"
	"fmt"
	"os/exec"
)

var (
	ErrAcquisitionTimeout = errors.New("timed out waiting for an idle process")
	ErrRequestTimeout     = errors.New("timed out waiting for a response")
	ErrProcessCrash       = errors.New("backend process crashed")
	ErrProcessExit        = errors.New("backend process exited")
	ErrHandshakeFailure   = errors.New("backend handshake failed")
	ErrPoolClosed         = errors.New("pool is shut down")
	ErrSlotBusy           = errors.New("process already has a request in flight")
	ErrSlotNotAcquired    = errors.New("process was not acquired from this pool")
)

// exitError classifies how a process went away.
// A clean exit is ErrProcessExit, anything else (non-zero status, signal, broken stdout) is ErrProcessCrash.
func exitError(waitErr, readErr error) error {
	if readErr != nil {
		return fmt.Errorf("%w: reading stdout: %s", ErrProcessCrash, readErr)
	}
	if waitErr == nil {
		return ErrProcessExit
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return fmt.Errorf("%w: %s", ErrProcessCrash, exitErr)
	}
	return fmt.Errorf("%w: %s", ErrProcessCrash, waitErr)
}
