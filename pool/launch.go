package pool

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/guseggert/mcpbridge/backend"
)

// command builds the OS command for a descriptor. The runtime kind was resolved at discovery time,
// so this is the only place it is switched on.
func command(d backend.Descriptor) (*exec.Cmd, error) {
	var cmd *exec.Cmd
	switch d.Kind {
	case backend.KindBinary, backend.KindNode:
		cmd = exec.Command(d.Command, d.Args...)
	case backend.KindPython:
		// -u keeps stdout unbuffered so responses aren't stuck in the interpreter.
		cmd = exec.Command(d.Command, append([]string{"-u"}, d.Args...)...)
	default:
		return nil, fmt.Errorf("backend %q has unknown runtime kind %s", d.Name, d.Kind)
	}
	cmd.Dir = d.Root
	cmd.Env = d.Environ()
	// Each backend gets its own process group so that helpers it forks are stopped with it
	// and can't hold stdout open after the backend itself is gone.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if err != nil {
		return p.Signal(sig)
	}
	return nil
}
