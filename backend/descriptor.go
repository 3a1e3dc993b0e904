package backend

import (
	"fmt"
	"os"
	"sort"
)

// Kind is the runtime classification of a backend, resolved once at discovery time.
type Kind int

const (
	KindBinary Kind = iota + 1
	KindPython
	KindNode
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindPython:
		return "python"
	case KindNode:
		return "node"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// DefaultMaxSlots is the process cap used when the pool isn't configured explicitly.
// Python backends are assumed to be single-interpreter.
func (k Kind) DefaultMaxSlots() int {
	if k == KindPython {
		return 1
	}
	return 3
}

// Descriptor is the static description a process pool is built from.
type Descriptor struct {
	Name string
	Root string
	Kind Kind

	Command string
	Args    []string
	Env     map[string]string

	// SetupScript is the optional provisioning script, empty if there is none.
	SetupScript string
	NeedsSetup  bool
}

// Environ returns the process environment for the backend: the gateway's own environment plus the descriptor's overrides.
func (d Descriptor) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+d.Env[k])
	}
	return env
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s (%s: %s %v)", d.Name, d.Kind, d.Command, d.Args)
}
