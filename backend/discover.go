package backend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/guseggert/mcpbridge/internal/files"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	pythonMarkers  = []string{"server.py", "main.py", "pyproject.toml", "setup.py", "requirements.txt"}
	pythonEntries  = []string{"server.py", "main.py", "__main__.py", "app.py"}
	nodeEntries    = []string{"dist/index.js", "build/index.js", "index.js"}
	setupScripts   = []string{"setup.sh", "run-server.sh", "install.sh"}
	venvPythonBins = []string{"bin/python", "bin/python3"}
)

// venvDirs lists the virtual-environment directory names checked for a Python backend, in priority order.
func venvDirs(name string) []string {
	return []string{".venv", "venv", "." + name + "_venv", "env"}
}

// Scan inspects each immediate subdirectory of rootDir and returns a descriptor for every one that can be classified.
// A missing rootDir yields no descriptors and no error.
func Scan(rootDir string, log *zap.SugaredLogger) ([]Descriptor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	entries, err := os.ReadDir(rootDir)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warnw("backend root does not exist, continuing with no backends", "Root", rootDir)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading backend root %q: %w", rootDir, err)
	}

	var descs []Descriptor
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") || !e.IsDir() {
			continue
		}
		dir, err := filepath.Abs(filepath.Join(rootDir, name))
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", name, err)
		}
		d, ok := Classify(name, dir)
		if !ok {
			log.Infow("skipping unrecognized backend directory", "Dir", dir)
			continue
		}
		log.Debugw("discovered backend", "Name", d.Name, "Kind", d.Kind.String(), "Command", d.Command, "Args", d.Args)
		descs = append(descs, d)
	}
	sort.Slice(descs, func(i, j int) bool { return descs[i].Name < descs[j].Name })
	return descs, nil
}

// Classify builds the descriptor for a single backend directory.
// The first matching runtime wins: a binary named like the directory, then Python markers, then a Node package.
func Classify(name, dir string) (Descriptor, bool) {
	d := Descriptor{
		Name: name,
		Root: dir,
		Env:  map[string]string{},
	}

	switch {
	case classifyBinary(&d):
	case classifyPython(&d):
	case classifyNode(&d):
	default:
		return Descriptor{}, false
	}

	d.SetupScript = files.First(dir, setupScripts, files.IsExecutable)
	d.NeedsSetup = d.SetupScript != ""
	return d, true
}

func classifyBinary(d *Descriptor) bool {
	bin := files.First(d.Root, []string{d.Name, filepath.Join("bin", d.Name)}, files.IsExecutable)
	if bin == "" {
		return false
	}
	d.Kind = KindBinary
	d.Command = bin
	return true
}

func classifyPython(d *Descriptor) bool {
	if !files.Exists(d.Root, pythonMarkers...) {
		return false
	}
	d.Kind = KindPython
	d.Command = pythonInterpreter(d.Name, d.Root)
	if entry := files.First(d.Root, pythonEntries, files.IsRegular); entry != "" {
		d.Args = []string{entry}
	} else {
		d.Args = []string{"-m", strings.ReplaceAll(d.Name, "-", "_")}
	}
	d.Env["PYTHONUNBUFFERED"] = "1"
	return true
}

// pythonInterpreter prefers an interpreter from an existing virtual environment over the system one.
func pythonInterpreter(name, dir string) string {
	for _, venv := range venvDirs(name) {
		if p := files.First(filepath.Join(dir, venv), venvPythonBins, files.IsExecutable); p != "" {
			return p
		}
	}
	if p, err := exec.LookPath("python3"); err == nil {
		return p
	}
	return "python3"
}

func classifyNode(d *Descriptor) bool {
	pkgPath := filepath.Join(d.Root, "package.json")
	pkg, err := os.ReadFile(pkgPath)
	if err != nil {
		return false
	}
	entry := ""
	if main := gjson.GetBytes(pkg, "main").String(); main != "" {
		if files.Exists(d.Root, main) {
			entry = filepath.Join(d.Root, main)
		}
	}
	if entry == "" {
		entry = files.First(d.Root, nodeEntries, files.IsRegular)
	}
	if entry == "" {
		return false
	}
	d.Kind = KindNode
	d.Command = "node"
	d.Args = []string{entry}
	return true
}
