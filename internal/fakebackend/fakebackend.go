// Package fakebackend is a small stdio MCP tool server used by tests.
// Requests are handled concurrently, so a slow tool call doesn't hold up the ones behind it.
//
// Tests re-execute their own binary with EnvVar set and call MaybeRun from TestMain,
// which turns the test binary into a backend process for the duration of that execution.
package fakebackend

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
)

const (
	// EnvVar switches a re-executed test binary into backend mode.
	EnvVar = "MCPBRIDGE_FAKE_BACKEND"
	// EnvVersions is a comma-separated list of accepted protocol versions. Empty accepts everything.
	EnvVersions = "MCPBRIDGE_FAKE_VERSIONS"
	// EnvNoise makes the backend write a non-JSON line to stdout before each response.
	EnvNoise = "MCPBRIDGE_FAKE_NOISE"
)

type Options struct {
	Name           string
	AcceptVersions []string
	Noise          bool
}

// MaybeRun serves the fake backend on stdin/stdout and exits if EnvVar is set. Otherwise it returns immediately.
func MaybeRun() {
	name := os.Getenv(EnvVar)
	if name == "" {
		return
	}
	opts := Options{Name: name, Noise: os.Getenv(EnvNoise) != ""}
	if v := os.Getenv(EnvVersions); v != "" {
		opts.AcceptVersions = strings.Split(v, ",")
	}
	if err := Run(os.Stdin, os.Stdout, opts); err != nil {
		fmt.Fprintf(os.Stderr, "fake backend: %s\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command returns the argv and environment that launch the current test binary as a fake backend.
func Command(name string, extraEnv ...string) (string, []string, map[string]string) {
	env := map[string]string{EnvVar: name}
	for _, kv := range extraEnv {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	return os.Args[0], []string{"-test.run=^$"}, env
}

func Tools() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool("add",
			mcp.WithDescription("Add two numbers"),
			mcp.WithNumber("a", mcp.Required()),
			mcp.WithNumber("b", mcp.Required()),
		),
		mcp.NewTool("echo",
			mcp.WithDescription("Echo the input text"),
			mcp.WithString("text", mcp.Required()),
		),
		mcp.NewTool("sleep",
			mcp.WithDescription("Sleep for ms milliseconds"),
			mcp.WithNumber("ms", mcp.Required()),
		),
		mcp.NewTool("notify", mcp.WithDescription("Emit a log notification before answering")),
		mcp.NewTool("pid", mcp.WithDescription("Report the backend process id")),
		mcp.NewTool("ask", mcp.WithDescription("Send a sampling request to the client before answering")),
		mcp.NewTool("answers", mcp.WithDescription("Report the responses received from the client")),
		mcp.NewTool("crash", mcp.WithDescription("Exit with a non-zero status without answering")),
		mcp.NewTool("exit", mcp.WithDescription("Exit cleanly without answering")),
	}
}

type server struct {
	opts Options
	out  io.Writer
	mu   sync.Mutex

	// responses the client sent back to requests made by "ask"
	answers []json.RawMessage
}

func Run(in io.Reader, out io.Writer, opts Options) error {
	s := &server{opts: opts, out: out}
	fmt.Fprintf(os.Stderr, "fake backend %s starting\n", opts.Name)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var req jsonrpc.Request
		if err := json.Unmarshal(line, &req); err != nil {
			fmt.Fprintf(os.Stderr, "bad line %q: %s\n", line, err)
			continue
		}
		if req.Method == "" {
			s.mu.Lock()
			s.answers = append(s.answers, append(json.RawMessage(nil), line...))
			s.mu.Unlock()
			continue
		}
		if req.IsNotification() {
			continue
		}
		go s.handle(&req)
	}
	return scanner.Err()
}

func (s *server) write(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Noise {
		fmt.Fprintln(s.out, "this line is not JSON")
	}
	s.out.Write(append(b, '\n'))
}

func (s *server) reply(id json.RawMessage, result any) {
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		panic(err)
	}
	s.write(resp)
}

func (s *server) fail(id json.RawMessage, code int, msg string) {
	s.write(jsonrpc.NewError(id, code, msg))
}

func (s *server) handle(req *jsonrpc.Request) {
	switch req.Method {
	case string(mcp.MethodInitialize):
		var params struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		_ = json.Unmarshal(req.Params, &params)
		if !s.accepts(params.ProtocolVersion) {
			s.fail(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unsupported protocol version %q", params.ProtocolVersion))
			return
		}
		s.reply(req.ID, map[string]any{
			"protocolVersion": params.ProtocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      mcp.Implementation{Name: "fake-" + s.opts.Name, Version: "1.0.0"},
		})
	case string(mcp.MethodPing):
		s.reply(req.ID, map[string]any{})
	case string(mcp.MethodToolsList):
		s.reply(req.ID, map[string]any{"tools": Tools()})
	case string(mcp.MethodToolsCall):
		s.call(req)
	default:
		s.fail(req.ID, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

func (s *server) accepts(version string) bool {
	if len(s.opts.AcceptVersions) == 0 {
		return true
	}
	for _, v := range s.opts.AcceptVersions {
		if v == version {
			return true
		}
	}
	return false
}

func (s *server) call(req *jsonrpc.Request) {
	var params struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.fail(req.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}
	num := func(k string) float64 {
		f, _ := params.Arguments[k].(float64)
		return f
	}
	switch params.Name {
	case "add":
		a, b := num("a"), num("b")
		s.reply(req.ID, mcp.NewToolResultText(fmt.Sprintf("%g + %g = %g", a, b, a+b)))
	case "echo":
		text, _ := params.Arguments["text"].(string)
		s.reply(req.ID, mcp.NewToolResultText(text))
	case "sleep":
		time.Sleep(time.Duration(num("ms")) * time.Millisecond)
		s.reply(req.ID, mcp.NewToolResultText("slept"))
	case "notify":
		s.write(map[string]any{
			"jsonrpc": jsonrpc.Version,
			"method":  "notifications/message",
			"params":  map[string]any{"level": "info", "data": "hello from " + s.opts.Name},
		})
		s.reply(req.ID, mcp.NewToolResultText("notified"))
	case "pid":
		s.reply(req.ID, mcp.NewToolResultText(fmt.Sprintf("%d", os.Getpid())))
	case "ask":
		s.write(map[string]any{
			"jsonrpc": jsonrpc.Version,
			"id":      "ask-1",
			"method":  "sampling/createMessage",
			"params":  map[string]any{"messages": []any{}},
		})
		s.reply(req.ID, mcp.NewToolResultText("asked"))
	case "answers":
		s.mu.Lock()
		b, _ := json.Marshal(s.answers)
		s.mu.Unlock()
		s.reply(req.ID, mcp.NewToolResultText(string(b)))
	case "crash":
		os.Exit(2)
	case "exit":
		os.Exit(0)
	default:
		s.fail(req.ID, jsonrpc.CodeInvalidParams, fmt.Sprintf("unknown tool %q", params.Name))
	}
}
