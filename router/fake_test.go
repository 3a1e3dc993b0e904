package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/guseggert/mcpbridge/backend"
	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

// fakeBackend is an in-process Backend that answers tools/list and tools/call for a fixed set of tools.
type fakeBackend struct {
	name  string
	tools []string
	err   error

	m        sync.Mutex
	notified []string
	subs     []chan pool.Notification
}

func newFakeBackend(name string, tools ...string) *fakeBackend {
	return &fakeBackend{name: name, tools: tools}
}

func (f *fakeBackend) Name() string       { return f.name }
func (f *fakeBackend) Kind() backend.Kind { return backend.KindBinary }

func (f *fakeBackend) InitializeResult() json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"protocolVersion":"2025-03-26","capabilities":{"tools":{}},"serverInfo":{"name":"fake-%s","version":"1.0.0"}}`, f.name))
}

func (f *fakeBackend) Call(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, error) {
	if f.err != nil {
		return nil, f.err
	}
	var result any
	switch req.Method {
	case string(mcp.MethodToolsList):
		var tools []mcp.Tool
		for _, t := range f.tools {
			tools = append(tools, mcp.NewTool(t, mcp.WithDescription("does "+t)))
		}
		result = map[string]any{"tools": tools}
	case string(mcp.MethodToolsCall):
		name := gjson.GetBytes(req.Params, "name").String()
		switch name {
		case "add":
			a := gjson.GetBytes(req.Params, "arguments.a").Float()
			b := gjson.GetBytes(req.Params, "arguments.b").Float()
			result = mcp.NewToolResultText(fmt.Sprintf("%g + %g = %g", a, b, a+b))
		default:
			result = mcp.NewToolResultText(fmt.Sprintf("%s on %s", name, f.name))
		}
	default:
		result = map[string]any{"backend": f.name, "method": req.Method}
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(resp)
}

func (f *fakeBackend) Notify(ctx context.Context, req *jsonrpc.Request) error {
	f.m.Lock()
	defer f.m.Unlock()
	f.notified = append(f.notified, req.Method)
	return nil
}

func (f *fakeBackend) notifications() []string {
	f.m.Lock()
	defer f.m.Unlock()
	return append([]string(nil), f.notified...)
}

func (f *fakeBackend) Subscribe() (<-chan pool.Notification, func()) {
	f.m.Lock()
	defer f.m.Unlock()
	ch := make(chan pool.Notification, 16)
	f.subs = append(f.subs, ch)
	return ch, func() {
		f.m.Lock()
		defer f.m.Unlock()
		for i, s := range f.subs {
			if s == ch {
				f.subs = append(f.subs[:i], f.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (f *fakeBackend) subscribers() int {
	f.m.Lock()
	defer f.m.Unlock()
	return len(f.subs)
}

func (f *fakeBackend) publish(msg string) {
	f.m.Lock()
	defer f.m.Unlock()
	for _, ch := range f.subs {
		ch <- pool.Notification{Backend: f.name, SlotID: "slot-1", Message: json.RawMessage(msg)}
	}
}

func (f *fakeBackend) Stats() pool.Stats {
	return pool.Stats{
		Backend:  f.name,
		Kind:     "binary",
		MinSlots: 1,
		MaxSlots: 3,
		Slots:    []pool.SlotStats{{ID: "slot-1", PID: 42, State: pool.StateIdle}},
	}
}
