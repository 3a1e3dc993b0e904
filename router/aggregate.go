package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/julienschmidt/httprouter"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"golang.org/x/sync/errgroup"
)

// ToolSeparator joins a backend name and a tool name in the aggregated namespace.
const ToolSeparator = "__"

func (rt *Router) aggregatePost(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	req, ok := rt.readRequest(w, r, aggregateNamespace)
	if !ok {
		return
	}

	switch {
	case req.Method == string(mcp.MethodInitialize):
		result := rt.initializeResult(req)
		rt.startSession(w, aggregateNamespace, result.ProtocolVersion)
		rt.writeResult(w, req, result)
	case req.IsNotification():
		var first Backend
		if backends := rt.sortedBackends(); len(backends) > 0 {
			first = backends[0]
		}
		rt.notify(w, r, req, first)
	case req.Method == string(mcp.MethodPing):
		rt.writeResult(w, req, struct{}{})
	case req.Method == string(mcp.MethodToolsList):
		result, err := rt.listTools(r.Context(), req)
		if err != nil {
			rt.writeCallResult(w, req, nil, err)
			return
		}
		rt.writeResult(w, req, result)
	case req.Method == string(mcp.MethodToolsCall):
		resp, err := rt.callTool(r.Context(), req)
		rt.writeCallResult(w, req, resp, err)
	default:
		// Everything else goes to the first backend by name. This keeps single-backend clients working and
		// should not be relied on for anything that needs a specific backend.
		backends := rt.sortedBackends()
		if len(backends) == 0 {
			rt.writeCallResult(w, req, nil, ErrNoBackends)
			return
		}
		resp, err := backends[0].Call(r.Context(), req)
		rt.writeCallResult(w, req, resp, err)
	}
}

func (rt *Router) aggregateGet(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	backends := rt.sortedBackends()
	if wantsEventStream(r) {
		rt.serveEvents(w, r, backends)
		return
	}
	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	rt.writeJSON(w, http.StatusOK, struct {
		ServerInfo       mcp.Implementation `json:"serverInfo"`
		ProtocolVersions []string           `json:"protocolVersions"`
		Backends         []string           `json:"backends"`
		Sessions         int                `json:"sessions"`
	}{
		ServerInfo:       rt.serverInfo,
		ProtocolVersions: pool.SupportedProtocolVersions,
		Backends:         names,
		Sessions:         rt.sessions.count(aggregateNamespace),
	})
}

type toolList struct {
	Tools []json.RawMessage `json:"tools"`
}

// listTools asks every backend for its tools concurrently and merges the answers in backend-name order.
// A backend that fails or answers with an error is left out rather than failing the whole list.
func (rt *Router) listTools(ctx context.Context, req *jsonrpc.Request) (*toolList, error) {
	backends := rt.sortedBackends()
	lists := make([][]json.RawMessage, len(backends))

	var group errgroup.Group
	for i, b := range backends {
		group.Go(func() error {
			resp, err := b.Call(ctx, req)
			if err == nil {
				lists[i], err = namespaceTools(b.Name(), resp)
			}
			if err != nil {
				rt.log.Warnw("leaving backend out of tools/list", "Backend", b.Name(), "Error", err)
			}
			return nil
		})
	}
	_ = group.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := &toolList{Tools: []json.RawMessage{}}
	for _, l := range lists {
		result.Tools = append(result.Tools, l...)
	}
	return result, nil
}

// namespaceTools extracts the tools from a tools/list response, prefixing each name with the backend name
// and tagging each description with it.
func namespaceTools(backendName string, resp json.RawMessage) ([]json.RawMessage, error) {
	if e := gjson.GetBytes(resp, "error"); e.Exists() && e.Type != gjson.Null {
		return nil, fmt.Errorf("backend returned error %d: %s", e.Get("code").Int(), e.Get("message").String())
	}
	tools := gjson.GetBytes(resp, "result.tools")
	if !tools.IsArray() {
		return nil, errors.New("response has no tools array")
	}

	var out []json.RawMessage
	for _, tool := range tools.Array() {
		raw := []byte(tool.Raw)
		raw, err := sjson.SetBytes(raw, "name", backendName+ToolSeparator+tool.Get("name").String())
		if err != nil {
			return nil, fmt.Errorf("renaming tool: %w", err)
		}
		desc := "[" + backendName + "]"
		if d := tool.Get("description").String(); d != "" {
			desc += " " + d
		}
		raw, err = sjson.SetBytes(raw, "description", desc)
		if err != nil {
			return nil, fmt.Errorf("annotating tool: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

// splitToolName resolves a namespaced tool name to a backend and the backend's own tool name.
// The longest matching backend name wins, so backends whose names contain the separator still resolve.
func (rt *Router) splitToolName(name string) (Backend, string, error) {
	if !strings.Contains(name, ToolSeparator) {
		return nil, "", fmt.Errorf("%w: %q has no backend prefix", ErrToolNotFound, name)
	}
	var match Backend
	for _, b := range rt.sortedBackends() {
		prefix := b.Name() + ToolSeparator
		if len(name) > len(prefix) && strings.HasPrefix(name, prefix) {
			if match == nil || len(b.Name()) > len(match.Name()) {
				match = b
			}
		}
	}
	if match == nil {
		prefix, _, _ := strings.Cut(name, ToolSeparator)
		return nil, "", fmt.Errorf("%w: %q", ErrBackendNotFound, prefix)
	}
	return match, strings.TrimPrefix(name, match.Name()+ToolSeparator), nil
}

func (rt *Router) callTool(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, error) {
	name := gjson.GetBytes(req.Params, "name").String()
	b, tool, err := rt.splitToolName(name)
	if err != nil {
		return nil, err
	}
	params, err := sjson.SetBytes(req.Params, "name", tool)
	if err != nil {
		return nil, fmt.Errorf("rewriting tool name: %w", err)
	}
	out := *req
	out.Params = params
	rt.log.Debugw("routing tool call", "Tool", name, "Backend", b.Name())
	return b.Call(ctx, &out)
}
