package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/julienschmidt/httprouter"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

func supportedVersion(v string) bool {
	for _, s := range pool.SupportedProtocolVersions {
		if s == v {
			return true
		}
	}
	return false
}

func latestVersion() string {
	return pool.SupportedProtocolVersions[len(pool.SupportedProtocolVersions)-1]
}

// readRequest decodes a JSON-RPC envelope and checks the protocol-version and session headers against namespace.
// If it returns false, an error response has already been written.
func (rt *Router) readRequest(w http.ResponseWriter, r *http.Request, namespace string) (*jsonrpc.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		rt.writeRPCError(w, http.StatusBadRequest, nil, jsonrpc.CodeParseError, fmt.Sprintf("reading body: %s", err))
		return nil, false
	}
	req, rpcErr := jsonrpc.DecodeRequest(body)
	if rpcErr != nil {
		var id json.RawMessage
		if req != nil {
			id = req.ID
		}
		rt.writeJSON(w, http.StatusBadRequest, &jsonrpc.Response{JSONRPC: jsonrpc.Version, ID: orNull(id), Error: rpcErr})
		return nil, false
	}

	if v := r.Header.Get(HeaderProtocolVersion); v != "" && !supportedVersion(v) {
		rt.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeInvalidRequest, fmt.Sprintf("unsupported protocol version %q", v))
		return nil, false
	}

	if req.Method == string(mcp.MethodInitialize) {
		return req, true
	}
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		if rt.strictSessions && rt.sessions.count(namespace) > 0 {
			rt.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeInvalidRequest, "missing "+HeaderSessionID+" header")
			return nil, false
		}
		return req, true
	}
	if _, ok := rt.sessions.get(sessionID, namespace); !ok {
		rt.writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeInvalidRequest, fmt.Sprintf("session %q not found", sessionID))
		return nil, false
	}
	w.Header().Set(HeaderSessionID, sessionID)
	return req, true
}

func orNull(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}

// writeCallResult writes a backend response verbatim, or turns err into an internal error carrying the caller's id.
func (rt *Router) writeCallResult(w http.ResponseWriter, req *jsonrpc.Request, resp json.RawMessage, err error) {
	if err != nil {
		rt.log.Debugw("call failed", "Method", req.Method, "Error", err)
		rt.writeRPCError(w, http.StatusOK, req.ID, jsonrpc.CodeInternalError, err.Error())
		return
	}
	rt.writeRaw(w, http.StatusOK, resp)
}

func (rt *Router) writeResult(w http.ResponseWriter, req *jsonrpc.Request, result any) {
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		rt.writeRPCError(w, http.StatusOK, req.ID, jsonrpc.CodeInternalError, err.Error())
		return
	}
	rt.writeJSON(w, http.StatusOK, resp)
}

// notify handles a client notification. The initialized notification is absorbed, since every process
// already completed its own handshake.
func (rt *Router) notify(w http.ResponseWriter, r *http.Request, req *jsonrpc.Request, b Backend) {
	if req.Method != jsonrpc.MethodInitialized && b != nil {
		ctx := context.WithoutCancel(r.Context())
		err := b.Notify(ctx, req)
		if err != nil {
			rt.log.Warnw("error delivering notification", "Backend", b.Name(), "Method", req.Method, "Error", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (rt *Router) startSession(w http.ResponseWriter, namespace, version string) {
	sess := rt.sessions.create(namespace, version)
	w.Header().Set(HeaderSessionID, sess.ID)
	rt.log.Debugw("session started", "Session", sess.ID, "Namespace", namespace, "ProtocolVersion", version)
}

func (rt *Router) backendPost(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	req, ok := rt.readRequest(w, r, name)
	if !ok {
		return
	}
	b, ok := rt.backend(name)
	if !ok {
		rt.writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("%s: %q", ErrBackendNotFound, name))
		return
	}

	switch {
	case req.Method == string(mcp.MethodInitialize):
		var result any
		var version string
		if cached := b.InitializeResult(); cached != nil {
			result = cached
			version = gjson.GetBytes(cached, "protocolVersion").String()
		} else {
			ir := rt.initializeResult(req)
			result = ir
			version = ir.ProtocolVersion
		}
		rt.startSession(w, name, version)
		rt.writeResult(w, req, result)
	case req.IsNotification():
		rt.notify(w, r, req, b)
	default:
		resp, err := b.Call(r.Context(), req)
		rt.writeCallResult(w, req, resp, err)
	}
}

func (rt *Router) backendDelete(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	rt.deleteSession(w, r, params.ByName("name"))
}

func (rt *Router) aggregateDelete(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rt.deleteSession(w, r, aggregateNamespace)
}

func (rt *Router) deleteSession(w http.ResponseWriter, r *http.Request, namespace string) {
	id := r.Header.Get(HeaderSessionID)
	if id == "" || !rt.sessions.remove(id, namespace) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	rt.log.Debugw("session terminated", "Session", id, "Namespace", namespace)
	w.WriteHeader(http.StatusNoContent)
}

func (rt *Router) backendGet(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	b, ok := rt.backend(name)
	if !ok {
		http.Error(w, fmt.Sprintf("%s: %q", ErrBackendNotFound, name), http.StatusNotFound)
		return
	}
	if wantsEventStream(r) {
		rt.serveEvents(w, r, []Backend{b})
		return
	}
	rt.writeJSON(w, http.StatusOK, struct {
		backendStatus
		ProtocolVersions []string        `json:"protocolVersions"`
		Initialize       json.RawMessage `json:"initialize,omitempty"`
		Sessions         int             `json:"sessions"`
	}{
		backendStatus:    status(b),
		ProtocolVersions: pool.SupportedProtocolVersions,
		Initialize:       b.InitializeResult(),
		Sessions:         rt.sessions.count(name),
	})
}

// backendTools lists a backend's tools without a JSON-RPC envelope in the request.
func (rt *Router) backendTools(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: string(mcp.MethodToolsList)}
	b, ok := rt.backend(name)
	if !ok {
		rt.writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("%s: %q", ErrBackendNotFound, name))
		return
	}
	resp, err := b.Call(r.Context(), req)
	rt.writeCallResult(w, req, resp, err)
}

// backendToolCall calls a tool with the request body as its arguments object.
func (rt *Router) backendToolCall(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	name := params.ByName("name")
	req := &jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: json.RawMessage(`1`), Method: string(mcp.MethodToolsCall)}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		rt.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeParseError, fmt.Sprintf("reading body: %s", err))
		return
	}
	args := json.RawMessage(bytes.TrimSpace(body))
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	} else if !gjson.ValidBytes(args) || !gjson.ParseBytes(args).IsObject() {
		rt.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeInvalidParams, "arguments must be a JSON object")
		return
	}
	req.Params, err = json.Marshal(struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}{Name: params.ByName("tool"), Arguments: args})
	if err != nil {
		rt.writeRPCError(w, http.StatusBadRequest, req.ID, jsonrpc.CodeInvalidParams, err.Error())
		return
	}

	b, ok := rt.backend(name)
	if !ok {
		rt.writeRPCError(w, http.StatusNotFound, req.ID, jsonrpc.CodeInternalError, fmt.Sprintf("%s: %q", ErrBackendNotFound, name))
		return
	}
	resp, err := b.Call(r.Context(), req)
	rt.writeCallResult(w, req, resp, err)
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

// initializeResult is the gateway's own answer to initialize. It echoes the requested version if it is supported.
func (rt *Router) initializeResult(req *jsonrpc.Request) initializeResult {
	version := gjson.GetBytes(req.Params, "protocolVersion").String()
	if !supportedVersion(version) {
		version = latestVersion()
	}
	return initializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      rt.serverInfo,
	}
}
