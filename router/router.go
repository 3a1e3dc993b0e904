package router

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/julienschmidt/httprouter"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"
)

const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"

	// maxBodySize bounds a single JSON-RPC request body.
	maxBodySize = 32 << 20
)

// Router is the HTTP surface of the gateway. The set of backends can be swapped at any time with SetBackends.
type Router struct {
	log            *zap.SugaredLogger
	serverInfo     mcp.Implementation
	pingInterval   time.Duration
	strictSessions bool
	activity       func()

	mu       sync.RWMutex
	backends map[string]Backend
	names    []string

	sessions *sessionStore
	handler  http.Handler
}

type Option func(r *Router)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// WithActivityHook is called on every request except health checks.
func WithActivityHook(f func()) Option {
	return func(r *Router) {
		r.activity = f
	}
}

// WithStrictSessions requires the session header on every call to a namespace that has live sessions.
func WithStrictSessions(strict bool) Option {
	return func(r *Router) {
		r.strictSessions = strict
	}
}

// WithPingInterval sets how often keep-alive events are written to event streams.
func WithPingInterval(d time.Duration) Option {
	return func(r *Router) {
		r.pingInterval = d
	}
}

func WithServerInfo(name, version string) Option {
	return func(r *Router) {
		r.serverInfo = mcp.Implementation{Name: name, Version: version}
	}
}

func New(opts ...Option) *Router {
	rt := &Router{
		log:          zap.NewNop().Sugar(),
		serverInfo:   mcp.Implementation{Name: "mcpbridge", Version: "0.1.0"},
		pingInterval: 30 * time.Second,
		backends:     map[string]Backend{},
		sessions:     newSessionStore(),
	}
	for _, o := range opts {
		o(rt)
	}
	rt.log = rt.log.Named("router")

	router := httprouter.New()
	router.GET("/health", rt.health)
	router.GET("/backends", rt.listBackends)

	router.POST("/backend/:name", rt.backendPost)
	router.GET("/backend/:name", rt.backendGet)
	router.DELETE("/backend/:name", rt.backendDelete)
	router.GET("/backend/:name/ws", rt.backendWS)
	router.GET("/backend/:name/tools", rt.backendTools)
	router.POST("/backend/:name/tools/:tool", rt.backendToolCall)

	for _, path := range []string{"/", "/mcp"} {
		router.POST(path, rt.aggregatePost)
		router.GET(path, rt.aggregateGet)
		router.DELETE(path, rt.aggregateDelete)
	}
	router.GET("/ws", rt.aggregateWS)

	rt.handler = rt.cors(rt.track(router))
	return rt
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.handler.ServeHTTP(w, r)
}

// SetBackends replaces the routed backend set. Sessions belonging to backends that are no longer present are dropped.
func (rt *Router) SetBackends(backends []Backend) {
	m := make(map[string]Backend, len(backends))
	names := make([]string, 0, len(backends))
	keep := map[string]bool{}
	for _, b := range backends {
		m[b.Name()] = b
		names = append(names, b.Name())
		keep[b.Name()] = true
	}
	sort.Strings(names)

	rt.mu.Lock()
	rt.backends = m
	rt.names = names
	rt.mu.Unlock()

	rt.sessions.retain(keep)
	rt.log.Infow("routing backends", "Backends", names)
}

func (rt *Router) backend(name string) (Backend, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	b, ok := rt.backends[name]
	return b, ok
}

// sortedBackends returns the current backends ordered by name.
func (rt *Router) sortedBackends() []Backend {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	out := make([]Backend, 0, len(rt.names))
	for _, name := range rt.names {
		out = append(out, rt.backends[name])
	}
	return out
}

func (rt *Router) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" && rt.activity != nil {
			rt.activity()
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization, "+HeaderSessionID+", "+HeaderProtocolVersion)
		h.Set("Access-Control-Expose-Headers", HeaderSessionID)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rt *Router) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		rt.log.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(b)
	if err != nil {
		rt.log.Debugf("error writing response: %s", err)
	}
}

func (rt *Router) writeRaw(w http.ResponseWriter, status int, b []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err := w.Write(b)
	if err != nil {
		rt.log.Debugf("error writing response: %s", err)
	}
}

func (rt *Router) writeRPCError(w http.ResponseWriter, status int, id json.RawMessage, code int, msg string) {
	rt.writeJSON(w, status, jsonrpc.NewError(id, code, msg))
}

func (rt *Router) health(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	rt.mu.RLock()
	names := append([]string{}, rt.names...)
	rt.mu.RUnlock()
	rt.writeJSON(w, http.StatusOK, struct {
		Status   string   `json:"status"`
		Backends []string `json:"backends"`
	}{
		Status:   "healthy",
		Backends: names,
	})
}

type backendStatus struct {
	Name   string     `json:"name"`
	Kind   string     `json:"kind"`
	Status string     `json:"status"`
	Stats  pool.Stats `json:"stats"`
}

func status(b Backend) backendStatus {
	stats := b.Stats()
	st := "stopped"
	for _, s := range stats.Slots {
		if s.State != pool.StateTerminated {
			st = "running"
			break
		}
	}
	return backendStatus{
		Name:   b.Name(),
		Kind:   b.Kind().String(),
		Status: st,
		Stats:  stats,
	}
}

func (rt *Router) listBackends(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	backends := rt.sortedBackends()
	resp := struct {
		Backends []backendStatus `json:"backends"`
	}{Backends: make([]backendStatus, 0, len(backends))}
	for _, b := range backends {
		resp.Backends = append(resp.Backends, status(b))
	}
	rt.writeJSON(w, http.StatusOK, resp)
}
