package router

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

func newTestServer(t *testing.T, backends []Backend, opts ...Option) (*Router, *httptest.Server) {
	rt := New(append([]Option{WithLogger(log)}, opts...)...)
	rt.SetBackends(backends)
	s := httptest.NewServer(rt)
	t.Cleanup(s.Close)
	return rt, s
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, b
}

func post(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodPost, url, body, nil)
}

func TestBackendCallPreservesIDs(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")})

	for _, id := range []string{`0`, `"abc"`, `12345`} {
		t.Run(id, func(t *testing.T) {
			resp, b := post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","id":`+id+`,"method":"tools/call","params":{"name":"add","arguments":{"a":2,"b":3}}}`)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, id, gjson.GetBytes(b, "id").Raw)
			assert.Equal(t, "2 + 3 = 5", gjson.GetBytes(b, "result.content.0.text").String())
		})
	}
}

func TestProtocolErrors(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")})

	cases := []struct {
		name      string
		path      string
		body      string
		headers   map[string]string
		expStatus int
		expCode   int
		expID     string
	}{
		{
			name:      "wrong version literal",
			path:      "/backend/calc",
			body:      `{"jsonrpc":"1.0","id":7,"method":"tools/list"}`,
			expStatus: http.StatusBadRequest,
			expCode:   jsonrpc.CodeInvalidRequest,
			expID:     `7`,
		},
		{
			name:      "unparsable body",
			path:      "/backend/calc",
			body:      `{"jsonrpc":`,
			expStatus: http.StatusBadRequest,
			expCode:   jsonrpc.CodeParseError,
			expID:     `null`,
		},
		{
			name:      "missing method",
			path:      "/",
			body:      `{"jsonrpc":"2.0","id":"x"}`,
			expStatus: http.StatusBadRequest,
			expCode:   jsonrpc.CodeInvalidRequest,
			expID:     `"x"`,
		},
		{
			name:      "unsupported protocol version header",
			path:      "/backend/calc",
			body:      `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			headers:   map[string]string{HeaderProtocolVersion: "1999-01-01"},
			expStatus: http.StatusBadRequest,
			expCode:   jsonrpc.CodeInvalidRequest,
			expID:     `1`,
		},
		{
			name:      "unknown backend",
			path:      "/backend/nope",
			body:      `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			expStatus: http.StatusNotFound,
			expCode:   jsonrpc.CodeInternalError,
			expID:     `1`,
		},
		{
			name:      "unknown session",
			path:      "/backend/calc",
			body:      `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`,
			headers:   map[string]string{HeaderSessionID: "no-such-session"},
			expStatus: http.StatusNotFound,
			expCode:   jsonrpc.CodeInvalidRequest,
			expID:     `1`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			resp, b := do(t, http.MethodPost, s.URL+c.path, c.body, c.headers)
			assert.Equal(t, c.expStatus, resp.StatusCode)
			assert.Equal(t, int64(c.expCode), gjson.GetBytes(b, "error.code").Int())
			assert.Equal(t, c.expID, gjson.GetBytes(b, "id").Raw)
		})
	}
}

func TestBackendErrorsAreInternalErrors(t *testing.T) {
	broken := newFakeBackend("broken")
	broken.err = pool.ErrAcquisitionTimeout
	_, s := newTestServer(t, []Backend{broken})

	resp, b := post(t, s.URL+"/backend/broken", `{"jsonrpc":"2.0","id":"q","method":"tools/list"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `"q"`, gjson.GetBytes(b, "id").Raw)
	assert.Equal(t, int64(jsonrpc.CodeInternalError), gjson.GetBytes(b, "error.code").Int())
	assert.Contains(t, gjson.GetBytes(b, "error.message").String(), pool.ErrAcquisitionTimeout.Error())
}

func TestSessions(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")})
	url := s.URL + "/backend/calc"

	resp, b := post(t, url, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-03-26"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sessionID := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "2025-03-26", gjson.GetBytes(b, "result.protocolVersion").String())
	assert.Equal(t, "fake-calc", gjson.GetBytes(b, "result.serverInfo.name").String())

	headers := map[string]string{HeaderSessionID: sessionID}
	resp, _ = do(t, http.MethodPost, url, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`, headers)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, sessionID, resp.Header.Get(HeaderSessionID))

	// sessions are scoped to their namespace
	resp, _ = do(t, http.MethodPost, s.URL+"/", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, headers)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, url, "", headers)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, url, "", headers)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, url, "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, url, `{"jsonrpc":"2.0","id":4,"method":"tools/list"}`, headers)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStrictSessions(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")}, WithStrictSessions(true))
	url := s.URL + "/backend/calc"
	call := `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`

	resp, _ := post(t, url, call)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "no session is required before one exists")

	resp, _ = post(t, url, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sessionID := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sessionID)

	resp, b := post(t, url, call)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int64(jsonrpc.CodeInvalidRequest), gjson.GetBytes(b, "error.code").Int())

	resp, _ = do(t, http.MethodPost, url, call, map[string]string{HeaderSessionID: sessionID})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNotifications(t *testing.T) {
	calc := newFakeBackend("calc", "add")
	_, s := newTestServer(t, []Backend{calc})

	resp, b := post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, b)

	resp, _ = post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":1}}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = post(t, s.URL+"/mcp", `{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, []string{"notifications/cancelled", "notifications/roots/list_changed"}, calc.notifications())
}

func TestBackendStatus(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")})

	resp, b := do(t, http.MethodGet, s.URL+"/backend/calc", "", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "calc", gjson.GetBytes(b, "name").String())
	assert.Equal(t, "running", gjson.GetBytes(b, "status").String())
	assert.Equal(t, "fake-calc", gjson.GetBytes(b, "initialize.serverInfo.name").String())
	assert.Equal(t, int64(len(pool.SupportedProtocolVersions)), gjson.GetBytes(b, "protocolVersions.#").Int())

	resp, _ = do(t, http.MethodGet, s.URL+"/backend/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestToolRoutes(t *testing.T) {
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add", "sub")})

	resp, b := do(t, http.MethodGet, s.URL+"/backend/calc/tools", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int64(2), gjson.GetBytes(b, "result.tools.#").Int())

	resp, b = post(t, s.URL+"/backend/calc/tools/add", `{"a":2,"b":3}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "2 + 3 = 5", gjson.GetBytes(b, "result.content.0.text").String())

	resp, _ = post(t, s.URL+"/backend/calc/tools/add", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthAndActivity(t *testing.T) {
	var activity atomic.Int64
	_, s := newTestServer(t, []Backend{newFakeBackend("calc", "add"), newFakeBackend("files", "read")},
		WithActivityHook(func() { activity.Add(1) }))

	resp, b := do(t, http.MethodGet, s.URL+"/health", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", gjson.GetBytes(b, "status").String())
	assert.Equal(t, `["calc","files"]`, gjson.GetBytes(b, "backends").Raw)
	assert.Equal(t, int64(0), activity.Load())

	resp, b = do(t, http.MethodGet, s.URL+"/backends", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "calc", gjson.GetBytes(b, "backends.0.name").String())
	assert.Equal(t, "binary", gjson.GetBytes(b, "backends.0.kind").String())
	assert.Equal(t, "running", gjson.GetBytes(b, "backends.0.status").String())
	assert.Equal(t, int64(42), gjson.GetBytes(b, "backends.1.stats.slots.0.pid").Int())
	assert.Equal(t, int64(1), activity.Load())

	post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	assert.Equal(t, int64(2), activity.Load())
}

func TestCORS(t *testing.T) {
	_, s := newTestServer(t, nil)

	resp, _ := do(t, http.MethodOptions, s.URL+"/backend/calc", "", map[string]string{"Origin": "http://example.com"})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Headers"), HeaderSessionID)

	resp, _ = do(t, http.MethodGet, s.URL+"/health", "", nil)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSetBackends(t *testing.T) {
	rt, s := newTestServer(t, []Backend{newFakeBackend("calc", "add")})

	resp, _ := post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	sessionID := resp.Header.Get(HeaderSessionID)
	require.NotEmpty(t, sessionID)

	rt.SetBackends([]Backend{newFakeBackend("files", "read")})

	resp, _ = post(t, s.URL+"/backend/calc", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = post(t, s.URL+"/backend/files", `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the session died with its backend
	rt.SetBackends([]Backend{newFakeBackend("calc", "add")})
	resp, _ = do(t, http.MethodPost, s.URL+"/backend/calc", `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`, map[string]string{HeaderSessionID: sessionID})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventStream(t *testing.T) {
	calc := newFakeBackend("calc", "add")
	_, s := newTestServer(t, []Backend{calc}, WithPingInterval(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/backend/calc", nil)
	require.NoError(t, err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return calc.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	calc.publish(`{"jsonrpc":"2.0","method":"notifications/message","params":{"data":"hi"}}`)

	var sawPing, sawMessage bool
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() && !(sawPing && sawMessage) {
		line := scanner.Text()
		if line == `data: {"type":"ping"}` {
			sawPing = true
		}
		if strings.HasPrefix(line, "data: ") && gjson.Get(strings.TrimPrefix(line, "data: "), "params.data").String() == "hi" {
			sawMessage = true
		}
	}
	assert.True(t, sawPing)
	assert.True(t, sawMessage)

	cancel()
	assert.Eventually(t, func() bool { return calc.subscribers() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket(t *testing.T) {
	calc := newFakeBackend("calc", "add")
	files := newFakeBackend("files", "read")
	_, s := newTestServer(t, []Backend{calc, files})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/backend/calc/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return calc.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, files.subscribers())
	calc.publish(`{"jsonrpc":"2.0","method":"notifications/progress"}`)

	var n pool.Notification
	require.NoError(t, wsjson.Read(ctx, conn, &n))
	assert.Equal(t, "calc", n.Backend)
	assert.Equal(t, "notifications/progress", gjson.GetBytes(n.Message, "method").String())

	agg, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(s.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer agg.Close(websocket.StatusNormalClosure, "")
	require.Eventually(t, func() bool { return files.subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)
	files.publish(`{"jsonrpc":"2.0","method":"notifications/resources/updated"}`)

	require.NoError(t, wsjson.Read(ctx, agg, &n))
	assert.Equal(t, "files", n.Backend)
}

func TestFailingBackendIsSkipped(t *testing.T) {
	broken := newFakeBackend("broken", "x")
	broken.err = errors.New("boom")
	_, s := newTestServer(t, []Backend{broken, newFakeBackend("calc", "add")})

	_, b := post(t, s.URL+"/", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	assert.Equal(t, `["calc__add"]`, gjson.GetBytes(b, "result.tools.#.name").Raw)
}
