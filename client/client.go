package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/router"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const maxLineSize = 32 << 20

// Client forwards JSON-RPC messages read from a local stdio peer to a gateway over HTTP.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	url                      string
	customizeRetryableClient func(*retryablehttp.Client)
	retryMax                 int
	retryWait                time.Duration

	mut             sync.Mutex
	sessionID       string
	protocolVersion string
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.Logger = l
	}
}

// WithRetries sets how many times a request that failed at the transport level is retried, and the wait between tries.
func WithRetries(max int, wait time.Duration) Option {
	return func(c *Client) {
		c.retryMax = max
		c.retryWait = wait
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) Option {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Endpoint returns the MCP endpoint on the gateway at baseURL. An empty backend selects the aggregated endpoint.
func Endpoint(baseURL, backend string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	if backend == "" {
		return baseURL + "/mcp"
	}
	return baseURL + "/backend/" + url.PathEscape(backend)
}

// New builds a client that posts every message to the given endpoint URL.
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		Logger:    zap.NewNop().Sugar(),
		url:       endpoint,
		retryMax:  3,
		retryWait: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Logger = c.Logger.Named("client")

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.retryMax
	retryClient.RetryWaitMin = c.retryWait
	retryClient.RetryWaitMax = 4 * c.retryWait
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

// SessionID is the session the gateway assigned on initialize, if any.
func (c *Client) SessionID() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.sessionID
}

// Send posts a single message and returns the response body.
// Notifications return a nil body. Failures that leave no usable response are returned as errors.
func (c *Client) Send(ctx context.Context, msg []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.mut.Lock()
	if c.sessionID != "" {
		req.Header.Set(router.HeaderSessionID, c.sessionID)
	}
	if c.protocolVersion != "" {
		req.Header.Set(router.HeaderProtocolVersion, c.protocolVersion)
	}
	c.mut.Unlock()

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request over HTTP: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound && c.SessionID() != "" {
		// the gateway no longer knows the session, most likely it restarted
		c.Logger.Infow("session expired", "SessionID", c.SessionID())
		c.mut.Lock()
		c.sessionID = ""
		c.protocolVersion = ""
		c.mut.Unlock()
	}
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("unexpected HTTP status code %d with non-JSON body: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	if sid := resp.Header.Get(router.HeaderSessionID); sid != "" {
		c.mut.Lock()
		c.sessionID = sid
		if v := gjson.GetBytes(body, "result.protocolVersion"); v.Exists() {
			c.protocolVersion = v.String()
		}
		c.mut.Unlock()
	}
	return body, nil
}

// Run copies newline-delimited messages from in to the gateway and writes each response to out as one line.
// It returns when in is exhausted or ctx is done.
func (c *Client) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	w := bufio.NewWriter(out)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := c.forward(ctx, line)
		if resp == nil {
			continue
		}
		if _, err := w.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("writing response: %w", err)
		}
		if err := w.Flush(); err != nil {
			return fmt.Errorf("flushing response: %w", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading input: %w", err)
	}
	return nil
}

// forward returns the line to write back to the peer, or nil when there is nothing to write.
func (c *Client) forward(ctx context.Context, line []byte) []byte {
	if !gjson.ValidBytes(line) {
		c.Logger.Warnw("dropping malformed input line", "Line", string(line))
		return nil
	}
	method := gjson.GetBytes(line, "method")
	idResult := gjson.GetBytes(line, "id")
	var id json.RawMessage
	if idResult.Exists() {
		id = json.RawMessage(idResult.Raw)
	}
	if !method.Exists() {
		// answers to server-initiated requests have nowhere to go over plain POST
		c.Logger.Debugw("dropping response from peer", "ID", idResult.Raw)
		return nil
	}

	c.Logger.Debugw("forwarding message", "Method", method.String(), "ID", idResult.Raw)
	body, err := c.Send(ctx, line)
	if err != nil {
		c.Logger.Errorw("error forwarding message", "Method", method.String(), "Error", err)
		if jsonrpc.IsNullID(id) {
			return nil
		}
		b, merr := json.Marshal(jsonrpc.NewError(id, jsonrpc.CodeInternalError, err.Error()))
		if merr != nil {
			c.Logger.Errorw("error marshaling error response", "Error", merr)
			return nil
		}
		return b
	}
	if body == nil {
		return nil
	}
	return compact(body)
}

func compact(b []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, b); err != nil {
		return bytes.TrimSpace(b)
	}
	return buf.Bytes()
}
