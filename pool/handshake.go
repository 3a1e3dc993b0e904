package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
)

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    mcp.ClientCapabilities `json:"capabilities"`
	ClientInfo      mcp.Implementation     `json:"clientInfo"`
}

func (p *Pool) protocolVersions() []string {
	if p.pinnedVersion != "" {
		return []string{p.pinnedVersion}
	}
	return SupportedProtocolVersions
}

// handshake runs initialize against a freshly started process, trying each protocol version in turn until one is
// accepted, then sends the initialized notification. A version rejected with a JSON-RPC error moves on to the next
// candidate; a dead process or an expired ctx ends the handshake immediately.
func (p *Pool) handshake(ctx context.Context, s *Slot) error {
	var lastErr error
	for _, version := range p.protocolVersions() {
		params, err := json.Marshal(initializeParams{
			ProtocolVersion: version,
			ClientInfo:      p.clientInfo,
		})
		if err != nil {
			return fmt.Errorf("marshaling initialize params: %w", err)
		}
		resp, err := s.roundTrip(ctx, &jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			ID:      json.RawMessage(`"initialize"`),
			Method:  string(mcp.MethodInitialize),
			Params:  params,
		}, 0)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("%w: no initialize response within %s", ErrHandshakeFailure, p.handshakeTimeout)
			}
			return fmt.Errorf("%w: %s", ErrHandshakeFailure, err)
		}

		if e := gjson.GetBytes(resp, "error"); e.Exists() && e.Type != gjson.Null {
			lastErr = fmt.Errorf("version %s rejected: %s", version, e.Get("message").String())
			s.log.Debugw("protocol version rejected", "Version", version, "Error", e.Raw)
			continue
		}
		result := gjson.GetBytes(resp, "result")
		if !result.IsObject() {
			lastErr = fmt.Errorf("version %s: initialize response has no result", version)
			continue
		}

		negotiated := result.Get("protocolVersion").String()
		if negotiated == "" {
			negotiated = version
		}
		p.mu.Lock()
		s.protocolVersion = negotiated
		s.initResult = json.RawMessage(result.Raw)
		p.mu.Unlock()

		err = s.notify(&jsonrpc.Request{
			JSONRPC: jsonrpc.Version,
			Method:  jsonrpc.MethodInitialized,
		})
		if err != nil {
			return fmt.Errorf("%w: sending initialized notification: %s", ErrHandshakeFailure, err)
		}
		return nil
	}
	return fmt.Errorf("%w: no protocol version accepted: %s", ErrHandshakeFailure, lastErr)
}
