package router

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/guseggert/mcpbridge/backend"
	"github.com/guseggert/mcpbridge/internal/jsonrpc"
	"github.com/guseggert/mcpbridge/pool"
)

var (
	ErrBackendNotFound = errors.New("backend not found")
	ErrToolNotFound    = errors.New("tool not found")
	ErrNoBackends      = errors.New("no backends are ready")
)

// Backend is a ready backend as seen by the router. *pool.Pool satisfies it.
type Backend interface {
	Name() string
	Kind() backend.Kind
	Call(ctx context.Context, req *jsonrpc.Request) (json.RawMessage, error)
	Notify(ctx context.Context, req *jsonrpc.Request) error
	// InitializeResult is the backend's cached handshake result, nil if it has not completed one.
	InitializeResult() json.RawMessage
	Subscribe() (<-chan pool.Notification, func())
	Stats() pool.Stats
}

var _ Backend = (*pool.Pool)(nil)
