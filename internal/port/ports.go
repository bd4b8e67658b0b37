// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the service
// layer from concrete implementations.
package port

import (
	"context"

	"github.com/autocontrolpro/edge-agent-go/internal/domain"
)

// Gateway wraps outbound HTTP calls to the AutoControl cloud backend.
//
// Implementations classify failures into the domain error taxonomy:
// *domain.ErrUnavailable for no-response failures (network, timeout,
// open circuit), *domain.ErrUnauthorized for HTTP 401, and
// *domain.ErrBackend for any other non-2xx response.
type Gateway interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Put(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string) error

	// SetToken installs the session token attached to subsequent calls.
	// An empty token clears it.
	SetToken(token string)
}

// FallbackStore is the durable local key/value store mirroring each
// entity collection. It is a durability backstop, never a read path:
// reads for display always go through the in-memory collections.
// Only the state container writes to it.
type FallbackStore interface {
	// Get returns the raw JSON stored under key, or (nil, nil) when the
	// key has never been written.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
	Close() error
}

// Notifier surfaces user-facing notifications to the local UI.
// Implementations may panic on internal defects; callers are expected
// to recover and downgrade rather than let a toast break a mutation.
type Notifier interface {
	Notify(n domain.Notification)
}
