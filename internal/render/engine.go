// Package render turns a generated document outline into a paginated PDF.
package render

import (
	"context"
	"errors"

	"github.com/funnelsmith/api/internal/model"
)

// ErrDisconnected is returned by an engine whose backing session is gone
var ErrDisconnected = errors.New("render engine disconnected")

// Artifact is a rendered document
type Artifact struct {
	Data  []byte
	Pages int
}

// Engine renders documents. An engine serves one render at a time; the pool
// guarantees exclusive use.
type Engine interface {
	Render(ctx context.Context, doc *model.Document) (*Artifact, error)
	// Connected reports whether the engine can still be used
	Connected() bool
	Close() error
}

// Launcher starts a new engine instance
type Launcher func(ctx context.Context) (Engine, error)
