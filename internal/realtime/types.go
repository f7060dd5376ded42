// types.go
package realtime

import (
	"context"
	"net/http"
	"time"

	json "github.com/goccy/go-json"

	"board-realtime/internal/change"
)

// Mutation is a committed change handed to the Change Broadcaster by the
// business-logic layer (here: the changelog processor).
type Mutation struct {
	Seq       int64
	Kind      change.EventKind
	Resource  string
	EntityID  string
	New       json.RawMessage
	Old       json.RawMessage
	Timestamp time.Time
	// Hints maps a kind to the id of the entity's ancestor of that kind,
	// when the caller already knows it.
	Hints Hints
}

// Hints are explicit scope hints, keyed by resource kind.
type Hints map[string]string

// Authenticator resolves the identity behind a websocket handshake.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// AccessChecker answers whether identity may see scope.
type AccessChecker interface {
	HasAccess(ctx context.Context, identity string, scope change.Scope) (bool, error)
}

// ParentResolver returns the direct parent of an entity.
type ParentResolver interface {
	Parent(ctx context.Context, ref change.EntityRef) (change.EntityRef, error)
}

// Publisher accepts committed mutations for fan-out. A NotValid or NotFound
// error means the mutation can never be routed; any other error means it
// should be published again later.
type Publisher interface {
	Publish(ctx context.Context, m Mutation) error
}

// Document is a stored entity as returned by the resource API.
type Document struct {
	Kind string          `json:"kind"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// errorPayload is the body of a failed API call.
type errorPayload struct {
	Error string `json:"error"`
}
