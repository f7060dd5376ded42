// event.go
package change

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"
)

// EventKind is the mutation that produced a Change Event.
type EventKind string

const (
	Insert EventKind = "INSERT"
	Update EventKind = "UPDATE"
	Delete EventKind = "DELETE"
)

// Valid reports whether k is one of the three known kinds.
func (k EventKind) Valid() bool {
	switch k {
	case Insert, Update, Delete:
		return true
	}
	return false
}

// Event is an immutable record of one committed mutation.
// New is set for INSERT and UPDATE, Old for UPDATE and DELETE.
type Event struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	Kind      EventKind       `json:"eventKind"`
	Resource  string          `json:"resourceKind"`
	EntityID  string          `json:"entityId"`
	New       json.RawMessage `json:"newState,omitempty"`
	Old       json.RawMessage `json:"oldState,omitempty"`
	Timestamp time.Time       `json:"serverTimestamp"`
}

// Version returns the ordering key of the event.
func (e Event) Version() Version {
	return Version{Timestamp: e.Timestamp, Seq: e.Seq}
}

// Ref returns the entity the event is about.
func (e Event) Ref() EntityRef {
	return EntityRef{Kind: e.Resource, ID: e.EntityID}
}

// State returns the most recent known state of the entity: New when
// present, otherwise Old.
func (e Event) State() json.RawMessage {
	if len(e.New) > 0 {
		return e.New
	}
	return e.Old
}

// Field reads a top-level string field from the new state, falling back to
// the old state. It returns "" when neither carries it.
func (e Event) Field(name string) string {
	if len(e.New) > 0 {
		if r := gjson.GetBytes(e.New, name); r.Exists() {
			return r.String()
		}
	}
	if len(e.Old) > 0 {
		if r := gjson.GetBytes(e.Old, name); r.Exists() {
			return r.String()
		}
	}
	return ""
}

// OldField reads a top-level string field from the old state only.
func (e Event) OldField(name string) string {
	if len(e.Old) == 0 {
		return ""
	}
	return gjson.GetBytes(e.Old, name).String()
}

// Version orders events for last-write-wins. Seq is the changelog row id and
// breaks ties between events carrying an identical server timestamp.
type Version struct {
	Timestamp time.Time
	Seq       int64
}

// IsZero reports whether v is the zero version used for optimistic writes.
func (v Version) IsZero() bool {
	return v.Timestamp.IsZero() && v.Seq == 0
}

// Before reports whether v sorts strictly before o.
func (v Version) Before(o Version) bool {
	if !v.Timestamp.Equal(o.Timestamp) {
		return v.Timestamp.Before(o.Timestamp)
	}
	return v.Seq < o.Seq
}
