package client

import (
	"cmp"
	"slices"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/tidwall/gjson"

	"board-realtime/internal/change"
)

var mirrorLogger = loggo.GetLogger("client.mirror")

// Record is one mirrored entity.
type Record struct {
	Kind    string
	ID      string
	Data    json.RawMessage
	Version change.Version
}

type mirrorKind struct {
	records    map[string]Record
	tombstones map[string]change.Version
}

// Mirror is a client-local replica of remote rows, updated only by applying
// Change Events. Every apply is idempotent and guarded by the event version,
// so any delivery order with duplicates converges on the same state.
type Mirror struct {
	mu    sync.RWMutex
	kinds map[string]*mirrorKind
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{kinds: make(map[string]*mirrorKind)}
}

func (m *Mirror) kindLocked(kind string) *mirrorKind {
	k, ok := m.kinds[kind]
	if !ok {
		k = &mirrorKind{
			records:    make(map[string]Record),
			tombstones: make(map[string]change.Version),
		}
		m.kinds[kind] = k
	}
	return k
}

// staleLocked reports whether a write at v is superseded by what the mirror
// already holds for the entity.
func (k *mirrorKind) staleLocked(id string, v change.Version) bool {
	if rec, ok := k.records[id]; ok && !rec.Version.IsZero() && !rec.Version.Before(v) {
		return true
	}
	if t, ok := k.tombstones[id]; ok && !t.Before(v) {
		return true
	}
	return false
}

// ApplyInsert stores data for the entity, replacing an optimistic local
// copy. It reports whether the mirror changed.
func (m *Mirror) ApplyInsert(kind, id string, data []byte, v change.Version) bool {
	return m.upsert(kind, id, data, v)
}

// ApplyUpdate is the same upsert as ApplyInsert: an update for an entity
// the mirror has not loaded yet inserts it. Server states are complete
// rows, so the stored document is replaced.
func (m *Mirror) ApplyUpdate(kind, id string, data []byte, v change.Version) bool {
	return m.upsert(kind, id, data, v)
}

func (m *Mirror) upsert(kind, id string, data []byte, v change.Version) bool {
	if !change.IsObject(data) {
		mirrorLogger.Warningf("ignoring %s %s: state is not an object", kind, id)
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kindLocked(kind)
	if k.staleLocked(id, v) {
		return false
	}
	k.records[id] = Record{Kind: kind, ID: id, Data: append(json.RawMessage(nil), data...), Version: v}
	delete(k.tombstones, id)
	return true
}

// ApplyDelete removes the entity and remembers the deletion so that older
// events arriving late cannot bring it back. Deleting an absent entity is a
// no-op apart from the tombstone.
func (m *Mirror) ApplyDelete(kind, id string, v change.Version) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kindLocked(kind)
	if k.staleLocked(id, v) {
		return false
	}
	k.tombstones[id] = v
	if _, ok := k.records[id]; ok {
		delete(k.records, id)
		return true
	}
	return false
}

// Apply dispatches ev to the matching apply method.
func (m *Mirror) Apply(ev change.Event) bool {
	v := ev.Version()
	switch ev.Kind {
	case change.Insert:
		return m.ApplyInsert(ev.Resource, ev.EntityID, ev.New, v)
	case change.Update:
		return m.ApplyUpdate(ev.Resource, ev.EntityID, ev.New, v)
	case change.Delete:
		return m.ApplyDelete(ev.Resource, ev.EntityID, v)
	}
	mirrorLogger.Warningf("ignoring event %s with kind %q", ev.ID, ev.Kind)
	return false
}

// PutOptimistic stores a local write ahead of server confirmation. It
// carries the zero version, so the confirming event always replaces it.
func (m *Mirror) PutOptimistic(kind, id string, data []byte) error {
	if !change.IsObject(data) {
		return errors.NotValidf("%s %s document", kind, id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kindLocked(kind)
	rec := k.records[id]
	k.records[id] = Record{Kind: kind, ID: id, Data: append(json.RawMessage(nil), data...), Version: rec.Version}
	return nil
}

// PatchOptimistic merges top-level fields into a mirrored entity ahead of
// server confirmation.
func (m *Mirror) PatchOptimistic(kind, id string, patch []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := m.kindLocked(kind)
	rec, ok := k.records[id]
	if !ok {
		return errors.NotFoundf("%s %s", kind, id)
	}
	merged, err := change.MergeFields(rec.Data, patch)
	if err != nil {
		return errors.Trace(err)
	}
	rec.Data = merged
	k.records[id] = rec
	return nil
}

// ClearAll forgets everything, tombstones included. Used on sign-out and
// workspace switch.
func (m *Mirror) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.kinds)
}

// Get returns the mirrored document of an entity.
func (m *Mirror) Get(kind, id string) (json.RawMessage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kinds[kind]
	if !ok {
		return nil, false
	}
	rec, ok := k.records[id]
	return rec.Data, ok
}

// Find returns the records of kind accepted by match, ordered by id.
func (m *Mirror) Find(kind string, match func(Record) bool) []Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kinds[kind]
	if !ok {
		return nil
	}
	var out []Record
	for _, rec := range k.records {
		if match == nil || match(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b Record) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// List returns every record of kind, ordered by id.
func (m *Mirror) List(kind string) []Record {
	return m.Find(kind, nil)
}

// Where returns the records of kind whose top-level field equals value.
func (m *Mirror) Where(kind, field, value string) []Record {
	return m.Find(kind, func(rec Record) bool {
		r := gjson.GetBytes(rec.Data, gjson.Escape(field))
		return r.Exists() && r.String() == value
	})
}

// Len returns the number of records of kind.
func (m *Mirror) Len(kind string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k, ok := m.kinds[kind]; ok {
		return len(k.records)
	}
	return 0
}
