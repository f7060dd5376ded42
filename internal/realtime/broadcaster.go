// broadcaster.go
package realtime

import (
	"context"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/oklog/ulid/v2"

	"board-realtime/internal/change"
)

var broadcastLogger = loggo.GetLogger("realtime.broadcaster")

// Broadcaster turns committed mutations into Change Events and fans them out
// to every channel that addresses them, re-checking access per connection.
type Broadcaster struct {
	hub     *Hub
	cache   *AccessCache
	clock   clock.Clock
	metrics *Metrics

	// mu serializes Publish so events leave in the order they were committed.
	mu sync.Mutex
}

// NewBroadcaster returns a broadcaster delivering through hub.
func NewBroadcaster(hub *Hub, cache *AccessCache, clk clock.Clock, metrics *Metrics) *Broadcaster {
	return &Broadcaster{hub: hub, cache: cache, clock: clk, metrics: metrics}
}

// target is one channel an event goes to, and the scope a subscriber must
// see to receive it there.
type target struct {
	key   change.ChannelKey
	scope change.Scope
	// owner, when set, restricts delivery to that identity and replaces
	// the scope check.
	owner string
}

// Publish implements Publisher.
func (b *Broadcaster) Publish(ctx context.Context, m Mutation) error {
	info, ok := change.LookupKind(m.Resource)
	if !ok {
		return errors.NotValidf("resource kind %q", m.Resource)
	}
	if !m.Kind.Valid() {
		return errors.NotValidf("event kind %q", m.Kind)
	}
	if m.EntityID == "" {
		return errors.NotValidf("mutation without entity id")
	}

	ev := change.Event{
		ID:        ulid.Make().String(),
		Seq:       m.Seq,
		Kind:      m.Kind,
		Resource:  m.Resource,
		EntityID:  m.EntityID,
		New:       m.New,
		Old:       m.Old,
		Timestamp: m.Timestamp,
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	// Scope resolution comes first: a delete removes the row the resolver
	// would read, but the cached parent still knows where it lived.
	scopes, resolveErr := b.parentScopes(ctx, ev, info, m.Hints)
	if resolveErr != nil && !errors.Is(resolveErr, errors.NotFound) {
		// Nothing has been delivered or invalidated yet, so the caller can
		// publish the same mutation again.
		return errors.Annotatef(resolveErr, "publishing %s %s", ev.Resource, ev.EntityID)
	}
	if b.metrics != nil {
		b.metrics.Published.WithLabelValues(ev.Resource).Inc()
	}
	own, isScope := change.ScopeOf(ev.Ref())

	b.invalidate(ev, info, scopes, own, isScope)

	var access change.Scope
	switch {
	case isScope:
		access = own
	case len(scopes) > 0:
		access = scopes[0]
	}

	targets := b.targets(ctx, ev, scopes, own, isScope, access)
	b.deliver(ctx, ev, info, targets)

	if resolveErr != nil && access.IsZero() {
		return errors.Annotatef(resolveErr, "%s %s delivered to owners only", ev.Resource, ev.EntityID)
	}
	return nil
}

// parentScopes resolves the enclosing scope of the event's entity. An update
// that moved the entity yields the new scope first and the old one second.
func (b *Broadcaster) parentScopes(ctx context.Context, ev change.Event, info change.KindInfo, hints Hints) ([]change.Scope, error) {
	if info.Parent == "" {
		return nil, nil
	}
	nearest := change.NearestScopeKind(info.Name)
	if id := hints[nearest]; id != "" {
		return []change.Scope{{Kind: nearest, ID: id}}, nil
	}

	ref := ev.Ref()
	var parents []change.EntityRef
	if id := ev.Field(info.ParentField); id != "" {
		parents = append(parents, change.EntityRef{Kind: info.Parent, ID: id})
	}
	if id := ev.OldField(info.ParentField); id != "" && (len(parents) == 0 || parents[0].ID != id) {
		parents = append(parents, change.EntityRef{Kind: info.Parent, ID: id})
	}
	if len(parents) > 0 && ev.Kind != change.Delete {
		b.cache.Remember(ref, parents[0])
	}

	var (
		scopes  []change.Scope
		lastErr error
	)
	if len(parents) == 0 {
		scope, err := b.cache.ResolveScope(ctx, ref)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return []change.Scope{scope}, nil
	}
	for _, parent := range parents {
		scope, err := b.cache.ResolveScope(ctx, parent)
		if err != nil && !errors.Is(err, errors.NotFound) {
			return nil, errors.Trace(err)
		} else if err != nil {
			lastErr = err
			broadcastLogger.Warningf("cannot resolve scope of %s via %s: %v", ref, parent, err)
			continue
		}
		if len(scopes) == 0 || scopes[0] != scope {
			scopes = append(scopes, scope)
		}
	}
	if len(scopes) == 0 {
		return nil, errors.Trace(lastErr)
	}
	return scopes, nil
}

// invalidate drops cached decisions the mutation may have changed. It runs
// before delivery so the per-connection checks below see the new state.
func (b *Broadcaster) invalidate(ev change.Event, info change.KindInfo, scopes []change.Scope, own change.Scope, isScope bool) {
	if ev.Kind != change.Insert {
		b.cache.ForgetEntity(ev.Ref())
	}
	if info.AffectsAccess() {
		for _, scope := range scopes {
			b.cache.InvalidateScope(scope)
		}
		if info.Is(change.FlagMembership) {
			for _, user := range []string{ev.Field(change.UserField), ev.OldField(change.UserField)} {
				if user != "" {
					b.cache.InvalidateIdentity(user)
				}
			}
		}
	}
	// A workspace changing owner or a board changing workspace changes who
	// may see it; a new one replaces any earlier negative decision.
	if isScope {
		b.cache.InvalidateScope(own)
	}
}

func (b *Broadcaster) targets(ctx context.Context, ev change.Event, scopes []change.Scope, own change.Scope, isScope bool, access change.Scope) []target {
	var out []target
	add := func(t target) {
		for _, existing := range out {
			if existing.key == t.key {
				return
			}
		}
		out = append(out, t)
	}

	add(target{key: change.GlobalKey(ev.Resource), scope: access})
	for _, scope := range scopes {
		add(target{key: change.ScopeKey(scope), scope: scope})
	}
	if isScope {
		add(target{key: change.ScopeKey(own), scope: own})
	}
	add(target{key: change.EntityKey(ev.Resource, ev.EntityID), scope: access})

	for _, key := range b.hub.rowsKeys(ev.Resource) {
		if !key.Matches(ev) {
			continue
		}
		if key.Field == change.UserField {
			add(target{key: key, owner: key.Value})
			continue
		}
		scope, ref, _ := key.Scope()
		if scope.IsZero() {
			var err error
			if scope, err = b.cache.ResolveScope(ctx, ref); err != nil {
				broadcastLogger.Debugf("skipping %s: %v", key, err)
				continue
			}
		}
		add(target{key: key, scope: scope})
	}
	return out
}

type accessDecision struct {
	identity string
	scope    change.Scope
}

func (b *Broadcaster) deliver(ctx context.Context, ev change.Event, info change.KindInfo, targets []target) {
	payload, err := json.Marshal(ev)
	if err != nil {
		broadcastLogger.Errorf("marshaling event %s: %v", ev.ID, err)
		return
	}

	// A membership row is always shown to the member it names, so a removed
	// user observes the removal on channels it can no longer see.
	var named []string
	if info.Is(change.FlagMembership) {
		named = []string{ev.Field(change.UserField), ev.OldField(change.UserField)}
	}
	isNamed := func(identity string) bool {
		for _, n := range named {
			if n != "" && n == identity {
				return true
			}
		}
		return false
	}

	decisions := make(map[accessDecision]bool)
	allowed := func(identity string, scope change.Scope) (bool, string) {
		if scope.IsZero() {
			return false, "unresolved"
		}
		d := accessDecision{identity: identity, scope: scope}
		if ok, seen := decisions[d]; seen {
			return ok, "forbidden"
		}
		ok, err := b.cache.CheckAccess(ctx, identity, scope)
		if err != nil {
			decisions[d] = false
			return false, "error"
		}
		decisions[d] = ok
		return ok, "forbidden"
	}

	var slow []*Connection
	delivered := 0
	for _, t := range targets {
		conns := b.hub.subscribers(t.key)
		if len(conns) == 0 {
			continue
		}
		frame, err := json.Marshal(change.ServerFrame{Type: change.FrameChange, Channel: t.key.String(), Event: payload})
		if err != nil {
			broadcastLogger.Errorf("marshaling frame for %s: %v", t.key, err)
			continue
		}
		for _, c := range conns {
			ok, reason := false, "forbidden"
			switch {
			case isNamed(c.Identity):
				ok = true
			case t.owner != "":
				ok = t.owner == c.Identity
			default:
				ok, reason = allowed(c.Identity, t.scope)
			}
			if !ok {
				b.skip(reason)
				continue
			}
			if !c.enqueue(frame) {
				b.skip("slow")
				slow = append(slow, c)
				continue
			}
			delivered++
		}
	}
	if b.metrics != nil {
		b.metrics.Delivered.Add(float64(delivered))
	}
	if broadcastLogger.IsTraceEnabled() {
		broadcastLogger.Tracef("%s %s %s: %d frames over %d channels", ev.Kind, ev.Resource, ev.EntityID, delivered, len(targets))
	}

	for _, c := range slow {
		hubLogger.Warningf("closing connection %s for %s: send queue full", c.ID, c.Identity)
		b.hub.Disconnect(c)
	}
}

func (b *Broadcaster) skip(reason string) {
	if b.metrics != nil {
		b.metrics.Skipped.WithLabelValues(reason).Inc()
	}
}
