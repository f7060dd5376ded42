package client

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"board-realtime/internal/change"
)

var batcherLogger = loggo.GetLogger("client.batcher")

// Policy configures the batching of one event class.
type Policy struct {
	// Delay is how long a window stays open after its first event.
	Delay time.Duration
	// MaxBatchSize flushes early once this many keys are pending.
	MaxBatchSize int
	// DedupeKey maps an event to the key it supersedes within a window.
	// Defaults to EntityKey.
	DedupeKey func(change.Event) string
	// Immediate disables batching: every event is delivered on arrival.
	Immediate bool
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.Immediate {
		return nil
	}
	if p.Delay <= 0 {
		return errors.NotValidf("non-positive Delay")
	}
	if p.MaxBatchSize <= 0 {
		return errors.NotValidf("non-positive MaxBatchSize")
	}
	return nil
}

// EntityKey dedupes events about the same entity.
func EntityKey(ev change.Event) string {
	return ev.Resource + ":" + ev.EntityID
}

// MemberKey dedupes membership events by member and scope, so bulk role
// edits collapse to the final state of each member.
func MemberKey(ev change.Event) string {
	info, _ := change.LookupKind(ev.Resource)
	return ev.Resource + ":" + ev.Field(change.UserField) + ":" + ev.Field(info.ParentField)
}

// BatchPolicies assigns a Policy to each resource kind.
type BatchPolicies struct {
	Kinds   map[string]Policy
	Default Policy
}

// DefaultBatchPolicies returns the stock tiers: a few milliseconds for
// high-frequency entities, a longer window for membership bursts, and no
// batching for structural changes.
func DefaultBatchPolicies() BatchPolicies {
	entity := Policy{Delay: 4 * time.Millisecond, MaxBatchSize: 50, DedupeKey: EntityKey}
	member := Policy{Delay: 150 * time.Millisecond, MaxBatchSize: 200, DedupeKey: MemberKey}
	return BatchPolicies{
		Kinds: map[string]Policy{
			change.KindCard:            entity,
			change.KindColumn:          entity,
			change.KindLabel:           entity,
			change.KindBoardMember:     member,
			change.KindWorkspaceMember: member,
			change.KindWorkspace:       {Immediate: true},
			change.KindInviteLink:      {Immediate: true},
		},
		Default: Policy{Delay: 16 * time.Millisecond, MaxBatchSize: 50, DedupeKey: EntityKey},
	}
}

// Validate checks every policy.
func (p BatchPolicies) Validate() error {
	for kind, policy := range p.Kinds {
		if err := policy.Validate(); err != nil {
			return errors.Annotatef(err, "%s policy", kind)
		}
	}
	return errors.Annotate(p.Default.Validate(), "default policy")
}

// For returns the policy of a resource kind.
func (p BatchPolicies) For(kind string) Policy {
	if policy, ok := p.Kinds[kind]; ok {
		return policy
	}
	return p.Default
}

// Batcher coalesces bursts of events. Within a window the latest event per
// dedupe key wins; the window's timer is never extended, so no event waits
// longer than Delay. On flush, events are delivered in the order their keys
// first appeared.
type Batcher struct {
	clock   clock.Clock
	policy  Policy
	deliver func(change.Event)

	// flushMu serializes deliveries so that batches never interleave.
	flushMu sync.Mutex

	mu      sync.Mutex
	keys    []string
	pending map[string]change.Event
	timer   clock.Timer
	gen     uint64
	closed  bool
}

// NewBatcher returns a batcher handing flushed events to deliver. deliver
// must not call back into the batcher.
func NewBatcher(clk clock.Clock, policy Policy, deliver func(change.Event)) (*Batcher, error) {
	if clk == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if deliver == nil {
		return nil, errors.NotValidf("nil deliver")
	}
	if err := policy.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if policy.DedupeKey == nil {
		policy.DedupeKey = EntityKey
	}
	return &Batcher{
		clock:   clk,
		policy:  policy,
		deliver: deliver,
		pending: make(map[string]change.Event),
	}, nil
}

// Add queues ev. It reports false once the batcher is closed.
func (b *Batcher) Add(ev change.Event) bool {
	if b.policy.Immediate {
		b.mu.Lock()
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return false
		}
		b.flushMu.Lock()
		defer b.flushMu.Unlock()
		b.deliver(ev)
		return true
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	key := b.policy.DedupeKey(ev)
	if _, ok := b.pending[key]; !ok {
		b.keys = append(b.keys, key)
	}
	b.pending[key] = ev
	// One timer per window; later events never re-arm it.
	if b.timer == nil {
		gen := b.gen
		b.timer = b.clock.AfterFunc(b.policy.Delay, func() { b.flushGen(gen) })
	}
	full := len(b.keys) >= b.policy.MaxBatchSize
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return true
}

// Pending returns the number of keys waiting for the next flush.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.keys)
}

// Flush delivers everything pending now.
func (b *Batcher) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	b.deliverAll(batch)
}

// flushGen is the timer callback; it does nothing if the window it was
// armed for has already been flushed or discarded.
func (b *Batcher) flushGen(gen uint64) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked()
	b.mu.Unlock()
	b.deliverAll(batch)
}

// Discard drops everything pending without delivering it.
func (b *Batcher) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.keys); n > 0 {
		batcherLogger.Tracef("discarding %d pending events", n)
	}
	b.takeLocked()
}

// Close discards pending events and rejects new ones.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.takeLocked()
}

func (b *Batcher) takeLocked() []change.Event {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.gen++
	if len(b.keys) == 0 {
		return nil
	}
	batch := make([]change.Event, len(b.keys))
	for i, key := range b.keys {
		batch[i] = b.pending[key]
	}
	b.keys = nil
	clear(b.pending)
	return batch
}

func (b *Batcher) deliverAll(batch []change.Event) {
	for _, ev := range batch {
		b.deliver(ev)
	}
}

// BatchGroup routes events to one Batcher per resource kind.
type BatchGroup struct {
	clock    clock.Clock
	policies BatchPolicies
	deliver  func(change.Event)

	mu       sync.Mutex
	batchers map[string]*Batcher
	closed   bool
}

// NewBatchGroup returns a group handing flushed events to deliver.
func NewBatchGroup(clk clock.Clock, policies BatchPolicies, deliver func(change.Event)) (*BatchGroup, error) {
	if clk == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if deliver == nil {
		return nil, errors.NotValidf("nil deliver")
	}
	if err := policies.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &BatchGroup{
		clock:    clk,
		policies: policies,
		deliver:  deliver,
		batchers: make(map[string]*Batcher),
	}, nil
}

// Add queues ev on the batcher of its resource kind.
func (g *BatchGroup) Add(ev change.Event) bool {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	b, ok := g.batchers[ev.Resource]
	if !ok {
		var err error
		b, err = NewBatcher(g.clock, g.policies.For(ev.Resource), g.deliver)
		if err != nil {
			// Policies were validated up front.
			g.mu.Unlock()
			batcherLogger.Errorf("batcher for %s: %v", ev.Resource, err)
			return false
		}
		g.batchers[ev.Resource] = b
	}
	g.mu.Unlock()
	return b.Add(ev)
}

func (g *BatchGroup) each(f func(*Batcher)) {
	g.mu.Lock()
	batchers := make([]*Batcher, 0, len(g.batchers))
	for _, b := range g.batchers {
		batchers = append(batchers, b)
	}
	g.mu.Unlock()
	for _, b := range batchers {
		f(b)
	}
}

// Flush force-delivers every pending window.
func (g *BatchGroup) Flush() { g.each((*Batcher).Flush) }

// Discard drops every pending window.
func (g *BatchGroup) Discard() { g.each((*Batcher).Discard) }

// Close discards pending windows and rejects new events.
func (g *BatchGroup) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.each((*Batcher).Close)
}
