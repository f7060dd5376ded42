// hub.go
package realtime

import (
	"context"
	"slices"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"board-realtime/internal/change"
)

var hubLogger = loggo.GetLogger("realtime.hub")

const (
	DefaultReconnectGrace = 2 * time.Minute
	DefaultSendBuffer     = 256
)

// HubConfig configures a Hub.
type HubConfig struct {
	Cache *AccessCache
	Clock clock.Clock

	// ReconnectGrace is how long the channel set of an identity without a
	// live connection is kept for a reconnect to inherit.
	ReconnectGrace time.Duration
	// SweepInterval is how often expired channel sets are collected.
	SweepInterval time.Duration
	// SendBuffer is the per-connection queue length. A connection whose
	// queue is full is closed as a slow consumer.
	SendBuffer int

	Metrics *Metrics
}

// Validate checks the configuration.
func (c HubConfig) Validate() error {
	if c.Cache == nil {
		return errors.NotValidf("nil Cache")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.ReconnectGrace <= 0 {
		return errors.NotValidf("non-positive ReconnectGrace")
	}
	if c.SweepInterval <= 0 {
		return errors.NotValidf("non-positive SweepInterval")
	}
	if c.SendBuffer <= 0 {
		return errors.NotValidf("non-positive SendBuffer")
	}
	return nil
}

// Connection is one live websocket session of an identity.
type Connection struct {
	ID       string
	Identity string
	Created  time.Time

	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool

	// keys is guarded by the hub mutex.
	keys map[change.ChannelKey]struct{}
}

// enqueue queues msg without blocking. It reports false when the connection
// is closed or its queue is full.
func (c *Connection) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Connection) sendFrame(f change.ServerFrame) bool {
	msg, err := json.Marshal(f)
	if err != nil {
		hubLogger.Errorf("marshaling %s frame: %v", f.Type, err)
		return false
	}
	return c.enqueue(msg)
}

// close closes the send queue; the write pump then closes the socket.
func (c *Connection) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// channelSet is the durable list of channels of one identity. It outlives
// the connection that built it by the reconnect grace period.
type channelSet struct {
	keys       []change.ChannelKey
	live       *Connection
	detachedAt time.Time
}

func (s *channelSet) add(key change.ChannelKey) {
	if !slices.Contains(s.keys, key) {
		s.keys = append(s.keys, key)
	}
}

func (s *channelSet) remove(key change.ChannelKey) {
	s.keys = slices.DeleteFunc(s.keys, func(k change.ChannelKey) bool { return k == key })
}

// Hub is the Connection Manager. It tracks live connections, their channel
// memberships and the per-identity channel sets that survive reconnects.
// The mutex is never held across an access check.
type Hub struct {
	cfg HubConfig

	mu       sync.RWMutex
	conns    map[*Connection]struct{}
	sets     map[string]*channelSet
	channels map[change.ChannelKey]map[*Connection]struct{}
	// rows indexes the active rows channels by resource kind, so the
	// broadcaster only evaluates filters that somebody listens to.
	rows map[string]map[change.ChannelKey]struct{}

	tomb tomb.Tomb
}

// NewHub returns a hub. Start runs its janitor.
func NewHub(cfg HubConfig) (*Hub, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &Hub{
		cfg:      cfg,
		conns:    make(map[*Connection]struct{}),
		sets:     make(map[string]*channelSet),
		channels: make(map[change.ChannelKey]map[*Connection]struct{}),
		rows:     make(map[string]map[change.ChannelKey]struct{}),
	}, nil
}

// Start runs the janitor loop until Kill.
func (h *Hub) Start() {
	h.tomb.Go(h.loop)
}

// Kill stops the janitor and closes every connection.
func (h *Hub) Kill() { h.tomb.Kill(nil) }

// Wait waits for the hub to stop.
func (h *Hub) Wait() error { return h.tomb.Wait() }

// Dying is closed when the hub starts shutting down.
func (h *Hub) Dying() <-chan struct{} { return h.tomb.Dying() }

func (h *Hub) loop() error {
	for {
		select {
		case <-h.tomb.Dying():
			h.closeAll()
			return tomb.ErrDying
		case <-h.cfg.Clock.After(h.cfg.SweepInterval):
			if n := h.Sweep(); n > 0 {
				hubLogger.Debugf("collected %d expired channel sets", n)
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		h.Disconnect(c)
	}
}

func (h *Hub) setMetrics(connsDelta, joinsDelta float64) {
	if h.cfg.Metrics == nil {
		return
	}
	if connsDelta != 0 {
		h.cfg.Metrics.Connections.Add(connsDelta)
	}
	if joinsDelta != 0 {
		h.cfg.Metrics.ChannelJoins.Add(joinsDelta)
	}
}

// Connect registers a new connection for identity. If the identity already
// has a channel set, either from a live connection or from one that dropped
// within the grace period, the new connection inherits it: every key is
// re-authorized and re-joined, a subscribed frame is queued per restored key
// and a session_ready frame lists them. A live duplicate is force-closed.
func (h *Hub) Connect(ctx context.Context, identity string, ws *websocket.Conn) *Connection {
	c := &Connection{
		ID:       uuid.NewString(),
		Identity: identity,
		Created:  h.cfg.Clock.Now(),
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		keys:     make(map[change.ChannelKey]struct{}),
	}

	h.mu.Lock()
	var (
		stale     *Connection
		inherited []change.ChannelKey
	)
	set, ok := h.sets[identity]
	if !ok {
		set = &channelSet{}
		h.sets[identity] = set
	} else {
		stale = set.live
		inherited = slices.Clone(set.keys)
		set.keys = set.keys[:0]
	}
	var left int
	if stale != nil {
		left = h.removeLocked(stale)
	}
	set.live = c
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	if stale != nil {
		stale.close()
		h.setMetrics(-1, -float64(left))
		hubLogger.Infof("identity %s reconnected; closed stale connection %s", identity, stale.ID)
	}
	h.setMetrics(1, 0)

	restored := []string{}
	for _, key := range inherited {
		if err := h.authorize(ctx, identity, key); err != nil {
			hubLogger.Debugf("dropping %s for %s on reconnect: %v", key, identity, err)
			c.sendFrame(change.ServerFrame{Type: change.FrameSubscriptionError, Channel: key.String(), Error: err.Error()})
			continue
		}
		if h.join(c, key) {
			c.sendFrame(change.ServerFrame{Type: change.FrameSubscribed, Channel: key.String()})
			restored = append(restored, key.String())
		}
	}
	c.sendFrame(change.ServerFrame{Type: change.FrameSessionReady, Channels: restored})
	hubLogger.Debugf("connection %s for %s ready with %d restored channels", c.ID, identity, len(restored))
	return c
}

// Subscribe authorizes and joins key. A rejected key is reported to the
// client with a subscription_error frame; the connection stays usable.
func (h *Hub) Subscribe(ctx context.Context, c *Connection, key change.ChannelKey) error {
	err := key.Validate()
	if err == nil {
		err = h.authorize(ctx, c.Identity, key)
	}
	if err != nil {
		hubLogger.Debugf("rejecting %s for %s: %v", key, c.Identity, err)
		c.sendFrame(change.ServerFrame{Type: change.FrameSubscriptionError, Channel: key.String(), Error: err.Error()})
		return errors.Trace(err)
	}
	if !h.join(c, key) {
		return errors.NotFoundf("connection %s", c.ID)
	}
	c.sendFrame(change.ServerFrame{Type: change.FrameSubscribed, Channel: key.String()})
	return nil
}

// Reject reports a malformed request for channel to the client.
func (h *Hub) Reject(c *Connection, channel string, err error) {
	c.sendFrame(change.ServerFrame{Type: change.FrameSubscriptionError, Channel: channel, Error: err.Error()})
}

// Unsubscribe leaves key and drops it from the identity's channel set.
func (h *Hub) Unsubscribe(c *Connection, key change.ChannelKey) {
	h.mu.Lock()
	left := h.leaveLocked(c, key)
	if set, ok := h.sets[c.Identity]; ok && set.live == c {
		set.remove(key)
	}
	h.mu.Unlock()
	if left {
		h.setMetrics(0, -1)
	}
	c.sendFrame(change.ServerFrame{Type: change.FrameUnsubscribed, Channel: key.String()})
}

// Disconnect removes c from the active set. The identity's channel set is
// kept for the reconnect grace period. Disconnect is idempotent.
func (h *Hub) Disconnect(c *Connection) {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		c.close()
		return
	}
	left := h.removeLocked(c)
	if set, ok := h.sets[c.Identity]; ok && set.live == c {
		set.live = nil
		set.detachedAt = h.cfg.Clock.Now()
	}
	h.mu.Unlock()

	c.close()
	h.setMetrics(-1, -float64(left))
	hubLogger.Debugf("connection %s for %s disconnected", c.ID, c.Identity)
}

// Sweep drops the channel sets of identities that have had no live
// connection for longer than the grace period, and returns how many.
func (h *Hub) Sweep() int {
	now := h.cfg.Clock.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for identity, set := range h.sets {
		if set.live == nil && now.Sub(set.detachedAt) >= h.cfg.ReconnectGrace {
			delete(h.sets, identity)
			n++
		}
	}
	return n
}

// authorize decides whether identity may join key. Global channels are
// filtered per event at delivery time. Rows channels filtered on userId are
// only open to that user.
func (h *Hub) authorize(ctx context.Context, identity string, key change.ChannelKey) error {
	if key.Type == change.KeyGlobal {
		return nil
	}
	if key.Type == change.KeyRows && key.Field == change.UserField {
		if key.Value != identity {
			return errors.Forbiddenf("%s may not watch rows of %s", identity, key.Value)
		}
		return nil
	}
	scope, ref, ok := key.Scope()
	if !ok {
		return errors.NotValidf("channel %s", key)
	}
	if scope.IsZero() {
		var err error
		if scope, err = h.cfg.Cache.ResolveScope(ctx, ref); errors.Is(err, errors.NotFound) {
			return errors.Forbiddenf("%s on %s", identity, key)
		} else if err != nil {
			return errors.Annotatef(err, "resolving %s", key)
		}
	}
	allowed, err := h.cfg.Cache.CheckAccess(ctx, identity, scope)
	if err != nil {
		return errors.Trace(err)
	}
	if !allowed {
		return errors.Forbiddenf("%s on %s", identity, key)
	}
	return nil
}

// join adds c to key. It reports false if c is no longer connected.
func (h *Hub) join(c *Connection, key change.ChannelKey) bool {
	h.mu.Lock()
	if _, ok := h.conns[c]; !ok {
		h.mu.Unlock()
		return false
	}
	_, already := c.keys[key]
	if !already {
		subs, ok := h.channels[key]
		if !ok {
			subs = make(map[*Connection]struct{})
			h.channels[key] = subs
		}
		subs[c] = struct{}{}
		c.keys[key] = struct{}{}
		if key.Type == change.KeyRows {
			idx, ok := h.rows[key.Resource]
			if !ok {
				idx = make(map[change.ChannelKey]struct{})
				h.rows[key.Resource] = idx
			}
			idx[key] = struct{}{}
		}
	}
	if set, ok := h.sets[c.Identity]; ok && set.live == c {
		set.add(key)
	}
	h.mu.Unlock()

	if !already {
		h.setMetrics(0, 1)
	}
	return true
}

func (h *Hub) leaveLocked(c *Connection, key change.ChannelKey) bool {
	if _, ok := c.keys[key]; !ok {
		return false
	}
	delete(c.keys, key)
	if subs, ok := h.channels[key]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.channels, key)
			if idx, ok := h.rows[key.Resource]; ok && key.Type == change.KeyRows {
				delete(idx, key)
				if len(idx) == 0 {
					delete(h.rows, key.Resource)
				}
			}
		}
	}
	return true
}

// removeLocked takes c out of every channel and the active set, leaving the
// identity's channel set untouched. It returns the number of channels left.
func (h *Hub) removeLocked(c *Connection) int {
	n := 0
	for key := range c.keys {
		if h.leaveLocked(c, key) {
			n++
		}
	}
	delete(h.conns, c)
	return n
}

// subscribers returns a snapshot of the connections joined to key.
func (h *Hub) subscribers(key change.ChannelKey) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := h.channels[key]
	if len(subs) == 0 {
		return nil
	}
	out := make([]*Connection, 0, len(subs))
	for c := range subs {
		out = append(out, c)
	}
	return out
}

// rowsKeys returns the active rows channels of a resource kind.
func (h *Hub) rowsKeys(kind string) []change.ChannelKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	idx := h.rows[kind]
	out := make([]change.ChannelKey, 0, len(idx))
	for key := range idx {
		out = append(out, key)
	}
	return out
}

// Channels returns the channel set retained for identity, in join order.
func (h *Hub) Channels(identity string) []change.ChannelKey {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if set, ok := h.sets[identity]; ok {
		return slices.Clone(set.keys)
	}
	return nil
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// SubscriberCount returns the number of connections joined to key.
func (h *Hub) SubscriberCount(key change.ChannelKey) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[key])
}
