package client

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"board-realtime/internal/change"
)

// SessionConfig configures a Session.
type SessionConfig struct {
	Conn     ConnConfig
	Policies BatchPolicies
	Clock    clock.Clock
}

// Session is the client side of one signed-in identity: a connection, the
// subscription registry on top of it and the local mirror fed by it.
type Session struct {
	clock    clock.Clock
	policies BatchPolicies

	conn     *Conn
	registry *Registry
	store    *Mirror

	mu       sync.Mutex
	groups   map[*BatchGroup]struct{}
	watchers map[*Watcher]struct{}
	closed   bool
}

// NewSession connects and returns a ready session.
func NewSession(cfg SessionConfig) (*Session, error) {
	if cfg.Clock == nil {
		return nil, errors.NotValidf("nil Clock")
	}
	if cfg.Policies.Kinds == nil {
		cfg.Policies = DefaultBatchPolicies()
	}
	if err := cfg.Policies.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Conn.Clock == nil {
		cfg.Conn.Clock = cfg.Clock
	}
	conn, err := Dial(cfg.Conn)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Session{
		clock:    cfg.Clock,
		policies: cfg.Policies,
		conn:     conn,
		registry: NewRegistry(conn),
		store:    NewMirror(),
		groups:   make(map[*BatchGroup]struct{}),
		watchers: make(map[*Watcher]struct{}),
	}, nil
}

// Registry returns the session's subscription registry.
func (s *Session) Registry() *Registry { return s.registry }

// Store returns the session's local mirror.
func (s *Session) Store() *Mirror { return s.store }

// Mirror keeps the local mirror in sync with key until detached.
func (s *Session) Mirror(key change.ChannelKey) (func(), error) {
	apply := func(ev change.Event) error {
		s.store.Apply(ev)
		return nil
	}
	return s.registry.Subscribe(key, HandlerSet{On(ClassAny, apply)})
}

// Watch delivers the events of key to handlers through the session's batch
// policies. Detaching discards any batched events not yet delivered.
func (s *Session) Watch(key change.ChannelKey, handlers HandlerSet) (func(), error) {
	var (
		detachOnce sync.Once
		detached   bool
		mu         sync.Mutex
	)
	deliver := func(ev change.Event) {
		mu.Lock()
		gone := detached
		mu.Unlock()
		if gone {
			return
		}
		class := ClassOf(ev)
		for _, h := range handlers {
			if h.Class != class && h.Class != ClassAny {
				continue
			}
			if err := callHandler(h.Handle, ev); err != nil {
				registryLogger.Warningf("watcher of %s: %s handler: %v", key, class, err)
			}
		}
	}
	for _, h := range handlers {
		if h.Handle == nil {
			return nil, errors.NotValidf("nil handler for %s", h.Class)
		}
	}
	group, err := NewBatchGroup(s.clock, s.policies, deliver)
	if err != nil {
		return nil, errors.Trace(err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.Errorf("session closed")
	}
	s.groups[group] = struct{}{}
	s.mu.Unlock()

	unsubscribe, err := s.registry.Subscribe(key, HandlerSet{On(ClassAny, func(ev change.Event) error {
		group.Add(ev)
		return nil
	})})
	if err != nil {
		s.dropGroup(group)
		return nil, errors.Trace(err)
	}
	return func() {
		detachOnce.Do(func() {
			unsubscribe()
			mu.Lock()
			detached = true
			mu.Unlock()
			s.dropGroup(group)
		})
	}, nil
}

func (s *Session) dropGroup(group *BatchGroup) {
	group.Close()
	s.mu.Lock()
	delete(s.groups, group)
	s.mu.Unlock()
}

// WatchPermissions builds a permission watcher for cfg.Identity, fed by the
// identity's own membership rows and, when known, the workspace channel
// that carries role changes. cfg.Clock defaults to the session clock.
func (s *Session) WatchPermissions(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Clock == nil {
		cfg.Clock = s.clock
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = DefaultDebounce
	}
	w, err := NewWatcher(cfg)
	if err != nil {
		return nil, errors.Trace(err)
	}
	keys := []change.ChannelKey{
		change.RowsKey(change.KindBoardMember, change.UserField, cfg.Identity),
		change.RowsKey(change.KindWorkspaceMember, change.UserField, cfg.Identity),
	}
	workspaceID := cfg.WorkspaceID
	if cfg.Scope.Kind == change.KindWorkspace {
		workspaceID = cfg.Scope.ID
	}
	if workspaceID != "" {
		keys = append(keys, change.ScopeKey(change.Scope{Kind: change.KindWorkspace, ID: workspaceID}))
	}
	for _, key := range keys {
		detach, err := s.registry.Subscribe(key, HandlerSet{
			On(ClassMembership, w.Handle),
			On(ClassRole, w.Handle),
		})
		if err != nil {
			w.Close()
			return nil, errors.Trace(err)
		}
		w.onClose = append(w.onClose, detach)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		w.Close()
		return nil, errors.Errorf("session closed")
	}
	s.watchers[w] = struct{}{}
	return w, nil
}

// Close stops every watcher and subscription and closes the connection.
// The mirror keeps its contents.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	groups, watchers := s.groups, s.watchers
	s.groups, s.watchers = nil, nil
	s.mu.Unlock()

	for w := range watchers {
		w.Close()
	}
	for g := range groups {
		g.Close()
	}
	s.registry.Close()
	return errors.Trace(s.conn.Close())
}

// SignOut closes the session and clears the mirror so nothing leaks into
// the next identity's session.
func (s *Session) SignOut() error {
	err := s.Close()
	s.store.ClearAll()
	return errors.Trace(err)
}
