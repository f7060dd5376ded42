package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"board-realtime/internal/change"
)

var permissionsLogger = loggo.GetLogger("client.permissions")

// DefaultDebounce is how long the watcher waits for permission events to
// settle before recomputing.
const DefaultDebounce = 250 * time.Millisecond

// WatcherState is the observable state of a Watcher.
type WatcherState int

const (
	Synced WatcherState = iota
	StalePendingRecompute
)

func (s WatcherState) String() string {
	switch s {
	case Synced:
		return "synced"
	case StalePendingRecompute:
		return "stale-pending-recompute"
	}
	return fmt.Sprintf("WatcherState(%d)", int(s))
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Identity is the signed-in user.
	Identity string
	// Scope is the workspace or board currently on screen.
	Scope change.Scope
	// WorkspaceID is the workspace owning Scope, when Scope is a board.
	WorkspaceID string

	Clock    clock.Clock
	Debounce time.Duration

	// Recompute reloads the identity's permissions and reports whether
	// Scope is still visible.
	Recompute func(ctx context.Context) (bool, error)

	OnPermissionsUpdated func()
	// OnAccessRevoked is called once when Scope stops being visible; the
	// caller navigates away.
	OnAccessRevoked func(change.Scope)
	// OnNotice carries the user-facing message for a revocation.
	OnNotice func(string)
}

// Validate checks the config.
func (c WatcherConfig) Validate() error {
	if c.Identity == "" {
		return errors.NotValidf("empty Identity")
	}
	if c.Scope.IsZero() {
		return errors.NotValidf("empty Scope")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Debounce <= 0 {
		return errors.NotValidf("non-positive Debounce")
	}
	if c.Recompute == nil {
		return errors.NotValidf("nil Recompute")
	}
	return nil
}

// Watcher tracks whether the client's view of its own permissions is
// current. Role, permission and membership events move it to
// StalePendingRecompute; a debounced Recompute brings it back to Synced.
// Removal of the identity's membership of the viewed scope revokes access
// immediately.
type Watcher struct {
	cfg    WatcherConfig
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       WatcherState
	timer       clock.Timer
	gen         uint64
	recomputing bool
	again       bool
	revoked     bool
	closed      bool
	onClose     []func()
}

// NewWatcher returns a watcher in the Synced state.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{cfg: cfg, ctx: ctx, cancel: cancel}, nil
}

// State returns the current state.
func (w *Watcher) State() WatcherState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Revoked reports whether access to the scope has been revoked.
func (w *Watcher) Revoked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.revoked
}

// Handle feeds one Change Event to the watcher. Events unrelated to
// permissions are ignored.
func (w *Watcher) Handle(ev change.Event) error {
	info, ok := change.LookupKind(ev.Resource)
	if !ok || !info.AffectsAccess() {
		return nil
	}
	if info.Is(change.FlagMembership) {
		if w.removesIdentity(ev, info) {
			w.revoke("membership removed")
			return nil
		}
		if ev.Field(change.UserField) != w.cfg.Identity && ev.OldField(change.UserField) != w.cfg.Identity {
			return nil
		}
	}
	w.markStale()
	return nil
}

// removesIdentity reports whether ev ends the identity's membership of the
// viewed scope or of its workspace.
func (w *Watcher) removesIdentity(ev change.Event, info change.KindInfo) bool {
	if ev.OldField(change.UserField) != w.cfg.Identity {
		return false
	}
	switch ev.Kind {
	case change.Delete:
	case change.Update:
		// Reassigned to someone else.
		if ev.Field(change.UserField) == w.cfg.Identity {
			return false
		}
	default:
		return false
	}
	scopeID := ev.OldField(info.ParentField)
	switch info.Parent {
	case w.cfg.Scope.Kind:
		return scopeID == w.cfg.Scope.ID
	case change.KindWorkspace:
		return scopeID == w.cfg.WorkspaceID
	}
	return false
}

func (w *Watcher) markStale() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.revoked || w.closed {
		return
	}
	w.state = StalePendingRecompute
	if w.recomputing {
		w.again = true
		return
	}
	w.armLocked()
}

// armLocked (re)starts the debounce window.
func (w *Watcher) armLocked() {
	if w.timer != nil {
		w.timer.Stop()
	}
	w.gen++
	gen := w.gen
	w.timer = w.cfg.Clock.AfterFunc(w.cfg.Debounce, func() { w.recompute(gen) })
}

func (w *Watcher) recompute(gen uint64) {
	w.mu.Lock()
	if gen != w.gen || w.revoked || w.closed {
		w.mu.Unlock()
		return
	}
	w.timer = nil
	w.recomputing = true
	w.mu.Unlock()

	visible, err := w.cfg.Recompute(w.ctx)

	w.mu.Lock()
	w.recomputing = false
	if w.revoked || w.closed {
		w.mu.Unlock()
		return
	}
	if err != nil {
		permissionsLogger.Warningf("recomputing permissions of %s: %v", w.cfg.Identity, err)
		// Stay stale; the next permission event retries.
		if w.again {
			w.again = false
			w.armLocked()
		}
		w.mu.Unlock()
		return
	}
	if !visible {
		w.mu.Unlock()
		w.revoke("permissions changed")
		return
	}
	if w.again {
		w.again = false
		w.armLocked()
		w.mu.Unlock()
		return
	}
	w.state = Synced
	w.mu.Unlock()
	if w.cfg.OnPermissionsUpdated != nil {
		w.cfg.OnPermissionsUpdated()
	}
}

// revoke raises the access-revoked signal, at most once.
func (w *Watcher) revoke(reason string) {
	w.mu.Lock()
	if w.revoked || w.closed {
		w.mu.Unlock()
		return
	}
	w.revoked = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	w.mu.Unlock()

	permissionsLogger.Infof("access of %s to %s revoked: %s", w.cfg.Identity, w.cfg.Scope, reason)
	if w.cfg.OnAccessRevoked != nil {
		w.cfg.OnAccessRevoked(w.cfg.Scope)
	}
	if w.cfg.OnNotice != nil {
		w.cfg.OnNotice(fmt.Sprintf("You no longer have access to this %s.", w.cfg.Scope.Kind))
	}
}

// Close stops pending timers and cancels a running recompute.
func (w *Watcher) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.gen++
	onClose := w.onClose
	w.onClose = nil
	w.mu.Unlock()

	w.cancel()
	for _, f := range onClose {
		f()
	}
}
