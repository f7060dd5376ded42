package realtime

import (
	"context"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"board-realtime/internal/change"
)

func TestAccessCacheHonoursTTL(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	f.access.grant("u1", boardB1)
	ctx := context.Background()

	for range 3 {
		ok, err := f.cache.CheckAccess(ctx, "u1", boardB1)
		c.Assert(err, qt.IsNil)
		c.Assert(ok, qt.IsTrue)
	}
	c.Assert(f.access.checkCount(), qt.Equals, 1)

	f.access.revoke("u1", boardB1)
	f.clock.Advance(DefaultAccessTTL - 1)
	ok, _ := f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(ok, qt.IsTrue)

	f.clock.Advance(1)
	ok, _ = f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(ok, qt.IsFalse)
	c.Assert(f.access.checkCount(), qt.Equals, 2)
}

func TestAccessCacheDoesNotCacheErrors(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	f.access.grant("u1", boardB1)
	f.access.err = errors.New("database is locked")
	ctx := context.Background()

	ok, err := f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(err, qt.ErrorMatches, `checking u1 access to board:b1: database is locked`)
	c.Assert(ok, qt.IsFalse)

	f.access.err = nil
	ok, err = f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
}

func TestAccessCacheInvalidateScopeCascades(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	ctx := context.Background()
	other := change.Scope{Kind: change.KindBoard, ID: "elsewhere"}
	f.access.setParent(other.Ref(), change.EntityRef{Kind: change.KindWorkspace, ID: "w2"})
	for _, s := range []change.Scope{workspaceW1, boardB1, boardB2, other} {
		f.access.grant("u1", s)
	}

	// Learn the parents of b1 and elsewhere; b2's stays unknown.
	_, err := f.cache.Parent(ctx, boardB1.Ref())
	c.Assert(err, qt.IsNil)
	_, err = f.cache.Parent(ctx, other.Ref())
	c.Assert(err, qt.IsNil)
	for _, s := range []change.Scope{workspaceW1, boardB1, boardB2, other} {
		_, err := f.cache.CheckAccess(ctx, "u1", s)
		c.Assert(err, qt.IsNil)
	}
	c.Assert(f.access.checkCount(), qt.Equals, 4)

	f.cache.InvalidateScope(workspaceW1)
	for _, s := range []change.Scope{workspaceW1, boardB1, boardB2, other} {
		_, err := f.cache.CheckAccess(ctx, "u1", s)
		c.Assert(err, qt.IsNil)
	}
	// The workspace, its known board and the board of unknown workspace are
	// re-checked; the board of another workspace is not.
	c.Assert(f.access.checkCount(), qt.Equals, 7)
}

func TestAccessCacheInvalidateIdentity(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	ctx := context.Background()
	f.access.grant("u1", boardB1)
	f.access.grant("u2", boardB1)

	f.cache.CheckAccess(ctx, "u1", boardB1)
	f.cache.CheckAccess(ctx, "u2", boardB1)
	f.cache.InvalidateIdentity("u1")
	f.cache.CheckAccess(ctx, "u1", boardB1)
	f.cache.CheckAccess(ctx, "u2", boardB1)
	c.Assert(f.access.checkCount(), qt.Equals, 3)
}

func TestAccessCacheDropsResultRacingInvalidation(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	ctx := context.Background()
	f.access.grant("u1", boardB1)

	// The decision is computed, then invalidated before it is stored.
	f.access.during = func() { f.cache.InvalidateScope(boardB1) }
	ok, err := f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(err, qt.IsNil)
	c.Assert(ok, qt.IsTrue)
	f.access.during = nil

	f.cache.CheckAccess(ctx, "u1", boardB1)
	c.Assert(f.access.checkCount(), qt.Equals, 2)
}

func TestAccessCacheResolveScope(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 1)
	ctx := context.Background()
	card := change.EntityRef{Kind: change.KindCard, ID: "c1"}
	f.access.setParent(card, change.EntityRef{Kind: change.KindColumn, ID: "col1"})

	scope, err := f.cache.ResolveScope(ctx, card)
	c.Assert(err, qt.IsNil)
	c.Assert(scope, qt.Equals, boardB1)

	scope, err = f.cache.ResolveScope(ctx, card)
	c.Assert(err, qt.IsNil)
	c.Assert(scope, qt.Equals, boardB1)
	c.Assert(f.access.lookups, qt.Equals, 2)

	scope, err = f.cache.ResolveScope(ctx, boardB2.Ref())
	c.Assert(err, qt.IsNil)
	c.Assert(scope, qt.Equals, boardB2)

	_, err = f.cache.ResolveScope(ctx, change.EntityRef{Kind: change.KindCard, ID: "orphan"})
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)

	f.cache.ForgetEntity(card)
	f.cache.ResolveScope(ctx, card)
	c.Assert(f.access.lookups, qt.Equals, 4)
}

func TestAccessCacheConfigValidate(t *testing.T) {
	c := qt.New(t)
	_, err := NewAccessCache(AccessCacheConfig{})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
	c.Assert(err, qt.ErrorMatches, "nil Checker not valid")
}
