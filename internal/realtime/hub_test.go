package realtime

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"

	"board-realtime/internal/change"
)

func TestSubscribeGrantedScope(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)

	conn := f.connect(c, "u1")
	f.subscribe(c, conn, "board:b1")

	c.Assert(f.hub.SubscriberCount(change.ScopeKey(boardB1)), qt.Equals, 1)
	c.Assert(f.hub.Channels("u1"), qt.DeepEquals, []change.ChannelKey{change.ScopeKey(boardB1)})
}

func TestSubscribeForbiddenKeepsConnection(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)

	conn := f.connect(c, "u1")
	err := f.hub.Subscribe(context.Background(), conn, change.ScopeKey(boardB1))
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue, qt.Commentf("%v", err))

	frames := drain(c, conn)
	c.Assert(frames, qt.HasLen, 1)
	c.Assert(frames[0].Type, qt.Equals, change.FrameSubscriptionError)
	c.Assert(frames[0].Channel, qt.Equals, "board:b1")
	c.Assert(f.hub.SubscriberCount(change.ScopeKey(boardB1)), qt.Equals, 0)

	// The connection is still usable.
	f.access.grant("u1", workspaceW1)
	f.subscribe(c, conn, "workspace:w1")
	c.Assert(f.hub.ConnectionCount(), qt.Equals, 1)
}

func TestSubscribeEntityResolvesScope(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)
	f.access.setParent(change.EntityRef{Kind: change.KindCard, ID: "c1"}, change.EntityRef{Kind: change.KindColumn, ID: "col1"})

	conn := f.connect(c, "u1")
	f.subscribe(c, conn, "entity:card:c1")
	f.subscribe(c, conn, "rows:card:columnId=col1")

	err := f.hub.Subscribe(context.Background(), conn, change.RowsKey(change.KindCard, "columnId", "col2"))
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
	drain(c, conn)

	err = f.hub.Subscribe(context.Background(), conn, change.EntityKey(change.KindCard, "missing"))
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
}

func TestSubscribeOwnRowsOnly(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)

	conn := f.connect(c, "u1")
	f.subscribe(c, conn, "rows:board_member:userId=u1")

	err := f.hub.Subscribe(context.Background(), conn, change.RowsKey(change.KindBoardMember, change.UserField, "u2"))
	c.Assert(errors.Is(err, errors.Forbidden), qt.IsTrue)
}

func TestUnsubscribeLeavesChannel(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)

	conn := f.connect(c, "u1")
	f.subscribe(c, conn, "board:b1")
	f.hub.Unsubscribe(conn, change.ScopeKey(boardB1))

	frames := drain(c, conn)
	c.Assert(frames, qt.HasLen, 1)
	c.Assert(frames[0].Type, qt.Equals, change.FrameUnsubscribed)
	c.Assert(f.hub.SubscriberCount(change.ScopeKey(boardB1)), qt.Equals, 0)
	c.Assert(f.hub.Channels("u1"), qt.HasLen, 0)
}

func TestReconnectRestoresChannels(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)
	f.access.grant("u1", workspaceW1)

	first := f.connect(c, "u1")
	f.subscribe(c, first, "board:b1")
	f.subscribe(c, first, "workspace:w1")
	f.hub.Disconnect(first)
	c.Assert(f.hub.ConnectionCount(), qt.Equals, 0)
	c.Assert(f.hub.Channels("u1"), qt.HasLen, 2)

	second := f.hub.Connect(context.Background(), "u1", nil)
	frames := drain(c, second)
	c.Assert(frames, qt.HasLen, 3)
	c.Assert(frames[0], qt.DeepEquals, change.ServerFrame{Type: change.FrameSubscribed, Channel: "board:b1"})
	c.Assert(frames[1], qt.DeepEquals, change.ServerFrame{Type: change.FrameSubscribed, Channel: "workspace:w1"})
	c.Assert(frames[2].Type, qt.Equals, change.FrameSessionReady)
	c.Assert(frames[2].Channels, qt.DeepEquals, []string{"board:b1", "workspace:w1"})
	c.Assert(f.hub.SubscriberCount(change.ScopeKey(boardB1)), qt.Equals, 1)
}

func TestReconnectDropsRevokedChannels(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)
	f.access.grant("u1", boardB2)

	first := f.connect(c, "u1")
	f.subscribe(c, first, "board:b1")
	f.subscribe(c, first, "board:b2")
	f.hub.Disconnect(first)

	f.access.revoke("u1", boardB2)
	f.cache.InvalidateScope(boardB2)

	second := f.hub.Connect(context.Background(), "u1", nil)
	frames := drain(c, second)
	c.Assert(frames, qt.HasLen, 3)
	c.Assert(frames[0].Type, qt.Equals, change.FrameSubscribed)
	c.Assert(frames[1].Type, qt.Equals, change.FrameSubscriptionError)
	c.Assert(frames[1].Channel, qt.Equals, "board:b2")
	c.Assert(frames[2].Channels, qt.DeepEquals, []string{"board:b1"})
	c.Assert(f.hub.Channels("u1"), qt.DeepEquals, []change.ChannelKey{change.ScopeKey(boardB1)})
}

func TestDuplicateConnectClosesStale(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)

	first := f.connect(c, "u1")
	f.subscribe(c, first, "board:b1")

	second := f.hub.Connect(context.Background(), "u1", nil)
	_, open := <-first.send
	c.Assert(open, qt.IsFalse)

	frames := drain(c, second)
	c.Assert(frames[len(frames)-1].Channels, qt.DeepEquals, []string{"board:b1"})
	c.Assert(f.hub.ConnectionCount(), qt.Equals, 1)
	c.Assert(f.hub.SubscriberCount(change.ScopeKey(boardB1)), qt.Equals, 1)

	// The stale connection's read pump disconnecting late must not detach
	// the new one.
	f.hub.Disconnect(first)
	c.Assert(f.hub.ConnectionCount(), qt.Equals, 1)
	c.Assert(f.hub.Channels("u1"), qt.HasLen, 1)
}

func TestSweepDropsExpiredSets(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.access.grant("u1", boardB1)

	conn := f.connect(c, "u1")
	f.subscribe(c, conn, "board:b1")
	f.hub.Disconnect(conn)

	f.clock.Advance(DefaultReconnectGrace / 2)
	c.Assert(f.hub.Sweep(), qt.Equals, 0)
	c.Assert(f.hub.Channels("u1"), qt.HasLen, 1)

	f.clock.Advance(DefaultReconnectGrace)
	c.Assert(f.hub.Sweep(), qt.Equals, 1)
	c.Assert(f.hub.Channels("u1"), qt.IsNil)

	// A fresh connection starts empty.
	again := f.hub.Connect(context.Background(), "u1", nil)
	frames := drain(c, again)
	c.Assert(frames, qt.HasLen, 1)
	c.Assert(frames[0].Channels, qt.HasLen, 0)
}

func TestHubLoopSweepsAndClosesOnKill(t *testing.T) {
	c := qt.New(t)
	f := newFixture(c, 16)
	f.hub.Start()

	gone := f.connect(c, "gone")
	f.subscribe(c, gone, "global:card")
	f.hub.Disconnect(gone)
	live := f.connect(c, "live")

	c.Assert(f.clock.WaitAdvance(DefaultReconnectGrace, testTimeout, 1), qt.IsNil)
	deadline := time.Now().Add(testTimeout)
	for f.hub.Channels("gone") != nil {
		if time.Now().After(deadline) {
			c.Fatal("channel set was never swept")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.hub.Kill()
	c.Assert(f.hub.Wait(), qt.IsNil)
	_, open := <-live.send
	c.Assert(open, qt.IsFalse)
	c.Assert(f.hub.ConnectionCount(), qt.Equals, 0)
}
