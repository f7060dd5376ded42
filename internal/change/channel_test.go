package change

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	json "github.com/goccy/go-json"
	"github.com/juju/errors"
)

func TestParseChannelKeyRoundTrip(t *testing.T) {
	c := qt.New(t)
	for _, s := range []string{
		"global:custom_role",
		"workspace:w1",
		"board:b1",
		"entity:card:c1",
		"entity:card:with:colon",
		"rows:board_member:boardId=b1",
		"rows:workspace_member:userId=u1",
	} {
		key, err := ParseChannelKey(s)
		c.Assert(err, qt.IsNil, qt.Commentf(s))
		c.Assert(key.String(), qt.Equals, s)
	}
}

func TestParseChannelKeyRejectsBadShapes(t *testing.T) {
	c := qt.New(t)
	for _, s := range []string{
		"",
		"board",
		"board:",
		"galaxy:g1",
		"global:spaceship",
		"entity:card",
		"rows:board_member:boardId",
		"rows:board_member:title=x",
		"rows:board_member:boardId=",
		"rows:workspace:=w1",
		"rows:card:=c1",
	} {
		_, err := ParseChannelKey(s)
		c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue, qt.Commentf("%q: %v", s, err))
	}
	// A kind without a parent field has no rows filter to match.
	err := RowsKey(KindWorkspace, "", "w1").Validate()
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestChannelKeyScope(t *testing.T) {
	c := qt.New(t)

	scope, ref, ok := ScopeKey(Scope{Kind: KindBoard, ID: "b1"}).Scope()
	c.Assert(ok, qt.IsTrue)
	c.Assert(scope, qt.Equals, Scope{Kind: KindBoard, ID: "b1"})
	c.Assert(ref.IsZero(), qt.IsTrue)

	scope, ref, ok = EntityKey(KindCard, "c1").Scope()
	c.Assert(ok, qt.IsTrue)
	c.Assert(scope.IsZero(), qt.IsTrue)
	c.Assert(ref, qt.Equals, EntityRef{Kind: KindCard, ID: "c1"})

	scope, _, ok = RowsKey(KindBoardMember, "boardId", "b1").Scope()
	c.Assert(ok, qt.IsTrue)
	c.Assert(scope, qt.Equals, Scope{Kind: KindBoard, ID: "b1"})

	_, _, ok = RowsKey(KindWorkspaceMember, UserField, "u1").Scope()
	c.Assert(ok, qt.IsFalse)

	_, _, ok = GlobalKey(KindCustomRole).Scope()
	c.Assert(ok, qt.IsFalse)
}

func TestRowsKeyMatchesNewOrOldState(t *testing.T) {
	c := qt.New(t)
	key := RowsKey(KindBoardMember, "boardId", "b1")

	c.Assert(key.Matches(Event{Resource: KindBoardMember, New: json.RawMessage(`{"boardId":"b1"}`)}), qt.IsTrue)
	c.Assert(key.Matches(Event{Resource: KindBoardMember, Old: json.RawMessage(`{"boardId":"b1"}`)}), qt.IsTrue)
	c.Assert(key.Matches(Event{Resource: KindBoardMember, New: json.RawMessage(`{"boardId":"b2"}`)}), qt.IsFalse)
	c.Assert(key.Matches(Event{Resource: KindCard, New: json.RawMessage(`{"boardId":"b1"}`)}), qt.IsFalse)
	c.Assert(EntityKey(KindBoardMember, "m1").Matches(Event{Resource: KindBoardMember}), qt.IsFalse)
}

func TestVersionOrdering(t *testing.T) {
	c := qt.New(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := Version{Timestamp: now, Seq: 1}
	b := Version{Timestamp: now, Seq: 2}
	later := Version{Timestamp: now.Add(time.Millisecond), Seq: 0}

	c.Assert(a.Before(b), qt.IsTrue)
	c.Assert(b.Before(a), qt.IsFalse)
	c.Assert(b.Before(later), qt.IsTrue)
	c.Assert(a.Before(a), qt.IsFalse)
	c.Assert(Version{}.IsZero(), qt.IsTrue)
}

func TestEventField(t *testing.T) {
	c := qt.New(t)
	ev := Event{
		New: json.RawMessage(`{"title":"new"}`),
		Old: json.RawMessage(`{"title":"old","boardId":"b1"}`),
	}
	c.Assert(ev.Field("title"), qt.Equals, "new")
	c.Assert(ev.Field("boardId"), qt.Equals, "b1")
	c.Assert(ev.OldField("title"), qt.Equals, "old")
	c.Assert(ev.Field("missing"), qt.Equals, "")
}

func TestSplitFrames(t *testing.T) {
	c := qt.New(t)
	msg := []byte("{\"a\":1}\x1e{\"b\":2}\x1e")
	frames := SplitFrames(msg)
	c.Assert(frames, qt.HasLen, 2)
	c.Assert(string(frames[1]), qt.Equals, `{"b":2}`)
}
