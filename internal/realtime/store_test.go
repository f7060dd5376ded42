package realtime

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"github.com/tidwall/gjson"

	"board-realtime/internal/change"
)

func openTestDB(c *qt.C) *sql.DB {
	db, err := OpenDB(filepath.Join(c.TempDir(), "realtime.db"))
	c.Assert(err, qt.IsNil)
	c.Cleanup(func() { db.Close() })
	return db
}

func mustPut(c *qt.C, s *Store, kind, id, doc string) {
	_, err := s.Put(context.Background(), kind, id, []byte(doc))
	c.Assert(err, qt.IsNil, qt.Commentf("%s %s", kind, id))
}

// seedBoards creates workspace w1 owned by owner with boards b1 and b2.
func seedBoards(c *qt.C, s *Store) {
	mustPut(c, s, change.KindWorkspace, "w1", `{"name":"Acme","ownerId":"owner"}`)
	mustPut(c, s, change.KindBoard, "b1", `{"workspaceId":"w1","title":"Roadmap"}`)
	mustPut(c, s, change.KindBoard, "b2", `{"workspaceId":"w1","title":"Ops"}`)
}

func TestStorePutGetPatchDelete(t *testing.T) {
	c := qt.New(t)
	s := NewStore(openTestDB(c))
	ctx := context.Background()
	commits := 0
	s.OnCommit(func() { commits++ })

	op, err := s.Put(ctx, change.KindCard, "c1", []byte(`{"columnId":"col1","title":"a"}`))
	c.Assert(err, qt.IsNil)
	c.Assert(op, qt.Equals, change.Insert)
	op, err = s.Put(ctx, change.KindCard, "c1", []byte(`{"columnId":"col1","title":"b"}`))
	c.Assert(err, qt.IsNil)
	c.Assert(op, qt.Equals, change.Update)

	data, err := s.Get(ctx, change.KindCard, "c1")
	c.Assert(err, qt.IsNil)
	c.Assert(gjson.GetBytes(data, "title").String(), qt.Equals, "b")
	c.Assert(gjson.GetBytes(data, "id").String(), qt.Equals, "c1")

	data, err = s.Patch(ctx, change.KindCard, "c1", []byte(`{"title":"c","columnId":null,"id":"forged"}`))
	c.Assert(err, qt.IsNil)
	c.Assert(gjson.GetBytes(data, "title").String(), qt.Equals, "c")
	c.Assert(gjson.GetBytes(data, "columnId").Exists(), qt.IsFalse)
	c.Assert(gjson.GetBytes(data, "id").String(), qt.Equals, "c1")

	c.Assert(s.Delete(ctx, change.KindCard, "c1"), qt.IsNil)
	_, err = s.Get(ctx, change.KindCard, "c1")
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
	c.Assert(errors.Is(s.Delete(ctx, change.KindCard, "c1"), errors.NotFound), qt.IsTrue)
	_, err = s.Patch(ctx, change.KindCard, "c1", []byte(`{}`))
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)

	c.Assert(commits, qt.Equals, 4)
}

func TestStoreRejectsInvalidDocuments(t *testing.T) {
	c := qt.New(t)
	s := NewStore(openTestDB(c))
	ctx := context.Background()

	_, err := s.Put(ctx, "spaceship", "x", []byte(`{}`))
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
	_, err = s.Put(ctx, change.KindCard, "x", []byte(`[1,2]`))
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestStoreWritesChangelog(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	ctx := context.Background()

	mustPut(c, s, change.KindLabel, "l1", `{"boardId":"b1","name":"bug"}`)
	_, err := s.Patch(ctx, change.KindLabel, "l1", []byte(`{"name":"defect"}`))
	c.Assert(err, qt.IsNil)
	c.Assert(s.Delete(ctx, change.KindLabel, "l1"), qt.IsNil)

	rows, err := db.Query(`SELECT operation, kind, entity_id, new_data IS NOT NULL, old_data IS NOT NULL FROM changelog ORDER BY id`)
	c.Assert(err, qt.IsNil)
	defer rows.Close()
	type entry struct {
		Op, Kind, ID   string
		HasNew, HasOld bool
	}
	var got []entry
	for rows.Next() {
		var e entry
		c.Assert(rows.Scan(&e.Op, &e.Kind, &e.ID, &e.HasNew, &e.HasOld), qt.IsNil)
		got = append(got, e)
	}
	c.Assert(got, qt.DeepEquals, []entry{
		{"INSERT", "label", "l1", true, false},
		{"UPDATE", "label", "l1", true, true},
		{"DELETE", "label", "l1", false, true},
	})
}

func TestStoreList(t *testing.T) {
	c := qt.New(t)
	s := NewStore(openTestDB(c))
	seedBoards(c, s)
	mustPut(c, s, change.KindBoard, "b3", `{"workspaceId":"w2"}`)

	docs, err := s.List(context.Background(), change.KindBoard, ListOptions{Field: "workspaceId", Value: "w1", Limit: 10})
	c.Assert(err, qt.IsNil)
	c.Assert(docs, qt.HasLen, 2)
	c.Assert(docs[0].ID, qt.Equals, "b1")
	c.Assert(docs[1].ID, qt.Equals, "b2")

	docs, err = s.List(context.Background(), change.KindBoard, ListOptions{Field: "workspaceId", Value: "w1", Limit: 1, Offset: 1})
	c.Assert(err, qt.IsNil)
	c.Assert(docs, qt.HasLen, 1)
	c.Assert(docs[0].ID, qt.Equals, "b2")

	_, err = s.List(context.Background(), change.KindBoard, ListOptions{Field: "x'; DROP", Value: "w1"})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}

func TestStoreParent(t *testing.T) {
	c := qt.New(t)
	s := NewStore(openTestDB(c))
	seedBoards(c, s)
	ctx := context.Background()

	parent, err := s.Parent(ctx, change.EntityRef{Kind: change.KindBoard, ID: "b1"})
	c.Assert(err, qt.IsNil)
	c.Assert(parent, qt.Equals, change.EntityRef{Kind: change.KindWorkspace, ID: "w1"})

	_, err = s.Parent(ctx, change.EntityRef{Kind: change.KindWorkspace, ID: "w1"})
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
	_, err = s.Parent(ctx, change.EntityRef{Kind: change.KindBoard, ID: "missing"})
	c.Assert(errors.Is(err, errors.NotFound), qt.IsTrue)
}

func TestStoreHasAccess(t *testing.T) {
	c := qt.New(t)
	s := NewStore(openTestDB(c))
	seedBoards(c, s)
	mustPut(c, s, change.KindWorkspaceMember, "wm-admin", `{"workspaceId":"w1","userId":"admin","role":"admin"}`)
	mustPut(c, s, change.KindWorkspaceMember, "wm-plain", `{"workspaceId":"w1","userId":"plain","role":"member"}`)
	mustPut(c, s, change.KindWorkspaceMember, "wm-viewer", `{"workspaceId":"w1","userId":"viewer","role":"member","roleId":"r1"}`)
	mustPut(c, s, change.KindCustomRole, "r1", `{"workspaceId":"w1","name":"Viewer"}`)
	mustPut(c, s, change.KindRolePermission, "p1", `{"roleId":"r1","permission":"board:view"}`)
	mustPut(c, s, change.KindBoardMember, "bm1", `{"boardId":"b1","userId":"guest"}`)
	ctx := context.Background()

	for _, test := range []struct {
		identity string
		scope    change.Scope
		want     bool
	}{
		{"owner", workspaceW1, true},
		{"owner", boardB1, true},
		{"admin", boardB1, true},
		{"plain", workspaceW1, true},
		{"plain", boardB1, false},
		{"viewer", boardB2, true},
		{"guest", boardB1, true},
		{"guest", boardB2, false},
		{"guest", workspaceW1, false},
		{"stranger", workspaceW1, false},
		{"stranger", change.Scope{Kind: change.KindBoard, ID: "missing"}, false},
	} {
		got, err := s.HasAccess(ctx, test.identity, test.scope)
		c.Assert(err, qt.IsNil)
		c.Assert(got, qt.Equals, test.want, qt.Commentf("%s on %s", test.identity, test.scope))
	}

	// Removing the permission hides the boards again.
	c.Assert(s.Delete(ctx, change.KindRolePermission, "p1"), qt.IsNil)
	got, err := s.HasAccess(ctx, "viewer", boardB2)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.IsFalse)

	_, err = s.HasAccess(ctx, "owner", change.Scope{Kind: change.KindCard, ID: "c1"})
	c.Assert(errors.Is(err, errors.NotValid), qt.IsTrue)
}
