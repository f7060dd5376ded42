// store.go
package realtime

import (
	"context"
	"database/sql"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"board-realtime/internal/change"
)

// Permission a custom role needs to grant board visibility to workspace members.
const PermissionBoardView = "board:view"

// Store keeps resources as JSON documents in SQLite. Every write goes through
// the triggers that append to the changelog, so the processor sees it.
// Store also implements AccessChecker and ParentResolver over the same rows.
type Store struct {
	db       *sql.DB
	onCommit func()
}

// NewStore wraps an opened database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, onCommit: func() {}}
}

// OnCommit registers f to be called after every successful write.
func (s *Store) OnCommit(f func()) {
	s.onCommit = f
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, kind, id string) (json.RawMessage, error) {
	var data string
	err := dbQueryRow(ctx, s.db, `SELECT data FROM resources WHERE kind = ? AND id = ?`, kind, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("%s %q", kind, id)
	} else if err != nil {
		return nil, errors.Annotatef(err, "reading %s %q", kind, id)
	}
	return json.RawMessage(data), nil
}

// List returns the documents of kind selected by opts.
func (s *Store) List(ctx context.Context, kind string, opts ListOptions) ([]Document, error) {
	query, args, err := buildListQuery(kind, opts)
	if err != nil {
		return nil, errors.Trace(err)
	}
	rows, err := dbQuery(ctx, s.db, query, args...)
	if err != nil {
		return nil, errors.Annotatef(err, "listing %s", kind)
	}
	defer rows.Close()

	docs := []Document{}
	for rows.Next() {
		var id, data string
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errors.Trace(err)
		}
		docs = append(docs, Document{Kind: kind, ID: id, Data: json.RawMessage(data)})
	}
	return docs, errors.Trace(rows.Err())
}

// Put replaces (or creates) a document and reports which it was.
func (s *Store) Put(ctx context.Context, kind, id string, data []byte) (change.EventKind, error) {
	if _, ok := change.LookupKind(kind); !ok {
		return "", errors.NotValidf("resource kind %q", kind)
	}
	if !change.IsObject(data) {
		return "", errors.NotValidf("%s document", kind)
	}
	data, err := sjson.SetBytes(data, "id", id)
	if err != nil {
		return "", errors.Trace(err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Trace(err)
	}
	defer tx.Rollback()

	var exists bool
	if err := dbQueryRow(ctx, tx, `SELECT EXISTS(SELECT 1 FROM resources WHERE kind = ? AND id = ?)`, kind, id).Scan(&exists); err != nil {
		return "", errors.Trace(err)
	}
	if _, err := dbExec(ctx, tx,
		`INSERT INTO resources (kind, id, data) VALUES (?, ?, ?) ON CONFLICT(kind, id) DO UPDATE SET data = excluded.data`,
		kind, id, string(data)); err != nil {
		return "", errors.Annotatef(err, "writing %s %q", kind, id)
	}
	if err := tx.Commit(); err != nil {
		return "", errors.Trace(err)
	}
	s.onCommit()

	if exists {
		return change.Update, nil
	}
	return change.Insert, nil
}

// Patch merges the top-level fields of patch into an existing document and
// returns the new state.
func (s *Store) Patch(ctx context.Context, kind, id string, patch []byte) (json.RawMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer tx.Rollback()

	var current string
	err = dbQueryRow(ctx, tx, `SELECT data FROM resources WHERE kind = ? AND id = ?`, kind, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFoundf("%s %q", kind, id)
	} else if err != nil {
		return nil, errors.Trace(err)
	}

	merged, err := change.MergeFields([]byte(current), patch)
	if err != nil {
		return nil, errors.Trace(err)
	}
	// The id is owned by the key, not the payload.
	if merged, err = sjson.SetBytes(merged, "id", id); err != nil {
		return nil, errors.Trace(err)
	}
	if _, err := dbExec(ctx, tx, `UPDATE resources SET data = ? WHERE kind = ? AND id = ?`, string(merged), kind, id); err != nil {
		return nil, errors.Annotatef(err, "patching %s %q", kind, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Trace(err)
	}
	s.onCommit()
	return json.RawMessage(merged), nil
}

// Delete removes a document.
func (s *Store) Delete(ctx context.Context, kind, id string) error {
	result, err := dbExec(ctx, s.db, `DELETE FROM resources WHERE kind = ? AND id = ?`, kind, id)
	if err != nil {
		return errors.Annotatef(err, "deleting %s %q", kind, id)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.NotFoundf("%s %q", kind, id)
	}
	s.onCommit()
	return nil
}

// Parent implements ParentResolver by reading the parent field of the
// stored document.
func (s *Store) Parent(ctx context.Context, ref change.EntityRef) (change.EntityRef, error) {
	info, ok := change.LookupKind(ref.Kind)
	if !ok {
		return change.EntityRef{}, errors.NotValidf("resource kind %q", ref.Kind)
	}
	if info.Parent == "" {
		return change.EntityRef{}, errors.NotFoundf("parent of %s", ref)
	}
	data, err := s.Get(ctx, ref.Kind, ref.ID)
	if err != nil {
		return change.EntityRef{}, errors.Trace(err)
	}
	parentID := gjson.GetBytes(data, info.ParentField).String()
	if parentID == "" {
		return change.EntityRef{}, errors.NotFoundf("%s of %s", info.ParentField, ref)
	}
	return change.EntityRef{Kind: info.Parent, ID: parentID}, nil
}

// HasAccess implements AccessChecker.
//
// A workspace is visible to its owner and its members. A board is visible to
// its members, to workspace owners and admins, and to workspace members
// holding a custom role with the board:view permission.
func (s *Store) HasAccess(ctx context.Context, identity string, scope change.Scope) (bool, error) {
	switch scope.Kind {
	case change.KindWorkspace:
		return s.workspaceAccess(ctx, identity, scope.ID, false)
	case change.KindBoard:
		var member bool
		err := dbQueryRow(ctx, s.db, `
            SELECT EXISTS(
                SELECT 1 FROM resources
                WHERE kind = 'board_member'
                  AND json_extract(data, '$.boardId') = ?
                  AND json_extract(data, '$.userId') = ?)`,
			scope.ID, identity).Scan(&member)
		if err != nil {
			return false, errors.Annotatef(err, "checking board membership")
		}
		if member {
			return true, nil
		}
		workspace, err := s.Parent(ctx, scope.Ref())
		if errors.Is(err, errors.NotFound) {
			return false, nil
		} else if err != nil {
			return false, errors.Trace(err)
		}
		return s.workspaceAccess(ctx, identity, workspace.ID, true)
	}
	return false, errors.NotValidf("scope kind %q", scope.Kind)
}

func (s *Store) workspaceAccess(ctx context.Context, identity, workspaceID string, forBoard bool) (bool, error) {
	query := `
        SELECT EXISTS(
            SELECT 1 FROM resources
            WHERE kind = 'workspace' AND id = ? AND json_extract(data, '$.ownerId') = ?)
        OR EXISTS(
            SELECT 1 FROM resources m
            WHERE m.kind = 'workspace_member'
              AND json_extract(m.data, '$.workspaceId') = ?
              AND json_extract(m.data, '$.userId') = ?)`
	args := []any{workspaceID, identity, workspaceID, identity}
	if forBoard {
		query = `
        SELECT EXISTS(
            SELECT 1 FROM resources
            WHERE kind = 'workspace' AND id = ? AND json_extract(data, '$.ownerId') = ?)
        OR EXISTS(
            SELECT 1 FROM resources m
            WHERE m.kind = 'workspace_member'
              AND json_extract(m.data, '$.workspaceId') = ?
              AND json_extract(m.data, '$.userId') = ?
              AND (json_extract(m.data, '$.role') IN ('owner', 'admin')
                   OR EXISTS(
                       SELECT 1 FROM resources p
                       WHERE p.kind = 'role_permission'
                         AND json_extract(p.data, '$.roleId') = json_extract(m.data, '$.roleId')
                         AND json_extract(p.data, '$.permission') = ?)))`
		args = append(args, PermissionBoardView)
	}
	var allowed bool
	if err := dbQueryRow(ctx, s.db, query, args...).Scan(&allowed); err != nil {
		return false, errors.Annotatef(err, "checking workspace access")
	}
	return allowed, nil
}
