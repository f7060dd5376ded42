// handlers.go
package realtime

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/errors"
	"github.com/tidwall/gjson"

	"board-realtime/internal/change"
)

// maxBodySize caps resource documents accepted by the API.
const maxBodySize = 1 << 20

// resourceAPI serves the authenticated resource endpoints used for initial
// loads and to drive mutations. Reads are authorized exactly like the
// equivalent channel subscription.
type resourceAPI struct {
	store *Store
	hub   *Hub
	cache *AccessCache
	auth  Authenticator
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps juju error types onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errors.NotValid):
		status = http.StatusBadRequest
	case errors.Is(err, errors.NotFound):
		status = http.StatusNotFound
	case errors.Is(err, errors.Unauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errors.Forbidden):
		status = http.StatusForbidden
	}
	if status == http.StatusInternalServerError {
		apiLogger.Errorf("request failed: %v", err)
		err = errors.New("internal error")
	}
	writeJSON(w, status, errorPayload{Error: err.Error()})
}

// kindAndIdentity validates the {kind} path value and authenticates r.
func (a *resourceAPI) kindAndIdentity(r *http.Request) (string, string, error) {
	kind := r.PathValue("kind")
	if _, ok := change.LookupKind(kind); !ok {
		return "", "", errors.NotValidf("resource kind %q", kind)
	}
	identity, err := a.auth.Authenticate(r)
	if err != nil {
		return "", "", errors.Trace(err)
	}
	return kind, identity, nil
}

// listHandler returns the rows of a kind whose field equals value.
// Route: GET /api/resources/{kind}?field=&value=&limit=&offset=
func (a *resourceAPI) listHandler(w http.ResponseWriter, r *http.Request) {
	kind, identity, err := a.kindAndIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	opts, err := parseListOptions(kind, r.URL.Query())
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.hub.authorize(r.Context(), identity, opts.Key(kind)); err != nil {
		writeError(w, err)
		return
	}
	docs, err := a.store.List(r.Context(), kind, opts)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

// getHandler returns one document.
// Route: GET /api/resources/{kind}/{id}
func (a *resourceAPI) getHandler(w http.ResponseWriter, r *http.Request) {
	kind, identity, err := a.kindAndIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := a.hub.authorize(r.Context(), identity, change.EntityKey(kind, id)); err != nil {
		writeError(w, err)
		return
	}
	data, err := a.store.Get(r.Context(), kind, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Document{Kind: kind, ID: id, Data: data})
}

// putHandler performs an upsert.
// Route: PUT /api/resources/{kind}/{id}
func (a *resourceAPI) putHandler(w http.ResponseWriter, r *http.Request) {
	kind, identity, err := a.kindAndIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	if !change.IsObject(body) {
		writeError(w, errors.NotValidf("%s document", kind))
		return
	}
	if err := a.authorizeExisting(r.Context(), identity, kind, id); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authorizeStanding(r.Context(), identity, kind, id, body); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authorizePlacement(r.Context(), identity, kind, body); err != nil {
		writeError(w, err)
		return
	}
	op, err := a.store.Put(r.Context(), kind, id, body)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if op == change.Insert {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]string{"status": "replaced", "id": id, "operation": string(op)})
}

// patchHandler merges top-level fields into an existing document.
// Route: PATCH /api/resources/{kind}/{id}
func (a *resourceAPI) patchHandler(w http.ResponseWriter, r *http.Request) {
	kind, identity, err := a.kindAndIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	patch, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, errors.NotValidf("body: %v", err))
		return
	}
	if !change.IsObject(patch) {
		writeError(w, errors.NotValidf("%s patch", kind))
		return
	}
	if err := a.hub.authorize(r.Context(), identity, change.EntityKey(kind, id)); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authorizeStanding(r.Context(), identity, kind, id, patch); err != nil {
		writeError(w, err)
		return
	}
	info, _ := change.LookupKind(kind)
	if info.ParentField != "" && gjson.GetBytes(patch, info.ParentField).Exists() {
		// Moving an entity needs access to its destination too.
		if err := a.authorizePlacement(r.Context(), identity, kind, patch); err != nil {
			writeError(w, err)
			return
		}
	}
	data, err := a.store.Patch(r.Context(), kind, id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Document{Kind: kind, ID: id, Data: data})
}

// deleteHandler removes a document.
// Route: DELETE /api/resources/{kind}/{id}
func (a *resourceAPI) deleteHandler(w http.ResponseWriter, r *http.Request) {
	kind, identity, err := a.kindAndIdentity(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := a.hub.authorize(r.Context(), identity, change.EntityKey(kind, id)); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authorizeStanding(r.Context(), identity, kind, id, nil); err != nil {
		writeError(w, err)
		return
	}
	if err := a.store.Delete(r.Context(), kind, id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
}

// authorizeExisting checks access to an entity that is about to be
// replaced. A missing entity passes.
func (a *resourceAPI) authorizeExisting(ctx context.Context, identity, kind, id string) error {
	if _, err := a.store.Get(ctx, kind, id); errors.Is(err, errors.NotFound) {
		return nil
	} else if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(a.hub.authorize(ctx, identity, change.EntityKey(kind, id)))
}

// authorizeStanding guards writes that would change the caller's own
// standing. Only the owner may replace, patch or delete an existing
// workspace, and nobody may write a membership row naming themselves. A nil
// doc is a delete; leaving a board or workspace is allowed.
func (a *resourceAPI) authorizeStanding(ctx context.Context, identity, kind, id string, doc []byte) error {
	info, _ := change.LookupKind(kind)
	if kind != change.KindWorkspace && (!info.Is(change.FlagMembership) || doc == nil) {
		return nil
	}
	current, err := a.store.Get(ctx, kind, id)
	if errors.Is(err, errors.NotFound) {
		current = nil
	} else if err != nil {
		return errors.Trace(err)
	}

	if kind == change.KindWorkspace {
		if current != nil && gjson.GetBytes(current, "ownerId").String() != identity {
			return errors.Forbiddenf("%s is not the owner of workspace %s", identity, id)
		}
		return nil
	}
	if gjson.GetBytes(doc, change.UserField).String() == identity ||
		(current != nil && gjson.GetBytes(current, change.UserField).String() == identity) {
		return errors.Forbiddenf("%s writing own %s", identity, kind)
	}
	return nil
}

// authorizePlacement checks access to the parent a document names. A new
// workspace has no parent and may only be created by its owner.
func (a *resourceAPI) authorizePlacement(ctx context.Context, identity, kind string, doc []byte) error {
	info, _ := change.LookupKind(kind)
	if info.Parent == "" {
		if kind == change.KindWorkspace && gjson.GetBytes(doc, "ownerId").String() != identity {
			return errors.Forbiddenf("%s creating a workspace owned by someone else", identity)
		}
		return nil
	}
	parentID := gjson.GetBytes(doc, info.ParentField).String()
	if parentID == "" {
		return errors.NotValidf("%s without %s", kind, info.ParentField)
	}
	scope, err := a.cache.ResolveScope(ctx, change.EntityRef{Kind: info.Parent, ID: parentID})
	if errors.Is(err, errors.NotFound) {
		return errors.NotValidf("%s %s %q", kind, info.ParentField, parentID)
	} else if err != nil {
		return errors.Trace(err)
	}
	allowed, err := a.cache.CheckAccess(ctx, identity, scope)
	if err != nil {
		return errors.Trace(err)
	}
	if !allowed {
		return errors.Forbiddenf("%s on %s", identity, scope)
	}
	return nil
}

// healthHandler reports whether the database answers.
// Route: GET /health
func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "database": "connected"})
	}
}
