// query.go
package realtime

import (
	"net/url"
	"strconv"

	"github.com/juju/errors"

	"board-realtime/internal/change"
)

const (
	defaultListLimit = 500
	maxListLimit     = 5000
)

// ListOptions selects the rows of one kind whose field equals value. The
// same field restrictions apply as for rows channels, so a list can be
// authorized exactly like the matching subscription.
type ListOptions struct {
	Field  string
	Value  string
	Limit  int
	Offset int
}

// Key returns the rows channel key equivalent to the listing.
func (o ListOptions) Key(kind string) change.ChannelKey {
	return change.RowsKey(kind, o.Field, o.Value)
}

// parseListOptions reads ?field=&value=&limit=&offset= from a request.
func parseListOptions(kind string, q url.Values) (ListOptions, error) {
	opts := ListOptions{
		Field: q.Get("field"),
		Value: q.Get("value"),
		Limit: defaultListLimit,
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return ListOptions{}, errors.NotValidf("limit %q", s)
		}
		opts.Limit = min(n, maxListLimit)
	}
	if s := q.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return ListOptions{}, errors.NotValidf("offset %q", s)
		}
		opts.Offset = n
	}
	if err := opts.Key(kind).Validate(); err != nil {
		return ListOptions{}, errors.Trace(err)
	}
	return opts, nil
}

// buildListQuery translates ListOptions into a parameterized SQL query.
func buildListQuery(kind string, opts ListOptions) (string, []any, error) {
	if !identifierSanitizer.MatchString(opts.Field) {
		return "", nil, errors.NotValidf("field name %q", opts.Field)
	}
	sql := `SELECT id, data FROM resources WHERE kind = ? AND json_extract(data, ?) = ? ORDER BY id LIMIT ? OFFSET ?;`
	args := []any{kind, "$." + opts.Field, opts.Value, opts.Limit, opts.Offset}
	return sql, args, nil
}
