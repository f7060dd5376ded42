package realtime

import (
	"context"
	"fmt"
	"sort"

	"github.com/juju/errors"

	"board-realtime/internal/change"
)

// indexedFields returns every JSON field the access and scope lookups
// filter on: the parent field of each kind plus the member field.
func indexedFields() []string {
	seen := map[string]bool{change.UserField: true}
	for _, name := range change.Kinds() {
		info, _ := change.LookupKind(name)
		if info.ParentField != "" {
			seen[info.ParentField] = true
		}
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

// createIndexes builds an expression index on (kind, json_extract(data, '$.<field>'))
// for every indexed field, so membership and child lookups avoid full scans.
func createIndexes(ctx context.Context, q queryer) error {
	for _, field := range indexedFields() {
		if !identifierSanitizer.MatchString(field) {
			return errors.NotValidf("index field %q", field)
		}
		// Using Sprintf is safe here ONLY because the field passed the sanitizer.
		stmt := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS idx_resources_%[1]s ON resources (kind, json_extract(data, '$.%[1]s'));",
			field,
		)
		if _, err := dbExec(ctx, q, stmt); err != nil {
			return errors.Annotatef(err, "creating index on %s", field)
		}
	}
	return nil
}
