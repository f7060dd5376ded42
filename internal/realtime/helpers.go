// helpers.go
package realtime

import (
	"context"
	"database/sql"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/juju/loggo/v2"
)

var sqlLogger = loggo.GetLogger("realtime.sql")

// formatArgsForLogging inspects each argument and converts byte slices to strings for readability.
func formatArgsForLogging(args ...any) []any {
	formattedArgs := make([]any, len(args))

	for i, arg := range args {
		switch v := arg.(type) {
		case []byte:
			formattedArgs[i] = string(v)
		case json.RawMessage:
			formattedArgs[i] = string(v)
		default:
			formattedArgs[i] = v
		}
	}
	return formattedArgs
}

func logQuery(query string, args ...any) {
	if !sqlLogger.IsTraceEnabled() {
		return
	}
	// Sanitize the query for better multi-line logging and remove extra whitespace.
	sanitizedQuery := strings.Join(strings.Fields(query), " ")
	sqlLogger.Tracef("%q | args: %v", sanitizedQuery, formatArgsForLogging(args...))
}

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// dbExec wraps ExecContext and adds logging.
func dbExec(ctx context.Context, q queryer, query string, args ...any) (sql.Result, error) {
	logQuery(query, args...)
	return q.ExecContext(ctx, query, args...)
}

// dbQuery wraps QueryContext and adds logging.
func dbQuery(ctx context.Context, q queryer, query string, args ...any) (*sql.Rows, error) {
	logQuery(query, args...)
	return q.QueryContext(ctx, query, args...)
}

// dbQueryRow wraps QueryRowContext and adds logging.
func dbQueryRow(ctx context.Context, q queryer, query string, args ...any) *sql.Row {
	logQuery(query, args...)
	return q.QueryRowContext(ctx, query, args...)
}
