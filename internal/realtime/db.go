// db.go
package realtime

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/tomb.v2"
)

var dbLogger = loggo.GetLogger("realtime.db")

// identifierSanitizer is used for user-provided field names that end up in JSON paths.
var identifierSanitizer = regexp.MustCompile("^[a-zA-Z0-9_]+$")

// changelogTimeFormat matches strftime('%Y-%m-%dT%H:%M:%fZ').
const changelogTimeFormat = "2006-01-02T15:04:05.000Z"

// OpenDB opens the SQLite database, creates the core schema and sets
// essential PRAGMA settings for performance and concurrency.
func OpenDB(filepath string) (*sql.DB, error) {
	// 1. _journal_mode=WAL: Enables Write-Ahead Logging. Readers don't block writers.
	// 2. _busy_timeout=5000: Waits 5s for a lock before failing.
	// 3. _synchronous=NORMAL: In WAL mode, this is safe and significantly faster than FULL.
	// 4. _cache_size=-64000: Uses ~64MB of RAM for page cache (negative = kilobytes).
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_cache_size=-64000&_foreign_keys=on",
		filepath,
	)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Annotate(err, "opening database")
	}

	// In WAL mode SQLite handles many readers; access checks and initial
	// loads read concurrently with the changelog processor.
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Annotate(err, "pinging database")
	}

	ctx := context.Background()
	if _, err := dbExec(ctx, db, "PRAGMA mmap_size=268435456;"); err != nil { // 256MB
		dbLogger.Warningf("failed to set mmap_size: %v", err)
	}

	if err := createSchema(ctx, db); err != nil {
		db.Close()
		return nil, errors.Trace(err)
	}
	dbLogger.Infof("database %s initialized", filepath)
	return db, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	// system_state persists the changelog cursor so the processor is crash-safe.
	stateSchema := `
    CREATE TABLE IF NOT EXISTS system_state (
        key TEXT PRIMARY KEY,
        value TEXT NOT NULL
    );
    INSERT OR IGNORE INTO system_state (key, value) VALUES ('last_processed_changelog_id', '0');
    `

	resourcesSchema := `
    CREATE TABLE IF NOT EXISTS resources (
        kind TEXT NOT NULL,
        id TEXT NOT NULL,
        data TEXT NOT NULL,
        PRIMARY KEY (kind, id)
    );
    `

	// The changelog is the append-only log of every committed mutation.
	changelogSchema := `
    CREATE TABLE IF NOT EXISTS changelog (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        timestamp TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
        operation TEXT NOT NULL,
        kind TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        new_data TEXT,
        old_data TEXT
    );
    `

	triggers := `
    CREATE TRIGGER IF NOT EXISTS resources_insert_trigger AFTER INSERT ON resources
    BEGIN INSERT INTO changelog (operation, kind, entity_id, new_data, old_data) VALUES ('INSERT', NEW.kind, NEW.id, NEW.data, NULL); END;

    CREATE TRIGGER IF NOT EXISTS resources_update_trigger AFTER UPDATE ON resources
    BEGIN INSERT INTO changelog (operation, kind, entity_id, new_data, old_data) VALUES ('UPDATE', NEW.kind, NEW.id, NEW.data, OLD.data); END;

    CREATE TRIGGER IF NOT EXISTS resources_delete_trigger AFTER DELETE ON resources
    BEGIN INSERT INTO changelog (operation, kind, entity_id, new_data, old_data) VALUES ('DELETE', OLD.kind, OLD.id, NULL, OLD.data); END;
    `

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Annotate(err, "beginning schema transaction")
	}
	defer tx.Rollback()

	for name, stmt := range map[string]string{
		"system_state": stateSchema,
		"resources":    resourcesSchema,
		"changelog":    changelogSchema,
	} {
		if _, err := dbExec(ctx, tx, stmt); err != nil {
			return errors.Annotatef(err, "creating %s schema", name)
		}
	}
	if _, err := dbExec(ctx, tx, triggers); err != nil {
		return errors.Annotate(err, "creating changelog triggers")
	}
	if err := createIndexes(ctx, tx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}

// ChangelogJanitor periodically removes processed changelog entries older
// than the retention period.
type ChangelogJanitor struct {
	db        *sql.DB
	clock     clock.Clock
	retention time.Duration
	interval  time.Duration
	tomb      tomb.Tomb
}

// StartChangelogJanitor starts the janitor loop.
func StartChangelogJanitor(db *sql.DB, clk clock.Clock, retention, interval time.Duration) *ChangelogJanitor {
	j := &ChangelogJanitor{db: db, clock: clk, retention: retention, interval: interval}
	dbLogger.Infof("changelog janitor started; retention: %v, interval: %v", retention, interval)
	j.tomb.Go(j.loop)
	return j
}

func (j *ChangelogJanitor) loop() error {
	for {
		select {
		case <-j.tomb.Dying():
			return tomb.ErrDying
		case <-j.clock.After(j.interval):
			if _, err := j.Clean(j.tomb.Context(nil)); err != nil {
				dbLogger.Warningf("janitor: %v", err)
			}
		}
	}
}

// Clean deletes entries older than the retention period that the processor
// has already consumed. It returns the number of rows removed.
func (j *ChangelogJanitor) Clean(ctx context.Context) (int64, error) {
	cutoff := j.clock.Now().UTC().Add(-j.retention).Format(changelogTimeFormat)
	result, err := dbExec(ctx, j.db, `
        DELETE FROM changelog
        WHERE timestamp < ?
          AND id <= (SELECT CAST(value AS INTEGER) FROM system_state WHERE key = 'last_processed_changelog_id')`,
		cutoff)
	if err != nil {
		return 0, errors.Annotate(err, "cleaning changelog")
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		dbLogger.Debugf("janitor: cleaned up %d old changelog entries", rowsAffected)
	}
	return rowsAffected, nil
}

// Kill stops the janitor.
func (j *ChangelogJanitor) Kill() { j.tomb.Kill(nil) }

// Wait waits for the janitor to stop.
func (j *ChangelogJanitor) Wait() error { return j.tomb.Wait() }
