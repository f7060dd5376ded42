// processor.go
package realtime

import (
	"context"
	"database/sql"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"board-realtime/internal/change"
)

var processorLogger = loggo.GetLogger("realtime.processor")

const processorBatchSize = 1000

// Processor tails the changelog and hands every new entry to a Publisher.
// The cursor is persisted after each batch, which makes delivery
// at-least-once across a crash of the processor.
type Processor struct {
	db       *sql.DB
	pub      Publisher
	clock    clock.Clock
	interval time.Duration

	// notify is buffered with size 1 to coalesce rapid-fire commits into a single signal.
	notify chan struct{}
	tomb   tomb.Tomb
}

// NewProcessor returns a processor that polls every interval and also wakes
// up on Notify.
func NewProcessor(db *sql.DB, pub Publisher, clk clock.Clock, interval time.Duration) *Processor {
	return &Processor{
		db:       db,
		pub:      pub,
		clock:    clk,
		interval: interval,
		notify:   make(chan struct{}, 1),
	}
}

// Notify signals that new changelog rows may exist. It never blocks.
func (p *Processor) Notify() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// Start runs the processing loop until Kill.
func (p *Processor) Start() {
	p.tomb.Go(p.loop)
}

// Kill stops the processor.
func (p *Processor) Kill() { p.tomb.Kill(nil) }

// Wait waits for the processor to stop.
func (p *Processor) Wait() error { return p.tomb.Wait() }

func (p *Processor) loop() error {
	ctx := p.tomb.Context(nil)
	cursor, err := p.readCursor(ctx)
	if err != nil {
		return errors.Trace(err)
	}
	processorLogger.Infof("event processor started; resuming from changelog id %d", cursor)

	for {
		// The worker loop: process the backlog in batches until caught up.
		for {
			n, next, err := p.ProcessBatch(ctx, cursor)
			cursor = next
			if err != nil {
				processorLogger.Errorf("processing changelog after %d: %v", cursor, err)
				break
			}
			if n < processorBatchSize {
				break
			}
		}

		select {
		case <-p.tomb.Dying():
			return tomb.ErrDying
		case <-p.notify:
		case <-p.clock.After(p.interval):
		}
	}
}

func (p *Processor) readCursor(ctx context.Context) (int64, error) {
	var value string
	err := dbQueryRow(ctx, p.db, `SELECT value FROM system_state WHERE key = 'last_processed_changelog_id'`).Scan(&value)
	if err != nil {
		return 0, errors.Annotate(err, "reading last_processed_changelog_id")
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	return cursor, errors.Trace(err)
}

// ProcessBatch publishes up to one batch of changelog rows after cursor and
// persists the new cursor. It returns the number of rows handled and the
// cursor to resume from. A publish failure that may succeed later stops the
// batch at the failing row, which is returned with the error.
func (p *Processor) ProcessBatch(ctx context.Context, cursor int64) (int, int64, error) {
	rows, err := dbQuery(ctx, p.db, `
        SELECT id, timestamp, operation, kind, entity_id, new_data, old_data
        FROM changelog
        WHERE id > ?
        ORDER BY id ASC
        LIMIT ?`, cursor, processorBatchSize)
	if err != nil {
		return 0, cursor, errors.Annotate(err, "querying changelog")
	}

	var batch []Mutation
	for rows.Next() {
		var (
			m              Mutation
			ts, op         string
			rawNew, rawOld sql.NullString
		)
		if err := rows.Scan(&m.Seq, &ts, &op, &m.Resource, &m.EntityID, &rawNew, &rawOld); err != nil {
			rows.Close()
			return 0, cursor, errors.Annotate(err, "scanning changelog")
		}
		m.Kind = change.EventKind(op)
		if m.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			processorLogger.Warningf("changelog %d: bad timestamp %q", m.Seq, ts)
			m.Timestamp = p.clock.Now().UTC()
		}
		if rawNew.Valid {
			m.New = json.RawMessage(rawNew.String)
		}
		if rawOld.Valid {
			m.Old = json.RawMessage(rawOld.String)
		}
		batch = append(batch, m)
	}
	// Close rows before the next DB operation.
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, cursor, errors.Trace(err)
	}

	next := cursor
	published := 0
	var publishErr error
	for _, m := range batch {
		if err := p.pub.Publish(ctx, m); err != nil {
			if !unroutable(err) {
				// Stop before this row; the next pass starts from it.
				publishErr = errors.Annotatef(err, "publishing changelog %d", m.Seq)
				break
			}
			// A mutation that cannot be routed is logged and skipped; the
			// next event for the entity corrects client state.
			processorLogger.Warningf("publishing changelog %d (%s %s): %v", m.Seq, m.Resource, m.EntityID, err)
		}
		next = m.Seq
		published++
	}

	if next > cursor {
		_, err := dbExec(ctx, p.db, `UPDATE system_state SET value = ? WHERE key = 'last_processed_changelog_id'`, strconv.FormatInt(next, 10))
		if err != nil {
			// Keep the old cursor so this batch is retried: at-least-once.
			return 0, cursor, errors.Annotatef(err, "persisting cursor %d", next)
		}
	}
	return published, next, errors.Trace(publishErr)
}

func unroutable(err error) bool {
	return errors.Is(err, errors.NotValid) || errors.Is(err, errors.NotFound)
}
