package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/clock/testclock"
	"github.com/juju/errors"

	"board-realtime/internal/change"
)

type recordingPublisher struct {
	mu        sync.Mutex
	mutations []Mutation
	published chan struct{}

	// errs are returned by successive Publish calls; a nil entry succeeds.
	errs []error
}

func newRecordingPublisher() *recordingPublisher {
	return &recordingPublisher{published: make(chan struct{}, 100)}
}

func (p *recordingPublisher) Publish(_ context.Context, m Mutation) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mutations = append(p.mutations, m)
	p.published <- struct{}{}
	if len(p.errs) == 0 {
		return nil
	}
	err := p.errs[0]
	p.errs = p.errs[1:]
	return err
}

func (p *recordingPublisher) all() []Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Mutation(nil), p.mutations...)
}

func TestProcessBatchPublishesInOrderAndAdvancesCursor(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	pub := newRecordingPublisher()
	clk := testclock.NewClock(time.Now())
	p := NewProcessor(db, pub, clk, time.Second)
	ctx := context.Background()

	mustPut(c, s, change.KindCard, "c1", `{"columnId":"col1"}`)
	mustPut(c, s, change.KindCard, "c1", `{"columnId":"col2"}`)
	c.Assert(s.Delete(ctx, change.KindCard, "c1"), qt.IsNil)

	n, cursor, err := p.ProcessBatch(ctx, 0)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 3)
	c.Assert(cursor, qt.Equals, int64(3))

	got := pub.all()
	c.Assert(got, qt.HasLen, 3)
	c.Assert(got[0].Kind, qt.Equals, change.Insert)
	c.Assert(got[1].Kind, qt.Equals, change.Update)
	c.Assert(got[2].Kind, qt.Equals, change.Delete)
	c.Assert(string(got[1].New), qt.Equals, `{"columnId":"col2","id":"c1"}`)
	c.Assert(string(got[1].Old), qt.Equals, `{"columnId":"col1","id":"c1"}`)
	c.Assert(got[2].New, qt.IsNil)
	for i, m := range got {
		c.Assert(m.Seq, qt.Equals, int64(i+1))
		c.Assert(m.Resource, qt.Equals, change.KindCard)
		c.Assert(m.EntityID, qt.Equals, "c1")
		c.Assert(m.Timestamp.IsZero(), qt.IsFalse)
	}

	stored, err := p.readCursor(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(stored, qt.Equals, int64(3))

	n, cursor, err = p.ProcessBatch(ctx, cursor)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 0)
	c.Assert(cursor, qt.Equals, int64(3))
}

func TestProcessBatchSkipsUnroutableMutations(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	pub := newRecordingPublisher()
	pub.errs = []error{errors.NotFoundf("scope of card c1"), errors.NotValidf("resource kind")}
	p := NewProcessor(db, pub, testclock.NewClock(time.Now()), time.Second)

	mustPut(c, s, change.KindCard, "c1", `{"columnId":"col1"}`)
	mustPut(c, s, change.KindCard, "c2", `{"columnId":"col1"}`)
	n, cursor, err := p.ProcessBatch(context.Background(), 0)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	c.Assert(cursor, qt.Equals, int64(2))
}

func TestProcessBatchRetriesTransientFailures(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	pub := newRecordingPublisher()
	pub.errs = []error{nil, errors.New("database is locked")}
	p := NewProcessor(db, pub, testclock.NewClock(time.Now()), time.Second)
	ctx := context.Background()

	mustPut(c, s, change.KindCard, "c1", `{"columnId":"col1"}`)
	mustPut(c, s, change.KindCard, "c2", `{"columnId":"col1"}`)
	mustPut(c, s, change.KindCard, "c3", `{"columnId":"col1"}`)

	n, cursor, err := p.ProcessBatch(ctx, 0)
	c.Assert(err, qt.ErrorMatches, "publishing changelog 2: database is locked")
	c.Assert(n, qt.Equals, 1)
	c.Assert(cursor, qt.Equals, int64(1))
	stored, err := p.readCursor(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(stored, qt.Equals, int64(1))

	n, cursor, err = p.ProcessBatch(ctx, cursor)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, 2)
	c.Assert(cursor, qt.Equals, int64(3))

	var seqs []int64
	for _, m := range pub.all() {
		seqs = append(seqs, m.Seq)
	}
	c.Assert(seqs, qt.DeepEquals, []int64{1, 2, 2, 3})
}

func TestProcessorLoopWakesOnNotify(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	pub := newRecordingPublisher()
	p := NewProcessor(db, pub, testclock.NewClock(time.Now()), time.Hour)
	s.OnCommit(p.Notify)
	p.Start()
	defer func() {
		p.Kill()
		c.Check(p.Wait(), qt.IsNil)
	}()

	mustPut(c, s, change.KindBoard, "b1", `{"workspaceId":"w1"}`)
	select {
	case <-pub.published:
	case <-time.After(testTimeout):
		c.Fatal("mutation was never published")
	}
	c.Assert(pub.all()[0].EntityID, qt.Equals, "b1")
}

func TestProcessorResumesFromStoredCursor(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	ctx := context.Background()

	mustPut(c, s, change.KindBoard, "b1", `{"workspaceId":"w1"}`)
	first := NewProcessor(db, newRecordingPublisher(), testclock.NewClock(time.Now()), time.Second)
	_, _, err := first.ProcessBatch(ctx, 0)
	c.Assert(err, qt.IsNil)

	mustPut(c, s, change.KindBoard, "b2", `{"workspaceId":"w1"}`)
	pub := newRecordingPublisher()
	second := NewProcessor(db, pub, testclock.NewClock(time.Now()), time.Second)
	cursor, err := second.readCursor(ctx)
	c.Assert(err, qt.IsNil)
	_, _, err = second.ProcessBatch(ctx, cursor)
	c.Assert(err, qt.IsNil)
	c.Assert(pub.all(), qt.HasLen, 1)
	c.Assert(pub.all()[0].EntityID, qt.Equals, "b2")
}

func TestChangelogJanitorKeepsUnprocessedRows(t *testing.T) {
	c := qt.New(t)
	db := openTestDB(c)
	s := NewStore(db)
	ctx := context.Background()

	mustPut(c, s, change.KindBoard, "b1", `{"workspaceId":"w1"}`)
	mustPut(c, s, change.KindBoard, "b2", `{"workspaceId":"w1"}`)
	// Only the first row has been consumed.
	_, err := dbExec(ctx, db, `UPDATE system_state SET value = '1' WHERE key = 'last_processed_changelog_id'`)
	c.Assert(err, qt.IsNil)

	j := &ChangelogJanitor{db: db, clock: testclock.NewClock(time.Now().Add(48 * time.Hour)), retention: 24 * time.Hour}
	n, err := j.Clean(ctx)
	c.Assert(err, qt.IsNil)
	c.Assert(n, qt.Equals, int64(1))

	var left int
	c.Assert(db.QueryRow(`SELECT COUNT(*) FROM changelog`).Scan(&left), qt.IsNil)
	c.Assert(left, qt.Equals, 1)
}
