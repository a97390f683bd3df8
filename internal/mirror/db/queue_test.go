package db

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treesync/treesync/internal/mirror/schema"
)

// queueFixture is a database with one project and a stepping clock.
type queueFixture struct {
	db      *DB
	clock   *fakeClock
	project *schema.Project
}

func newQueueFixture(t *testing.T, step time.Duration) *queueFixture {
	t.Helper()

	db := newTestDB(t)
	clock := newFakeClock(step)
	db.SetClock(clock.Now)

	return &queueFixture{db: db, clock: clock, project: addTestProject(t, db, "web")}
}

// file creates a file node and returns it.
func (f *queueFixture) file(t *testing.T, path string) *schema.Node {
	t.Helper()
	n, err := f.db.GetOrCreate(context.Background(), f.project.ID, path, false, &FileMeta{Size: 1})
	require.NoError(t, err)
	return n
}

// enqueue creates a file node and a Pending entry for it.
func (f *queueFixture) enqueue(t *testing.T, path string) *schema.QueueEntry {
	t.Helper()
	n := f.file(t, path)
	e, created, err := f.db.Enqueue(context.Background(), n.ID, f.project.AbsPath(path))
	require.NoError(t, err)
	require.True(t, created)
	return e
}

func TestClaimBatch_FIFO(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e1 := f.enqueue(t, "t1.txt")
	e2 := f.enqueue(t, "t2.txt")
	e3 := f.enqueue(t, "t3.txt")
	require.True(t, e1.CreatedAt.Before(e2.CreatedAt))
	require.True(t, e2.CreatedAt.Before(e3.CreatedAt))

	claimed, err := f.db.ClaimBatch(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, e1.ID, claimed[0].ID)
	assert.Equal(t, e2.ID, claimed[1].ID)

	for _, e := range claimed {
		assert.Equal(t, schema.StatusProcessing, e.Status)
		assert.NotNil(t, e.StartedAt)
		assert.Equal(t, 1, e.Attempts)
	}

	rest, err := f.db.ClaimBatch(ctx, nil, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, e3.ID, rest[0].ID)

	none, err := f.db.ClaimBatch(ctx, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestClaimBatch_TiesBrokenByID(t *testing.T) {
	f := newQueueFixture(t, 0)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 5; i++ {
		ids = append(ids, f.enqueue(t, fmt.Sprintf("f%d.txt", i)).ID)
	}

	claimed, err := f.db.ClaimBatch(ctx, nil, 5)
	require.NoError(t, err)
	require.Len(t, claimed, 5)
	for i, e := range claimed {
		assert.Equal(t, ids[i], e.ID)
	}
}

func TestClaimBatch_ProjectFilter(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	other := addTestProject(t, f.db, "other")
	n, err := f.db.GetOrCreate(ctx, other.ID, "x.txt", false, nil)
	require.NoError(t, err)
	_, _, err = f.db.Enqueue(ctx, n.ID, other.AbsPath("x.txt"))
	require.NoError(t, err)

	mine := f.enqueue(t, "mine.txt")

	claimed, err := f.db.ClaimBatch(ctx, &f.project.ID, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, mine.ID, claimed[0].ID)

	pending, err := f.db.PendingCount(ctx, &other.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
}

func TestClaimBatch_Concurrent(t *testing.T) {
	f := newQueueFixture(t, time.Millisecond)
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		f.enqueue(t, fmt.Sprintf("f%02d.txt", i))
	}

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := f.db.ClaimBatch(ctx, nil, 3)
				if err != nil {
					t.Errorf("ClaimBatch() failed: %v", err)
					return
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, e := range batch {
					seen[e.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "entry %d claimed %d times", id, n)
	}
}

func TestEnqueue_Dedup(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	n := f.file(t, "a.txt")
	first, created, err := f.db.Enqueue(ctx, n.ID, "/old/a.txt")
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := f.db.Enqueue(ctx, n.ID, "/new/a.txt")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "/new/a.txt", second.FilePath)

	counts, err := f.db.Counts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.QueueCounts{Pending: 1}, counts)

	stored, err := f.db.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "/new/a.txt", stored.FilePath)
}

func TestEnqueue_MissingNode(t *testing.T) {
	f := newQueueFixture(t, time.Second)

	_, _, err := f.db.Enqueue(context.Background(), 12345, "/nowhere")
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestEnqueue_WhileProcessing_Requeues(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e := f.enqueue(t, "a.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)

	again, created, err := f.db.Enqueue(ctx, e.NodeID, e.FilePath)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, e.ID, again.ID)
	assert.True(t, again.Requeue)

	require.NoError(t, f.db.MarkCompleted(ctx, e.ID))

	counts, err := f.db.Counts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.QueueCounts{Pending: 1, Completed: 1}, counts)

	active, err := f.db.ActiveEntryForNode(ctx, e.NodeID)
	require.NoError(t, err)
	assert.NotEqual(t, e.ID, active.ID)
	assert.Equal(t, schema.StatusPending, active.Status)
}

func TestClaimAndFail(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e := f.enqueue(t, "a.txt")

	claimed, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, e.ID, claimed[0].ID)

	require.NoError(t, f.db.MarkFailed(ctx, e.ID, "parse error"))

	got, err := f.db.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusFailed, got.Status)
	assert.Equal(t, "parse error", got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	// A repeated failure report is a no-op and keeps the first message.
	require.NoError(t, f.db.MarkFailed(ctx, e.ID, "something else"))
	got, err = f.db.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "parse error", got.ErrorMessage)

	assert.ErrorIs(t, f.db.MarkCompleted(ctx, e.ID), schema.ErrInvalidTransition)
}

func TestMarkTransitions(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	pending := f.enqueue(t, "pending.txt")
	assert.ErrorIs(t, f.db.MarkCompleted(ctx, pending.ID), schema.ErrInvalidTransition)
	assert.ErrorIs(t, f.db.MarkFailed(ctx, pending.ID, "x"), schema.ErrInvalidTransition)

	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkCompleted(ctx, pending.ID))
	require.NoError(t, f.db.MarkCompleted(ctx, pending.ID), "completing twice is idempotent")
	assert.ErrorIs(t, f.db.MarkFailed(ctx, pending.ID, "late"), schema.ErrInvalidTransition)

	err = f.db.MarkCompleted(ctx, 9999)
	assert.ErrorIs(t, err, schema.ErrConsistency)
	assert.ErrorIs(t, err, schema.ErrNotFound)
}

func TestResetStale(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e := f.enqueue(t, "a.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)

	n, err := f.db.ResetStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "fresh claims are not stale")

	f.clock.Advance(10 * time.Minute)
	n, err = f.db.ResetStale(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.db.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Nil(t, got.StartedAt)

	claimed, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, 2, claimed[0].Attempts)
}

func TestRetryFailed(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e := f.enqueue(t, "a.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkFailed(ctx, e.ID, "boom"))

	n, err := f.db.RetryFailed(ctx, nil, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "attempt limit reached")

	n, err = f.db.RetryFailed(ctx, &f.project.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.db.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.StatusPending, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Nil(t, got.CompletedAt)
}

func TestRetryFailed_SkipsNodesWithActiveEntry(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	e := f.enqueue(t, "a.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkFailed(ctx, e.ID, "boom"))

	// A later change queues a fresh entry; the failed one must stay failed.
	_, created, err := f.db.Enqueue(ctx, e.NodeID, e.FilePath)
	require.NoError(t, err)
	require.True(t, created)

	n, err := f.db.RetryFailed(ctx, nil, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	counts, err := f.db.Counts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.QueueCounts{Pending: 1, Failed: 1}, counts)
}

func TestPurgeCompleted(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	done := f.enqueue(t, "done.txt")
	f.enqueue(t, "waiting.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)
	require.NoError(t, f.db.MarkCompleted(ctx, done.ID))

	n, err := f.db.PurgeCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "within retention")

	f.clock.Advance(2 * time.Hour)
	n, err = f.db.PurgeCompleted(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	counts, err := f.db.Counts(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, schema.QueueCounts{Pending: 1}, counts)
}

func TestCounts_EmptyQueue(t *testing.T) {
	f := newQueueFixture(t, time.Second)

	counts, err := f.db.Counts(context.Background(), &f.project.ID)
	require.NoError(t, err)
	assert.Zero(t, counts.Total())
}

func TestListEntries(t *testing.T) {
	f := newQueueFixture(t, time.Second)
	ctx := context.Background()

	a := f.enqueue(t, "a.txt")
	f.enqueue(t, "b.txt")
	f.enqueue(t, "c.txt")
	_, err := f.db.ClaimBatch(ctx, nil, 1)
	require.NoError(t, err)

	processing, err := f.db.ListEntries(ctx, QueueFilter{Status: schema.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.Equal(t, a.ID, processing[0].ID)

	limited, err := f.db.ListEntries(ctx, QueueFilter{ProjectID: &f.project.ID, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
