package worker

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-lapse/pkg/database"
	"trail-lapse/pkg/jobs"
	"trail-lapse/pkg/models"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", "file::memory:?cache=shared")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	require.NoError(t, database.CreateSchema(db))
	_, err = db.Exec("DELETE FROM jobs")
	require.NoError(t, err)

	jobs.InitJobs(db)
	return db
}

type fakeRegenerator struct {
	mu      sync.Mutex
	calls   []string
	publish bool
}

func (f *fakeRegenerator) RegenerateAndStore(ctx context.Context, orgID, trailID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, orgID+"/"+trailID)
	return f.publish
}

func (f *fakeRegenerator) called() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func jobStatus(t *testing.T, db *sql.DB, id int64) (string, sql.NullString) {
	t.Helper()
	var status string
	var jobErr sql.NullString
	err := db.QueryRow("SELECT status, error FROM jobs WHERE id = ?", id).Scan(&status, &jobErr)
	if errors.Is(err, sql.ErrNoRows) {
		return "deleted", jobErr
	}
	require.NoError(t, err)
	return status, jobErr
}

func newTestWorker(regen Regenerator) *Worker {
	w := New(regen, Options{PollInterval: 10 * time.Millisecond, ScratchDir: "scratch", ScratchMaxAge: time.Hour})
	w.sweepScratch = func(dir string, maxAge time.Duration) (int, error) { return 0, nil }
	w.pruneHistory = func(cutoff time.Time) (int64, error) { return 0, nil }
	return w
}

func processCreated(t *testing.T, w *Worker, id int64) {
	t.Helper()
	job, err := jobs.GetPendingJob()
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, id, job.ID)
	w.processJob(context.Background(), job)
}

func TestProcessJob(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	regen := &fakeRegenerator{publish: true}
	w := newTestWorker(regen)

	// Published regenerations are removed from the queue
	id, err := jobs.EnqueueRegeneration("acme", "river-loop")
	require.NoError(t, err)
	processCreated(t, w, id)
	status, _ := jobStatus(t, db, id)
	assert.Equal(t, "deleted", status)
	assert.Equal(t, []string{"acme/river-loop"}, regen.called())

	// Unpublished regenerations fail
	regen.publish = false
	id, err = jobs.EnqueueRegeneration("acme", "ridge")
	require.NoError(t, err)
	processCreated(t, w, id)
	status, jobErr := jobStatus(t, db, id)
	assert.Equal(t, jobs.StatusFailed, status)
	assert.Contains(t, jobErr.String, "did not publish")

	// Sweep job runs the janitor and prunes history
	var swept, pruned bool
	w.sweepScratch = func(dir string, maxAge time.Duration) (int, error) {
		swept = true
		assert.Equal(t, "scratch", dir)
		assert.Equal(t, time.Hour, maxAge)
		return 2, nil
	}
	w.pruneHistory = func(cutoff time.Time) (int64, error) {
		pruned = true
		assert.WithinDuration(t, time.Now().Add(-30*24*time.Hour), cutoff, time.Minute)
		return 0, nil
	}
	id, err = jobs.EnqueueSweep()
	require.NoError(t, err)
	processCreated(t, w, id)
	assert.True(t, swept)
	assert.True(t, pruned)
	status, _ = jobStatus(t, db, id)
	assert.Equal(t, "deleted", status)
}

func TestProcessJobFailures(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	regen := &fakeRegenerator{publish: true}
	w := newTestWorker(regen)

	cases := []struct {
		name    string
		jobType string
		payload interface{}
		want    string
	}{
		{"unknown job type", "unknown_job", nil, "unknown job type"},
		{"invalid payload", jobs.TypeRegenerateTrail, "invalid payload", "invalid payload"},
		{"missing trail", jobs.TypeRegenerateTrail, jobs.TrailPayload{Organization: "acme"}, "required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := jobs.CreateJob(tc.jobType, tc.payload)
			require.NoError(t, err)
			w.processJob(context.Background(), &models.Job{ID: id, JobType: tc.jobType, Payload: mustPayload(t, db, id)})
			status, jobErr := jobStatus(t, db, id)
			assert.Equal(t, jobs.StatusFailed, status)
			assert.Contains(t, jobErr.String, tc.want)
		})
	}
	assert.Empty(t, regen.called())

	// Sweep failures are reported
	w.sweepScratch = func(string, time.Duration) (int, error) { return 0, errors.New("permission denied") }
	id, err := jobs.EnqueueSweep()
	require.NoError(t, err)
	w.processJob(context.Background(), &models.Job{ID: id, JobType: jobs.TypeSweepScratch})
	status, jobErr := jobStatus(t, db, id)
	assert.Equal(t, jobs.StatusFailed, status)
	assert.Equal(t, "permission denied", jobErr.String)
}

func mustPayload(t *testing.T, db *sql.DB, id int64) string {
	t.Helper()
	var payload string
	require.NoError(t, db.QueryRow("SELECT payload FROM jobs WHERE id = ?", id).Scan(&payload))
	return payload
}

func TestStartDrainsQueue(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	regen := &fakeRegenerator{publish: true}
	w := newTestWorker(regen)
	for _, trail := range []string{"ridge", "river-loop"} {
		_, err := jobs.EnqueueRegeneration("acme", trail)
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)

	assert.Eventually(t, func() bool {
		n, err := jobs.CountPending()
		return err == nil && n == 0 && len(regen.called()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"acme/ridge", "acme/river-loop"}, regen.called())

	cancel()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

type blockingRegenerator struct {
	started chan struct{}
	release chan struct{}
}

func (b *blockingRegenerator) RegenerateAndStore(ctx context.Context, orgID, trailID string) bool {
	close(b.started)
	<-b.release
	return true
}

func TestStartFinishesJobInProgressBeforeDone(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	regen := &blockingRegenerator{started: make(chan struct{}), release: make(chan struct{})}
	w := newTestWorker(regen)
	id, err := jobs.EnqueueRegeneration("acme", "ridge")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Start(ctx)

	select {
	case <-regen.started:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not picked up")
	}
	cancel()

	select {
	case <-w.Done():
		t.Fatal("worker stopped while a job was still running")
	case <-time.After(50 * time.Millisecond):
	}

	close(regen.release)
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	status, _ := jobStatus(t, db, id)
	assert.Equal(t, "deleted", status, "completed job should be removed, not left running")
}

func TestStartSweepScheduler(t *testing.T) {
	db := setupTestDB(t)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	StartSweepScheduler(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		job, err := jobs.GetPendingJob()
		return err == nil && job != nil && job.JobType == jobs.TypeSweepScratch
	}, 2*time.Second, 10*time.Millisecond)
}
