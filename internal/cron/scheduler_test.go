package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"orderjobs/internal/config"
)

type fakeWorker struct {
	mu      sync.Mutex
	batches []int
	err     error
	panics  bool
}

func (w *fakeWorker) RunBatch(_ context.Context, limit int) (int, error) {
	if w.panics {
		panic("worker exploded")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.batches = append(w.batches, limit)
	return 1, w.err
}

func (w *fakeWorker) StaleThreshold() time.Duration { return 7 * time.Minute }

func (w *fakeWorker) batchCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.batches)
}

type fakeJobs struct {
	mu         sync.Mutex
	reclaimed  int
	staleAfter time.Duration
	retention  time.Duration
	recomputed int
}

func (j *fakeJobs) ReclaimStuckJobs(_ context.Context, staleAfter time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.staleAfter = staleAfter
	return j.reclaimed, nil
}

func (j *fakeJobs) CleanupOldJobs(_ context.Context, retention time.Duration) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retention = retention
	return 4, nil
}

func (j *fakeJobs) RecomputeQueuePositions(context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recomputed++
	return nil
}

func testConfig(mode string) *config.Config {
	return &config.Config{
		Worker: config.WorkerConfig{Mode: mode, BatchSize: 25},
		Cron: config.CronConfig{
			TriggerSpec: "* * * * * *",
			ReclaimSpec: "30 * * * * *",
			CleanupSpec: "0 0 3 * * *",
			Retention:   48 * time.Hour,
		},
	}
}

func TestStartRegistersEntries(t *testing.T) {
	t.Run("cron mode drives batches", func(t *testing.T) {
		s := New(testConfig(config.WorkerModeCron), &fakeWorker{}, &fakeJobs{}, zaptest.NewLogger(t))
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop()
		assert.Len(t, s.cron.Entries(), 3)
	})

	t.Run("loop mode only does housekeeping", func(t *testing.T) {
		s := New(testConfig(config.WorkerModeLoop), &fakeWorker{}, &fakeJobs{}, zaptest.NewLogger(t))
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop()
		assert.Len(t, s.cron.Entries(), 2)
	})

	t.Run("invalid spec is rejected", func(t *testing.T) {
		cfg := testConfig(config.WorkerModeCron)
		cfg.Cron.TriggerSpec = "every minute"
		s := New(cfg, &fakeWorker{}, &fakeJobs{}, zaptest.NewLogger(t))
		assert.Error(t, s.Start(context.Background()))
	})
}

func TestTriggerRunsBatches(t *testing.T) {
	w := &fakeWorker{}
	s := New(testConfig(config.WorkerModeCron), w, &fakeJobs{}, zaptest.NewLogger(t))
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool { return w.batchCount() > 0 }, 3*time.Second, 50*time.Millisecond)
	<-s.Stop().Done()

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Equal(t, 25, w.batches[0])
}

func TestJobs(t *testing.T) {
	t.Run("reclaim uses the worker threshold and renumbers", func(t *testing.T) {
		jobs := &fakeJobs{reclaimed: 2}
		s := New(testConfig(config.WorkerModeLoop), &fakeWorker{}, jobs, zaptest.NewLogger(t))
		s.reclaimStuckJobs()
		assert.Equal(t, 7*time.Minute, jobs.staleAfter)
		assert.Equal(t, 1, jobs.recomputed)
	})

	t.Run("nothing reclaimed skips renumbering", func(t *testing.T) {
		jobs := &fakeJobs{}
		s := New(testConfig(config.WorkerModeLoop), &fakeWorker{}, jobs, zaptest.NewLogger(t))
		s.reclaimStuckJobs()
		assert.Zero(t, jobs.recomputed)
	})

	t.Run("cleanup uses the configured retention", func(t *testing.T) {
		jobs := &fakeJobs{}
		s := New(testConfig(config.WorkerModeLoop), &fakeWorker{}, jobs, zaptest.NewLogger(t))
		s.cleanupOldJobs()
		assert.Equal(t, 48*time.Hour, jobs.retention)
	})

	t.Run("batch errors and panics are contained", func(t *testing.T) {
		s := New(testConfig(config.WorkerModeCron), &fakeWorker{err: errors.New("db down")}, &fakeJobs{}, zaptest.NewLogger(t))
		assert.NotPanics(t, s.runBatch)

		s = New(testConfig(config.WorkerModeCron), &fakeWorker{panics: true}, &fakeJobs{}, zaptest.NewLogger(t))
		assert.NotPanics(t, s.runBatch)
	})
}
