package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/database"
	"trail-lapse/pkg/janitor"
	"trail-lapse/pkg/jobs"
	"trail-lapse/pkg/models"
)

var errNotPublished = errors.New("regeneration did not publish (skipped or failed, see regeneration history)")

// Regenerator rebuilds and publishes one trail's timelapse.
type Regenerator interface {
	RegenerateAndStore(ctx context.Context, orgID, trailID string) bool
}

// Options configures the worker.
type Options struct {
	PollInterval     time.Duration
	ScratchDir       string
	ScratchMaxAge    time.Duration
	HistoryRetention time.Duration
}

// Worker drains the sqlite job queue one job at a time.
type Worker struct {
	regen Regenerator
	opts  Options

	sweepScratch func(dir string, maxAge time.Duration) (int, error)
	pruneHistory func(cutoff time.Time) (int64, error)

	done chan struct{}
}

func New(regen Regenerator, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.HistoryRetention <= 0 {
		opts.HistoryRetention = 30 * 24 * time.Hour
	}
	return &Worker{
		regen:        regen,
		opts:         opts,
		sweepScratch: janitor.Sweep,
		pruneHistory: database.PruneRegenerations,
		done:         make(chan struct{}),
	}
}

// Start processes jobs until ctx is done. A job already in progress is finished and its
// status written before Start returns. Start must be called at most once.
func (w *Worker) Start(ctx context.Context) {
	defer close(w.done)
	log.Info().Dur("poll", w.opts.PollInterval).Msg("Starting job worker...")
	// This is a simple, single-threaded worker.

	if n, err := jobs.ResetRunningJobs(); err != nil {
		log.Error().Err(err).Msg("Error resetting interrupted jobs")
	} else if n > 0 {
		log.Info().Int64("jobs", n).Msg("Requeued jobs interrupted by a restart")
	}

	for {
		if ctx.Err() != nil {
			log.Info().Msg("Job worker stopped")
			return
		}

		job, err := jobs.GetPendingJob()
		if err != nil {
			log.Error().Err(err).Msg("Error getting pending job")
			w.sleep(ctx)
			continue
		}
		if job == nil {
			// No pending jobs, wait a bit
			w.sleep(ctx)
			continue
		}

		w.processJob(ctx, job)
	}
}

// Done is closed once Start has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.opts.PollInterval):
	}
}

func (w *Worker) processJob(ctx context.Context, job *models.Job) {
	logger := log.With().Int64("job_id", job.ID).Str("job_type", job.JobType).Logger()
	logger.Info().Msg("Processing job")

	if err := jobs.UpdateJobStatus(job.ID, jobs.StatusRunning, nil); err != nil {
		logger.Error().Err(err).Msg("Error updating job status to running")
		return
	}

	var jobErr error
	switch job.JobType {
	case jobs.TypeRegenerateTrail:
		var payload jobs.TrailPayload
		if err := json.Unmarshal([]byte(job.Payload), &payload); err != nil {
			jobErr = fmt.Errorf("invalid payload: %w", err)
		} else if payload.Organization == "" || payload.Trail == "" {
			jobErr = fmt.Errorf("invalid payload: organization and trail are required")
		} else if !w.regen.RegenerateAndStore(ctx, payload.Organization, payload.Trail) {
			jobErr = errNotPublished
		}
	case jobs.TypeSweepScratch:
		if _, err := w.sweepScratch(w.opts.ScratchDir, w.opts.ScratchMaxAge); err != nil {
			jobErr = err
		} else if _, err := w.pruneHistory(time.Now().Add(-w.opts.HistoryRetention)); err != nil {
			jobErr = err
		}
	default:
		jobErr = fmt.Errorf("unknown job type: %s", job.JobType)
	}

	if jobErr != nil {
		logger.Warn().Err(jobErr).Msg("Job failed")
		if err := jobs.UpdateJobStatus(job.ID, jobs.StatusFailed, jobErr); err != nil {
			logger.Error().Err(err).Msg("Error updating job status after failure")
		}
		return
	}

	logger.Info().Msg("Job completed successfully")
	// Completed jobs are not kept; failed ones stay for inspection.
	if err := jobs.DeleteJob(job.ID); err != nil {
		logger.Error().Err(err).Msg("Error deleting job")
	}
}

// StartSweepScheduler enqueues a sweep_scratch job every interval until ctx is done.
func StartSweepScheduler(ctx context.Context, interval time.Duration) {
	log.Info().Dur("interval", interval).Msg("Starting scratch sweep scheduler...")
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := jobs.EnqueueSweep(); err != nil {
					log.Error().Err(err).Msg("Error enqueuing sweep_scratch job")
				}
			}
		}
	}()
}
