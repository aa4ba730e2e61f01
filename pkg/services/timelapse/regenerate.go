package timelapse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/metrics"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/store"
)

var (
	errNothingToPublish = errors.New("trail has no image frames")
	errStillListed      = errors.New("deleted cache entry still listed")
)

// Trigger regenerates the trail in the background. The work is detached from ctx's
// cancellation, so an abandoned request does not interrupt it.
func (s *Service) Trigger(ctx context.Context, orgID, trailID string) {
	detached := context.WithoutCancel(ctx)
	s.detached.Add(1)
	go func() {
		defer s.detached.Done()
		s.RegenerateAndStore(detached, orgID, trailID)
	}()
}

// RegenerateAndStore rebuilds the trail's animation and publishes it as the trail's only cache
// entry. It returns true only if a new entry was published. A trail that is already
// regenerating is skipped, a trail without photos keeps whatever entry it has, and failures
// are logged. It never panics.
func (s *Service) RegenerateAndStore(ctx context.Context, orgID, trailID string) (published bool) {
	key := models.TrailKey{OrganizationID: orgID, TrailID: trailID}
	logger := log.With().Str("org", orgID).Str("trail", trailID).Logger()
	run := models.RegenerationRun{OrganizationID: orgID, TrailID: trailID, StartedAt: time.Now().UTC()}

	if !s.locks.tryAcquire(key) {
		logger.Info().Msg("Regeneration already in progress, skipping")
		s.finish(run, models.OutcomeSkipped, 0, ErrRegenerationInProgress)
		return false
	}
	defer s.locks.release(key)

	metrics.RegenerationsInFlight.Inc()
	defer metrics.RegenerationsInFlight.Dec()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("Regeneration panicked")
			s.finish(run, models.OutcomeFailed, 0, fmt.Errorf("panic: %v", r))
			published = false
		}
	}()

	frameCount, err := s.regenerate(ctx, key, logger)
	switch {
	case errors.Is(err, errNothingToPublish):
		logger.Info().Msg("No image frames, keeping existing cache entry")
		s.finish(run, models.OutcomeSkipped, 0, err)
		return false
	case err != nil:
		logger.Error().Err(err).Msg("Regeneration failed")
		s.finish(run, models.OutcomeFailed, frameCount, err)
		return false
	}

	s.finish(run, models.OutcomePublished, frameCount, nil)
	return true
}

// regenerate runs fetch, encode and publish for a locked trail. Scratch files are removed
// on every path.
func (s *Service) regenerate(ctx context.Context, key models.TrailKey, logger zerolog.Logger) (int, error) {
	containerID := store.ContainerID(key.OrganizationID, key.TrailID)

	objects, err := s.store.ListObjects(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("failed to list trail: %w", err)
	}
	if len(frameCandidates(objects, true)) == 0 {
		return 0, errNothingToPublish
	}

	s.locks.setState(key, models.StateFetching)
	frames, err := s.FetchFrames(ctx, key.OrganizationID, []string{key.TrailID}, true)
	if err != nil {
		return 0, err
	}
	outputPath := s.outputPath(key.OrganizationID, key.TrailID)
	defer s.Cleanup(scratchPaths(frames), outputPath)

	s.locks.setState(key, models.StateEncoding)
	start := time.Now()
	anim, err := s.encoder.Encode(frames, outputPath)
	metrics.ObserveEncode(start)
	if err != nil {
		return 0, fmt.Errorf("failed to encode timelapse: %w", err)
	}

	s.locks.setState(key, models.StatePublishing)
	if err := s.invalidate(ctx, containerID, logger); err != nil {
		return anim.FrameCount, err
	}
	meta, err := s.store.UploadObject(ctx, containerID, anim.LocalPath, newCacheEntryName())
	if err != nil {
		return anim.FrameCount, fmt.Errorf("failed to publish timelapse: %w", err)
	}
	anim.RemoteObjectID = meta.ID

	logger.Info().Str("object_id", anim.RemoteObjectID).Int("frames", anim.FrameCount).Msg("Published timelapse")
	return anim.FrameCount, nil
}

// invalidate deletes every cache entry of the container, then waits for the deletes to show
// up in listings.
func (s *Service) invalidate(ctx context.Context, containerID string, logger zerolog.Logger) error {
	objects, err := s.store.ListObjects(ctx, containerID)
	if err != nil {
		return fmt.Errorf("failed to list cache entries: %w", err)
	}
	stale := cacheEntries(objects)
	if len(stale) == 0 {
		return nil
	}

	deleted := make(map[string]bool, len(stale))
	for _, entry := range stale {
		if err := s.store.DeleteObject(ctx, entry.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("failed to delete stale cache entry %s: %w", entry.ID, err)
		}
		deleted[entry.ID] = true
	}
	logger.Info().Int("deleted", len(deleted)).Msg("Deleted stale cache entries")

	s.waitForPropagation(ctx, containerID, deleted, logger)
	return nil
}

// waitForPropagation polls the container until none of the deleted IDs is listed, giving up
// after the propagation timeout.
func (s *Service) waitForPropagation(ctx context.Context, containerID string, deleted map[string]bool, logger zerolog.Logger) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		objects, err := s.store.ListObjects(ctx, containerID)
		if err != nil {
			return struct{}{}, err
		}
		for _, obj := range objects {
			if deleted[obj.ID] {
				return struct{}{}, errStillListed
			}
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(s.propagationTimeout))

	if err != nil {
		logger.Warn().Err(err).Dur("timeout", s.propagationTimeout).Msg("Deleted cache entries still visible, publishing anyway")
	}
}

func (s *Service) finish(run models.RegenerationRun, outcome string, frameCount int, err error) {
	run.Outcome = outcome
	run.FrameCount = frameCount
	run.FinishedAt = time.Now().UTC()
	if err != nil {
		run.Error = err.Error()
	}
	metrics.RegenerationsTotal.WithLabelValues(outcome).Inc()
	s.record(run)
}
