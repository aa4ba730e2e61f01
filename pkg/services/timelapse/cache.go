package timelapse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/metrics"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/store"
)

// Cache entries live in the trail container next to the photos. Every published entry gets a
// unique name so a reader never observes a half-replaced object.
const (
	CacheEntryPrefix = "timelapse-cache"
	CacheEntryExt    = ".gif"
)

// IsCacheEntry reports whether an object name marks a published animation.
func IsCacheEntry(name string) bool {
	return strings.HasPrefix(name, CacheEntryPrefix) && strings.HasSuffix(strings.ToLower(name), CacheEntryExt)
}

func newCacheEntryName() string {
	return CacheEntryPrefix + "-" + uuid.NewString() + CacheEntryExt
}

// cacheEntries returns the cache entries among objects, newest first.
func cacheEntries(objects []models.ObjectMeta) []models.ObjectMeta {
	var entries []models.ObjectMeta
	for _, obj := range objects {
		if IsCacheEntry(obj.Name) {
			entries = append(entries, obj)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].CreatedTime.Equal(entries[j].CreatedTime) {
			return entries[i].CreatedTime.After(entries[j].CreatedTime)
		}
		return entries[i].ID > entries[j].ID
	})
	return entries
}

// GetCachedOrGenerate returns a local copy of the trail's cached animation, or builds one from
// the trail's photos when no cache entry exists. A freshly built animation is not published.
// The caller passes both return paths to Cleanup when done.
func (s *Service) GetCachedOrGenerate(ctx context.Context, orgID, trailID string) (string, []string, error) {
	logger := log.With().Str("org", orgID).Str("trail", trailID).Logger()

	objects, err := s.store.ListObjects(ctx, store.ContainerID(orgID, trailID))
	if err != nil {
		logger.Warn().Err(err).Msg("Cache lookup failed, generating instead")
	} else if entries := cacheEntries(objects); len(entries) > 0 {
		entry := entries[0]
		localPath := s.outputPath(orgID, trailID)
		err := s.store.DownloadObject(ctx, entry.ID, localPath)
		switch {
		case err == nil:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			logger.Debug().Str("object_id", entry.ID).Msg("Serving cached timelapse")
			return localPath, nil, nil
		case errors.Is(err, store.ErrNotFound):
			// Deleted by a regeneration between the listing and the download.
			logger.Info().Str("object_id", entry.ID).Msg("Cache entry vanished, generating instead")
		default:
			s.Cleanup(nil, localPath)
			return "", nil, fmt.Errorf("failed to download cached timelapse: %w", err)
		}
	}

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	result, err := s.GenerateTimeLapse(ctx, orgID, []string{trailID})
	if err != nil {
		return "", nil, err
	}
	return result.LocalPath, result.ScratchPaths, nil
}

// GenerateTimeLapse builds an animation over the given trails without touching the cache.
// No trails means every trail of the organization. On error nothing is left in scratch space.
func (s *Service) GenerateTimeLapse(ctx context.Context, orgID string, trailIDs []string) (*Result, error) {
	if len(trailIDs) == 0 {
		all, err := s.store.ListContainers(ctx, orgID)
		if err != nil {
			return nil, fmt.Errorf("failed to list trails of %s: %w", orgID, err)
		}
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: organization %s has no trails", ErrNoFramesFound, orgID)
		}
		trailIDs = all
	}

	frames, err := s.FetchFrames(ctx, orgID, trailIDs, true)
	if err != nil {
		return nil, err
	}
	scratch := scratchPaths(frames)

	label := trailIDs[0]
	if len(trailIDs) > 1 {
		label = "multi"
	}
	outputPath := s.outputPath(orgID, label)
	start := time.Now()
	anim, err := s.encoder.Encode(frames, outputPath)
	metrics.ObserveEncode(start)
	if err != nil {
		s.Cleanup(scratch, outputPath)
		return nil, fmt.Errorf("failed to encode timelapse: %w", err)
	}

	log.Info().Str("org", orgID).Strs("trails", trailIDs).Int("frames", anim.FrameCount).Msg("Generated timelapse")
	return &Result{LocalPath: anim.LocalPath, FrameCount: anim.FrameCount, ScratchPaths: scratch}, nil
}
