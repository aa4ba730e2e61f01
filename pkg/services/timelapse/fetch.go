package timelapse

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/metrics"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/store"
	"trail-lapse/pkg/util"
)

// FetchFrames downloads the image objects of every trail to scratch files and returns them in
// capture order, ties broken by object ID. A trail that cannot be listed and any object that
// cannot be downloaded are logged and left out. ErrNoFramesFound is returned only when nothing
// was downloaded at all. The caller owns the returned frames' LocalPath files.
func (s *Service) FetchFrames(ctx context.Context, orgID string, trailIDs []string, excludeCachedArtifact bool) ([]models.Frame, error) {
	// Per-call token keeps concurrent fetches of the same trail from sharing scratch files.
	attempt := uuid.NewString()[:8]

	var frames []models.Frame
	for _, trailID := range trailIDs {
		containerID := store.ContainerID(orgID, trailID)
		objects, err := s.store.ListObjects(ctx, containerID)
		if err != nil {
			log.Warn().Err(err).Str("org", orgID).Str("trail", trailID).Msg("Failed to list trail, skipping it")
			continue
		}

		for _, obj := range frameCandidates(objects, excludeCachedArtifact) {
			localPath := s.frameScratchPath(attempt, orgID, trailID, obj)
			if err := s.store.DownloadObject(ctx, obj.ID, localPath); err != nil {
				metrics.FrameDownloadFailures.Inc()
				log.Warn().Err(err).Str("org", orgID).Str("trail", trailID).Str("object_id", obj.ID).Msg("Failed to download frame, dropping it")
				continue
			}
			frames = append(frames, models.Frame{
				ObjectID:   obj.ID,
				Name:       obj.Name,
				MIMEType:   obj.MIMEType,
				CapturedAt: obj.CreatedTime,
				LocalPath:  localPath,
			})
		}
	}

	if len(frames) == 0 {
		return nil, fmt.Errorf("%w for %s/%s", ErrNoFramesFound, orgID, strings.Join(trailIDs, ","))
	}

	sortFrames(frames)
	log.Debug().Str("org", orgID).Strs("trails", trailIDs).Int("frames", len(frames)).Msg("Fetched frames")
	return frames, nil
}

// frameCandidates keeps the image objects, dropping cache entries when asked to.
func frameCandidates(objects []models.ObjectMeta, excludeCachedArtifact bool) []models.ObjectMeta {
	var out []models.ObjectMeta
	for _, obj := range objects {
		if !strings.HasPrefix(obj.MIMEType, "image/") {
			continue
		}
		if excludeCachedArtifact && IsCacheEntry(obj.Name) {
			continue
		}
		out = append(out, obj)
	}
	return out
}

func sortFrames(frames []models.Frame) {
	sort.Slice(frames, func(i, j int) bool {
		if !frames[i].CapturedAt.Equal(frames[j].CapturedAt) {
			return frames[i].CapturedAt.Before(frames[j].CapturedAt)
		}
		return frames[i].ObjectID < frames[j].ObjectID
	})
}

func (s *Service) frameScratchPath(attempt, orgID, trailID string, obj models.ObjectMeta) string {
	ext := strings.ToLower(filepath.Ext(obj.Name))
	if ext == "" {
		ext = ".img"
	}
	name := strings.Join([]string{
		util.SafeFileName(orgID),
		util.SafeFileName(trailID),
		util.SafeFileName(obj.ID),
		attempt,
	}, "_") + ext
	return filepath.Join(s.scratchDir, name)
}

func scratchPaths(frames []models.Frame) []string {
	paths := make([]string, len(frames))
	for i, f := range frames {
		paths[i] = f.LocalPath
	}
	return paths
}
