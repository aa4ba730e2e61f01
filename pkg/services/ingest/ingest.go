// Package ingest accepts field photos into a trail and schedules the trail's timelapse rebuild.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/evanoberholster/imagemeta"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/models"
	"trail-lapse/pkg/store"
)

// ErrUnsupportedType is returned for uploads that are not a decodable image format.
var ErrUnsupportedType = errors.New("unsupported image type")

// Types the animation encoder can decode.
var supportedTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/bmp":  true,
	"image/tiff": true,
}

// Regenerator schedules a background rebuild of a trail's timelapse.
type Regenerator interface {
	Trigger(ctx context.Context, orgID, trailID string)
}

type Service struct {
	store store.ObjectStore
	regen Regenerator
	now   func() time.Time
}

func New(objStore store.ObjectStore, regen Regenerator) *Service {
	return &Service{store: objStore, regen: regen, now: time.Now}
}

// Ingest uploads the photo at localPath into the trail, removes the local file and triggers
// a detached regeneration. The capture time comes from capturedAt (RFC 3339) when it parses,
// then from the photo's EXIF DateTimeOriginal, then from the clock. The upload is reported
// as successful regardless of how the regeneration turns out.
func (s *Service) Ingest(ctx context.Context, orgID, trailID, localPath, capturedAt string) (*models.ObjectMeta, error) {
	mtype, err := mimetype.DetectFile(localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect upload: %w", err)
	}
	if !supportedTypes[mtype.String()] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}

	taken := s.captureTime(localPath, capturedAt)
	containerID := store.ContainerID(orgID, trailID)
	if err := s.store.EnsureContainer(ctx, containerID); err != nil {
		return nil, fmt.Errorf("failed to prepare trail %s: %w", containerID, err)
	}

	meta, err := s.store.UploadObject(ctx, containerID, localPath, store.CaptureName(taken, mtype.Extension()))
	if err != nil {
		return nil, fmt.Errorf("failed to upload photo: %w", err)
	}
	log.Info().Str("org", orgID).Str("trail", trailID).Str("object_id", meta.ID).Time("captured_at", taken).Msg("Photo ingested")

	if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", localPath).Msg("Failed to remove uploaded file")
	}

	s.regen.Trigger(ctx, orgID, trailID)
	return meta, nil
}

func (s *Service) captureTime(localPath, declared string) time.Time {
	if declared = strings.TrimSpace(declared); declared != "" {
		if t, err := time.Parse(time.RFC3339Nano, declared); err == nil {
			return t.UTC()
		}
		log.Debug().Str("timestamp", declared).Msg("Unparsable capture timestamp, trying EXIF")
	}
	if t, ok := exifCaptureTime(localPath); ok {
		return t.UTC()
	}
	return s.now().UTC()
}

func exifCaptureTime(path string) (time.Time, bool) {
	f, err := os.Open(path)
	if err != nil {
		return time.Time{}, false
	}
	defer f.Close()

	exifData, err := imagemeta.Decode(f)
	if err != nil {
		return time.Time{}, false
	}
	if t := exifData.DateTimeOriginal(); !t.IsZero() {
		return t, true
	}
	if t := exifData.CreateDate(); !t.IsZero() {
		return t, true
	}
	return time.Time{}, false
}
