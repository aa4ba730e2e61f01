// Package timelapse builds per-trail timelapse animations from the photos in the object store,
// and keeps one published copy of each trail's animation cached next to its photos.
//
// Regenerations are guarded by an in-process lock per (organization, trail): a second request
// for a trail that is already regenerating is skipped, not queued. The lock does not extend
// across processes.
package timelapse

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/janitor"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/store"
	"trail-lapse/pkg/util"
)

var (
	// ErrNoFramesFound means no source image could be downloaded for the requested trails.
	ErrNoFramesFound = errors.New("no frames found")

	// ErrRegenerationInProgress is the skip outcome of a regeneration whose trail is locked.
	ErrRegenerationInProgress = errors.New("regeneration already in progress")
)

// Encoder turns ordered local frames into an animation file.
type Encoder interface {
	Encode(frames []models.Frame, outputPath string) (*models.Animation, error)
}

// Options configures a Service.
type Options struct {
	ScratchDir string

	// PropagationTimeout bounds the wait for deleted cache entries to disappear from listings.
	PropagationTimeout time.Duration

	// RecordRun, when set, receives every finished regeneration attempt.
	RecordRun func(models.RegenerationRun) error
}

// Result is a locally built, unpublished animation. The caller owns every path in it.
type Result struct {
	LocalPath    string
	FrameCount   int
	ScratchPaths []string
}

// Service is constructed once at startup and shared by all request handlers.
type Service struct {
	store      store.ObjectStore
	encoder    Encoder
	scratchDir string

	propagationTimeout time.Duration
	recordRun          func(models.RegenerationRun) error

	locks    *lockTable
	detached sync.WaitGroup
}

func New(objStore store.ObjectStore, enc Encoder, opts Options) (*Service, error) {
	if err := os.MkdirAll(opts.ScratchDir, 0755); err != nil {
		return nil, err
	}
	if opts.PropagationTimeout <= 0 {
		opts.PropagationTimeout = 10 * time.Second
	}
	return &Service{
		store:              objStore,
		encoder:            enc,
		scratchDir:         opts.ScratchDir,
		propagationTimeout: opts.PropagationTimeout,
		recordRun:          opts.RecordRun,
		locks:              newLockTable(),
	}, nil
}

// Status lists the regenerations currently in flight.
func (s *Service) Status() []models.RegenerationStatus {
	return s.locks.snapshot()
}

// Wait blocks until every regeneration started by Trigger has finished.
func (s *Service) Wait() {
	s.detached.Wait()
}

// Cleanup removes the scratch files and output of a generation attempt.
func (s *Service) Cleanup(scratchPaths []string, outputPath string) {
	janitor.Cleanup(scratchPaths, outputPath)
}

// outputPath returns a fresh scratch path for an encoded or downloaded animation.
func (s *Service) outputPath(orgID, trailID string) string {
	name := util.SafeFileName(orgID) + "_" + util.SafeFileName(trailID) + "_" + uuid.NewString() + ".gif"
	return filepath.Join(s.scratchDir, name)
}

func (s *Service) record(run models.RegenerationRun) {
	if s.recordRun == nil {
		return
	}
	if err := s.recordRun(run); err != nil {
		log.Warn().Err(err).Str("org", run.OrganizationID).Str("trail", run.TrailID).Msg("Failed to record regeneration run")
	}
}
