package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/animation"
	"trail-lapse/pkg/cachedstats"
	"trail-lapse/pkg/config"
	"trail-lapse/pkg/database"
	"trail-lapse/pkg/handlers"
	"trail-lapse/pkg/janitor"
	"trail-lapse/pkg/jobs"
	"trail-lapse/pkg/logging"
	"trail-lapse/pkg/server"
	"trail-lapse/pkg/services/ingest"
	"trail-lapse/pkg/services/timelapse"
	"trail-lapse/pkg/store"
	"trail-lapse/pkg/worker"
)

func newObjectStore(ctx context.Context, cfg *config.Config) (store.ObjectStore, error) {
	switch cfg.StoreBackend {
	case "s3":
		return store.NewS3Store(ctx, store.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
			Root:      cfg.StoreRoot,
		})
	case "memory":
		log.Warn().Msg("Using in-memory object store; photos and timelapses are lost on restart")
		return store.NewMemStore(), nil
	default:
		return store.NewLocalStore(cfg.StoreRoot)
	}
}

func main() {
	config.LoadConfig()
	cfg := &config.AppConfig
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ensure data directories exist
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create scratch directory")
	}
	// Nothing is in flight yet, so anything left in scratch is from a previous run.
	if removed, err := janitor.Sweep(cfg.ScratchDir, 0); err != nil {
		log.Warn().Err(err).Msg("Startup scratch sweep failed")
	} else if removed > 0 {
		log.Info().Int("removed", removed).Msg("Removed leftover scratch files")
	}

	// Initialize Database
	database.InitDB()
	jobs.InitJobs(database.GetDB())

	objStore, err := newObjectStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.StoreBackend).Msg("Failed to initialize object store")
	}

	encoder := animation.NewEncoder(animation.Options{
		MaxWidth:   cfg.MaxWidth,
		FrameDelay: cfg.FrameDelay(),
		Quality:    cfg.GetQualityValue(),
	})
	timelapseSvc, err := timelapse.New(objStore, encoder, timelapse.Options{
		ScratchDir:         cfg.ScratchDir,
		PropagationTimeout: cfg.PropagationTimeout(),
		RecordRun:          database.RecordRegeneration,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize timelapse service")
	}
	ingestSvc := ingest.New(objStore, timelapseSvc)

	// Start background workers and schedulers
	cachedstats.Cache.RunUpdater(ctx, time.Duration(cfg.StatsRefreshIntervalSec)*time.Second)
	jobWorker := worker.New(timelapseSvc, worker.Options{
		PollInterval:  time.Duration(cfg.WorkerPollSec) * time.Second,
		ScratchDir:    cfg.ScratchDir,
		ScratchMaxAge: cfg.ScratchMaxAge(),
	})
	go jobWorker.Start(ctx)
	worker.StartSweepScheduler(ctx, time.Duration(cfg.JanitorIntervalSec)*time.Second)

	router := server.SetupRouter(&handlers.Handlers{
		Timelapse:      timelapseSvc,
		Ingest:         ingestSvc,
		Trails:         objStore,
		UploadDir:      cfg.ScratchDir,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
	})
	if err := server.StartServer(ctx, router, cfg.Port); err != nil {
		log.Error().Err(err).Msg("HTTP server failed")
	}

	log.Info().Msg("Waiting for in-flight regenerations to finish...")
	stop()
	<-jobWorker.Done()
	timelapseSvc.Wait()
	if err := database.GetDB().Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing database")
	}
	log.Info().Msg("Shutdown complete")
}
