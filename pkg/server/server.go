package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/handlers"
)

// requestLogger logs every request through zerolog instead of gin's stdout logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		event := log.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = log.Error()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("HTTP request")
	}
}

func SetupRouter(h *handlers.Handlers) *gin.Engine {
	r := gin.New()
	r.Use(requestLogger(), gin.Recovery())

	r.GET("/healthz", handlers.HandleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")
	{
		// Trail photos and timelapses
		api.POST("/organizations/:org/trails/:trail/photos", h.HandleUploadPhoto)
		api.GET("/organizations/:org/trails/:trail/timelapse", h.HandleTrailTimelapse)
		api.POST("/organizations/:org/trails/:trail/regenerate", h.HandleRegenerate)
		api.POST("/organizations/:org/timelapse", h.HandleGenerate)
		api.POST("/organizations/:org/rebuild", h.HandleRebuild)

		// Operations
		api.GET("/regenerations", h.HandleRegenerations)
		api.GET("/status", h.HandleStatus)
	}

	return r
}

// StartServer serves r on port until ctx is done, then drains open requests.
func StartServer(ctx context.Context, r *gin.Engine, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("port", port).Msg("Gin server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
