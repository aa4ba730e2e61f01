package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"trail-lapse/pkg/cachedstats"
	"trail-lapse/pkg/database"
	"trail-lapse/pkg/jobs"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/services/ingest"
	"trail-lapse/pkg/services/timelapse"
)

var namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9 _-]{0,63}$`)

// TimelapseService is the part of the timelapse service the HTTP API uses.
type TimelapseService interface {
	GetCachedOrGenerate(ctx context.Context, orgID, trailID string) (string, []string, error)
	GenerateTimeLapse(ctx context.Context, orgID string, trailIDs []string) (*timelapse.Result, error)
	Trigger(ctx context.Context, orgID, trailID string)
	Cleanup(scratchPaths []string, outputPath string)
	Status() []models.RegenerationStatus
}

// PhotoIngester stores an uploaded photo in a trail.
type PhotoIngester interface {
	Ingest(ctx context.Context, orgID, trailID, localPath, capturedAt string) (*models.ObjectMeta, error)
}

// TrailLister lists the trails of an organization.
type TrailLister interface {
	ListContainers(ctx context.Context, parent string) ([]string, error)
}

// Handlers holds the services behind the HTTP API.
type Handlers struct {
	Timelapse      TimelapseService
	Ingest         PhotoIngester
	Trails         TrailLister
	UploadDir      string
	MaxUploadBytes int64
}

type generateRequest struct {
	Trails []string `json:"trails"`
}

func validName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	return name, namePattern.MatchString(name)
}

// pathNames validates the :org and, when present, :trail route parameters.
func pathNames(c *gin.Context) (org, trail string, ok bool) {
	org, ok = validName(c.Param("org"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid organization name"})
		return "", "", false
	}
	if _, hasTrail := c.Params.Get("trail"); !hasTrail {
		return org, "", true
	}
	trail, ok = validName(c.Param("trail"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid trail name"})
		return "", "", false
	}
	return org, trail, true
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, timelapse.ErrNoFramesFound):
		return http.StatusNotFound
	case errors.Is(err, ingest.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType
	}
	return http.StatusInternalServerError
}

// serveAnimation writes the GIF at path and then removes it with its scratch files.
func (h *Handlers) serveAnimation(c *gin.Context, path string, scratch []string) {
	defer h.Timelapse.Cleanup(scratch, path)
	c.Header("Content-Type", "image/gif")
	c.Header("Cache-Control", "no-store")
	c.File(path)
}

// HandleUploadPhoto accepts a multipart "photo" field and an optional "timestamp" form value.
func (h *Handlers) HandleUploadPhoto(c *gin.Context) {
	org, trail, ok := pathNames(c)
	if !ok {
		return
	}

	if h.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes)
	}
	file, err := c.FormFile("photo")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("upload exceeds %d bytes", maxErr.Limit)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing photo upload"})
		return
	}

	localPath := filepath.Join(h.UploadDir, "upload_"+uuid.NewString()+filepath.Ext(filepath.Base(file.Filename)))
	if err := c.SaveUploadedFile(file, localPath); err != nil {
		log.Error().Err(err).Msg("Failed to save uploaded photo")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save upload"})
		return
	}

	meta, err := h.Ingest.Ingest(c.Request.Context(), org, trail, localPath, c.PostForm("timestamp"))
	if err != nil {
		// Ingest removes the file only once it is stored.
		os.Remove(localPath)
		log.Warn().Err(err).Str("org", org).Str("trail", trail).Msg("Photo upload rejected")
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, meta)
}

// HandleGenerate builds an animation over the requested trails, or all trails of the
// organization when none are named. A single trail is served through the cache.
func (h *Handlers) HandleGenerate(c *gin.Context) {
	org, _, ok := pathNames(c)
	if !ok {
		return
	}

	var req generateRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	trails := make([]string, 0, len(req.Trails))
	seen := make(map[string]bool, len(req.Trails))
	for _, t := range req.Trails {
		name, ok := validName(t)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid trail name %q", t)})
			return
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		trails = append(trails, name)
	}

	if len(trails) == 1 {
		h.serveTrail(c, org, trails[0])
		return
	}

	result, err := h.Timelapse.GenerateTimeLapse(c.Request.Context(), org, trails)
	if err != nil {
		log.Error().Err(err).Str("org", org).Strs("trails", trails).Msg("Timelapse generation failed")
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.serveAnimation(c, result.LocalPath, result.ScratchPaths)
}

// HandleTrailTimelapse serves the trail's cached animation, generating one on a miss.
func (h *Handlers) HandleTrailTimelapse(c *gin.Context) {
	org, trail, ok := pathNames(c)
	if !ok {
		return
	}
	h.serveTrail(c, org, trail)
}

func (h *Handlers) serveTrail(c *gin.Context, org, trail string) {
	path, scratch, err := h.Timelapse.GetCachedOrGenerate(c.Request.Context(), org, trail)
	if err != nil {
		log.Error().Err(err).Str("org", org).Str("trail", trail).Msg("Timelapse lookup failed")
		c.JSON(errorStatus(err), gin.H{"error": err.Error()})
		return
	}
	h.serveAnimation(c, path, scratch)
}

func (h *Handlers) HandleRegenerate(c *gin.Context) {
	org, trail, ok := pathNames(c)
	if !ok {
		return
	}
	h.Timelapse.Trigger(c.Request.Context(), org, trail)
	c.JSON(http.StatusAccepted, gin.H{"message": "Regeneration started", "organization": org, "trail": trail})
}

// HandleRebuild queues a regeneration job for every trail of the organization.
func (h *Handlers) HandleRebuild(c *gin.Context) {
	org, _, ok := pathNames(c)
	if !ok {
		return
	}

	trails, err := h.Trails.ListContainers(c.Request.Context(), org)
	if err != nil {
		log.Error().Err(err).Str("org", org).Msg("Failed to list trails for rebuild")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	jobIDs := make([]int64, 0, len(trails))
	for _, trail := range trails {
		id, err := jobs.EnqueueRegeneration(org, trail)
		if err != nil {
			log.Error().Err(err).Str("org", org).Str("trail", trail).Msg("Failed to enqueue regeneration")
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		jobIDs = append(jobIDs, id)
	}
	log.Info().Str("org", org).Int("trails", len(trails)).Msg("Rebuild queued")
	c.JSON(http.StatusAccepted, gin.H{"organization": org, "trails": trails, "job_ids": jobIDs})
}

// HandleRegenerations lists recent regeneration runs, optionally filtered by org and trail.
func (h *Handlers) HandleRegenerations(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = min(n, 500)
	}

	runs, err := database.ListRegenerations(c.Query("org"), c.Query("trail"), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list regenerations")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, runs)
}

func (h *Handlers) HandleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"in_flight": h.Timelapse.Status(),
		"system":    cachedstats.Cache.GetData(),
	})
}

func HandleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
