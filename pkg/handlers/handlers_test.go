package handlers

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trail-lapse/pkg/animation"
	"trail-lapse/pkg/database"
	"trail-lapse/pkg/jobs"
	"trail-lapse/pkg/models"
	"trail-lapse/pkg/services/ingest"
	"trail-lapse/pkg/services/timelapse"
	"trail-lapse/pkg/store"
)

const org = "acme"

var t1 = time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	conn, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		panic(err)
	}
	conn.SetMaxOpenConns(1)
	if err := database.CreateSchema(conn); err != nil {
		panic(err)
	}
	database.UseDB(conn)
	jobs.InitJobs(conn)

	code := m.Run()
	conn.Close()
	os.Exit(code)
}

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 32, 24))
	for y := 0; y < 24; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type fixture struct {
	h       *Handlers
	router  *gin.Engine
	svc     *timelapse.Service
	store   *store.MemStore
	scratch string
	uploads string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemStore()
	scratch := t.TempDir()
	enc := animation.NewEncoder(animation.Options{MaxWidth: 64, FrameDelay: 100 * time.Millisecond, Quality: 10})
	svc, err := timelapse.New(mem, enc, timelapse.Options{ScratchDir: scratch, PropagationTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(svc.Wait)

	f := &fixture{svc: svc, store: mem, scratch: scratch, uploads: t.TempDir()}
	f.h = &Handlers{
		Timelapse:      svc,
		Ingest:         ingest.New(mem, svc),
		Trails:         mem,
		UploadDir:      f.uploads,
		MaxUploadBytes: 64 << 10,
	}

	r := gin.New()
	api := r.Group("/api")
	api.POST("/organizations/:org/trails/:trail/photos", f.h.HandleUploadPhoto)
	api.GET("/organizations/:org/trails/:trail/timelapse", f.h.HandleTrailTimelapse)
	api.POST("/organizations/:org/trails/:trail/regenerate", f.h.HandleRegenerate)
	api.POST("/organizations/:org/timelapse", f.h.HandleGenerate)
	api.POST("/organizations/:org/rebuild", f.h.HandleRebuild)
	api.GET("/regenerations", f.h.HandleRegenerations)
	api.GET("/status", f.h.HandleStatus)
	r.GET("/healthz", HandleHealth)
	f.router = r
	return f
}

func (f *fixture) putPhoto(t *testing.T, trail string, captured time.Time, c color.Color) {
	f.store.Put(store.ContainerID(org, trail), store.CaptureName(captured, ".png"), "image/png", captured, solidPNG(t, c))
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) assertScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(f.scratch)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func multipartPhoto(t *testing.T, data []byte, timestamp string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	if data != nil {
		part, err := mw.CreateFormFile("photo", "cam01.png")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	if timestamp != "" {
		require.NoError(t, mw.WriteField("timestamp", timestamp))
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func decodeGIF(t *testing.T, body []byte) *gif.GIF {
	t.Helper()
	g, err := gif.DecodeAll(bytes.NewReader(body))
	require.NoError(t, err)
	return g
}

func TestHandleTrailTimelapse_GeneratesOnMiss(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	f.putPhoto(t, "north", t1.Add(time.Hour), color.RGBA{0, 0, 0xff, 0xff})

	req, _ := http.NewRequest("GET", "/api/organizations/acme/trails/north/timelapse", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Len(t, decodeGIF(t, w.Body.Bytes()).Image, 2)
	f.assertScratchEmpty(t)
	assert.Empty(t, f.store.Uploads(), "a cache miss must not publish")
}

func TestHandleTrailTimelapse_ServesCacheEntry(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	require.True(t, f.svc.RegenerateAndStore(t.Context(), org, "north"))

	req, _ := http.NewRequest("GET", "/api/organizations/acme/trails/north/timelapse", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeGIF(t, w.Body.Bytes()).Image, 1)
	f.assertScratchEmpty(t)
}

func TestHandleTrailTimelapse_NoPhotos(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest("GET", "/api/organizations/acme/trails/empty/timelapse", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}

func TestHandleTrailTimelapse_InvalidNames(t *testing.T) {
	f := newFixture(t)

	for _, path := range []string{
		"/api/organizations/-acme/trails/north/timelapse",
		"/api/organizations/acme/trails/no.dots/timelapse",
		"/api/organizations/acme/trails/" + strings.Repeat("a", 65) + "/timelapse",
	} {
		req, _ := http.NewRequest("GET", path, nil)
		w := f.do(req)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestHandleGenerate_MultipleTrails(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	f.putPhoto(t, "south", t1.Add(time.Hour), color.RGBA{0, 0xff, 0, 0xff})
	f.putPhoto(t, "south", t1.Add(2*time.Hour), color.RGBA{0, 0, 0xff, 0xff})

	req, _ := http.NewRequest("POST", "/api/organizations/acme/timelapse", strings.NewReader(`{"trails":["north"," south "]}`))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeGIF(t, w.Body.Bytes()).Image, 3)
	f.assertScratchEmpty(t)
}

func TestHandleGenerate_DuplicateTrailsCountOnce(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	f.putPhoto(t, "south", t1.Add(time.Hour), color.RGBA{0, 0xff, 0, 0xff})
	f.putPhoto(t, "south", t1.Add(2*time.Hour), color.RGBA{0, 0, 0xff, 0xff})

	req, _ := http.NewRequest("POST", "/api/organizations/acme/timelapse", strings.NewReader(`{"trails":["south","north","south "]}`))
	req.Header.Set("Content-Type", "application/json")
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeGIF(t, w.Body.Bytes()).Image, 3)
	assert.Equal(t, 3, f.store.TotalDownloads(), "each photo is fetched once")
	f.assertScratchEmpty(t)
}

func TestHandleGenerate_AllTrailsWithoutBody(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	f.putPhoto(t, "south", t1.Add(time.Hour), color.RGBA{0, 0xff, 0, 0xff})

	req, _ := http.NewRequest("POST", "/api/organizations/acme/timelapse", nil)
	w := f.do(req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeGIF(t, w.Body.Bytes()).Image, 2)
}

func TestHandleGenerate_BadRequests(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest("POST", "/api/organizations/acme/timelapse", strings.NewReader(`{"trails":`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	req, _ = http.NewRequest("POST", "/api/organizations/acme/timelapse", strings.NewReader(`{"trails":["../etc"]}`))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestHandleUploadPhoto(t *testing.T) {
	f := newFixture(t)
	body, contentType := multipartPhoto(t, solidPNG(t, color.RGBA{0xff, 0, 0, 0xff}), "2025-04-01T08:00:00Z")

	req, _ := http.NewRequest("POST", "/api/organizations/acme/trails/north/photos", body)
	req.Header.Set("Content-Type", contentType)
	w := f.do(req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var meta models.ObjectMeta
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &meta))
	assert.True(t, strings.HasPrefix(meta.Name, "20250401T080000.000000000Z_"), meta.Name)
	assert.True(t, strings.HasSuffix(meta.Name, ".png"), meta.Name)

	uploads, err := os.ReadDir(f.uploads)
	require.NoError(t, err)
	assert.Empty(t, uploads)

	// The upload triggers a detached regeneration that publishes a cache entry.
	f.svc.Wait()
	var cached int
	for _, obj := range f.store.Snapshot(store.ContainerID(org, "north")) {
		if timelapse.IsCacheEntry(obj.Name) {
			cached++
		}
	}
	assert.Equal(t, 1, cached)
}

func TestHandleUploadPhoto_Rejections(t *testing.T) {
	f := newFixture(t)

	body, contentType := multipartPhoto(t, []byte("definitely not an image"), "")
	req, _ := http.NewRequest("POST", "/api/organizations/acme/trails/north/photos", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusUnsupportedMediaType, f.do(req).Code)

	body, contentType = multipartPhoto(t, nil, "2025-04-01T08:00:00Z")
	req, _ = http.NewRequest("POST", "/api/organizations/acme/trails/north/photos", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	body, contentType = multipartPhoto(t, bytes.Repeat([]byte{0xff}, 128<<10), "")
	req, _ = http.NewRequest("POST", "/api/organizations/acme/trails/north/photos", body)
	req.Header.Set("Content-Type", contentType)
	assert.Equal(t, http.StatusRequestEntityTooLarge, f.do(req).Code)

	uploads, err := os.ReadDir(f.uploads)
	require.NoError(t, err)
	assert.Empty(t, uploads)
	assert.Empty(t, f.store.Uploads())
}

func TestHandleRegenerate(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})

	req, _ := http.NewRequest("POST", "/api/organizations/acme/trails/north/regenerate", nil)
	w := f.do(req)
	assert.Equal(t, http.StatusAccepted, w.Code)

	f.svc.Wait()
	assert.Len(t, f.store.Uploads(), 1)
}

func TestHandleRebuild(t *testing.T) {
	f := newFixture(t)
	f.putPhoto(t, "north", t1, color.RGBA{0xff, 0, 0, 0xff})
	f.putPhoto(t, "south", t1, color.RGBA{0, 0xff, 0, 0xff})

	before, err := jobs.CountPending()
	require.NoError(t, err)

	req, _ := http.NewRequest("POST", "/api/organizations/acme/rebuild", nil)
	w := f.do(req)
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp struct {
		Trails []string `json:"trails"`
		JobIDs []int64  `json:"job_ids"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []string{"north", "south"}, resp.Trails)
	assert.Len(t, resp.JobIDs, 2)

	after, err := jobs.CountPending()
	require.NoError(t, err)
	assert.Equal(t, before+2, after)

	for _, id := range resp.JobIDs {
		require.NoError(t, jobs.DeleteJob(id))
	}
}

func TestHandleRegenerations(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, database.RecordRegeneration(models.RegenerationRun{
		OrganizationID: "history-org",
		TrailID:        "ridge",
		Outcome:        models.OutcomePublished,
		FrameCount:     4,
		StartedAt:      t1,
		FinishedAt:     t1.Add(time.Second),
	}))

	req, _ := http.NewRequest("GET", "/api/regenerations?org=history-org&trail=ridge", nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var runs []models.RegenerationRun
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, models.OutcomePublished, runs[0].Outcome)
	assert.Equal(t, 4, runs[0].FrameCount)

	req, _ = http.NewRequest("GET", "/api/regenerations?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestHandleStatus(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest("GET", "/api/status", nil)
	w := f.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "in_flight")
	assert.Contains(t, resp, "system")
}

func TestHandleHealth(t *testing.T) {
	f := newFixture(t)

	req, _ := http.NewRequest("GET", "/healthz", nil)
	w := f.do(req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
