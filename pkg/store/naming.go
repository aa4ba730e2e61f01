package store

import (
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// The fixed-width fraction keeps sub-second captures distinct and names sortable.
const captureTimeLayout = "20060102T150405.000000000Z"

// Names written before fractional seconds were recorded.
const legacyCaptureTimeLayout = "20060102T150405Z"

// CaptureName builds a unique object name that records the capture time, e.g.
// 20250314T081500.250000000Z_3f6c...jpg. Stores report that time as the object's creation time.
func CaptureName(capturedAt time.Time, ext string) string {
	return capturedAt.UTC().Format(captureTimeLayout) + "_" + uuid.NewString() + strings.ToLower(ext)
}

// CaptureTimeFromName extracts the capture time encoded by CaptureName.
func CaptureTimeFromName(name string) (time.Time, bool) {
	prefix, _, found := strings.Cut(name, "_")
	if !found {
		return time.Time{}, false
	}
	for _, layout := range []string{captureTimeLayout, legacyCaptureTimeLayout} {
		if t, err := time.Parse(layout, prefix); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// MIMETypeFromName guesses a MIME type from the object name's extension.
func MIMETypeFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".heic":
		return "image/heic"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		if i := strings.Index(t, ";"); i >= 0 {
			return t[:i]
		}
		return t
	}
	return "application/octet-stream"
}
