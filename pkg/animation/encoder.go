// Package animation turns an ordered list of local images into a looping animated GIF.
package animation

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/color/palette"
	"image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"trail-lapse/pkg/models"
)

const (
	MinQuality = 1
	MaxQuality = 30

	// Qualities at or below this value are dithered.
	ditherThreshold = 10
	// Qualities above this value use the smaller web-safe palette.
	coarseThreshold = 20
)

// ErrEmptyInput is returned when Encode is called without frames.
var ErrEmptyInput = errors.New("no frames to encode")

var errNoDecodableFrames = errors.New("no frame could be decoded")

// EncodingError reports a failure to produce the output file.
type EncodingError struct {
	Path string
	Err  error
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %s: %v", e.Path, e.Err)
}

func (e *EncodingError) Unwrap() error {
	return e.Err
}

// Options are fixed per deployment.
type Options struct {
	MaxWidth   int
	FrameDelay time.Duration
	Quality    int // 1..30, lower is better
}

// Encoder produces GIF animations. It holds no state between calls.
type Encoder struct {
	opts Options
}

func NewEncoder(opts Options) *Encoder {
	if opts.MaxWidth < 1 {
		opts.MaxWidth = 800
	}
	if opts.Quality < MinQuality {
		opts.Quality = MinQuality
	}
	if opts.Quality > MaxQuality {
		opts.Quality = MaxQuality
	}
	return &Encoder{opts: opts}
}

func (e *Encoder) Options() Options {
	return e.opts
}

// Encode writes frames, in the given order, to outputPath as an infinitely looping GIF.
// The geometry is fixed by the first decodable frame; every later frame is resampled to it.
// Frames that cannot be decoded are logged and skipped. Encode returns once the file has
// been flushed, synced and renamed into place.
func (e *Encoder) Encode(frames []models.Frame, outputPath string) (*models.Animation, error) {
	if len(frames) == 0 {
		return nil, ErrEmptyInput
	}

	pal := e.palette()
	dither := e.opts.Quality <= ditherThreshold
	delay := delayHundredths(e.opts.FrameDelay)

	anim := &gif.GIF{LoopCount: 0}
	var bounds image.Rectangle

	for _, frame := range frames {
		src, err := decodeFile(frame.LocalPath)
		if err != nil {
			log.Warn().Err(err).Str("object_id", frame.ObjectID).Str("path", frame.LocalPath).Msg("Skipping undecodable frame")
			continue
		}
		if bounds.Empty() {
			bounds = e.geometry(src.Bounds())
			if bounds.Empty() {
				log.Warn().Str("object_id", frame.ObjectID).Msg("Skipping zero-sized frame")
				continue
			}
		}

		anim.Image = append(anim.Image, quantize(scale(src, bounds), pal, dither))
		anim.Delay = append(anim.Delay, delay)
		anim.Disposal = append(anim.Disposal, gif.DisposalNone)
	}

	if len(anim.Image) == 0 {
		return nil, &EncodingError{Path: outputPath, Err: errNoDecodableFrames}
	}
	anim.Config = image.Config{ColorModel: pal, Width: bounds.Dx(), Height: bounds.Dy()}

	if err := writeAtomically(outputPath, anim); err != nil {
		return nil, &EncodingError{Path: outputPath, Err: err}
	}

	log.Debug().Str("path", outputPath).Int("frames", len(anim.Image)).Int("width", bounds.Dx()).Int("height", bounds.Dy()).Msg("Animation encoded")
	return &models.Animation{
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
		FrameDelay: e.opts.FrameDelay,
		Quality:    e.opts.Quality,
		FrameCount: len(anim.Image),
		LocalPath:  outputPath,
	}, nil
}

// geometry caps the width at MaxWidth and derives the height from the source aspect ratio.
func (e *Encoder) geometry(src image.Rectangle) image.Rectangle {
	w, h := src.Dx(), src.Dy()
	if w <= 0 || h <= 0 {
		return image.Rectangle{}
	}
	width := min(w, e.opts.MaxWidth)
	height := int(math.Round(float64(h) * float64(width) / float64(w)))
	if height < 1 {
		height = 1
	}
	return image.Rect(0, 0, width, height)
}

func (e *Encoder) palette() color.Palette {
	if e.opts.Quality > coarseThreshold {
		return palette.WebSafe
	}
	return palette.Plan9
}

func decodeFile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return img, nil
}

func scale(src image.Image, bounds image.Rectangle) *image.RGBA {
	dst := image.NewRGBA(bounds)
	draw.CatmullRom.Scale(dst, bounds, src, src.Bounds(), draw.Src, nil)
	return dst
}

func quantize(src *image.RGBA, pal color.Palette, dither bool) *image.Paletted {
	dst := image.NewPaletted(src.Bounds(), pal)
	if dither {
		draw.FloydSteinberg.Draw(dst, dst.Bounds(), src, image.Point{})
	} else {
		draw.Draw(dst, dst.Bounds(), src, image.Point{}, draw.Src)
	}
	return dst
}

// delayHundredths converts a frame delay to GIF units.
func delayHundredths(d time.Duration) int {
	n := int(d / (10 * time.Millisecond))
	if n < 1 {
		n = 1
	}
	return n
}

func writeAtomically(outputPath string, anim *gif.GIF) error {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), "."+filepath.Base(outputPath)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	if err := gif.EncodeAll(w, anim); err != nil {
		return fail(err)
	}
	if err := w.Flush(); err != nil {
		return fail(err)
	}
	if err := tmp.Sync(); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, outputPath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
