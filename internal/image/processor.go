package image

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultMaxPixels rejects images larger than this many pixels before the
// full decode runs.
const DefaultMaxPixels = 178956970

var (
	// ErrUndecodable wraps every failure to turn bytes into an image.
	ErrUndecodable = errors.New("cannot identify image file")
	// ErrTooLarge is returned when an image exceeds the pixel cap.
	ErrTooLarge = errors.New("image exceeds pixel limit")
)

// Decoder turns encoded image bytes into 8-bit RGB images.
type Decoder struct {
	MaxPixels int
}

// NewDecoder returns a Decoder. maxPixels <= 0 selects DefaultMaxPixels.
func NewDecoder(maxPixels int) *Decoder {
	if maxPixels <= 0 {
		maxPixels = DefaultMaxPixels
	}
	return &Decoder{MaxPixels: maxPixels}
}

// Decode identifies the format of data, decodes it and converts the result
// to RGB. Transparent pixels are composited over white.
func (d *Decoder) Decode(data []byte) (*image.RGBA, string, error) {
	if len(data) == 0 {
		return nil, "", fmt.Errorf("%w: empty input", ErrUndecodable)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if limit := d.maxPixels(); cfg.Width*cfg.Height > limit {
		return nil, format, fmt.Errorf("%w: %dx%d > %d pixels", ErrTooLarge, cfg.Width, cfg.Height, limit)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("%w: %s: %v", ErrUndecodable, format, err)
	}
	return ToRGB(img), format, nil
}

func (d *Decoder) maxPixels() int {
	if d == nil || d.MaxPixels <= 0 {
		return DefaultMaxPixels
	}
	return d.MaxPixels
}

// ToRGB flattens any color model onto an opaque RGBA canvas.
func ToRGB(src image.Image) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Over)
	return dst
}

// DecodeBase64 decodes a base64 image payload. A data URI prefix is
// stripped; standard, URL-safe and unpadded alphabets are accepted.
func DecodeBase64(input string) ([]byte, error) {
	data := strings.TrimSpace(input)
	if strings.HasPrefix(data, "data:") {
		if idx := strings.Index(data, ","); idx != -1 {
			data = data[idx+1:]
		}
	}
	data = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, data)

	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.URLEncoding, base64.RawStdEncoding, base64.RawURLEncoding} {
		if decoded, err := enc.DecodeString(data); err == nil {
			return decoded, nil
		}
	}
	_, err := base64.StdEncoding.DecodeString(data)
	return nil, fmt.Errorf("invalid base64 image data: %w", err)
}

// ReadFile loads image bytes from path, expanding a leading ~/.
func ReadFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return os.ReadFile(filepath.Clean(path))
}

// Exists reports whether path names an existing file or directory.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	_, err := os.Stat(path)
	return err == nil
}
