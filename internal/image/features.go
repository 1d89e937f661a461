package image

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"

	"golang.org/x/image/draw"

	"MealLens/internal/tensor"
)

// CLIP normalisation constants, used when preprocessor_config.json omits
// image_mean or image_std.
var (
	ClipMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipStd  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

// PIL resample filter codes as stored in preprocessor_config.json.
const (
	ResampleNearest  = 0
	ResampleLanczos  = 1
	ResampleBilinear = 2
	ResampleBicubic  = 3
)

// Size is either an exact height/width pair or a shortest edge target.
type Size struct {
	Height       int `json:"height,omitempty"`
	Width        int `json:"width,omitempty"`
	ShortestEdge int `json:"shortest_edge,omitempty"`
}

// UnmarshalJSON accepts both the object form and a bare integer.
func (s *Size) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*s = Size{Height: n, Width: n}
		return nil
	}
	type plain Size
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Size(p)
	return nil
}

// ProcessorConfig mirrors the fields of preprocessor_config.json the feature
// extractor honours.
type ProcessorConfig struct {
	DoResize      bool       `json:"do_resize"`
	Size          Size       `json:"size"`
	Resample      int        `json:"resample"`
	DoCenterCrop  bool       `json:"do_center_crop"`
	CropSize      Size       `json:"crop_size"`
	DoRescale     bool       `json:"do_rescale"`
	RescaleFactor float32    `json:"rescale_factor"`
	DoNormalize   bool       `json:"do_normalize"`
	ImageMean     [3]float32 `json:"image_mean"`
	ImageStd      [3]float32 `json:"image_std"`
}

// DefaultProcessorConfig is a 384x384 bicubic CLIP-normalised setup.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		DoResize:      true,
		Size:          Size{Height: 384, Width: 384},
		Resample:      ResampleBicubic,
		DoRescale:     true,
		RescaleFactor: 1.0 / 255.0,
		DoNormalize:   true,
		ImageMean:     ClipMean,
		ImageStd:      ClipStd,
	}
}

// LoadProcessorConfig reads preprocessor_config.json from dir on top of the
// defaults. A missing file yields the defaults.
func LoadProcessorConfig(dir string) (ProcessorConfig, error) {
	cfg := DefaultProcessorConfig()
	data, err := os.ReadFile(filepath.Join(dir, "preprocessor_config.json"))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("image: read preprocessor_config.json: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("image: parse preprocessor_config.json: %w", err)
	}
	return cfg, nil
}

// FeatureExtractor converts RGB images into normalised pixel tensors.
type FeatureExtractor struct {
	cfg ProcessorConfig
}

// NewFeatureExtractor validates cfg and returns an extractor.
func NewFeatureExtractor(cfg ProcessorConfig) (*FeatureExtractor, error) {
	if cfg.DoResize && cfg.Size.ShortestEdge <= 0 && (cfg.Size.Height <= 0 || cfg.Size.Width <= 0) {
		return nil, fmt.Errorf("image: invalid resize target %+v", cfg.Size)
	}
	if cfg.DoCenterCrop && (cfg.CropSize.Height <= 0 || cfg.CropSize.Width <= 0) {
		return nil, fmt.Errorf("image: invalid crop size %+v", cfg.CropSize)
	}
	if cfg.DoNormalize {
		for _, s := range cfg.ImageStd {
			if s == 0 {
				return nil, errors.New("image: image_std contains zero")
			}
		}
	}
	return &FeatureExtractor{cfg: cfg}, nil
}

// Config returns the processor settings.
func (e *FeatureExtractor) Config() ProcessorConfig {
	return e.cfg
}

// Extract resizes, crops, rescales and normalises img and returns a
// [1, 3, H, W] FP32 tensor on the CPU.
func (e *FeatureExtractor) Extract(img image.Image) (*tensor.Tensor, error) {
	if img == nil {
		return nil, errors.New("image: nil image")
	}
	rgb, ok := img.(*image.RGBA)
	if !ok {
		rgb = ToRGB(img)
	}

	if e.cfg.DoResize {
		w, h := e.targetSize(rgb.Bounds().Dx(), rgb.Bounds().Dy())
		rgb = resize(rgb, w, h, e.cfg.Resample)
	}
	if e.cfg.DoCenterCrop {
		rgb = centerCrop(rgb, e.cfg.CropSize.Width, e.cfg.CropSize.Height)
	}

	b := rgb.Bounds()
	w, h := b.Dx(), b.Dy()
	plane := w * h
	values := make([]float32, 3*plane)

	scale := float32(1)
	if e.cfg.DoRescale {
		scale = e.cfg.RescaleFactor
	}
	mean, std := [3]float32{}, [3]float32{1, 1, 1}
	if e.cfg.DoNormalize {
		mean, std = e.cfg.ImageMean, e.cfg.ImageStd
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := rgb.PixOffset(b.Min.X+x, b.Min.Y+y)
			idx := y*w + x
			for c := 0; c < 3; c++ {
				values[c*plane+idx] = (float32(rgb.Pix[off+c])*scale - mean[c]) / std[c]
			}
		}
	}

	return tensor.FromFloat32([]int64{1, 3, int64(h), int64(w)}, values)
}

func (e *FeatureExtractor) targetSize(w, h int) (int, int) {
	s := e.cfg.Size
	if s.ShortestEdge <= 0 {
		return s.Width, s.Height
	}
	if w <= h {
		return s.ShortestEdge, int(float64(h) * float64(s.ShortestEdge) / float64(w))
	}
	return int(float64(w) * float64(s.ShortestEdge) / float64(h)), s.ShortestEdge
}

func resize(src *image.RGBA, w, h, resample int) *image.RGBA {
	if w <= 0 || h <= 0 {
		return src
	}
	if b := src.Bounds(); b.Dx() == w && b.Dy() == h {
		return src
	}

	var scaler draw.Scaler
	switch resample {
	case ResampleNearest:
		scaler = draw.NearestNeighbor
	case ResampleBilinear:
		scaler = draw.BiLinear
	default:
		scaler = draw.CatmullRom
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

func centerCrop(src *image.RGBA, w, h int) *image.RGBA {
	b := src.Bounds()
	if b.Dx() == w && b.Dy() == h {
		return src
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	left := b.Min.X + (b.Dx()-w)/2
	top := b.Min.Y + (b.Dy()-h)/2
	draw.Draw(dst, dst.Bounds(), src, image.Pt(left, top), draw.Src)
	return dst
}
