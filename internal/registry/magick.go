package registry

import (
	"context"
	"fmt"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// MagickLoader decodes FITS, TIFF and other formats ImageMagick reads,
// exporting a single intensity channel. ImageMagick normalises samples to
// [0, 1]; Scale maps them back to detector units.
type MagickLoader struct {
	Scale float64
}

// NewMagickLoader returns a loader scaling to 16-bit ADU.
func NewMagickLoader() MagickLoader { return MagickLoader{Scale: 65535} }

func (l MagickLoader) Load(ctx context.Context, path string) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return Frame{}, fmt.Errorf("failed to read image %s: %w", path, err)
	}
	width := mw.GetImageWidth()
	height := mw.GetImageHeight()

	pixels, err := mw.ExportImagePixels(0, 0, width, height, "I", imagick.PIXEL_DOUBLE)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to export pixels from %s: %w", path, err)
	}

	var values []float64
	switch v := pixels.(type) {
	case []float64:
		values = v
	case []float32:
		values = make([]float64, len(v))
		for i, x := range v {
			values[i] = float64(x)
		}
	default:
		return Frame{}, fmt.Errorf("unexpected pixel type: %T", pixels)
	}

	scale := l.Scale
	if scale <= 0 {
		scale = 1
	}
	for i := range values {
		values[i] *= scale
	}
	return Frame{Width: int(width), Height: int(height), Pixels: values}, nil
}
