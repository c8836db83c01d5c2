// Package preprocess brings image batches to the fixed spatial size the
// classifier was built for.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// ErrEmptyBatch is returned when there is nothing to preprocess.
var ErrEmptyBatch = errors.New("preprocess: empty batch")

// Func maps a (batch, height, width, channels) tensor to the network input.
type Func func(x *tensor.Tensor) (*tensor.Tensor, error)

// ToSize returns a Func resizing every image to height x width.
func ToSize(height, width int) Func {
	return func(x *tensor.Tensor) (*tensor.Tensor, error) {
		return Resize(x, height, width)
	}
}

// Resize resamples a rank-4 batch to (batch, height, width, channels) using
// nearest-neighbour sampling. A batch already at the target size is returned as is.
func Resize(x *tensor.Tensor, height, width int) (*tensor.Tensor, error) {
	if x == nil || x.Len() == 0 {
		return nil, ErrEmptyBatch
	}
	if x.Rank() != 4 {
		return nil, fmt.Errorf("preprocess: shape %v is not (batch, height, width, channels)", x.Shape())
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("preprocess: invalid target size %dx%d", height, width)
	}
	m, inH, inW, ch := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if inH == height && inW == width {
		return x, nil
	}

	out := tensor.New(m, height, width, ch)
	src := x.Data()
	dst := out.Data()
	stepY := float64(inH) / float64(height)
	stepX := float64(inW) / float64(width)
	for n := 0; n < m; n++ {
		for oy := 0; oy < height; oy++ {
			iy := int(math.Min(float64(inH-1), float64(oy)*stepY))
			for ox := 0; ox < width; ox++ {
				ix := int(math.Min(float64(inW-1), float64(ox)*stepX))
				from := x.Index4(n, iy, ix, 0)
				to := out.Index4(n, oy, ox, 0)
				copy(dst[to:to+ch], src[from:from+ch])
			}
		}
	}
	return out, nil
}

// FromImages samples images onto a (len(images), height, width, channels) grid
// with values in [0, 1]. One channel stores intensity, three store RGB.
func FromImages(images []image.Image, height, width, channels int) (*tensor.Tensor, error) {
	if len(images) == 0 {
		return nil, ErrEmptyBatch
	}
	if channels != 1 && channels != 3 {
		return nil, fmt.Errorf("preprocess: channels must be 1 or 3, got %d", channels)
	}
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("preprocess: invalid target size %dx%d", height, width)
	}

	out := tensor.New(len(images), height, width, channels)
	for n, img := range images {
		if img == nil {
			return nil, fmt.Errorf("preprocess: image %d is nil", n)
		}
		bounds := img.Bounds()
		w, h := bounds.Dx(), bounds.Dy()
		if w == 0 || h == 0 {
			return nil, fmt.Errorf("preprocess: image %d is empty", n)
		}
		stepX := float64(w) / float64(width)
		stepY := float64(h) / float64(height)
		for gy := 0; gy < height; gy++ {
			for gx := 0; gx < width; gx++ {
				px := bounds.Min.X + int(math.Min(float64(w-1), float64(gx)*stepX))
				py := bounds.Min.Y + int(math.Min(float64(h-1), float64(gy)*stepY))
				r, g, b, _ := img.At(px, py).RGBA()
				if channels == 1 {
					out.Set4(n, gy, gx, 0, (float64(r)+float64(g)+float64(b))/(3*65535.0))
					continue
				}
				out.Set4(n, gy, gx, 0, float64(r)/65535.0)
				out.Set4(n, gy, gx, 1, float64(g)/65535.0)
				out.Set4(n, gy, gx, 2, float64(b)/65535.0)
			}
		}
	}
	return out, nil
}

// Decode decodes encoded PNG or JPEG images and samples them like FromImages.
func Decode(raw [][]byte, height, width, channels int) (*tensor.Tensor, error) {
	images := make([]image.Image, len(raw))
	for i, b := range raw {
		img, _, err := image.Decode(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("preprocess: decode image %d: %w", i, err)
		}
		images[i] = img
	}
	return FromImages(images, height, width, channels)
}
