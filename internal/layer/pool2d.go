package layer

import (
	"fmt"
	"math"
	"strings"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// PoolMode selects how a pooling window is reduced.
type PoolMode int

const (
	MaxPool PoolMode = iota
	AveragePool
)

// ParsePoolMode maps "max" and "average"/"avg" to a PoolMode.
func ParsePoolMode(s string) (PoolMode, error) {
	switch strings.ToLower(s) {
	case "max", "":
		return MaxPool, nil
	case "average", "avg", "mean":
		return AveragePool, nil
	default:
		return 0, fmt.Errorf("layer: unknown pool mode %q", s)
	}
}

func (m PoolMode) String() string {
	if m == AveragePool {
		return "average"
	}
	return "max"
}

// Pool2D downsamples each channel over sliding windows.
// Max mode stores argmax indices for correct gradient flow during backward pass.
type Pool2D struct {
	cacheHolder

	name       string
	kernelSize int
	stride     int
	mode       PoolMode

	inputShape []int
	outShape   []int
	argmax     []int // flat input index of the max for each output position
}

// NewPool2D creates a pooling layer. A stride <= 0 defaults to kernelSize.
func NewPool2D(name string, kernelSize, stride int, mode PoolMode) *Pool2D {
	if stride <= 0 {
		stride = kernelSize
	}
	return &Pool2D{
		name:       name,
		kernelSize: kernelSize,
		stride:     stride,
		mode:       mode,
	}
}

func (p *Pool2D) Name() string { return p.name }

func (p *Pool2D) Mode() PoolMode { return p.mode }

func (p *Pool2D) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 {
		return nil, shapeErr(p.name, "build", in, "rank 4 (batch, height, width, channels)")
	}
	if in[1] < p.kernelSize || in[2] < p.kernelSize {
		return nil, shapeErr(p.name, "build", in, "spatial size >= pool %d", p.kernelSize)
	}
	outH := (in[1]-p.kernelSize)/p.stride + 1
	outW := (in[2]-p.kernelSize)/p.stride + 1
	return []int{in[0], outH, outW, in[3]}, nil
}

// Forward performs a forward pass through the pooling layer.
func (p *Pool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := p.OutputShape(input.Shape())
	if err != nil {
		return nil, err
	}
	p.inputShape = input.Shape()
	p.outShape = outShape

	out := tensor.New(outShape...)
	od := out.Data()
	in := input.Data()
	m, outH, outW, ch := outShape[0], outShape[1], outShape[2], outShape[3]
	k := p.kernelSize
	area := float64(k * k)

	if p.mode == MaxPool {
		p.argmax = make([]int, out.Len())
	} else {
		p.argmax = nil
	}

	for n := 0; n < m; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < ch; c++ {
					pos := out.Index4(n, oh, ow, c)
					maxVal := math.Inf(-1)
					maxIdx := -1
					var sum float64

					for kh := 0; kh < k; kh++ {
						for kw := 0; kw < k; kw++ {
							idx := input.Index4(n, oh*p.stride+kh, ow*p.stride+kw, c)
							v := in[idx]
							sum += v
							if v > maxVal {
								maxVal = v
								maxIdx = idx
							}
						}
					}

					if p.mode == MaxPool {
						od[pos] = maxVal
						p.argmax[pos] = maxIdx
					} else {
						od[pos] = sum / area
					}
				}
			}
		}
	}
	return out, nil
}

// Backward routes each output gradient to the max input (max mode) or spreads it
// evenly over the window (average mode).
func (p *Pool2D) Backward(upstream Cache, _ float64, _ bool) (Cache, error) {
	p.SetCache(upstream)
	if p.inputShape == nil {
		return Cache{}, fmt.Errorf("layer %q: backward before forward", p.name)
	}
	grad := upstream.DZ
	if grad == nil || tensor.Size(p.outShape) != grad.Len() {
		var got []int
		if grad != nil {
			got = grad.Shape()
		}
		return Cache{}, shapeErr(p.name, "backward", got, "%v", p.outShape)
	}

	dPrev := tensor.New(p.inputShape...)
	dd := dPrev.Data()
	gd := grad.Data()

	if p.mode == MaxPool {
		for pos, idx := range p.argmax {
			if idx >= 0 {
				dd[idx] += gd[pos]
			}
		}
		return Cache{DZ: dPrev}, nil
	}

	m, outH, outW, ch := p.outShape[0], p.outShape[1], p.outShape[2], p.outShape[3]
	k := p.kernelSize
	area := float64(k * k)
	view := tensor.MustFromSlice(gd, p.outShape...)
	for n := 0; n < m; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < ch; c++ {
					g := gd[view.Index4(n, oh, ow, c)] / area
					for kh := 0; kh < k; kh++ {
						for kw := 0; kw < k; kw++ {
							dd[dPrev.Index4(n, oh*p.stride+kh, ow*p.stride+kw, c)] += g
						}
					}
				}
			}
		}
	}
	return Cache{DZ: dPrev}, nil
}

// GetArgmax returns the argmax indices buffer (for testing/verification).
func (p *Pool2D) GetArgmax() []int {
	return p.argmax
}
