package layer

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/loss"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Conv2D implements a 2D convolutional layer over (batch, height, width, channels) input.
type Conv2D struct {
	cacheHolder

	name        string
	inChannels  int
	outChannels int
	kernelSize  int
	stride      int
	padding     int

	activation activations.Activation
	optimizer  opt.Optimizer

	// Weights: [kernelSize, kernelSize, inChannels, outChannels]
	weights *tensor.Tensor
	biases  *tensor.Tensor

	gradWeights *tensor.Tensor
	gradBiases  *tensor.Tensor

	// Saved for backward pass
	inputShape  []int
	paddedInput *tensor.Tensor
	preAct      *tensor.Tensor
	batch       int
}

// NewConv2D creates a new 2D convolutional layer.
// inChannels: number of input channels
// outChannels: number of output feature maps
// kernelSize: size of convolutional kernel (square)
// stride: stride for convolution
// padding: zero padding size
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int,
	activation activations.Activation, optimizer opt.Optimizer) *Conv2D {

	if stride <= 0 {
		stride = 1
	}
	if activation == nil {
		activation = activations.Linear{}
	}

	c := &Conv2D{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		activation:  activation,
		optimizer:   optimizer,
		weights:     tensor.New(kernelSize, kernelSize, inChannels, outChannels),
		biases:      tensor.New(outChannels),
	}
	c.init()
	return c
}

// He initialization (better for ReLU)
func (c *Conv2D) init() {
	rng := rngFor(c.name)
	scale := math.Sqrt(2.0 / float64(c.inChannels*c.kernelSize*c.kernelSize))
	for i := range c.weights.Data() {
		c.weights.Data()[i] = rng.NormFloat64() * scale
	}
}

func (c *Conv2D) Name() string { return c.name }

// computeOutputSize calculates the output spatial dimensions
func (c *Conv2D) computeOutputSize(inputHeight, inputWidth int) (int, int) {
	outH := (inputHeight+2*c.padding-c.kernelSize)/c.stride + 1
	outW := (inputWidth+2*c.padding-c.kernelSize)/c.stride + 1
	return outH, outW
}

func (c *Conv2D) OutputShape(in []int) ([]int, error) {
	if len(in) != 4 || in[3] != c.inChannels {
		return nil, shapeErr(c.name, "build", in, "(batch, height, width, %d)", c.inChannels)
	}
	if in[1]+2*c.padding < c.kernelSize || in[2]+2*c.padding < c.kernelSize {
		return nil, shapeErr(c.name, "build", in, "spatial size >= kernel %d after padding %d", c.kernelSize, c.padding)
	}
	outH, outW := c.computeOutputSize(in[1], in[2])
	return []int{in[0], outH, outW, c.outChannels}, nil
}

// Forward performs a forward pass through the convolutional layer.
// input: (m, H, W, inChannels); returns (m, outH, outW, outChannels).
func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	outShape, err := c.OutputShape(input.Shape())
	if err != nil {
		return nil, err
	}
	m, outH, outW := outShape[0], outShape[1], outShape[2]

	c.inputShape = input.Shape()
	c.batch = m
	c.paddedInput = pad(input, c.padding)
	c.preAct = tensor.New(outShape...)
	out := tensor.New(outShape...)

	k := c.kernelSize
	inC := c.inChannels
	outC := c.outChannels
	a := c.paddedInput
	w := c.weights.Data()
	b := c.biases.Data()
	z := c.preAct.Data()
	ad := a.Data()

	for n := 0; n < m; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				zBase := c.preAct.Index4(n, oh, ow, 0)
				copy(z[zBase:zBase+outC], b)

				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						aBase := a.Index4(n, oh*c.stride+kh, ow*c.stride+kw, 0)
						for ic := 0; ic < inC; ic++ {
							av := ad[aBase+ic]
							if av == 0 {
								continue
							}
							wBase := ((kh*k+kw)*inC + ic) * outC
							for oc := 0; oc < outC; oc++ {
								z[zBase+oc] += av * w[wBase+oc]
							}
						}
					}
				}
			}
		}
	}

	od := out.Data()
	for i, v := range z {
		od[i] = c.activation.Activate(v)
	}
	return out, nil
}

// Backward performs backpropagation through the convolutional layer.
// upstream.DZ: gradient of loss w.r.t. activated output, (m, outH, outW, outChannels).
func (c *Conv2D) Backward(upstream Cache, lambda float64, forGenerator bool) (Cache, error) {
	c.SetCache(upstream)
	if c.preAct == nil {
		return Cache{}, fmt.Errorf("layer %q: backward before forward", c.name)
	}
	grad := upstream.DZ
	if grad == nil || !tensor.SameShape(grad, c.preAct) {
		var got []int
		if grad != nil {
			got = grad.Shape()
		}
		return Cache{}, shapeErr(c.name, "backward", got, "%v", c.preAct.Shape())
	}

	m := c.batch
	outH, outW := c.preAct.Dim(1), c.preAct.Dim(2)
	k := c.kernelSize
	inC := c.inChannels
	outC := c.outChannels

	// Gradient after activation: dL/dz = dL/d(output) * activation'(z)
	dz := tensor.New(c.preAct.Shape()...)
	dzd := dz.Data()
	for i, v := range c.preAct.Data() {
		dzd[i] = grad.Data()[i] * c.activation.Derivative(v)
	}

	a := c.paddedInput
	ad := a.Data()
	w := c.weights.Data()
	dPad := tensor.New(a.Shape()...)
	dpd := dPad.Data()

	var dw, db []float64
	if !forGenerator {
		dw = make([]float64, c.weights.Len())
		db = make([]float64, outC)
	}

	for n := 0; n < m; n++ {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				zBase := dz.Index4(n, oh, ow, 0)
				g := dzd[zBase : zBase+outC]
				if db != nil {
					for oc, gv := range g {
						db[oc] += gv
					}
				}

				for kh := 0; kh < k; kh++ {
					for kw := 0; kw < k; kw++ {
						aBase := a.Index4(n, oh*c.stride+kh, ow*c.stride+kw, 0)
						for ic := 0; ic < inC; ic++ {
							wBase := ((kh*k+kw)*inC + ic) * outC
							av := ad[aBase+ic]
							var sum float64
							for oc, gv := range g {
								sum += w[wBase+oc] * gv
								if dw != nil {
									dw[wBase+oc] += av * gv
								}
							}
							dpd[aBase+ic] += sum
						}
					}
				}
			}
		}
	}

	dPrev := unpad(dPad, c.inputShape, c.padding)
	if forGenerator {
		return Cache{DZ: dPrev}, nil
	}

	inv := 1 / float64(m)
	for i := range dw {
		dw[i] = dw[i]*inv + lambda*inv*w[i]
	}
	for i := range db {
		db[i] *= inv
	}
	c.gradWeights = tensor.MustFromSlice(dw, c.weights.Shape()...)
	c.gradBiases = tensor.MustFromSlice(db, outC)

	return Cache{DZ: dPrev, DW: c.gradWeights, DB: c.gradBiases}, nil
}

// Params returns the live weight and bias tensors.
func (c *Conv2D) Params() (*tensor.Tensor, *tensor.Tensor) {
	return c.weights, c.biases
}

// Gradients returns the gradients from the last backward pass (nil before one).
func (c *Conv2D) Gradients() (*tensor.Tensor, *tensor.Tensor) {
	return c.gradWeights, c.gradBiases
}

func (c *Conv2D) UpdateWeights(iteration int) error {
	return updateParams(c.name, c.optimizer, c.weights, c.biases, c.gradWeights, c.gradBiases, iteration)
}

func (c *Conv2D) CostRegularization(lambda float64, m int) float64 {
	return loss.L2Penalty(c.weights, lambda, m)
}

func (c *Conv2D) StoreWeights(s WeightStore) error {
	return s.Save(c.name, c.weights, c.biases)
}

func (c *Conv2D) LoadWeights(s WeightStore) error {
	return loadParams(s, c.name, c.weights, c.biases)
}

// GetKernelSize returns the kernel size.
func (c *Conv2D) GetKernelSize() int {
	return c.kernelSize
}

// GetStride returns the stride.
func (c *Conv2D) GetStride() int {
	return c.stride
}

// GetPadding returns the padding.
func (c *Conv2D) GetPadding() int {
	return c.padding
}

// pad zero-pads the spatial dimensions of a rank-4 tensor.
func pad(x *tensor.Tensor, p int) *tensor.Tensor {
	if p == 0 {
		return x
	}
	m, h, w, ch := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	out := tensor.New(m, h+2*p, w+2*p, ch)
	src := x.Data()
	dst := out.Data()
	for n := 0; n < m; n++ {
		for i := 0; i < h; i++ {
			from := x.Index4(n, i, 0, 0)
			to := out.Index4(n, i+p, p, 0)
			copy(dst[to:to+w*ch], src[from:from+w*ch])
		}
	}
	return out
}

// unpad crops a padded gradient back to the original input shape.
func unpad(x *tensor.Tensor, shape []int, p int) *tensor.Tensor {
	if p == 0 {
		return x
	}
	out := tensor.New(shape...)
	m, h, w, ch := shape[0], shape[1], shape[2], shape[3]
	src := x.Data()
	dst := out.Data()
	for n := 0; n < m; n++ {
		for i := 0; i < h; i++ {
			from := x.Index4(n, i+p, p, 0)
			to := out.Index4(n, i, 0, 0)
			copy(dst[to:to+w*ch], src[from:from+w*ch])
		}
	}
	return out
}

func updateParams(name string, o opt.Optimizer, w, b, dw, db *tensor.Tensor, iteration int) error {
	if dw == nil || db == nil {
		return fmt.Errorf("layer %q: %w", name, ErrNoGradients)
	}
	if o == nil {
		return fmt.Errorf("layer %q: no optimizer configured", name)
	}
	o.StepInPlace(name+".W", w.Data(), dw.Data(), iteration)
	o.StepInPlace(name+".b", b.Data(), db.Data(), iteration)
	return nil
}

func loadParams(s WeightStore, name string, w, b *tensor.Tensor) error {
	lw, lb, err := s.Load(name)
	if err != nil {
		return fmt.Errorf("layer %q: load weights: %w", name, err)
	}
	if !tensor.SameShape(lw, w) {
		return shapeErr(name, "load", lw.Shape(), "weights %v", w.Shape())
	}
	if !tensor.SameShape(lb, b) {
		return shapeErr(name, "load", lb.Shape(), "biases %v", b.Shape())
	}
	copy(w.Data(), lw.Data())
	copy(b.Data(), lb.Data())
	return nil
}
