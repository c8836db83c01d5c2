package layer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/loss"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Dense is a fully connected layer. Inputs of any rank are flattened to
// (batch, features); the gradient handed back is reshaped to the original input.
type Dense struct {
	cacheHolder

	name    string
	inSize  int
	outSize int
	act     activations.Activation
	opt     opt.Optimizer

	// Shape: [inSize, outSize]; Z = A·W + b
	weights *tensor.Tensor
	biases  *tensor.Tensor

	gradW *tensor.Tensor
	gradB *tensor.Tensor

	inputShape []int
	input      *tensor.Tensor // flattened (m, inSize)
	preAct     *tensor.Tensor
}

// NewDense creates a new dense layer.
func NewDense(name string, in, out int, act activations.Activation, optimizer opt.Optimizer) *Dense {
	if act == nil {
		act = activations.Linear{}
	}
	d := &Dense{
		name:    name,
		inSize:  in,
		outSize: out,
		act:     act,
		opt:     optimizer,
		weights: tensor.New(in, out),
		biases:  tensor.New(out),
	}

	// Xavier/Glorot initialization
	rng := rngFor(name)
	scale := math.Sqrt(2.0 / (float64(in) + float64(out)))
	for i := range d.weights.Data() {
		d.weights.Data()[i] = rng.Float64()*2*scale - scale
	}
	return d
}

func (d *Dense) Name() string { return d.name }

// InSize returns the input size of the layer.
func (d *Dense) InSize() int { return d.inSize }

// OutSize returns the output size of the layer.
func (d *Dense) OutSize() int { return d.outSize }

func (d *Dense) OutputShape(in []int) ([]int, error) {
	if len(in) < 2 || tensor.Size(in[1:]) != d.inSize {
		return nil, shapeErr(d.name, "build", in, "(batch, ...) with %d features", d.inSize)
	}
	return []int{in[0], d.outSize}, nil
}

// Forward computes act(A·W + b).
func (d *Dense) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := d.OutputShape(x.Shape()); err != nil {
		return nil, err
	}
	d.inputShape = x.Shape()
	d.input = x.Flatten()
	m := d.input.Dim(0)

	d.preAct = tensor.New(m, d.outSize)
	z := d.preAct.Matrix()
	z.Mul(d.input.Matrix(), d.weights.Matrix())

	b := d.biases.Data()
	out := tensor.New(m, d.outSize)
	for i := 0; i < m; i++ {
		zr := d.preAct.Row(i)
		or := out.Row(i)
		for j := range zr {
			zr[j] += b[j]
			or[j] = d.act.Activate(zr[j])
		}
	}
	return out, nil
}

// Backward performs backpropagation through the dense layer.
// dW = (1/m)·Aᵀ·dZ + (λ/m)·W, db = (1/m)·Σrows dZ, dA_prev = dZ·Wᵀ.
func (d *Dense) Backward(upstream Cache, lambda float64, forGenerator bool) (Cache, error) {
	d.SetCache(upstream)
	if d.preAct == nil {
		return Cache{}, fmt.Errorf("layer %q: backward before forward", d.name)
	}
	grad := upstream.DZ
	if grad == nil || grad.Len() != d.preAct.Len() {
		var got []int
		if grad != nil {
			got = grad.Shape()
		}
		return Cache{}, shapeErr(d.name, "backward", got, "%v", d.preAct.Shape())
	}

	m := d.preAct.Dim(0)
	dz := tensor.New(m, d.outSize)
	dzd := dz.Data()
	gd := grad.Data()
	for i, z := range d.preAct.Data() {
		dzd[i] = gd[i] * d.act.Derivative(z)
	}

	dPrev := tensor.New(m, d.inSize)
	dPrev.Matrix().Mul(dz.Matrix(), d.weights.Matrix().T())
	dPrev, err := dPrev.Reshape(d.inputShape...)
	if err != nil {
		return Cache{}, err
	}
	if forGenerator {
		return Cache{DZ: dPrev}, nil
	}

	inv := 1 / float64(m)
	dw := tensor.New(d.inSize, d.outSize)
	dwm := dw.Matrix()
	dwm.Mul(d.input.Matrix().T(), dz.Matrix())
	dwm.Scale(inv, dwm)
	if lambda != 0 {
		dwm.Add(dwm, scaled(lambda*inv, d.weights.Matrix()))
	}

	db := tensor.New(d.outSize)
	bd := db.Data()
	for i := 0; i < m; i++ {
		for j, v := range dz.Row(i) {
			bd[j] += v * inv
		}
	}

	d.gradW, d.gradB = dw, db
	return Cache{DZ: dPrev, DW: dw, DB: db}, nil
}

func scaled(f float64, a mat.Matrix) *mat.Dense {
	var out mat.Dense
	out.Scale(f, a)
	return &out
}

// Params returns the live weight and bias tensors.
func (d *Dense) Params() (*tensor.Tensor, *tensor.Tensor) {
	return d.weights, d.biases
}

// Gradients returns the gradients from the last backward pass (nil before one).
func (d *Dense) Gradients() (*tensor.Tensor, *tensor.Tensor) {
	return d.gradW, d.gradB
}

func (d *Dense) UpdateWeights(iteration int) error {
	return updateParams(d.name, d.opt, d.weights, d.biases, d.gradW, d.gradB, iteration)
}

func (d *Dense) CostRegularization(lambda float64, m int) float64 {
	return loss.L2Penalty(d.weights, lambda, m)
}

func (d *Dense) StoreWeights(s WeightStore) error {
	return s.Save(d.name, d.weights, d.biases)
}

func (d *Dense) LoadWeights(s WeightStore) error {
	return loadParams(s, d.name, d.weights, d.biases)
}

// Activation returns the activation function used by this layer.
func (d *Dense) Activation() activations.Activation {
	return d.act
}
