package layer

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Softmax turns each row of logits into class probabilities.
//
// As the last layer of a Classifier its backward step is never run: the trainer
// seeds the cache with yPred - yTrue, which is the logit gradient of softmax
// followed by cross-entropy. Backward below is the general Jacobian product and
// only applies when Softmax sits elsewhere in a stack.
type Softmax struct {
	cacheHolder

	name   string
	output *tensor.Tensor
}

func NewSoftmax(name string) *Softmax {
	return &Softmax{name: name}
}

func (s *Softmax) Name() string { return s.name }

func (s *Softmax) OutputShape(in []int) ([]int, error) {
	if len(in) != 2 {
		return nil, shapeErr(s.name, "build", in, "rank 2 (batch, classes)")
	}
	return []int{in[0], in[1]}, nil
}

// Forward computes a numerically stable row-wise softmax.
func (s *Softmax) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := s.OutputShape(x.Shape()); err != nil {
		return nil, err
	}
	out := tensor.New(x.Shape()...)
	for i := 0; i < x.Dim(0); i++ {
		row := x.Row(i)
		dst := out.Row(i)

		maxVal := math.Inf(-1)
		for _, v := range row {
			maxVal = math.Max(maxVal, v)
		}
		var sum float64
		for j, v := range row {
			dst[j] = math.Exp(v - maxVal)
			sum += dst[j]
		}
		for j := range dst {
			dst[j] /= sum
		}
	}
	s.output = out
	return out, nil
}

// Backward computes dZ_ij = s_ij * (dA_ij - Σk dA_ik·s_ik).
func (s *Softmax) Backward(upstream Cache, _ float64, _ bool) (Cache, error) {
	s.SetCache(upstream)
	if s.output == nil {
		return Cache{}, fmt.Errorf("layer %q: backward before forward", s.name)
	}
	grad := upstream.DZ
	if grad == nil || !tensor.SameShape(grad, s.output) {
		var got []int
		if grad != nil {
			got = grad.Shape()
		}
		return Cache{}, shapeErr(s.name, "backward", got, "%v", s.output.Shape())
	}

	dz := tensor.New(grad.Shape()...)
	for i := 0; i < grad.Dim(0); i++ {
		p := s.output.Row(i)
		g := grad.Row(i)
		var dot float64
		for j := range p {
			dot += p[j] * g[j]
		}
		dst := dz.Row(i)
		for j := range p {
			dst[j] = p[j] * (g[j] - dot)
		}
	}
	return Cache{DZ: dz}, nil
}
