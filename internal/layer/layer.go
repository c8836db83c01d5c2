// Package layer provides the layers of a sequential convolutional classifier.
//
// Every layer maps a tensor forward and, given the gradient of the loss with
// respect to its output, returns the gradient with respect to its input.
// Images travel as (batch, height, width, channels) tensors and are flattened
// to (batch, features) by the first Dense layer.
package layer

import (
	"fmt"
	"hash/fnv"
	"math/rand"

	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Cache holds the gradients exchanged during one backward pass.
// DZ is the gradient w.r.t. the output of the layer the cache is handed to.
// DW and DB are the parameter gradients of the layer that produced the cache (nil for
// non-parametric layers). A cache is written once per batch and read once.
type Cache struct {
	DZ *tensor.Tensor
	DW *tensor.Tensor
	DB *tensor.Tensor
}

// Layer is a neural network layer.
type Layer interface {
	Name() string

	// OutputShape returns the output shape for an input shape without computing anything.
	OutputShape(in []int) ([]int, error)

	// Forward computes the layer output and keeps what Backward needs.
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)

	// Backward consumes the upstream cache and returns the cache for the previous layer.
	// With forGenerator set the layer only propagates the input gradient and leaves its
	// parameter gradients untouched, so a frozen network can train whatever feeds it.
	Backward(upstream Cache, lambda float64, forGenerator bool) (Cache, error)

	// Cache returns the last cache this layer received.
	Cache() Cache

	// SetCache assigns the cache directly, used for the output layer whose gradient
	// is seeded by the trainer.
	SetCache(c Cache)
}

// Parametric is implemented by layers owning trainable weights W and biases b.
type Parametric interface {
	Layer

	Params() (w, b *tensor.Tensor)
	Gradients() (dw, db *tensor.Tensor)

	// UpdateWeights applies the layer's optimizer for a 1-indexed iteration.
	UpdateWeights(iteration int) error

	// CostRegularization returns lambda/(2m) * sum(W^2) for a batch of m examples.
	CostRegularization(lambda float64, m int) float64

	StoreWeights(s WeightStore) error
	LoadWeights(s WeightStore) error
}

// WeightStore persists the parameters of a named layer.
type WeightStore interface {
	Save(name string, w, b *tensor.Tensor) error
	Load(name string) (w, b *tensor.Tensor, err error)
}

// cacheHolder implements Cache/SetCache for embedding.
type cacheHolder struct {
	cache Cache
}

func (h *cacheHolder) Cache() Cache {
	return h.cache
}

func (h *cacheHolder) SetCache(c Cache) {
	h.cache = c
}

// rngFor returns a deterministic generator per layer name for reproducible initialization.
func rngFor(name string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(name))
	return rand.New(rand.NewSource(int64(h.Sum64())))
}

// Summary describes one layer for logging.
type Summary struct {
	Name   string
	Kind   string
	Detail string
	Out    []int
	Params int
}

// Summarize walks a stack from an input shape, failing on the first incompatible layer.
func Summarize(layers []Layer, in []int) ([]Summary, error) {
	out := make([]Summary, 0, len(layers))
	shape := in
	for _, l := range layers {
		next, err := l.OutputShape(shape)
		if err != nil {
			return nil, err
		}
		s := Summary{Name: l.Name(), Kind: kind(l), Detail: detail(l), Out: next}
		if p, ok := l.(Parametric); ok {
			w, b := p.Params()
			s.Params = w.Len() + b.Len()
		}
		out = append(out, s)
		shape = next
	}
	return out, nil
}

func detail(l Layer) string {
	switch l := l.(type) {
	case *Conv2D:
		return fmt.Sprintf("%dx%d/%d pad=%d %s", l.GetKernelSize(), l.GetKernelSize(), l.GetStride(), l.GetPadding(), activations.Name(l.activation))
	case *Pool2D:
		return fmt.Sprintf("%s %dx%d/%d", l.mode, l.kernelSize, l.kernelSize, l.stride)
	case *Dense:
		return activations.Name(l.Activation())
	default:
		return ""
	}
}

func kind(l Layer) string {
	switch l.(type) {
	case *Conv2D:
		return "Conv2D"
	case *Pool2D:
		return "Pool2D"
	case *Dense:
		return "Dense"
	case *Softmax:
		return "Softmax"
	default:
		return "Layer"
	}
}
