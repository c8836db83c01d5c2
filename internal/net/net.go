// Package net provides the sequential image classifier and its training loop.
package net

import (
	"errors"
	"fmt"

	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
	"github.com/FlavioCFOliveira/shapecnn/internal/gradcheck"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/preprocess"
	"github.com/FlavioCFOliveira/shapecnn/internal/store"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

var (
	// ErrNumericalInstability aborts training when the cost is NaN, infinite or negative.
	ErrNumericalInstability = errors.New("net: numerical instability")

	// ErrNoSoftmaxOutput is returned when the last layer is not a Softmax. Backpropagation
	// seeds the output gradient with yPred - y, which is only correct for softmax outputs.
	ErrNoSoftmaxOutput = errors.New("net: last layer must be a softmax")

	// ErrNoStore is returned when weights are persisted without a configured store.
	ErrNoStore = errors.New("net: no weight store configured")

	// ErrNoDataset is returned by operations that need the classifier's dataset.
	ErrNoDataset = errors.New("net: no dataset")
)

// Options configures a Classifier.
type Options struct {
	Epochs    int
	Lambda    float64
	BatchSize int

	// GradientCheck runs a numerical gradient check on the first layer after every
	// backward pass. It is slow and meant for debugging.
	GradientCheck        bool
	GradientCheckOptions gradcheck.Options

	TargetHeight, TargetWidth int
	// Preprocess maps each raw image batch to the network input. Defaults to a
	// nearest-neighbour resize to TargetHeight x TargetWidth.
	Preprocess preprocess.Func

	Store     store.Store
	Callbacks []Callback

	// F1Window is the number of leading examples scored by ComputeF1Score.
	F1Window int
}

// Option mutates Options.
type Option func(*Options)

func WithEpochs(n int) Option          { return func(o *Options) { o.Epochs = n } }
func WithLambda(lambda float64) Option { return func(o *Options) { o.Lambda = lambda } }
func WithBatchSize(n int) Option       { return func(o *Options) { o.BatchSize = n } }
func WithF1Window(n int) Option        { return func(o *Options) { o.F1Window = n } }
func WithStore(s store.Store) Option   { return func(o *Options) { o.Store = s } }

func WithGradientCheck(enabled bool, opts gradcheck.Options) Option {
	return func(o *Options) {
		o.GradientCheck = enabled
		o.GradientCheckOptions = opts
	}
}

func WithTargetSize(height, width int) Option {
	return func(o *Options) {
		o.TargetHeight = height
		o.TargetWidth = width
	}
}

func WithPreprocess(fn preprocess.Func) Option {
	return func(o *Options) { o.Preprocess = fn }
}

func WithCallbacks(cbs ...Callback) Option {
	return func(o *Options) { o.Callbacks = append(o.Callbacks, cbs...) }
}

// DefaultOptions returns the defaults applied by New.
func DefaultOptions() Options {
	return Options{
		Epochs:       1,
		BatchSize:    20,
		TargetHeight: 100,
		TargetWidth:  100,
		F1Window:     500,
	}
}

// Classifier is an ordered stack of layers ending in a Softmax, trained with
// mini-batch gradient descent on a Dataset.
type Classifier struct {
	data   *dataset.Dataset
	layers []layer.Layer
	opts   Options

	stop bool
}

// New creates a classifier over data. When data is set its training split must
// be valid and flow through every layer; shape problems surface here as a
// *layer.ShapeError rather than in the middle of a run.
func New(data *dataset.Dataset, layers []layer.Layer, options ...Option) (*Classifier, error) {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}
	if opts.BatchSize <= 0 {
		return nil, fmt.Errorf("net: batch size must be > 0 (got %d)", opts.BatchSize)
	}
	if opts.Epochs < 0 {
		return nil, fmt.Errorf("net: epochs must be >= 0 (got %d)", opts.Epochs)
	}
	if opts.Lambda < 0 {
		return nil, fmt.Errorf("net: lambda must be >= 0 (got %g)", opts.Lambda)
	}
	if opts.F1Window <= 0 {
		opts.F1Window = DefaultOptions().F1Window
	}
	if opts.Preprocess == nil {
		if opts.TargetHeight <= 0 || opts.TargetWidth <= 0 {
			return nil, fmt.Errorf("net: invalid target size %dx%d", opts.TargetHeight, opts.TargetWidth)
		}
		opts.Preprocess = preprocess.ToSize(opts.TargetHeight, opts.TargetWidth)
	}

	if len(layers) == 0 {
		return nil, errors.New("net: no layers")
	}
	if _, ok := layers[len(layers)-1].(*layer.Softmax); !ok {
		return nil, fmt.Errorf("%w: got %s", ErrNoSoftmaxOutput, layers[len(layers)-1].Name())
	}

	c := &Classifier{data: data, layers: layers, opts: opts}
	if data != nil && data.XTrain != nil {
		if err := data.Validate(); err != nil {
			return nil, err
		}
		in := []int{1, opts.TargetHeight, opts.TargetWidth, data.XTrain.Dim(3)}
		summary, err := layer.Summarize(layers, in)
		if err != nil {
			return nil, err
		}
		out := summary[len(summary)-1].Out
		if classes := data.YTrain.Dim(1); out[1] != classes {
			return nil, &layer.ShapeError{
				Layer:    layers[len(layers)-1].Name(),
				Phase:    "build",
				Got:      out,
				Expected: fmt.Sprintf("(batch, %d) to match the labels", classes),
			}
		}
	}
	return c, nil
}

// Layers returns the network's layers slice.
func (c *Classifier) Layers() []layer.Layer {
	return c.layers
}

// Options returns the effective options.
func (c *Classifier) Options() Options {
	return c.opts
}

// Stop asks a running Train to return after the current epoch.
func (c *Classifier) Stop() {
	c.stop = true
}

// ForwardPropagate threads x through every layer in order.
func (c *Classifier) ForwardPropagate(x *tensor.Tensor) (*tensor.Tensor, error) {
	curr := x
	for _, l := range c.layers {
		var err error
		if curr, err = l.Forward(curr); err != nil {
			return nil, err
		}
	}
	return curr, nil
}

// BackwardPropagate seeds the output layer's cache with yPred - y and walks
// the remaining layers in reverse. It returns the cache of the first layer.
func (c *Classifier) BackwardPropagate(yPred, y *tensor.Tensor, forGenerator bool) (layer.Cache, error) {
	seed, err := tensor.Sub(yPred, y)
	if err != nil {
		return layer.Cache{}, &layer.ShapeError{
			Layer:    c.layers[len(c.layers)-1].Name(),
			Phase:    "backward",
			Got:      y.Shape(),
			Expected: fmt.Sprintf("labels shaped like predictions %v", yPred.Shape()),
		}
	}

	cache := layer.Cache{DZ: seed}
	c.layers[len(c.layers)-1].SetCache(cache)
	for i := len(c.layers) - 2; i >= 0; i-- {
		if cache, err = c.layers[i].Backward(cache, c.opts.Lambda, forGenerator); err != nil {
			return layer.Cache{}, err
		}
	}
	return cache, nil
}

// UpdateWeights applies every parametric layer's optimizer for iteration.
func (c *Classifier) UpdateWeights(iteration int) error {
	for _, l := range c.layers {
		if p, ok := l.(layer.Parametric); ok {
			if err := p.UpdateWeights(iteration); err != nil {
				return err
			}
		}
	}
	return nil
}

// StoreWeights persists every parametric layer through the configured store.
func (c *Classifier) StoreWeights() error {
	if c.opts.Store == nil {
		return ErrNoStore
	}
	return c.StoreWeightsTo(c.opts.Store)
}

// StoreWeightsTo persists every parametric layer through s.
func (c *Classifier) StoreWeightsTo(s store.Store) error {
	for _, l := range c.layers {
		if p, ok := l.(layer.Parametric); ok {
			if err := p.StoreWeights(s); err != nil {
				return fmt.Errorf("failed to store layer %q: %w", l.Name(), err)
			}
		}
	}
	return nil
}

// LoadWeights restores every parametric layer from the configured store.
func (c *Classifier) LoadWeights() error {
	if c.opts.Store == nil {
		return ErrNoStore
	}
	for _, l := range c.layers {
		if p, ok := l.(layer.Parametric); ok {
			if err := p.LoadWeights(c.opts.Store); err != nil {
				return err
			}
		}
	}
	return nil
}
