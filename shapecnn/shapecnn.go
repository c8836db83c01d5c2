// Package shapecnn re-exports the classifier building blocks for use outside this module.
package shapecnn

import (
	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/net"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/store"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Re-export common types and functions for easier access
type (
	Classifier = net.Classifier
	Option     = net.Option
	RunState   = net.RunState
	Layer      = layer.Layer
	Optimizer  = opt.Optimizer
	Store      = store.Store
	Dataset    = dataset.Dataset
	Split      = dataset.Split
	Tensor     = tensor.Tensor
)

// Splits
const (
	Train = dataset.Train
	CV    = dataset.CV
	Test  = dataset.Test
)

// Errors
var (
	ErrShapeMismatch        = layer.ErrShapeMismatch
	ErrNumericalInstability = net.ErrNumericalInstability
	ErrUnknownSplit         = dataset.ErrUnknownSplit
)

// Model creation
func New(data *Dataset, layers []Layer, opts ...Option) (*Classifier, error) {
	return net.New(data, layers, opts...)
}

var (
	WithEpochs     = net.WithEpochs
	WithLambda     = net.WithLambda
	WithBatchSize  = net.WithBatchSize
	WithTargetSize = net.WithTargetSize
	WithStore      = net.WithStore
	WithCallbacks  = net.WithCallbacks
	WithF1Window   = net.WithF1Window
)

// Activations
var (
	ReLU    = activations.ReLU{}
	Sigmoid = activations.Sigmoid{}
	Tanh    = activations.Tanh{}
	Linear  = activations.Linear{}
)

func LeakyReLU(alpha float64) activations.Activation {
	return activations.NewLeakyReLU(alpha)
}

// Layers
func Conv2D(name string, inChannels, filters, kernelSize, stride, padding int, act activations.Activation, o Optimizer) Layer {
	return layer.NewConv2D(name, inChannels, filters, kernelSize, stride, padding, act, o)
}

func MaxPool2D(name string, size, stride int) Layer {
	return layer.NewPool2D(name, size, stride, layer.MaxPool)
}

func AvgPool2D(name string, size, stride int) Layer {
	return layer.NewPool2D(name, size, stride, layer.AveragePool)
}

func Dense(name string, in, out int, act activations.Activation, o Optimizer) Layer {
	return layer.NewDense(name, in, out, act, o)
}

func Softmax(name string) Layer {
	return layer.NewSoftmax(name)
}

// Optimizers
func SGD(lr float64) Optimizer {
	return &opt.SGD{LR: lr}
}

func Momentum(lr, beta float64) Optimizer {
	return opt.NewMomentum(lr, beta)
}

func Adam(lr float64) Optimizer {
	return opt.NewAdam(lr)
}

// Callbacks
type Callback = net.Callback

func Logger(interval int) net.Logger {
	return net.Logger{Interval: interval}
}

func ModelCheckpoint(s Store) *net.ModelCheckpoint {
	return net.NewModelCheckpoint(s)
}

func EarlyStopping(patience int, minDelta float64) *net.EarlyStopping {
	return net.NewEarlyStopping(patience, minDelta)
}

// Model Persistence
func OpenStore(format, path string) (Store, error) {
	return store.Open(format, path)
}
