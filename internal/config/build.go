package config

import (
	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Build returns the conv -> pool -> dense -> softmax stack described by the
// config and the optimizer shared by its parametric layers.
func (c *Config) Build() ([]layer.Layer, opt.Optimizer, error) {
	o, err := opt.New(c.Optimizer.Name, c.Optimizer.LearningRate, c.Optimizer.Beta)
	if err != nil {
		return nil, nil, err
	}
	act, err := activations.ByName(c.Model.Activation)
	if err != nil {
		return nil, nil, err
	}
	mode, err := layer.ParsePoolMode(c.Model.PoolMode)
	if err != nil {
		return nil, nil, err
	}

	m := c.Model
	features := []layer.Layer{
		layer.NewConv2D("conv1", c.Data.Channels, m.Filters, m.Kernel, m.Stride, m.Padding, act, o),
		layer.NewPool2D("pool1", m.PoolSize, m.PoolSize, mode),
	}
	summary, err := layer.Summarize(features, []int{1, c.Data.Height, c.Data.Width, c.Data.Channels})
	if err != nil {
		return nil, nil, err
	}
	flat := tensor.Size(summary[len(summary)-1].Out[1:])

	layers := append(features,
		layer.NewDense("fc", flat, c.Data.Classes, activations.Linear{}, o),
		layer.NewSoftmax("softmax"),
	)
	return layers, o, nil
}

// BuildLayers is Build without the optimizer.
func (c *Config) BuildLayers() ([]layer.Layer, error) {
	layers, _, err := c.Build()
	return layers, err
}

// BuildScheduler returns the configured learning rate schedule for o, or nil.
func (c *Config) BuildScheduler(o opt.Optimizer) opt.Scheduler {
	s := c.Schedule
	gamma := s.Gamma
	if gamma <= 0 {
		gamma = 0.5
	}
	switch s.Name {
	case "step":
		return opt.NewStepLR(o, s.StepSize, gamma)
	case "exponential":
		return opt.NewExponentialLR(o, gamma)
	case "plateau":
		patience := s.Patience
		if patience <= 0 {
			patience = 2
		}
		return opt.NewReduceLROnPlateau(o, gamma, patience, 1e-4, s.MinLR)
	default:
		return nil
	}
}
