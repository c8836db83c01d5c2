// Package activations provides element-wise activation functions and their derivatives.
package activations

import (
	"fmt"
	"math"
	"strings"
)

// Activation is an activation function with derivative.
// Derivative receives the pre-activation value z, not the activated output.
type Activation interface {
	// Activate computes f(z)
	Activate(z float64) float64

	// Derivative computes f'(z)
	Derivative(z float64) float64
}

// ReLU activation function.
type ReLU struct{}

// Activate computes max(0, z)
func (ReLU) Activate(z float64) float64 {
	if z > 0 {
		return z
	}
	return 0
}

// Derivative returns 1 if z > 0, else 0
func (ReLU) Derivative(z float64) float64 {
	if z > 0 {
		return 1
	}
	return 0
}

// Sigmoid activation function.
type Sigmoid struct{}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// Activate computes sigmoid(z)
func (Sigmoid) Activate(z float64) float64 {
	return sigmoid(z)
}

// Derivative computes sigmoid(z) * (1 - sigmoid(z))
func (Sigmoid) Derivative(z float64) float64 {
	s := sigmoid(z)
	return s * (1 - s)
}

// LeakyReLU keeps a small slope for z <= 0.
type LeakyReLU struct {
	Alpha float64
}

// NewLeakyReLU creates a LeakyReLU with the given alpha value.
func NewLeakyReLU(alpha float64) *LeakyReLU {
	return &LeakyReLU{Alpha: alpha}
}

// Activate computes z for z > 0, alpha*z otherwise.
func (l *LeakyReLU) Activate(z float64) float64 {
	if z > 0 {
		return z
	}
	return l.Alpha * z
}

// Derivative returns 1 for z > 0, alpha otherwise.
func (l *LeakyReLU) Derivative(z float64) float64 {
	if z > 0 {
		return 1
	}
	return l.Alpha
}

// Tanh activation function.
type Tanh struct{}

// Activate computes tanh(z)
func (Tanh) Activate(z float64) float64 {
	return math.Tanh(z)
}

// Derivative computes 1 - tanh(z)^2
func (Tanh) Derivative(z float64) float64 {
	t := math.Tanh(z)
	return 1 - t*t
}

// Linear is the identity activation.
type Linear struct{}

func (Linear) Activate(z float64) float64   { return z }
func (Linear) Derivative(z float64) float64 { return 1 }

// ByName resolves a config name such as "relu" or "leaky_relu".
func ByName(name string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "relu":
		return ReLU{}, nil
	case "sigmoid":
		return Sigmoid{}, nil
	case "tanh":
		return Tanh{}, nil
	case "linear", "identity", "":
		return Linear{}, nil
	case "leaky_relu", "leakyrelu":
		return NewLeakyReLU(0.01), nil
	default:
		return nil, fmt.Errorf("activations: unknown activation %q", name)
	}
}

// Name returns the config name of a known activation.
func Name(act Activation) string {
	switch act.(type) {
	case ReLU:
		return "relu"
	case Sigmoid:
		return "sigmoid"
	case Tanh:
		return "tanh"
	case *LeakyReLU:
		return "leaky_relu"
	default:
		return "linear"
	}
}
