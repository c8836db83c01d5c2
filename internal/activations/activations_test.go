// Package activations provides unit tests for activation functions.
package activations

import (
	"math"
	"testing"
)

// TestReLU tests ReLU activation.
func TestReLU(t *testing.T) {
	relu := ReLU{}

	tests := []struct {
		input    float64
		expected float64
	}{
		{-1.0, 0.0}, // Negative -> 0
		{0.0, 0.0},
		{1.0, 1.0},
		{2.5, 2.5},
		{-0.1, 0.0},
	}

	for _, tt := range tests {
		output := relu.Activate(tt.input)
		if math.Abs(output-tt.expected) > 1e-12 {
			t.Errorf("ReLU(%v) = %v, want %v", tt.input, output, tt.expected)
		}
	}
}

// TestReLUDerivative tests ReLU derivative.
func TestReLUDerivative(t *testing.T) {
	relu := ReLU{}

	tests := []struct {
		input    float64
		expected float64
	}{
		{-1.0, 0.0},
		{0.0, 0.0}, // At zero, derivative is 0 (z must be > 0)
		{1.0, 1.0},
		{2.5, 1.0},
	}

	for _, tt := range tests {
		output := relu.Derivative(tt.input)
		if output != tt.expected {
			t.Errorf("ReLU.Derivative(%v) = %v, want %v", tt.input, output, tt.expected)
		}
	}
}

// TestSigmoid tests Sigmoid activation.
func TestSigmoid(t *testing.T) {
	s := Sigmoid{}

	tests := []struct {
		input    float64
		expected float64
	}{
		{math.Inf(-1), 0.0},
		{-2.0, 1 / (1 + math.Exp(2))},
		{0.0, 0.5},
		{2.0, 1 / (1 + math.Exp(-2))},
		{math.Inf(1), 1.0},
	}

	for _, tt := range tests {
		output := s.Activate(tt.input)
		if math.Abs(output-tt.expected) > 1e-12 {
			t.Errorf("Sigmoid(%v) = %v, want %v", tt.input, output, tt.expected)
		}
	}
}

// TestDerivativesMatchFiniteDifferences compares every derivative against a central difference.
func TestDerivativesMatchFiniteDifferences(t *testing.T) {
	acts := []Activation{Sigmoid{}, Tanh{}, Linear{}, ReLU{}, NewLeakyReLU(0.1)}
	points := []float64{-2.3, -0.7, 0.4, 1.9}
	const h = 1e-6

	for _, act := range acts {
		for _, z := range points {
			numeric := (act.Activate(z+h) - act.Activate(z-h)) / (2 * h)
			if math.Abs(numeric-act.Derivative(z)) > 1e-6 {
				t.Errorf("%s'(%v) = %v, finite difference %v", Name(act), z, act.Derivative(z), numeric)
			}
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"relu", "sigmoid", "tanh", "linear", "leaky_relu"} {
		act, err := ByName(name)
		if err != nil {
			t.Fatalf("ByName(%q): %v", name, err)
		}
		if got := Name(act); got != name {
			t.Errorf("Name(ByName(%q)) = %q", name, got)
		}
	}

	if _, err := ByName("swish"); err == nil {
		t.Error("expected error for unknown activation")
	}
}
