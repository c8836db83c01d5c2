// Package opt provides optimization algorithms.
package opt

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/floats"
)

// Optimizer updates parameter slices in place from their gradients.
// Stateful optimizers keep one accumulator per key, so a single instance
// can be shared by several layers as long as keys are unique ("conv1.W").
type Optimizer interface {
	// StepInPlace updates params using gradients. iteration is the caller's
	// 1-indexed epoch; bias-corrected optimizers count their own steps per key
	// instead, so the correction decays with every update and not every epoch.
	StepInPlace(key string, params, gradients []float64, iteration int)

	LearningRate() float64
	SetLearningRate(lr float64)
}

// New builds an optimizer from its config name.
func New(name string, learningRate, beta float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case "sgd":
		return &SGD{LR: learningRate}, nil
	case "momentum", "":
		return NewMomentum(learningRate, beta), nil
	case "adam":
		a := NewAdam(learningRate)
		if beta > 0 {
			a.Beta1 = beta
		}
		return a, nil
	default:
		return nil, fmt.Errorf("opt: unknown optimizer %q", name)
	}
}

// SGD (Stochastic Gradient Descent) optimizer.
type SGD struct {
	LR float64
}

// StepInPlace updates params in-place: params = params - lr * gradients
func (s *SGD) StepInPlace(_ string, params, gradients []float64, _ int) {
	floats.AddScaled(params, -s.LR, gradients)
}

func (s *SGD) LearningRate() float64      { return s.LR }
func (s *SGD) SetLearningRate(lr float64) { s.LR = lr }

// Momentum is gradient descent on an exponentially weighted average of past gradients,
// bias-corrected by 1 - beta^t where t counts the steps taken for a key.
type Momentum struct {
	LR   float64
	Beta float64

	velocity map[string][]float64
	steps    map[string]int
}

// NewMomentum creates a momentum optimizer. A beta outside (0,1) falls back to 0.9.
func NewMomentum(learningRate, beta float64) *Momentum {
	if beta <= 0 || beta >= 1 {
		beta = 0.9
	}
	return &Momentum{
		LR:       learningRate,
		Beta:     beta,
		velocity: make(map[string][]float64),
		steps:    make(map[string]int),
	}
}

// StepInPlace applies v = beta*v + (1-beta)*g, p -= lr * v/(1-beta^t).
func (m *Momentum) StepInPlace(key string, params, gradients []float64, _ int) {
	fresh := len(m.velocity[key]) != len(params)
	v := state(m.velocity, key, len(params))
	t := float64(step(m.steps, key, fresh))
	correction := 1 - math.Pow(m.Beta, t)

	for i, g := range gradients {
		v[i] = m.Beta*v[i] + (1-m.Beta)*g
		params[i] -= m.LR * v[i] / correction
	}
}

func (m *Momentum) LearningRate() float64      { return m.LR }
func (m *Momentum) SetLearningRate(lr float64) { m.LR = lr }

// Steps returns the number of updates applied under key.
func (m *Momentum) Steps(key string) int {
	return m.steps[key]
}

// Velocity returns the accumulator for key, or nil before the first step.
func (m *Momentum) Velocity(key string) []float64 {
	return m.velocity[key]
}

// Adam optimizer for faster convergence.
type Adam struct {
	LR      float64
	Beta1   float64 // Exponential decay rate for first moment
	Beta2   float64 // Exponential decay rate for second moment
	Epsilon float64 // Small constant for numerical stability

	m     map[string][]float64
	v     map[string][]float64
	steps map[string]int
}

// NewAdam creates a new Adam optimizer with default values.
func NewAdam(learningRate float64) *Adam {
	return &Adam{
		LR:      learningRate,
		Beta1:   0.9,
		Beta2:   0.999,
		Epsilon: 1e-8,
		m:       make(map[string][]float64),
		v:       make(map[string][]float64),
		steps:   make(map[string]int),
	}
}

// StepInPlace updates params in-place using bias-corrected first and second moments.
func (a *Adam) StepInPlace(key string, params, gradients []float64, _ int) {
	fresh := len(a.m[key]) != len(params)
	m := state(a.m, key, len(params))
	v := state(a.v, key, len(params))
	t := float64(step(a.steps, key, fresh))
	c1 := 1 - math.Pow(a.Beta1, t)
	c2 := 1 - math.Pow(a.Beta2, t)

	for i, g := range gradients {
		m[i] = a.Beta1*m[i] + (1-a.Beta1)*g
		v[i] = a.Beta2*v[i] + (1-a.Beta2)*g*g
		mHat := m[i] / c1
		vHat := v[i] / c2
		params[i] -= a.LR * mHat / (math.Sqrt(vHat) + a.Epsilon)
	}
}

func (a *Adam) LearningRate() float64      { return a.LR }
func (a *Adam) SetLearningRate(lr float64) { a.LR = lr }

// step increments and returns the 1-indexed step count for key.
func step(steps map[string]int, key string, reset bool) int {
	if reset {
		steps[key] = 0
	}
	steps[key]++
	return steps[key]
}

func state(m map[string][]float64, key string, n int) []float64 {
	s, ok := m[key]
	if !ok || len(s) != n {
		s = make([]float64, n)
		m[key] = s
	}
	return s
}
