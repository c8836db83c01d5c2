package layer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrShapeMismatch is wrapped by every ShapeError.
var ErrShapeMismatch = errors.New("shape mismatch")

// ErrNoGradients is returned when weights are updated before any backward pass.
var ErrNoGradients = errors.New("no gradients computed")

// ShapeError reports a tensor whose dimensions a layer cannot accept.
type ShapeError struct {
	Layer    string // layer name
	Phase    string // "forward", "backward", "build", "load"
	Got      []int
	Expected string
}

func (e *ShapeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "layer %q: %s %s", e.Layer, e.Phase, ErrShapeMismatch)
	if e.Got != nil {
		fmt.Fprintf(&b, ": got %v", e.Got)
	}
	if e.Expected != "" {
		fmt.Fprintf(&b, ", expected %s", e.Expected)
	}
	return b.String()
}

func (e *ShapeError) Unwrap() error {
	return ErrShapeMismatch
}

func shapeErr(name, phase string, got []int, format string, args ...any) error {
	return &ShapeError{Layer: name, Phase: phase, Got: got, Expected: fmt.Sprintf(format, args...)}
}
