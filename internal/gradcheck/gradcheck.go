// Package gradcheck verifies hand-derived parameter gradients against central
// finite differences of the network cost.
package gradcheck

import (
	"fmt"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
)

const (
	// DefaultEpsilon is the perturbation applied to each parameter.
	DefaultEpsilon = 1e-5
	// DefaultTolerance is the largest relative difference accepted as a match.
	DefaultTolerance = 1e-5
)

// CostFunc recomputes the scalar cost with the current parameter values.
type CostFunc func() (float64, error)

// Options tunes a check. Zero values select the defaults.
type Options struct {
	Epsilon   float64
	Tolerance float64
	// MaxParams bounds the number of checked elements; parameters are sampled
	// with a fixed stride when the layer has more. Zero checks every element.
	MaxParams int
}

// Report is the outcome of one gradient check.
type Report struct {
	Layer      string
	Checked    int
	Difference float64 // ||analytic - numeric|| / (||analytic|| + ||numeric||)
	Tolerance  float64
	Divergent  bool

	Analytic []float64
	Numeric  []float64
}

func (r Report) String() string {
	status := "ok"
	if r.Divergent {
		status = "DIVERGENT"
	}
	return fmt.Sprintf("layer=%s checked=%d difference=%.3e tolerance=%.0e status=%s",
		r.Layer, r.Checked, r.Difference, r.Tolerance, status)
}

// Check perturbs W then b of target one element at a time, evaluates
// (cost(θ+ε) - cost(θ-ε)) / 2ε and compares the result with target.Gradients().
// Every parameter is restored to its exact original value before Check returns,
// including on error.
func Check(target layer.Parametric, cost CostFunc, opts Options) (Report, error) {
	if opts.Epsilon <= 0 {
		opts.Epsilon = DefaultEpsilon
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = DefaultTolerance
	}

	dw, db := target.Gradients()
	if dw == nil || db == nil {
		return Report{}, fmt.Errorf("gradcheck: layer %q: %w", target.Name(), layer.ErrNoGradients)
	}
	w, b := target.Params()

	params := [][]float64{w.Data(), b.Data()}
	grads := [][]float64{dw.Data(), db.Data()}

	total := w.Len() + b.Len()
	stride := 1
	if opts.MaxParams > 0 && total > opts.MaxParams {
		stride = (total + opts.MaxParams - 1) / opts.MaxParams
	}

	report := Report{Layer: target.Name(), Tolerance: opts.Tolerance}
	flat := 0
	for k, p := range params {
		for i := range p {
			if flat%stride != 0 {
				flat++
				continue
			}
			flat++

			numeric, err := centralDifference(p, i, opts.Epsilon, cost)
			if err != nil {
				return Report{}, fmt.Errorf("gradcheck: layer %q: %w", target.Name(), err)
			}
			report.Numeric = append(report.Numeric, numeric)
			report.Analytic = append(report.Analytic, grads[k][i])
		}
	}

	report.Checked = len(report.Numeric)
	report.Difference = RelativeDifference(report.Analytic, report.Numeric)
	report.Divergent = report.Difference > opts.Tolerance
	return report, nil
}

func centralDifference(p []float64, i int, eps float64, cost CostFunc) (float64, error) {
	orig := p[i]
	defer func() { p[i] = orig }()

	var costErr error
	d := fd.Derivative(func(v float64) float64 {
		if costErr != nil {
			return 0
		}
		p[i] = v
		c, err := cost()
		if err != nil {
			costErr = err
			return 0
		}
		return c
	}, orig, &fd.Settings{Formula: fd.Central, Step: eps})
	if costErr != nil {
		return 0, costErr
	}
	return d, nil
}

// RelativeDifference returns ||a - b|| / (||a|| + ||b||), or 0 when both are zero.
func RelativeDifference(a, b []float64) float64 {
	diff := make([]float64, len(a))
	floats.SubTo(diff, a, b)
	den := floats.Norm(a, 2) + floats.Norm(b, 2)
	if den == 0 {
		return 0
	}
	return floats.Norm(diff, 2) / den
}
