package net

import (
	"fmt"
	"io"

	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
	"github.com/FlavioCFOliveira/shapecnn/internal/gradcheck"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/metrics"
	"github.com/FlavioCFOliveira/shapecnn/internal/predict"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// ComputeF1Score returns the support-weighted F1 score of the first F1Window
// examples of split.
func (c *Classifier) ComputeF1Score(split dataset.Split) (float64, error) {
	if c.data == nil {
		return 0, ErrNoDataset
	}
	x, y, err := c.data.Split(split)
	if err != nil {
		return 0, err
	}
	if x == nil || y == nil || x.Dim(0) == 0 {
		return 0, fmt.Errorf("net: split %s is empty", split)
	}

	n := min(c.opts.F1Window, x.Dim(0), y.Dim(0))
	xw, err := x.Slice(0, n)
	if err != nil {
		return 0, err
	}
	yw, err := y.Slice(0, n)
	if err != nil {
		return 0, err
	}

	preds, err := c.Predict(xw)
	if err != nil {
		return 0, err
	}
	return metrics.F1Weighted(predict.Labels(yw), preds)
}

// Predict preprocesses x, runs a forward pass and returns the most likely class per image.
func (c *Classifier) Predict(x *tensor.Tensor) ([]int, error) {
	in, err := c.opts.Preprocess(x)
	if err != nil {
		return nil, fmt.Errorf("preprocess: %w", err)
	}
	p, err := c.ForwardPropagate(in)
	if err != nil {
		return nil, err
	}
	return predict.Predict(p), nil
}

// CheckGradients runs one forward and backward pass on (x, y) and compares the
// analytic gradients of layer layerIndex with finite differences.
func (c *Classifier) CheckGradients(layerIndex int, x, y *tensor.Tensor) (gradcheck.Report, error) {
	if layerIndex < 0 || layerIndex >= len(c.layers) {
		return gradcheck.Report{}, fmt.Errorf("net: layer index %d out of range", layerIndex)
	}
	target, ok := c.layers[layerIndex].(layer.Parametric)
	if !ok {
		return gradcheck.Report{}, fmt.Errorf("net: layer %q has no parameters", c.layers[layerIndex].Name())
	}

	in, err := c.opts.Preprocess(x)
	if err != nil {
		return gradcheck.Report{}, fmt.Errorf("preprocess: %w", err)
	}
	yPred, err := c.ForwardPropagate(in)
	if err != nil {
		return gradcheck.Report{}, err
	}
	if _, err := c.BackwardPropagate(yPred, y, false); err != nil {
		return gradcheck.Report{}, err
	}
	return gradcheck.Check(target, c.checkCost(in, y), c.opts.GradientCheckOptions)
}

// Summary prints a summary of the network architecture for one input image of
// the configured target size and the given channel count.
func (c *Classifier) Summary(w io.Writer, channels int) error {
	summary, err := layer.Summarize(c.layers, []int{1, c.opts.TargetHeight, c.opts.TargetWidth, channels})
	if err != nil {
		return err
	}

	fmt.Fprintln(w, "Model: Classifier")
	fmt.Fprintln(w, "_________________________________________________________________")
	fmt.Fprintf(w, "%-25s %-20s %-10s %s\n", "Layer (type)", "Output Shape", "Param #", "Config")
	fmt.Fprintln(w, "=================================================================")

	totalParams := 0
	for _, s := range summary {
		totalParams += s.Params
		fmt.Fprintf(w, "%-25s %-20s %-10d %s\n", fmt.Sprintf("%s (%s)", s.Name, s.Kind), fmt.Sprint(s.Out[1:]), s.Params, s.Detail)
	}
	fmt.Fprintln(w, "=================================================================")
	fmt.Fprintf(w, "Total params: %d\n", totalParams)
	fmt.Fprintln(w, "_________________________________________________________________")
	return nil
}
