package net

import (
	"context"
	"fmt"
	"log"
	"math"

	"github.com/google/uuid"

	"github.com/FlavioCFOliveira/shapecnn/internal/gradcheck"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/loss"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// RunState is the outcome of one call to Train.
type RunState struct {
	RunID uuid.UUID

	// CostHistory holds the unregularized cost of every batch in order.
	CostHistory []float64
	// RegularizedCosts holds the same costs plus the L2 penalty.
	RegularizedCosts []float64
	// EpochCosts holds the mean batch cost of every completed epoch.
	EpochCosts []float64
	// YPred is the prediction of the most recent batch.
	YPred *tensor.Tensor

	GradientChecks []gradcheck.Report

	Epochs  int
	Stopped bool
}

// runTagger is implemented by stores that record the run id next to the weights.
type runTagger interface {
	SetRunID(id uuid.UUID)
}

// Train runs mini-batch gradient descent over (x, y) for the configured number
// of epochs and persists the weights at the end when a store is configured.
// Trailing examples that do not fill a batch are skipped. The context is checked
// between batches.
func (c *Classifier) Train(ctx context.Context, x, y *tensor.Tensor) (*RunState, error) {
	if x.Rank() == 0 || y.Rank() != 2 || x.Dim(0) != y.Dim(0) {
		return nil, &layer.ShapeError{
			Layer:    "input",
			Phase:    "train",
			Got:      y.Shape(),
			Expected: fmt.Sprintf("(batch, classes) labels matching images %v", x.Shape()),
		}
	}

	state := &RunState{RunID: uuid.New()}
	if t, ok := c.opts.Store.(runTagger); ok {
		t.SetRunID(state.RunID)
	}
	c.stop = false

	bs := c.opts.BatchSize
	batches := x.Dim(0) / bs
	log.Printf("run=%s examples=%d batch_size=%d batches=%d epochs=%d", state.RunID, x.Dim(0), bs, batches, c.opts.Epochs)

	for _, cb := range c.opts.Callbacks {
		cb.OnTrainBegin(c)
	}

	for epoch := 0; epoch < c.opts.Epochs; epoch++ {
		for _, cb := range c.opts.Callbacks {
			cb.OnEpochBegin(epoch, c)
		}

		var epochCost float64
		for i := 0; i < batches; i++ {
			if err := ctx.Err(); err != nil {
				return state, err
			}
			for _, cb := range c.opts.Callbacks {
				cb.OnBatchBegin(i, c)
			}

			cost, err := c.trainBatch(state, epoch, i, x, y)
			if err != nil {
				return state, err
			}
			epochCost += cost
			log.Printf("epoch=%d batch=%d cost=%.6f", epoch, i, cost)

			for _, cb := range c.opts.Callbacks {
				cb.OnBatchEnd(i, cost, c)
			}
		}

		mean := 0.0
		if batches > 0 {
			mean = epochCost / float64(batches)
		}
		state.EpochCosts = append(state.EpochCosts, mean)
		state.Epochs = epoch + 1
		for _, cb := range c.opts.Callbacks {
			cb.OnEpochEnd(epoch, mean, c)
		}
		if c.stop {
			state.Stopped = true
			break
		}
	}

	for _, cb := range c.opts.Callbacks {
		cb.OnTrainEnd(c)
	}

	if c.opts.Store != nil {
		if err := c.StoreWeights(); err != nil {
			return state, err
		}
	}
	return state, nil
}

func (c *Classifier) trainBatch(state *RunState, epoch, i int, x, y *tensor.Tensor) (float64, error) {
	bs := c.opts.BatchSize
	xb, err := x.Slice(i*bs, i*bs+bs)
	if err != nil {
		return 0, err
	}
	yb, err := y.Slice(i*bs, i*bs+bs)
	if err != nil {
		return 0, err
	}

	in, err := c.opts.Preprocess(xb)
	if err != nil {
		return 0, fmt.Errorf("preprocess batch %d: %w", i, err)
	}

	yPred, err := c.ForwardPropagate(in)
	if err != nil {
		return 0, err
	}
	state.YPred = yPred

	cost, err := c.ComputeCost(yb, yPred, false)
	if err != nil {
		return 0, err
	}
	state.CostHistory = append(state.CostHistory, cost)
	state.RegularizedCosts = append(state.RegularizedCosts, cost+c.regularization(yb.Dim(0)))
	if math.IsNaN(cost) || math.IsInf(cost, 0) || cost < 0 {
		return 0, fmt.Errorf("%w: epoch %d batch %d cost %v", ErrNumericalInstability, epoch, i, cost)
	}

	if _, err := c.BackwardPropagate(yPred, yb, false); err != nil {
		return 0, err
	}

	if c.opts.GradientCheck {
		if p, ok := c.layers[0].(layer.Parametric); ok {
			report, err := gradcheck.Check(p, c.checkCost(in, yb), c.opts.GradientCheckOptions)
			if err != nil {
				return 0, err
			}
			state.GradientChecks = append(state.GradientChecks, report)
			if report.Divergent {
				log.Printf("epoch=%d batch=%d gradient check diverged: %s", epoch, i, report)
			} else {
				log.Printf("epoch=%d batch=%d gradient check: %s", epoch, i, report)
			}
		}
	}

	if err := c.UpdateWeights(epoch + 1); err != nil {
		return 0, err
	}
	return cost, nil
}

// ComputeCost returns the binary cross-entropy of yPred against y, summed over
// classes and averaged over the batch, plus the L2 penalty when regularize is set.
func (c *Classifier) ComputeCost(y, yPred *tensor.Tensor, regularize bool) (float64, error) {
	if !tensor.SameShape(y, yPred) {
		return 0, &layer.ShapeError{
			Layer:    c.layers[len(c.layers)-1].Name(),
			Phase:    "cost",
			Got:      y.Shape(),
			Expected: fmt.Sprintf("labels shaped like predictions %v", yPred.Shape()),
		}
	}
	cost, err := loss.BinaryCrossEntropy{}.Forward(yPred, y)
	if err != nil {
		return 0, err
	}
	if regularize {
		cost += c.regularization(y.Dim(0))
	}
	return cost, nil
}

// ComputeCostRegularization sums lambda/(2m) * sum(W^2) over the parametric layers,
// with m the configured training batch size.
func (c *Classifier) ComputeCostRegularization() float64 {
	return c.regularization(c.opts.BatchSize)
}

func (c *Classifier) regularization(m int) float64 {
	var total float64
	for _, l := range c.layers {
		if p, ok := l.(layer.Parametric); ok {
			total += p.CostRegularization(c.opts.Lambda, m)
		}
	}
	return total
}

// checkCost is the objective whose logit gradient is exactly yPred - y:
// categorical cross-entropy plus the L2 penalty.
func (c *Classifier) checkCost(x, y *tensor.Tensor) gradcheck.CostFunc {
	return func() (float64, error) {
		yPred, err := c.ForwardPropagate(x)
		if err != nil {
			return 0, err
		}
		cost, err := loss.CrossEntropy{}.Forward(yPred, y)
		if err != nil {
			return 0, err
		}
		return cost + c.regularization(y.Dim(0)), nil
	}
}
