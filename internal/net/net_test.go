package net

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
	"github.com/FlavioCFOliveira/shapecnn/internal/gradcheck"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
	"github.com/FlavioCFOliveira/shapecnn/internal/store"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

const side = 8

// brightDark builds n 8x8 images; class 0 is bright, class 1 is dark. When
// flip is set the labels are swapped.
func brightDark(t *testing.T, n int, seed int64, flip bool) (*tensor.Tensor, *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(n, side, side, 1)
	labels := make([]int, n)
	for i := 0; i < n; i++ {
		class := i % 2
		base := 0.75
		if class == 1 {
			base = 0.05
		}
		for h := 0; h < side; h++ {
			for w := 0; w < side; w++ {
				x.Set4(i, h, w, 0, base+0.2*rng.Float64())
			}
		}
		if flip {
			class = 1 - class
		}
		labels[i] = class
	}
	y, err := dataset.OneHot(labels, 2)
	require.NoError(t, err)
	return x, y
}

func newDataset(t *testing.T) *dataset.Dataset {
	t.Helper()
	d := &dataset.Dataset{}
	d.XTrain, d.YTrain = brightDark(t, 40, 1, false)
	d.XVal, d.YVal = brightDark(t, 10, 2, true)
	d.XTest, d.YTest = brightDark(t, 10, 3, false)
	return d
}

func convStack(o opt.Optimizer, mode layer.PoolMode) []layer.Layer {
	return []layer.Layer{
		layer.NewConv2D("conv1", 1, 2, 3, 1, 1, activations.Tanh{}, o),
		layer.NewPool2D("pool1", 2, 2, mode),
		layer.NewDense("fc", 4*4*2, 2, activations.Linear{}, o),
		layer.NewSoftmax("softmax"),
	}
}

func newClassifier(t *testing.T, d *dataset.Dataset, layers []layer.Layer, opts ...Option) *Classifier {
	t.Helper()
	opts = append([]Option{WithTargetSize(side, side), WithBatchSize(10), WithEpochs(1)}, opts...)
	c, err := New(d, layers, opts...)
	require.NoError(t, err)
	return c
}

func TestNewRequiresSoftmaxOutput(t *testing.T) {
	layers := convStack(opt.NewMomentum(0.1, 0.9), layer.MaxPool)
	_, err := New(newDataset(t), layers[:3], WithTargetSize(side, side))
	assert.ErrorIs(t, err, ErrNoSoftmaxOutput)
}

func TestNewDetectsShapeMismatch(t *testing.T) {
	layers := []layer.Layer{
		layer.NewConv2D("conv1", 1, 2, 3, 1, 1, activations.Tanh{}, nil),
		layer.NewDense("fc", 10, 2, activations.Linear{}, nil),
		layer.NewSoftmax("softmax"),
	}
	_, err := New(newDataset(t), layers, WithTargetSize(side, side))
	require.ErrorIs(t, err, layer.ErrShapeMismatch)

	var se *layer.ShapeError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "fc", se.Layer)
}

func TestNewDetectsClassMismatch(t *testing.T) {
	layers := []layer.Layer{
		layer.NewDense("fc", side*side, 3, activations.Linear{}, nil),
		layer.NewSoftmax("softmax"),
	}
	_, err := New(newDataset(t), layers, WithTargetSize(side, side))
	assert.ErrorIs(t, err, layer.ErrShapeMismatch)
}

func TestComputeCost(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.1, 0.9), layer.MaxPool), WithLambda(0.5))

	yPred, err := c.ForwardPropagate(d.XTrain)
	require.NoError(t, err)

	plain, err := c.ComputeCost(d.YTrain, yPred, false)
	require.NoError(t, err)
	regularized, err := c.ComputeCost(d.YTrain, yPred, true)
	require.NoError(t, err)

	assert.False(t, math.IsNaN(plain) || math.IsInf(plain, 0))
	assert.GreaterOrEqual(t, plain, 0.0)
	assert.Greater(t, regularized, plain)
	assert.InDelta(t, plain+c.regularization(d.YTrain.Dim(0)), regularized, 1e-12)

	_, err = c.ComputeCost(tensor.New(3, 2), yPred, false)
	assert.ErrorIs(t, err, layer.ErrShapeMismatch)
}

func TestCostRegularizationUsesBatchSize(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.1, 0.9), layer.MaxPool), WithLambda(0.5))

	batch, err := d.XTrain.Slice(0, 10)
	require.NoError(t, err)
	_, err = c.ForwardPropagate(batch)
	require.NoError(t, err)
	before := c.ComputeCostRegularization()
	assert.Greater(t, before, 0.0)

	_, err = c.Predict(d.XTrain)
	require.NoError(t, err)
	assert.Equal(t, before, c.ComputeCostRegularization())
	assert.InDelta(t, before/4, c.regularization(40), 1e-15)
}

func TestTrainRecordsUnregularizedCost(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool),
		WithBatchSize(40), WithLambda(0.5))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	require.Len(t, state.CostHistory, 1)
	require.Len(t, state.RegularizedCosts, 1)

	plain, err := c.ComputeCost(d.YTrain, state.YPred, false)
	require.NoError(t, err)
	assert.InDelta(t, plain, state.CostHistory[0], 1e-12)
	assert.Greater(t, state.RegularizedCosts[0], state.CostHistory[0])
}

// TestUpdateLowersBatchCost takes one epoch of small SGD steps by hand and
// checks each update lowers the cost of the batch it was computed on.
func TestUpdateLowersBatchCost(t *testing.T) {
	for _, o := range []opt.Optimizer{&opt.SGD{LR: 0.01}, opt.NewMomentum(0.01, 0.9)} {
		d := newDataset(t)
		c := newClassifier(t, d, convStack(o, layer.MaxPool))

		bs := c.Options().BatchSize
		for i := 0; i < d.XTrain.Dim(0)/bs; i++ {
			xb, err := d.XTrain.Slice(i*bs, i*bs+bs)
			require.NoError(t, err)
			yb, err := d.YTrain.Slice(i*bs, i*bs+bs)
			require.NoError(t, err)

			yPred, err := c.ForwardPropagate(xb)
			require.NoError(t, err)
			before, err := c.ComputeCost(yb, yPred, false)
			require.NoError(t, err)

			_, err = c.BackwardPropagate(yPred, yb, false)
			require.NoError(t, err)
			require.NoError(t, c.UpdateWeights(1))

			yPred, err = c.ForwardPropagate(xb)
			require.NoError(t, err)
			after, err := c.ComputeCost(yb, yPred, false)
			require.NoError(t, err)
			assert.Less(t, after, before, "%T batch %d", o, i)
		}
	}
}

func TestBackwardPropagateSeedsOutputLayer(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.1, 0.9), layer.MaxPool))

	yPred, err := c.ForwardPropagate(d.XTrain)
	require.NoError(t, err)
	first, err := c.BackwardPropagate(yPred, d.YTrain, false)
	require.NoError(t, err)

	seed := c.Layers()[len(c.Layers())-1].Cache().DZ
	require.NotNil(t, seed)
	for i, v := range seed.Data() {
		assert.InDelta(t, yPred.Data()[i]-d.YTrain.Data()[i], v, 1e-15)
	}
	assert.Equal(t, d.XTrain.Shape(), first.DZ.Shape())

	for _, l := range c.Layers() {
		if p, ok := l.(layer.Parametric); ok {
			dw, db := p.Gradients()
			assert.NotNil(t, dw, l.Name())
			assert.NotNil(t, db, l.Name())
		}
	}
}

func TestBackwardPropagateForGenerator(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.1, 0.9), layer.MaxPool))

	yPred, err := c.ForwardPropagate(d.XTrain)
	require.NoError(t, err)
	first, err := c.BackwardPropagate(yPred, d.YTrain, true)
	require.NoError(t, err)
	assert.Equal(t, d.XTrain.Shape(), first.DZ.Shape())

	for _, l := range c.Layers() {
		if p, ok := l.(layer.Parametric); ok {
			dw, _ := p.Gradients()
			assert.Nil(t, dw, l.Name())
		}
	}
	assert.ErrorIs(t, c.UpdateWeights(1), layer.ErrNoGradients)
}

func TestTrainCostDecreases(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool),
		WithEpochs(10), WithLambda(0.01))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)

	assert.Len(t, state.CostHistory, 10*4)
	assert.Len(t, state.EpochCosts, 10)
	assert.Equal(t, 10, state.Epochs)
	assert.Less(t, state.EpochCosts[9], state.EpochCosts[0])
	assert.Equal(t, []int{10, 2}, state.YPred.Shape())
	for _, cost := range state.CostHistory {
		assert.False(t, math.IsNaN(cost))
		assert.GreaterOrEqual(t, cost, 0.0)
	}
}

func TestTrainSkipsPartialBatch(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithBatchSize(15))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	assert.Len(t, state.CostHistory, 2)
}

func TestTrainRejectsMismatchedBatch(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool))

	yShort, err := d.YTrain.Slice(0, 30)
	require.NoError(t, err)
	_, err = c.Train(context.Background(), d.XTrain, yShort)
	assert.ErrorIs(t, err, layer.ErrShapeMismatch)
}

func TestTrainAbortsOnNaN(t *testing.T) {
	d := newDataset(t)
	poison := func(x *tensor.Tensor) (*tensor.Tensor, error) {
		out := x.Clone()
		out.Fill(math.NaN())
		return out, nil
	}
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithPreprocess(poison))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.ErrorIs(t, err, ErrNumericalInstability)
	require.Len(t, state.CostHistory, 1)
	assert.True(t, math.IsNaN(state.CostHistory[0]))
}

func TestTrainHonoursContext(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	state, err := c.Train(ctx, d.XTrain, d.YTrain)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, state.CostHistory)
}

func TestTrainWithGradientCheck(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.AveragePool),
		WithLambda(0.1), WithGradientCheck(true, gradcheck.Options{}))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	require.Len(t, state.GradientChecks, 4)
	for _, r := range state.GradientChecks {
		assert.Equal(t, "conv1", r.Layer)
		assert.False(t, r.Divergent, r.String())
	}
}

func TestCheckGradients(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.AveragePool), WithLambda(0.2))

	x, err := d.XTrain.Slice(0, 6)
	require.NoError(t, err)
	y, err := d.YTrain.Slice(0, 6)
	require.NoError(t, err)

	for _, idx := range []int{0, 2} {
		report, err := c.CheckGradients(idx, x, y)
		require.NoError(t, err)
		assert.Less(t, report.Difference, 1e-5, report.String())
	}

	_, err = c.CheckGradients(1, x, y)
	assert.Error(t, err)
	_, err = c.CheckGradients(9, x, y)
	assert.Error(t, err)
}

// fixedStack classifies bright images as class 0 and dark images as class 1.
func fixedStack() []layer.Layer {
	fc := layer.NewDense("fc", side*side, 2, activations.Linear{}, nil)
	w, b := fc.Params()
	for i := 0; i < side*side; i++ {
		w.Data()[2*i] = 1
		w.Data()[2*i+1] = -1
	}
	b.Data()[0] = -float64(side*side) / 2
	b.Data()[1] = float64(side*side) / 2
	return []layer.Layer{fc, layer.NewSoftmax("softmax")}
}

func TestComputeF1ScoreUsesSelectedSplit(t *testing.T) {
	c := newClassifier(t, newDataset(t), fixedStack())

	f1, err := c.ComputeF1Score(dataset.Train)
	require.NoError(t, err)
	assert.Equal(t, 1.0, f1)

	f1, err = c.ComputeF1Score(dataset.Test)
	require.NoError(t, err)
	assert.Equal(t, 1.0, f1)

	// the cv split carries swapped labels
	f1, err = c.ComputeF1Score(dataset.CV)
	require.NoError(t, err)
	assert.Equal(t, 0.0, f1)
}

func TestComputeF1ScoreWindow(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithF1Window(5))

	f1, err := c.ComputeF1Score(dataset.Train)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, f1, 0.0)
	assert.LessOrEqual(t, f1, 1.0)
}

func TestComputeF1ScoreUnknownSplit(t *testing.T) {
	c := newClassifier(t, newDataset(t), fixedStack())
	_, err := c.ComputeF1Score(dataset.Split("holdout"))
	assert.ErrorIs(t, err, dataset.ErrUnknownSplit)

	noData, err := New(nil, fixedStack(), WithTargetSize(side, side))
	require.NoError(t, err)
	_, err = noData.ComputeF1Score(dataset.Train)
	assert.ErrorIs(t, err, ErrNoDataset)
}

func TestPredict(t *testing.T) {
	d := newDataset(t)
	c := newClassifier(t, d, fixedStack())

	x, err := d.XTrain.Slice(0, 4)
	require.NoError(t, err)
	preds, err := c.Predict(x)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 0, 1}, preds)

	// larger images are resized to the target size first
	big := tensor.New(1, 2*side, 2*side, 1)
	big.Fill(0.9)
	preds, err = c.Predict(big)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, preds)
}

func TestStoreAndLoadWeights(t *testing.T) {
	d := newDataset(t)
	s, err := store.NewGobStore(t.TempDir())
	require.NoError(t, err)

	trained := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithEpochs(3), WithStore(s))
	state, err := trained.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)

	want, err := trained.ForwardPropagate(d.XTest)
	require.NoError(t, err)

	restored := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithStore(s))
	before, err := restored.ForwardPropagate(d.XTest)
	require.NoError(t, err)
	assert.NotEqual(t, want.Data(), before.Data())

	require.NoError(t, restored.LoadWeights())
	got, err := restored.ForwardPropagate(d.XTest)
	require.NoError(t, err)
	assert.Equal(t, want.Data(), got.Data())

	m, err := s.Manifest()
	require.NoError(t, err)
	assert.Equal(t, state.RunID.String(), m.RunID)
	assert.Len(t, m.Layers, 2)
}

func TestStoreWeightsWithoutStore(t *testing.T) {
	c := newClassifier(t, newDataset(t), fixedStack())
	assert.ErrorIs(t, c.StoreWeights(), ErrNoStore)
	assert.ErrorIs(t, c.LoadWeights(), ErrNoStore)
}

func TestEarlyStopping(t *testing.T) {
	d := newDataset(t)
	frozen := &opt.SGD{LR: 0}
	es := NewEarlyStopping(1, 0)
	c := newClassifier(t, d, convStack(frozen, layer.MaxPool), WithEpochs(5), WithCallbacks(es))

	state, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	assert.True(t, es.Stopped)
	assert.True(t, state.Stopped)
	assert.Equal(t, 2, state.Epochs)
}

func TestModelCheckpoint(t *testing.T) {
	d := newDataset(t)
	s, err := store.NewGobStore(t.TempDir())
	require.NoError(t, err)
	cp := NewModelCheckpoint(s)
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool), WithEpochs(2), WithCallbacks(cp))

	_, err = c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	require.NoError(t, cp.Err)

	_, _, err = s.Load("conv1")
	assert.NoError(t, err)
}

func TestSchedulerCallback(t *testing.T) {
	d := newDataset(t)
	o := &opt.SGD{LR: 0.1}
	sched := NewSchedulerCallback(opt.NewStepLR(o, 1, 0.5))
	c := newClassifier(t, d, convStack(o, layer.MaxPool), WithEpochs(2), WithCallbacks(sched))

	_, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	assert.InDelta(t, 0.025, o.LearningRate(), 1e-12)
}

func TestCSVLogger(t *testing.T) {
	d := newDataset(t)
	filename := filepath.Join(t.TempDir(), "cost.csv")
	c := newClassifier(t, d, convStack(opt.NewMomentum(0.05, 0.9), layer.MaxPool),
		WithEpochs(2), WithCallbacks(NewCSVLogger(filename, false)))

	_, err := c.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)

	file, err := os.Open(filename)
	require.NoError(t, err)
	defer file.Close()
	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)

	// header + 2 epochs * (4 batches + summary)
	require.Len(t, records, 11)
	assert.Equal(t, []string{"epoch", "batch", "cost", "time_seconds"}, records[0])
	assert.Equal(t, "0", records[1][0])
	assert.Equal(t, "all", records[5][1])
	assert.Equal(t, "1", records[10][0])
}

func TestSummary(t *testing.T) {
	c := newClassifier(t, newDataset(t), convStack(nil, layer.MaxPool))
	var buf bytes.Buffer
	require.NoError(t, c.Summary(&buf, 1))
	out := buf.String()
	assert.Contains(t, out, "conv1 (Conv2D)")
	assert.Contains(t, out, "Total params: 86")
}
