package shapecnn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
)

func TestFacadeTrainsAndScores(t *testing.T) {
	x, labels, err := dataset.Shapes(40, 12, 2, 5)
	require.NoError(t, err)
	d, err := dataset.Partition(x, labels, 2, 0.5, 0.25, 5)
	require.NoError(t, err)

	o := Momentum(0.05, 0.9)
	layers := []Layer{
		Conv2D("conv1", 1, 2, 3, 1, 1, Tanh, o),
		MaxPool2D("pool1", 2, 2),
		Dense("fc", 6*6*2, 2, Linear, o),
		Softmax("softmax"),
	}
	s, err := OpenStore("gob", t.TempDir())
	require.NoError(t, err)

	clf, err := New(d, layers, WithTargetSize(12, 12), WithBatchSize(5), WithEpochs(2), WithStore(s))
	require.NoError(t, err)

	state, err := clf.Train(context.Background(), d.XTrain, d.YTrain)
	require.NoError(t, err)
	assert.Len(t, state.CostHistory, 2*4)

	for _, split := range []Split{Train, CV, Test} {
		f1, err := clf.ComputeF1Score(split)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f1, 0.0)
		assert.LessOrEqual(t, f1, 1.0)
	}

	_, err = clf.ComputeF1Score(Split("dev"))
	assert.ErrorIs(t, err, ErrUnknownSplit)
}
