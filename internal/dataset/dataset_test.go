package dataset

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

func TestParseSplit(t *testing.T) {
	for in, want := range map[string]Split{"train": Train, "cv": CV, "val": CV, "TEST": Test} {
		got, err := ParseSplit(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSplit("holdout")
	assert.ErrorIs(t, err, ErrUnknownSplit)
}

func TestDatasetSplit(t *testing.T) {
	d := &Dataset{XTrain: tensor.New(1, 2, 2, 1), YTrain: tensor.New(1, 2)}
	x, y, err := d.Split(Train)
	require.NoError(t, err)
	assert.Same(t, d.XTrain, x)
	assert.Same(t, d.YTrain, y)

	_, _, err = d.Split(Split("dev"))
	assert.ErrorIs(t, err, ErrUnknownSplit)
}

func TestOneHot(t *testing.T) {
	y, err := OneHot([]int{1, 0, 2}, 3)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 1, 0, 1, 0, 0, 0, 0, 1}, y.Data())

	_, err = OneHot([]int{3}, 3)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	y, _ := OneHot([]int{0, 1}, 2)
	d := &Dataset{XTrain: tensor.New(2, 4, 4, 1), YTrain: y}
	require.NoError(t, d.Validate())

	d.YTrain = tensor.MustFromSlice([]float64{1, 0}, 1, 2)
	assert.ErrorContains(t, d.Validate(), "2 images but 1 labels")

	d.YTrain = tensor.MustFromSlice([]float64{1, 1, 0, 1}, 2, 2)
	assert.ErrorContains(t, d.Validate(), "not one-hot")

	d.YTrain = nil
	assert.Error(t, d.Validate())
}

func TestShapesDeterministic(t *testing.T) {
	a, la, err := Shapes(6, 12, 3, 42)
	require.NoError(t, err)
	b, lb, err := Shapes(6, 12, 3, 42)
	require.NoError(t, err)

	assert.Equal(t, []int{6, 12, 12, 1}, a.Shape())
	assert.Equal(t, a.Data(), b.Data())
	assert.Equal(t, la, lb)
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, la)

	for _, v := range a.Data() {
		assert.GreaterOrEqual(t, v, 0.0)
		assert.LessOrEqual(t, v, 1.0)
	}
}

func TestShapesDrawsForeground(t *testing.T) {
	x, _, err := Shapes(4, 16, 2, 1)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		bright := 0
		for h := 0; h < 16; h++ {
			for w := 0; w < 16; w++ {
				if x.At4(i, h, w, 0) >= 0.8 {
					bright++
				}
			}
		}
		assert.Greater(t, bright, 10, "image %d", i)
	}
}

func TestShapesRejectsBadArguments(t *testing.T) {
	_, _, err := Shapes(4, 16, 4, 1)
	assert.Error(t, err)
	_, _, err = Shapes(4, 4, 2, 1)
	assert.Error(t, err)
}

func TestPartition(t *testing.T) {
	x, labels, err := Shapes(20, 8, 2, 3)
	require.NoError(t, err)

	d, err := Partition(x, labels, 2, 0.6, 0.2, 7)
	require.NoError(t, err)
	require.NoError(t, d.Validate())

	assert.Equal(t, 12, d.XTrain.Dim(0))
	assert.Equal(t, 4, d.XVal.Dim(0))
	assert.Equal(t, 4, d.XTest.Dim(0))
	assert.Equal(t, 20, d.YTrain.Dim(0)+d.YVal.Dim(0)+d.YTest.Dim(0))
	assert.InDelta(t, 20, d.YTrain.Sum()+d.YVal.Sum()+d.YTest.Sum(), 1e-12)

	_, err = Partition(x, labels, 2, 0.9, 0.2, 7)
	assert.Error(t, err)
	_, err = Partition(x, labels[:3], 2, 0.5, 0.2, 7)
	assert.Error(t, err)
}

func TestDescribe(t *testing.T) {
	x, labels, err := Shapes(10, 8, 2, 3)
	require.NoError(t, err)
	d, err := Partition(x, labels, 2, 0.5, 0.5, 1)
	require.NoError(t, err)
	d.XTest, d.YTest = nil, nil

	out := d.Describe()
	assert.Contains(t, out, "train images=[5 8 8 1]")
	assert.Contains(t, out, "test  empty")
}

func TestLoadCSV(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "images.csv")
	file, err := os.Create(filename)
	require.NoError(t, err)

	writer := csv.NewWriter(file)
	writer.Write([]string{"label", "p0", "p1", "p2", "p3"})
	writer.Write([]string{"1", "0", "255", "128", "64"})
	writer.Write([]string{"0", "10", "20", "30", "40"})
	writer.Flush()
	require.NoError(t, file.Close())

	x, labels, err := LoadCSV(filename, CSVOptions{Height: 2, Width: 2, Channels: 1, LabelColumn: 0, HasHeader: true})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 2, 1}, x.Shape())
	assert.Equal(t, []int{1, 0}, labels)
	assert.Equal(t, []float64{0, 255, 128, 64, 10, 20, 30, 40}, x.Data())

	_, _, err = LoadCSV(filename, CSVOptions{Height: 3, Width: 2, Channels: 1, HasHeader: true})
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	x := tensor.MustFromSlice([]float64{0, 5, 10, 5, 20, 5}, 3, 1, 2, 1)
	Normalize(x)
	assert.Equal(t, []float64{0, 0, 0.5, 0, 1, 0}, x.Data())
}
