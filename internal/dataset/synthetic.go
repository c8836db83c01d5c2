package dataset

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Shape classes drawn by Shapes.
const (
	Square = iota
	Circle
	Triangle
)

// ShapeNames maps a class index to its label.
var ShapeNames = []string{"square", "circle", "triangle"}

// Shapes draws n single-channel size x size images of filled shapes on a dark
// background, cycling through the first classes shape kinds (2 or 3). Position,
// extent and background noise are random but fully determined by seed.
func Shapes(n, size, classes int, seed int64) (*tensor.Tensor, []int, error) {
	if classes < 2 || classes > len(ShapeNames) {
		return nil, nil, fmt.Errorf("dataset: shapes supports 2 or 3 classes, got %d", classes)
	}
	if size < 8 {
		return nil, nil, fmt.Errorf("dataset: image size %d too small, need at least 8", size)
	}
	rng := rand.New(rand.NewSource(seed))
	x := tensor.New(n, size, size, 1)
	labels := make([]int, n)

	for i := 0; i < n; i++ {
		class := i % classes
		labels[i] = class

		r := float64(size) * (0.2 + 0.15*rng.Float64())
		cy := r + rng.Float64()*(float64(size)-2*r)
		cx := r + rng.Float64()*(float64(size)-2*r)

		for h := 0; h < size; h++ {
			for w := 0; w < size; w++ {
				py, px := float64(h)+0.5, float64(w)+0.5
				v := 0.1 * rng.Float64()
				if inside(class, py-cy, px-cx, r) {
					v = 0.8 + 0.2*rng.Float64()
				}
				x.Set4(i, h, w, 0, v)
			}
		}
	}
	return x, labels, nil
}

func inside(class int, dy, dx, r float64) bool {
	switch class {
	case Square:
		return math.Abs(dy) <= r*0.85 && math.Abs(dx) <= r*0.85
	case Circle:
		return dy*dy+dx*dx <= r*r
	default:
		// apex up, base at dy = r
		if dy < -r || dy > r {
			return false
		}
		half := (dy + r) / 2
		return math.Abs(dx) <= half
	}
}

// Partition shuffles (x, labels) with seed and splits it into train, cv and
// test by the given fractions; the test split takes the remainder.
func Partition(x *tensor.Tensor, labels []int, classes int, trainFrac, valFrac float64, seed int64) (*Dataset, error) {
	n := x.Dim(0)
	if n != len(labels) {
		return nil, fmt.Errorf("dataset: %d images but %d labels", n, len(labels))
	}
	if trainFrac <= 0 || valFrac < 0 || trainFrac+valFrac > 1 {
		return nil, fmt.Errorf("dataset: invalid split fractions train=%g val=%g", trainFrac, valFrac)
	}

	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTrain := int(math.Round(float64(n) * trainFrac))
	nVal := int(math.Round(float64(n) * valFrac))
	if nTrain+nVal > n {
		nVal = n - nTrain
	}

	part := func(idx []int) (*tensor.Tensor, *tensor.Tensor, error) {
		shape := x.Shape()
		shape[0] = len(idx)
		xs := tensor.New(shape...)
		stride := tensor.Size(shape[1:])
		ls := make([]int, len(idx))
		for i, j := range idx {
			copy(xs.Data()[i*stride:(i+1)*stride], x.Data()[j*stride:(j+1)*stride])
			ls[i] = labels[j]
		}
		ys, err := OneHot(ls, classes)
		return xs, ys, err
	}

	d := &Dataset{}
	var err error
	if d.XTrain, d.YTrain, err = part(perm[:nTrain]); err != nil {
		return nil, err
	}
	if d.XVal, d.YVal, err = part(perm[nTrain : nTrain+nVal]); err != nil {
		return nil, err
	}
	if d.XTest, d.YTest, err = part(perm[nTrain+nVal:]); err != nil {
		return nil, err
	}
	return d, nil
}
