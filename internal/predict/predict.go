// Package predict turns class probability rows into class indices.
package predict

import (
	"gonum.org/v1/gonum/floats"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Predict returns the argmax of every row of a (batch, classes) tensor.
// Ties resolve to the lowest class index.
func Predict(p *tensor.Tensor) []int {
	if p.Rank() != 2 || p.Dim(1) == 0 {
		return nil
	}
	out := make([]int, p.Dim(0))
	for i := range out {
		out[i] = floats.MaxIdx(p.Row(i))
	}
	return out
}

// Labels decodes one-hot (or probability) rows into class indices.
func Labels(y *tensor.Tensor) []int {
	return Predict(y)
}
