// Package loss provides classification losses over batched probability matrices.
package loss

import (
	"fmt"
	"math"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// Epsilon bounds probabilities away from 0 and 1 before taking logarithms.
// Cross-entropy is undefined at both ends, so every prediction is clamped to [Epsilon, 1-Epsilon].
const Epsilon = 1e-12

// Loss is a loss function over a (batch, classes) prediction matrix.
type Loss interface {
	// Forward computes the batch loss, summed over classes and averaged over the batch.
	Forward(yPred, yTrue *tensor.Tensor) (float64, error)

	// Backward returns the gradient w.r.t. the logits feeding a softmax output.
	Backward(yPred, yTrue *tensor.Tensor) (*tensor.Tensor, error)
}

// BinaryCrossEntropy treats every output unit as an independent Bernoulli:
// -(1/m) * sum(y*log(p) + (1-y)*log(1-p)).
type BinaryCrossEntropy struct{}

// Forward computes binary cross-entropy with clamped predictions.
func (BinaryCrossEntropy) Forward(yPred, yTrue *tensor.Tensor) (float64, error) {
	m, err := batchSize(yPred, yTrue)
	if err != nil {
		return 0, err
	}

	p := yPred.Data()
	y := yTrue.Data()
	var sum float64
	for i := range p {
		pi := Clamp(p[i])
		sum += y[i]*math.Log(pi) + (1-y[i])*math.Log(1-pi)
	}
	return -sum / float64(m), nil
}

// Backward returns yPred - yTrue, the softmax shortcut the trainer seeds backprop with.
func (BinaryCrossEntropy) Backward(yPred, yTrue *tensor.Tensor) (*tensor.Tensor, error) {
	return softmaxShortcut(yPred, yTrue)
}

// CrossEntropy is categorical cross-entropy: -(1/m) * sum(y*log(p)).
// Paired with a softmax output its logit gradient is exactly yPred - yTrue.
type CrossEntropy struct{}

// Forward computes categorical cross-entropy with clamped predictions.
func (CrossEntropy) Forward(yPred, yTrue *tensor.Tensor) (float64, error) {
	m, err := batchSize(yPred, yTrue)
	if err != nil {
		return 0, err
	}

	p := yPred.Data()
	y := yTrue.Data()
	var sum float64
	for i := range p {
		if y[i] == 0 {
			continue
		}
		sum += y[i] * math.Log(Clamp(p[i]))
	}
	return -sum / float64(m), nil
}

// Backward computes gradient for cross entropy with softmax.
func (CrossEntropy) Backward(yPred, yTrue *tensor.Tensor) (*tensor.Tensor, error) {
	return softmaxShortcut(yPred, yTrue)
}

// Clamp bounds p to [Epsilon, 1-Epsilon].
func Clamp(p float64) float64 {
	if p < Epsilon {
		return Epsilon
	}
	if p > 1-Epsilon {
		return 1 - Epsilon
	}
	return p
}

// L2Penalty returns lambda/(2m) * sum(W^2).
func L2Penalty(w *tensor.Tensor, lambda float64, m int) float64 {
	if lambda == 0 || m <= 0 {
		return 0
	}
	return lambda / (2 * float64(m)) * w.SumSquares()
}

func softmaxShortcut(yPred, yTrue *tensor.Tensor) (*tensor.Tensor, error) {
	if _, err := batchSize(yPred, yTrue); err != nil {
		return nil, err
	}
	return tensor.Sub(yPred, yTrue)
}

func batchSize(yPred, yTrue *tensor.Tensor) (int, error) {
	if !tensor.SameShape(yPred, yTrue) {
		return 0, fmt.Errorf("loss: prediction %v and target %v must have the same shape", yPred.Shape(), yTrue.Shape())
	}
	if yPred.Rank() == 0 || yPred.Dim(0) == 0 {
		return 0, fmt.Errorf("loss: empty batch")
	}
	return yPred.Dim(0), nil
}
