// Package metrics scores class predictions against ground truth labels.
package metrics

import (
	"errors"
	"fmt"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// ErrLengthMismatch is returned when truth and prediction slices differ in length.
var ErrLengthMismatch = errors.New("metrics: label length mismatch")

// ClassCounts holds the confusion counts of one class treated as positive.
type ClassCounts struct {
	TruePositives  int
	FalsePositives int
	FalseNegatives int
}

// Support is the number of samples whose true label is the class.
func (c ClassCounts) Support() int {
	return c.TruePositives + c.FalseNegatives
}

func (c ClassCounts) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

func (c ClassCounts) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall, 0 when both are 0.
func (c ClassCounts) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Confusion counts every class appearing in yTrue or yPred.
func Confusion(yTrue, yPred []int) (map[int]ClassCounts, error) {
	if len(yTrue) != len(yPred) {
		return nil, fmt.Errorf("%w: %d true vs %d predicted", ErrLengthMismatch, len(yTrue), len(yPred))
	}
	counts := make(map[int]ClassCounts)
	for i, t := range yTrue {
		p := yPred[i]
		if t == p {
			c := counts[t]
			c.TruePositives++
			counts[t] = c
			continue
		}
		ct := counts[t]
		ct.FalseNegatives++
		counts[t] = ct

		cp := counts[p]
		cp.FalsePositives++
		counts[p] = cp
	}
	return counts, nil
}

// F1Weighted averages per-class F1 scores weighted by class support.
// It returns 0 for empty input.
func F1Weighted(yTrue, yPred []int) (float64, error) {
	counts, err := Confusion(yTrue, yPred)
	if err != nil {
		return 0, err
	}
	if len(yTrue) == 0 {
		return 0, nil
	}

	classes := make([]int, 0, len(counts))
	for c := range counts {
		classes = append(classes, c)
	}
	sort.Ints(classes)

	scores := make([]float64, len(classes))
	weights := make([]float64, len(classes))
	for i, c := range classes {
		scores[i] = counts[c].F1()
		weights[i] = float64(counts[c].Support())
	}
	return stat.Mean(scores, weights), nil
}

// Accuracy is the fraction of matching labels.
func Accuracy(yTrue, yPred []int) (float64, error) {
	if len(yTrue) != len(yPred) {
		return 0, fmt.Errorf("%w: %d true vs %d predicted", ErrLengthMismatch, len(yTrue), len(yPred))
	}
	if len(yTrue) == 0 {
		return 0, nil
	}
	correct := 0
	for i := range yTrue {
		if yTrue[i] == yPred[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(yTrue)), nil
}
