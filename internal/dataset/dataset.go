// Package dataset holds the train, cross-validation and test splits of an
// image classification problem.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// ErrUnknownSplit is returned for a split name other than train, cv or test.
var ErrUnknownSplit = errors.New("dataset: unknown split")

// Split names one of the three partitions.
type Split string

const (
	Train Split = "train"
	CV    Split = "cv"
	Test  Split = "test"
)

// ParseSplit accepts "train", "cv" (or "val"/"validation") and "test".
func ParseSplit(s string) (Split, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "train":
		return Train, nil
	case "cv", "val", "validation":
		return CV, nil
	case "test":
		return Test, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSplit, s)
	}
}

// Dataset is a set of image batches (batch, height, width, channels) with
// one-hot labels (batch, classes).
type Dataset struct {
	XTrain, YTrain *tensor.Tensor
	XVal, YVal     *tensor.Tensor
	XTest, YTest   *tensor.Tensor
}

// Split returns the images and labels of s.
func (d *Dataset) Split(s Split) (*tensor.Tensor, *tensor.Tensor, error) {
	switch s {
	case Train:
		return d.XTrain, d.YTrain, nil
	case CV:
		return d.XVal, d.YVal, nil
	case Test:
		return d.XTest, d.YTest, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownSplit, string(s))
	}
}

// Validate checks that every present split has matching batch dimensions and
// one-hot label rows.
func (d *Dataset) Validate() error {
	for _, s := range []Split{Train, CV, Test} {
		x, y, _ := d.Split(s)
		if x == nil && y == nil {
			continue
		}
		if x == nil || y == nil {
			return fmt.Errorf("dataset: split %s: images and labels must both be set", s)
		}
		if x.Rank() != 4 {
			return fmt.Errorf("dataset: split %s: images have shape %v, want (batch, height, width, channels)", s, x.Shape())
		}
		if y.Rank() != 2 {
			return fmt.Errorf("dataset: split %s: labels have shape %v, want (batch, classes)", s, y.Shape())
		}
		if x.Dim(0) != y.Dim(0) {
			return fmt.Errorf("dataset: split %s: %d images but %d labels", s, x.Dim(0), y.Dim(0))
		}
		for i := 0; i < y.Dim(0); i++ {
			if !oneHot(y.Row(i)) {
				return fmt.Errorf("dataset: split %s: label row %d is not one-hot: %v", s, i, y.Row(i))
			}
		}
	}
	return nil
}

func oneHot(row []float64) bool {
	ones := 0
	for _, v := range row {
		switch v {
		case 0:
		case 1:
			ones++
		default:
			return false
		}
	}
	return ones == 1
}

// OneHot encodes class indices as (len(labels), classes) rows.
func OneHot(labels []int, classes int) (*tensor.Tensor, error) {
	y := tensor.New(len(labels), classes)
	for i, l := range labels {
		if l < 0 || l >= classes {
			return nil, fmt.Errorf("dataset: label %d at row %d outside [0, %d)", l, i, classes)
		}
		y.Row(i)[l] = 1
	}
	return y, nil
}

// Describe returns a short text summary of every split: sizes, class counts
// and pixel range.
func (d *Dataset) Describe() string {
	var b strings.Builder
	for _, s := range []Split{Train, CV, Test} {
		x, y, _ := d.Split(s)
		if x == nil || y == nil {
			fmt.Fprintf(&b, "%-5s empty\n", s)
			continue
		}
		counts := make([]int, y.Dim(1))
		for i := 0; i < y.Dim(0); i++ {
			for c, v := range y.Row(i) {
				if v == 1 {
					counts[c]++
				}
			}
		}
		lo, hi := math.Inf(1), math.Inf(-1)
		for _, v := range x.Data() {
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
		if x.Len() == 0 {
			lo, hi = 0, 0
		}
		fmt.Fprintf(&b, "%-5s images=%v classes=%v pixels=[%.3f, %.3f]\n", s, x.Shape(), counts, lo, hi)
	}
	return b.String()
}
