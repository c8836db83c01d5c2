package dataset

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// CSVOptions describes a CSV file holding one flattened image per row.
type CSVOptions struct {
	Height, Width, Channels int
	// LabelColumn is the index of the integer class column; all other columns are pixels
	// in (height, width, channels) order.
	LabelColumn int
	HasHeader   bool
}

// LoadCSV loads images and class labels from a CSV file.
func LoadCSV(filename string, opts CSVOptions) (*tensor.Tensor, []int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read csv: %w", err)
	}

	startRow := 0
	if opts.HasHeader {
		startRow = 1
	}
	if len(records) <= startRow {
		return nil, nil, fmt.Errorf("csv file has no data rows")
	}

	pixels := opts.Height * opts.Width * opts.Channels
	if pixels <= 0 {
		return nil, nil, fmt.Errorf("invalid image shape %dx%dx%d", opts.Height, opts.Width, opts.Channels)
	}
	numCols := pixels + 1
	if opts.LabelColumn < 0 || opts.LabelColumn >= numCols {
		return nil, nil, fmt.Errorf("label column %d outside [0, %d)", opts.LabelColumn, numCols)
	}

	n := len(records) - startRow
	x := tensor.New(n, opts.Height, opts.Width, opts.Channels)
	labels := make([]int, n)

	for i := startRow; i < len(records); i++ {
		record := records[i]
		if len(record) != numCols {
			return nil, nil, fmt.Errorf("row %d has %d columns, want %d", i, len(record), numCols)
		}
		row := x.Data()[(i-startRow)*pixels : (i-startRow+1)*pixels]
		k := 0
		for j, valStr := range record {
			if j == opts.LabelColumn {
				label, err := strconv.Atoi(valStr)
				if err != nil {
					return nil, nil, fmt.Errorf("failed to parse label at row %d: %w", i, err)
				}
				labels[i-startRow] = label
				continue
			}
			val, err := strconv.ParseFloat(valStr, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to parse value at row %d, col %d: %w", i, j, err)
			}
			row[k] = val
			k++
		}
	}
	return x, labels, nil
}

// Normalize performs per-feature min-max normalization over the batch in place.
// Constant features become 0.
func Normalize(x *tensor.Tensor) {
	n := x.Dim(0)
	if n == 0 {
		return
	}
	flat := x.Flatten()
	features := flat.Dim(1)
	lo := append([]float64(nil), flat.Row(0)...)
	hi := append([]float64(nil), flat.Row(0)...)

	for i := 1; i < n; i++ {
		for j, v := range flat.Row(i) {
			lo[j] = min(lo[j], v)
			hi[j] = max(hi[j], v)
		}
	}
	for i := 0; i < n; i++ {
		row := flat.Row(i)
		for j := 0; j < features; j++ {
			if diff := hi[j] - lo[j]; diff != 0 {
				row[j] = (row[j] - lo[j]) / diff
			} else {
				row[j] = 0
			}
		}
	}
}
