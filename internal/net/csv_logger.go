package net

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"
)

// CSVLogger writes the cost history of a run to a CSV file: one row per batch
// and one summary row (batch "all") per epoch.
type CSVLogger struct {
	BaseCallback
	Filename string
	Append   bool

	file   *os.File
	writer *csv.Writer
	start  time.Time
	epoch  int
}

// NewCSVLogger creates a new CSVLogger.
func NewCSVLogger(filename string, append bool) *CSVLogger {
	return &CSVLogger{
		Filename: filename,
		Append:   append,
	}
}

func (l *CSVLogger) OnTrainBegin(c *Classifier) {
	mode := os.O_CREATE | os.O_WRONLY
	if l.Append {
		mode |= os.O_APPEND
	} else {
		mode |= os.O_TRUNC
	}

	file, err := os.OpenFile(l.Filename, mode, 0644)
	if err != nil {
		log.Printf("csv logger: failed to open file %s: %v", l.Filename, err)
		return
	}
	l.file = file
	l.writer = csv.NewWriter(file)
	l.start = time.Now()

	// Write header if not appending or if file is empty
	info, err := file.Stat()
	if err == nil && (info.Size() == 0 || !l.Append) {
		l.writer.Write([]string{"epoch", "batch", "cost", "time_seconds"})
		l.writer.Flush()
	}
}

func (l *CSVLogger) OnEpochBegin(epoch int, c *Classifier) {
	l.epoch = epoch
}

func (l *CSVLogger) OnBatchEnd(batch int, cost float64, c *Classifier) {
	l.write(strconv.Itoa(batch), cost)
}

func (l *CSVLogger) OnEpochEnd(epoch int, cost float64, c *Classifier) {
	l.epoch = epoch
	l.write("all", cost)
}

func (l *CSVLogger) write(batch string, cost float64) {
	if l.writer == nil {
		return
	}

	elapsed := time.Since(l.start).Seconds()
	record := []string{
		strconv.Itoa(l.epoch),
		batch,
		fmt.Sprintf("%.6f", cost),
		fmt.Sprintf("%.2f", elapsed),
	}

	if err := l.writer.Write(record); err != nil {
		log.Printf("csv logger: failed to write record: %v", err)
	}
	l.writer.Flush()
}

func (l *CSVLogger) OnTrainEnd(c *Classifier) {
	if l.file != nil {
		l.writer.Flush()
		l.file.Close()
		l.file = nil
		l.writer = nil
	}
}
