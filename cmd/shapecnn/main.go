package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/FlavioCFOliveira/shapecnn/internal/config"
	"github.com/FlavioCFOliveira/shapecnn/internal/dataset"
	"github.com/FlavioCFOliveira/shapecnn/internal/gradcheck"
	"github.com/FlavioCFOliveira/shapecnn/internal/net"
	"github.com/FlavioCFOliveira/shapecnn/internal/store"
	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (defaults are used when empty)")
	epochs := flag.Int("epochs", 0, "Number of epochs")
	batchSize := flag.Int("batch-size", 0, "Batch size")
	lambda := flag.Float64("lambda", 0, "L2 regularization strength")
	learningRate := flag.Float64("learning-rate", 0, "Learning rate")
	optimizer := flag.String("optimizer", "", "Optimizer: sgd, momentum or adam")
	gradCheck := flag.Bool("gradient-check", false, "Check first-layer gradients after every batch")
	seed := flag.Int64("seed", 0, "PRNG seed")
	samples := flag.Int("samples", 0, "Number of synthetic images")
	csvPath := flag.String("csv", "", "CSV file with one flattened image per row")
	snapshot := flag.String("snapshot", "", "Snapshot directory (gob) or file (gguf)")
	costLog := flag.String("cost-log", "", "CSV file receiving the cost history")
	evaluate := flag.Bool("evaluate", false, "Load the snapshot and report F1 scores without training")

	flag.Parse()

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}

	overrides := config.Overrides{
		Epochs:       *epochs,
		BatchSize:    *batchSize,
		LearningRate: *learningRate,
		Optimizer:    *optimizer,
		Seed:         *seed,
		Samples:      *samples,
		CSV:          *csvPath,
		SnapshotPath: *snapshot,
		CostLog:      *costLog,
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "lambda":
			overrides.Lambda = lambda
		case "gradient-check":
			overrides.GradientCheck = gradCheck
		}
	})
	cfg.ApplyOverrides(overrides)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	data, err := loadDataset(cfg)
	if err != nil {
		log.Fatalf("failed to load dataset: %v", err)
	}
	log.Printf("dataset:\n%s", data.Describe())

	layers, o, err := cfg.Build()
	if err != nil {
		log.Fatalf("failed to build model: %v", err)
	}
	st, err := store.Open(cfg.Snapshot.Format, cfg.Snapshot.Path)
	if err != nil {
		log.Fatalf("failed to open snapshot store: %v", err)
	}

	callbacks := []net.Callback{net.Logger{Interval: 1}}
	if cfg.CostLog != "" {
		callbacks = append(callbacks, net.NewCSVLogger(cfg.CostLog, false))
	}
	if sched := cfg.BuildScheduler(o); sched != nil {
		callbacks = append(callbacks, net.NewSchedulerCallback(sched))
	}

	clf, err := net.New(data, layers,
		net.WithEpochs(cfg.Epochs),
		net.WithBatchSize(cfg.BatchSize),
		net.WithLambda(cfg.Lambda),
		net.WithTargetSize(cfg.Data.Height, cfg.Data.Width),
		net.WithGradientCheck(cfg.GradientCheck, gradcheck.Options{MaxParams: 64}),
		net.WithF1Window(cfg.Data.F1Window),
		net.WithStore(st),
		net.WithCallbacks(callbacks...),
	)
	if err != nil {
		log.Fatalf("failed to create classifier: %v", err)
	}
	if err := clf.Summary(os.Stdout, cfg.Data.Channels); err != nil {
		log.Fatalf("failed to summarize model: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *evaluate {
		if err := clf.LoadWeights(); err != nil {
			log.Fatalf("failed to load weights: %v", err)
		}
	} else {
		state, err := clf.Train(ctx, data.XTrain, data.YTrain)
		if errors.Is(err, context.Canceled) {
			log.Printf("training interrupted after %d batches", len(state.CostHistory))
			return
		}
		if err != nil {
			log.Fatalf("training failed: %v", err)
		}
		log.Printf("run=%s epochs=%d batches=%d snapshot=%s", state.RunID, state.Epochs, len(state.CostHistory), cfg.Snapshot.Path)
	}

	for _, s := range []dataset.Split{dataset.Train, dataset.CV, dataset.Test} {
		f1, err := clf.ComputeF1Score(s)
		if err != nil {
			log.Printf("split=%s f1 unavailable: %v", s, err)
			continue
		}
		log.Printf("split=%s f1=%.4f", s, f1)
	}
}

func loadDataset(cfg *config.Config) (*dataset.Dataset, error) {
	d := cfg.Data
	var (
		x      *tensor.Tensor
		labels []int
		err    error
	)
	if d.CSV != "" {
		x, labels, err = dataset.LoadCSV(d.CSV, dataset.CSVOptions{
			Height:      d.SourceSize,
			Width:       d.SourceSize,
			Channels:    d.Channels,
			LabelColumn: d.LabelColumn,
			HasHeader:   d.HasHeader,
		})
		if err != nil {
			return nil, err
		}
		dataset.Normalize(x)
	} else {
		if d.Channels != 1 {
			return nil, errors.New("synthetic shapes are single-channel; set data.channels to 1")
		}
		x, labels, err = dataset.Shapes(d.Samples, d.SourceSize, d.Classes, cfg.Seed)
		if err != nil {
			return nil, err
		}
	}
	return dataset.Partition(x, labels, d.Classes, d.TrainSplit, d.ValSplit, cfg.Seed)
}
