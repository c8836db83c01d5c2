// Package config loads the YAML description of a training run.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/FlavioCFOliveira/shapecnn/internal/activations"
	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	Epochs        int     `yaml:"epochs"`
	BatchSize     int     `yaml:"batch_size"`
	Lambda        float64 `yaml:"lambda"`
	GradientCheck bool    `yaml:"gradient_check"`
	Seed          int64   `yaml:"seed"`

	Optimizer Optimizer `yaml:"optimizer"`
	Schedule  Schedule  `yaml:"schedule"`
	Data      Data      `yaml:"data"`
	Model     Model     `yaml:"model"`
	Snapshot  Snapshot  `yaml:"snapshot"`

	// CostLog is an optional CSV file receiving the cost history.
	CostLog string `yaml:"cost_log"`
}

// Optimizer selects the update rule shared by every parametric layer.
type Optimizer struct {
	Name         string  `yaml:"name"` // sgd, momentum, adam
	LearningRate float64 `yaml:"learning_rate"`
	Beta         float64 `yaml:"beta"`
}

// Schedule optionally decays the learning rate between epochs.
type Schedule struct {
	Name     string  `yaml:"name"` // "", step, exponential, plateau
	StepSize int     `yaml:"step_size"`
	Gamma    float64 `yaml:"gamma"`
	Patience int     `yaml:"patience"`
	MinLR    float64 `yaml:"min_lr"`
}

// Data describes where the images come from and their target size.
type Data struct {
	// CSV is a file with one flattened image per row; empty generates synthetic shapes.
	CSV         string  `yaml:"csv"`
	LabelColumn int     `yaml:"label_column"`
	HasHeader   bool    `yaml:"has_header"`
	SourceSize  int     `yaml:"source_size"`
	Samples     int     `yaml:"samples"`
	Classes     int     `yaml:"classes"`
	Channels    int     `yaml:"channels"`
	Height      int     `yaml:"height"`
	Width       int     `yaml:"width"`
	TrainSplit  float64 `yaml:"train_split"`
	ValSplit    float64 `yaml:"val_split"`
	F1Window    int     `yaml:"f1_window"`
}

// Model describes the conv -> pool -> dense -> softmax stack.
type Model struct {
	Filters    int    `yaml:"filters"`
	Kernel     int    `yaml:"kernel"`
	Stride     int    `yaml:"stride"`
	Padding    int    `yaml:"padding"`
	Activation string `yaml:"activation"`
	PoolSize   int    `yaml:"pool_size"`
	PoolMode   string `yaml:"pool_mode"`
}

// Snapshot configures weight persistence.
type Snapshot struct {
	Format string `yaml:"format"` // gob, gguf, gguf-f16
	Path   string `yaml:"path"`
}

// Overrides captures CLI supplied values. Lambda and GradientCheck are pointers
// so an explicit zero or false still overrides the file.
type Overrides struct {
	Epochs        int
	BatchSize     int
	Lambda        *float64
	LearningRate  float64
	Optimizer     string
	GradientCheck *bool
	Seed          int64
	Samples       int
	CSV           string
	SnapshotPath  string
	CostLog       string
}

// Default returns a runnable configuration on synthetic data.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates a Config from YAML.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyOverrides updates cfg using any non-zero or non-nil override.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.Lambda != nil {
		c.Lambda = *o.Lambda
	}
	if o.LearningRate > 0 {
		c.Optimizer.LearningRate = o.LearningRate
	}
	if o.Optimizer != "" {
		c.Optimizer.Name = o.Optimizer
	}
	if o.GradientCheck != nil {
		c.GradientCheck = *o.GradientCheck
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.Samples > 0 {
		c.Data.Samples = o.Samples
	}
	if o.CSV != "" {
		c.Data.CSV = o.CSV
	}
	if o.SnapshotPath != "" {
		c.Snapshot.Path = o.SnapshotPath
	}
	if o.CostLog != "" {
		c.CostLog = o.CostLog
	}
}

func (c *Config) applyDefaults() {
	if c.Epochs == 0 {
		c.Epochs = 10
	}
	if c.BatchSize == 0 {
		c.BatchSize = 20
	}
	if c.Seed == 0 {
		c.Seed = 1
	}
	if c.Optimizer.Name == "" {
		c.Optimizer.Name = "momentum"
	}
	if c.Optimizer.LearningRate == 0 {
		c.Optimizer.LearningRate = 0.01
	}
	if c.Optimizer.Beta == 0 {
		c.Optimizer.Beta = 0.9
	}
	d := &c.Data
	if d.Samples == 0 {
		d.Samples = 600
	}
	if d.Classes == 0 {
		d.Classes = 2
	}
	if d.Channels == 0 {
		d.Channels = 1
	}
	if d.SourceSize == 0 {
		d.SourceSize = 64
	}
	if d.Height == 0 {
		d.Height = 100
	}
	if d.Width == 0 {
		d.Width = 100
	}
	if d.TrainSplit == 0 {
		d.TrainSplit = 0.7
	}
	if d.ValSplit == 0 {
		d.ValSplit = 0.15
	}
	if d.F1Window == 0 {
		d.F1Window = 500
	}
	m := &c.Model
	if m.Filters == 0 {
		m.Filters = 8
	}
	if m.Kernel == 0 {
		m.Kernel = 3
	}
	if m.Stride == 0 {
		m.Stride = 1
	}
	if m.Activation == "" {
		m.Activation = "relu"
	}
	if m.PoolSize == 0 {
		m.PoolSize = 2
	}
	if m.PoolMode == "" {
		m.PoolMode = "max"
	}
	if c.Snapshot.Format == "" {
		c.Snapshot.Format = "gob"
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = "snapshots"
	}
}

// Validate fills defaults and verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	c.applyDefaults()

	if c.Epochs < 0 {
		return fmt.Errorf("epochs must be >= 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.Lambda < 0 {
		return fmt.Errorf("lambda must be >= 0 (got %g)", c.Lambda)
	}
	if c.Optimizer.LearningRate <= 0 {
		return fmt.Errorf("optimizer.learning_rate must be > 0 (got %g)", c.Optimizer.LearningRate)
	}
	if _, err := opt.New(c.Optimizer.Name, c.Optimizer.LearningRate, c.Optimizer.Beta); err != nil {
		return err
	}
	switch c.Schedule.Name {
	case "", "step", "exponential", "plateau":
	default:
		return fmt.Errorf("unknown schedule %q", c.Schedule.Name)
	}
	if c.Data.Classes < 2 {
		return fmt.Errorf("data.classes must be >= 2 (got %d)", c.Data.Classes)
	}
	if c.Data.Channels != 1 && c.Data.Channels != 3 {
		return fmt.Errorf("data.channels must be 1 or 3 (got %d)", c.Data.Channels)
	}
	if c.Data.Height < 0 || c.Data.Width < 0 {
		return fmt.Errorf("invalid target size %dx%d", c.Data.Height, c.Data.Width)
	}
	if c.Data.TrainSplit <= 0 || c.Data.ValSplit < 0 || c.Data.TrainSplit+c.Data.ValSplit > 1 {
		return fmt.Errorf("invalid splits train=%g val=%g", c.Data.TrainSplit, c.Data.ValSplit)
	}
	if _, err := activations.ByName(c.Model.Activation); err != nil {
		return err
	}
	if _, err := layer.ParsePoolMode(c.Model.PoolMode); err != nil {
		return err
	}
	if c.Model.Kernel < 0 || c.Model.Padding < 0 || c.Model.PoolSize < 0 || c.Model.Filters < 0 {
		return errors.New("model sizes must be positive")
	}
	if _, err := c.BuildLayers(); err != nil {
		return fmt.Errorf("model does not fit %dx%d input: %w", c.Data.Height, c.Data.Width, err)
	}
	return nil
}
