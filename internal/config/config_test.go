package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FlavioCFOliveira/shapecnn/internal/layer"
	"github.com/FlavioCFOliveira/shapecnn/internal/opt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
epochs: 3
batch_size: 16
lambda: 0.7
optimizer:
  name: adam
  learning_rate: 0.001
data:
  classes: 3
  height: 32
  width: 32
model:
  filters: 4
  kernel: 5
  padding: 2
  activation: tanh
  pool_mode: average
snapshot:
  format: gguf
  path: out/model.gguf
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Epochs)
	assert.Equal(t, 16, cfg.BatchSize)
	assert.Equal(t, 0.7, cfg.Lambda)
	assert.Equal(t, "adam", cfg.Optimizer.Name)
	assert.Equal(t, 3, cfg.Data.Classes)
	assert.Equal(t, "gguf", cfg.Snapshot.Format)

	// defaults
	assert.Equal(t, 1, cfg.Model.Stride)
	assert.Equal(t, 2, cfg.Model.PoolSize)
	assert.Equal(t, 500, cfg.Data.F1Window)
	assert.Equal(t, 1, cfg.Data.Channels)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "epochs: 2\nlearning_rat: 0.1\n"))
	assert.ErrorContains(t, err, "parse config")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"lambda":     func(c *Config) { c.Lambda = -1 },
		"optimizer":  func(c *Config) { c.Optimizer.Name = "rmsprop" },
		"classes":    func(c *Config) { c.Data.Classes = 1 },
		"channels":   func(c *Config) { c.Data.Channels = 2 },
		"splits":     func(c *Config) { c.Data.TrainSplit, c.Data.ValSplit = 0.8, 0.3 },
		"activation": func(c *Config) { c.Model.Activation = "swish" },
		"pool":       func(c *Config) { c.Model.PoolMode = "median" },
		"schedule":   func(c *Config) { c.Schedule.Name = "cosine" },
		"kernel":     func(c *Config) { c.Model.Kernel = 200 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestApplyOverrides(t *testing.T) {
	check := true
	cfg := Default()
	cfg.ApplyOverrides(Overrides{
		Epochs:        4,
		LearningRate:  0.5,
		Optimizer:     "sgd",
		GradientCheck: &check,
		Samples:       90,
		SnapshotPath:  "elsewhere",
	})
	assert.Equal(t, 4, cfg.Epochs)
	assert.Equal(t, 0.5, cfg.Optimizer.LearningRate)
	assert.Equal(t, "sgd", cfg.Optimizer.Name)
	assert.True(t, cfg.GradientCheck)
	assert.Equal(t, 90, cfg.Data.Samples)
	assert.Equal(t, "elsewhere", cfg.Snapshot.Path)
	assert.Equal(t, 20, cfg.BatchSize)
}

func TestApplyOverridesExplicitZero(t *testing.T) {
	cfg := Default()
	cfg.Lambda = 0.3
	cfg.GradientCheck = true

	cfg.ApplyOverrides(Overrides{})
	assert.Equal(t, 0.3, cfg.Lambda)
	assert.True(t, cfg.GradientCheck)

	lambda, check := 0.0, false
	cfg.ApplyOverrides(Overrides{Lambda: &lambda, GradientCheck: &check})
	assert.Equal(t, 0.0, cfg.Lambda)
	assert.False(t, cfg.GradientCheck)
}

func TestBuild(t *testing.T) {
	cfg := Default()
	cfg.Data.Height, cfg.Data.Width = 12, 12
	cfg.Model.Filters = 3
	cfg.Model.Padding = 1
	require.NoError(t, cfg.Validate())

	layers, o, err := cfg.Build()
	require.NoError(t, err)
	require.Len(t, layers, 4)
	assert.IsType(t, &opt.Momentum{}, o)
	assert.IsType(t, &layer.Softmax{}, layers[3])

	summary, err := layer.Summarize(layers, []int{1, 12, 12, 1})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 6, 6, 3}, summary[1].Out)
	assert.Equal(t, []int{1, 2}, summary[3].Out)
}

func TestBuildScheduler(t *testing.T) {
	cfg := Default()
	o := &opt.SGD{LR: 1}
	assert.Nil(t, cfg.BuildScheduler(o))

	cfg.Schedule = Schedule{Name: "step", StepSize: 1, Gamma: 0.1}
	s := cfg.BuildScheduler(o)
	require.NotNil(t, s)
	s.Step()
	assert.InDelta(t, 0.1, s.GetLR(), 1e-12)

	cfg.Schedule = Schedule{Name: "plateau"}
	assert.IsType(t, &opt.ReduceLROnPlateau{}, cfg.BuildScheduler(o))
}
