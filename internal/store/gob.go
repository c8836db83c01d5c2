package store

import (
	"encoding/gob"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// ManifestFile is the name of the YAML index written next to the layer files.
const ManifestFile = "manifest.yaml"

// Manifest describes the contents of a snapshot directory.
type Manifest struct {
	RunID   string          `yaml:"run_id"`
	Updated time.Time       `yaml:"updated"`
	Layers  []ManifestEntry `yaml:"layers"`
}

// ManifestEntry is one saved layer.
type ManifestEntry struct {
	Name        string `yaml:"name"`
	File        string `yaml:"file"`
	WeightShape []int  `yaml:"weight_shape"`
	BiasShape   []int  `yaml:"bias_shape"`
}

// params is the gob payload of one layer file.
type params struct {
	WeightShape []int
	Weights     []float64
	BiasShape   []int
	Biases      []float64
}

// GobStore keeps one gob file per layer in a directory, indexed by a YAML manifest.
type GobStore struct {
	dir   string
	runID uuid.UUID
}

// NewGobStore creates dir if needed. An existing manifest keeps its run id.
func NewGobStore(dir string) (*GobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	s := &GobStore{dir: dir, runID: uuid.New()}
	m, err := s.Manifest()
	if err == nil {
		if id, perr := uuid.Parse(m.RunID); perr == nil {
			s.runID = id
		}
	}
	return s, nil
}

// SetRunID tags subsequent saves with id.
func (s *GobStore) SetRunID(id uuid.UUID) {
	s.runID = id
}

// RunID returns the run id recorded in the manifest.
func (s *GobStore) RunID() uuid.UUID {
	return s.runID
}

// Dir returns the snapshot directory.
func (s *GobStore) Dir() string {
	return s.dir
}

// Save writes <dir>/<name>.gob and records it in the manifest.
func (s *GobStore) Save(name string, w, b *tensor.Tensor) error {
	if err := validName(name); err != nil {
		return err
	}
	file := name + ".gob"
	f, err := os.Create(filepath.Join(s.dir, file))
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()

	p := params{
		WeightShape: w.Shape(),
		Weights:     w.Data(),
		BiasShape:   b.Shape(),
		Biases:      b.Data(),
	}
	if err := gob.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("failed to encode layer %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close layer %q: %w", name, err)
	}

	return s.record(ManifestEntry{
		Name:        name,
		File:        file,
		WeightShape: w.Shape(),
		BiasShape:   b.Shape(),
	})
}

// Load reads the parameters saved for name.
func (s *GobStore) Load(name string) (*tensor.Tensor, *tensor.Tensor, error) {
	if err := validName(name); err != nil {
		return nil, nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, name+".gob"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	var p params
	if err := gob.NewDecoder(f).Decode(&p); err != nil {
		return nil, nil, fmt.Errorf("failed to decode layer %q: %w", name, err)
	}
	w, err := tensor.FromSlice(p.Weights, p.WeightShape...)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %q weights: %w", name, err)
	}
	b, err := tensor.FromSlice(p.Biases, p.BiasShape...)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %q biases: %w", name, err)
	}
	return w, b, nil
}

// Manifest reads the manifest of the snapshot directory.
func (s *GobStore) Manifest() (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, ManifestFile))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

func (s *GobStore) record(e ManifestEntry) error {
	m, err := s.Manifest()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		m = &Manifest{}
	}
	m.RunID = s.runID.String()
	m.Updated = time.Now().UTC()

	replaced := false
	for i := range m.Layers {
		if m.Layers[i].Name == e.Name {
			m.Layers[i] = e
			replaced = true
		}
	}
	if !replaced {
		m.Layers = append(m.Layers, e)
	}
	sort.Slice(m.Layers, func(i, j int) bool { return m.Layers[i].Name < m.Layers[j].Name })

	out, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, ManifestFile), out, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
