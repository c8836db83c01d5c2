// Package store persists the weights and biases of named layers.
package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/FlavioCFOliveira/shapecnn/internal/tensor"
)

// ErrNotFound is returned when a layer has no saved parameters.
var ErrNotFound = errors.New("store: layer not found")

// Store saves and restores the parameters of named layers.
type Store interface {
	Save(name string, w, b *tensor.Tensor) error
	Load(name string) (w, b *tensor.Tensor, err error)
}

// Open returns the store for format "gob" (a directory) or "gguf" (a single file).
func Open(format, path string) (Store, error) {
	switch strings.ToLower(format) {
	case "gob", "":
		return NewGobStore(path)
	case "gguf":
		return NewGGUFStore(path, GGMLTypeF32), nil
	case "gguf-f16":
		return NewGGUFStore(path, GGMLTypeF16), nil
	default:
		return nil, fmt.Errorf("store: unknown format %q", format)
	}
}

func validName(name string) error {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("store: invalid layer name %q", name)
	}
	return nil
}
