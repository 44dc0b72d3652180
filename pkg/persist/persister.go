package persist

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
)

// Validator inspects raw state bytes before they are decoded.
type Validator func(data []byte) error

// Persister handles I/O for a specific state type using a Codec.
type Persister[T any] struct {
	basename string
	codec    Codec
	validate Validator
}

// NewPersister creates a persister with the given basename and codec.
func NewPersister[T any](basename string, codec Codec) *Persister[T] {
	return &Persister[T]{
		basename: basename,
		codec:    codec,
	}
}

// WithValidator sets a check run on the raw file before decoding.
func (p *Persister[T]) WithValidator(v Validator) *Persister[T] {
	p.validate = v

	return p
}

// Path returns the state file location inside dir.
func (p *Persister[T]) Path(dir string) string {
	return filepath.Join(dir, p.basename+p.codec.Extension())
}

// Save writes state to the given directory using the provided build function.
func (p *Persister[T]) Save(dir string, buildState func() *T) error {
	return SaveState(dir, p.basename, p.codec, buildState())
}

// Load restores state from the given directory using the provided restore function.
func (p *Persister[T]) Load(dir string, restoreState func(*T)) error {
	data, err := os.ReadFile(p.Path(dir))
	if err != nil {
		return fmt.Errorf("read state file: %w", err)
	}

	if p.validate != nil {
		validateErr := p.validate(data)
		if validateErr != nil {
			return validateErr
		}
	}

	var state T

	decodeErr := p.codec.Decode(bytes.NewReader(data), &state)
	if decodeErr != nil {
		return fmt.Errorf("decode state: %w", decodeErr)
	}

	restoreState(&state)

	return nil
}

// Remove deletes the state file. A missing file is not an error.
func (p *Persister[T]) Remove(dir string) error {
	err := os.Remove(p.Path(dir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove state file: %w", err)
	}

	return nil
}
