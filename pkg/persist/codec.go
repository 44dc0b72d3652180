// Package persist provides codec-based, crash-safe file persistence for
// small state documents.
package persist

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// jsonExtension is the file extension of JSON state files.
const jsonExtension = ".json"

// Default indentation for pretty-printed JSON.
const defaultIndent = "  "

// File permissions for state files and their directories.
const (
	filePerm = 0o600
	dirPerm  = 0o750
)

// Codec defines how state is serialized and deserialized.
type Codec interface {
	// Encode writes the state to the writer.
	Encode(w io.Writer, state any) error
	// Decode reads the state from the reader.
	Decode(r io.Reader, state any) error
	// Extension returns the file extension for this codec (e.g., ".json").
	Extension() string
}

// JSONCodec implements Codec using JSON encoding with optional indentation.
type JSONCodec struct {
	// Indent specifies the indentation string. Empty string means compact JSON.
	Indent string

	// Strict rejects unknown fields on decode.
	Strict bool
}

// NewJSONCodec creates a JSON codec with pretty-printing (2-space indent).
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{Indent: defaultIndent}
}

// Encode implements Codec.Encode using JSON encoding.
func (c *JSONCodec) Encode(w io.Writer, state any) error {
	encoder := json.NewEncoder(w)
	if c.Indent != "" {
		encoder.SetIndent("", c.Indent)
	}

	err := encoder.Encode(state)
	if err != nil {
		return fmt.Errorf("json encode: %w", err)
	}

	return nil
}

// Decode implements Codec.Decode using JSON decoding.
func (c *JSONCodec) Decode(r io.Reader, state any) error {
	decoder := json.NewDecoder(r)
	if c.Strict {
		decoder.DisallowUnknownFields()
	}

	err := decoder.Decode(state)
	if err != nil {
		return fmt.Errorf("json decode: %w", err)
	}

	return nil
}

// Extension implements Codec.Extension for JSON files.
func (c *JSONCodec) Extension() string {
	return jsonExtension
}

// WriteAtomic encodes state into path through a temp file in the same
// directory followed by a rename, so readers never observe a partial file.
func WriteAtomic(path string, codec Codec, state any) error {
	dir := filepath.Dir(path)

	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var buf bytes.Buffer

	encodeErr := codec.Encode(&buf, state)
	if encodeErr != nil {
		return fmt.Errorf("encode state: %w", encodeErr)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}

	tmpPath := tmp.Name()

	_, writeErr := tmp.Write(buf.Bytes())
	if writeErr == nil {
		writeErr = tmp.Sync()
	}

	closeErr := tmp.Close()

	if writeErr != nil || closeErr != nil {
		_ = os.Remove(tmpPath)

		if writeErr != nil {
			return fmt.Errorf("write temp state file: %w", writeErr)
		}

		return fmt.Errorf("close temp state file: %w", closeErr)
	}

	chmodErr := os.Chmod(tmpPath, filePerm)
	if chmodErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("chmod temp state file: %w", chmodErr)
	}

	renameErr := os.Rename(tmpPath, path)
	if renameErr != nil {
		_ = os.Remove(tmpPath)

		return fmt.Errorf("rename state file: %w", renameErr)
	}

	return nil
}

// SaveState saves the given state to a file in the specified directory.
// The filename is constructed from the basename and the codec's extension.
func SaveState(dir, basename string, codec Codec, state any) error {
	return WriteAtomic(filepath.Join(dir, basename+codec.Extension()), codec, state)
}
