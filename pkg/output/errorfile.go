package output

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrorFileName is the name of the decode-failure log next to a file export.
const ErrorFileName = "errors.txt"

// ErrorFile appends the hex of undecodable entries, one per line. It is
// never truncated.
type ErrorFile struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// ErrorFilePath returns the errors.txt sibling of target.
func ErrorFilePath(target string) string {
	return filepath.Join(filepath.Dir(target), ErrorFileName)
}

// OpenErrorFile opens path for appending.
func OpenErrorFile(path string) (*ErrorFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, filePerm)
	if err != nil {
		return nil, fmt.Errorf("open error file: %w", err)
	}

	return &ErrorFile{file: f, path: path}, nil
}

// Path returns the file location.
func (e *ErrorFile) Path() string {
	return e.path
}

// Append writes the lower-case hex of raw as one line.
func (e *ErrorFile) Append(raw []byte) error {
	line := make([]byte, hex.EncodedLen(len(raw))+1)
	hex.Encode(line, raw)
	line[len(line)-1] = '\n'

	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.file.Write(line)
	if err != nil {
		return fmt.Errorf("append error file: %w", err)
	}

	return nil
}

// Close closes the file.
func (e *ErrorFile) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.file.Close()
}
