// Package archive enumerates and reads the archive packages of a TON node
// database.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout of the node database.
const (
	packagesDir    = "packages"
	archiveDirGlob = "arch*"
	packExt        = ".pack"
	indexExt       = ".index"
)

// ErrRootNotFound is returned when the database root has no packages directory.
var ErrRootNotFound = errors.New("archive packages directory not found")

// PackageDescriptor locates one archive package.
type PackageDescriptor struct {
	// Key uniquely names the package, e.g. "arch0000/archive.00100".
	Key string `json:"key"`

	// Path is the absolute location of the .pack file.
	Path string `json:"path"`

	// IndexPath is the sibling index file. Empty means a loose-files package.
	IndexPath string `json:"index_path,omitempty"`

	// SizeBytes is the size of the .pack file.
	SizeBytes uint64 `json:"size_bytes"`
}

// Indexed reports whether the package is a traditionally indexed archive.
func (d PackageDescriptor) Indexed() bool {
	return d.IndexPath != ""
}

// Entry is one file stored in a package.
type Entry struct {
	Filename string
	BlockKey string
	Data     []byte
}

// Catalog enumerates packages and iterates their entries.
type Catalog interface {
	// Packages lists every package, ordered by key.
	Packages(ctx context.Context) ([]PackageDescriptor, error)

	// Entries calls yield for each block entry of desc in file order.
	// Returning an error from yield stops iteration and returns that error.
	Entries(ctx context.Context, desc PackageDescriptor, yield func(Entry) error) error

	// Close releases the catalog.
	Close() error
}

// DirCatalog is a Catalog over a node database directory.
type DirCatalog struct {
	root string
}

// OpenDir opens the node database at root.
func OpenDir(root string) (*DirCatalog, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}

	info, statErr := os.Stat(filepath.Join(abs, packagesDir))
	if statErr != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrRootNotFound, filepath.Join(abs, packagesDir))
	}

	return &DirCatalog{root: abs}, nil
}

// Root returns the database root directory.
func (c *DirCatalog) Root() string {
	return c.root
}

// Packages implements Catalog.
func (c *DirCatalog) Packages(ctx context.Context) ([]PackageDescriptor, error) {
	dirs, err := filepath.Glob(filepath.Join(c.root, packagesDir, archiveDirGlob))
	if err != nil {
		return nil, fmt.Errorf("list archive dirs: %w", err)
	}

	var out []PackageDescriptor

	for _, dir := range dirs {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return nil, ctxErr
		}

		info, statErr := os.Stat(dir)
		if statErr != nil || !info.IsDir() {
			continue
		}

		descs, dirErr := scanArchiveDir(dir)
		if dirErr != nil {
			return nil, dirErr
		}

		out = append(out, descs...)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })

	return out, nil
}

func scanArchiveDir(dir string) ([]PackageDescriptor, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read archive dir %s: %w", dir, err)
	}

	var out []PackageDescriptor

	for _, de := range entries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), packExt) {
			continue
		}

		info, infoErr := de.Info()
		if infoErr != nil {
			continue
		}

		path := filepath.Join(dir, de.Name())
		base := strings.TrimSuffix(de.Name(), packExt)

		desc := PackageDescriptor{
			Key:       filepath.Base(dir) + "/" + base,
			Path:      path,
			SizeBytes: uint64(info.Size()),
		}

		indexPath := filepath.Join(dir, base+indexExt)

		_, idxErr := os.Stat(indexPath)
		if idxErr == nil {
			desc.IndexPath = indexPath
		}

		out = append(out, desc)
	}

	return out, nil
}

// Entries implements Catalog. Indexed archives are streamed from disk;
// loose-files packages are read whole and iterated from memory.
func (c *DirCatalog) Entries(ctx context.Context, desc PackageDescriptor, yield func(Entry) error) error {
	if desc.Indexed() {
		return streamIndexed(ctx, desc, yield)
	}

	return readLoose(ctx, desc, yield)
}

// Close implements Catalog.
func (c *DirCatalog) Close() error {
	return nil
}

func streamIndexed(ctx context.Context, desc PackageDescriptor, yield func(Entry) error) error {
	f, err := os.Open(desc.Path)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	return iterate(ctx, f, yield)
}

func readLoose(ctx context.Context, desc PackageDescriptor, yield func(Entry) error) error {
	data, err := os.ReadFile(desc.Path)
	if err != nil {
		return fmt.Errorf("read package: %w", err)
	}

	return iterate(ctx, bytes.NewReader(data), yield)
}

func iterate(ctx context.Context, r io.Reader, yield func(Entry) error) error {
	pr, err := NewReader(r)
	if err != nil {
		return err
	}

	for {
		ctxErr := ctx.Err()
		if ctxErr != nil {
			return ctxErr
		}

		entry, nextErr := pr.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}

		if nextErr != nil {
			return nextErr
		}

		key, ok := BlockKey(entry.Filename)
		if !ok {
			continue
		}

		entry.BlockKey = key

		yieldErr := yield(entry)
		if yieldErr != nil {
			return yieldErr
		}
	}
}
