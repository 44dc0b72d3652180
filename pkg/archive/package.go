package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Package file format constants.
const (
	// PackageMagic opens every package file (little-endian).
	PackageMagic uint32 = 0xae8fdd01

	// EntryMagic occupies the low 16 bits of each entry header.
	EntryMagic uint16 = 0x1e8b

	// MaxEntrySize bounds a single entry payload.
	MaxEntrySize = 1 << 28

	entryHeaderSize = 8
	blockPrefix     = "block_"
	keyOpen         = "):"
)

// Package format errors.
var (
	ErrBadPackageMagic = errors.New("bad package magic")
	ErrBadEntryMagic   = errors.New("bad package entry magic")
	ErrTruncated       = errors.New("package entry truncated")
	ErrEntryTooLarge   = errors.New("package entry too large")
)

// Reader reads entries of a package file sequentially.
type Reader struct {
	r      io.Reader
	header [entryHeaderSize]byte
	offset int64
}

// NewReader checks the package magic and returns a reader positioned at the
// first entry.
func NewReader(r io.Reader) (*Reader, error) {
	var magic [4]byte

	_, err := io.ReadFull(r, magic[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadPackageMagic, err)
	}

	got := binary.LittleEndian.Uint32(magic[:])
	if got != PackageMagic {
		return nil, fmt.Errorf("%w: %08x", ErrBadPackageMagic, got)
	}

	return &Reader{r: r, offset: int64(len(magic))}, nil
}

// Next returns the next entry, or io.EOF after the last one.
func (pr *Reader) Next() (Entry, error) {
	n, err := io.ReadFull(pr.r, pr.header[:])
	if errors.Is(err, io.EOF) {
		return Entry{}, io.EOF
	}

	if err != nil {
		return Entry{}, fmt.Errorf("%w: header at offset %d (%d bytes)", ErrTruncated, pr.offset, n)
	}

	head := binary.LittleEndian.Uint32(pr.header[0:4])
	size := binary.LittleEndian.Uint32(pr.header[4:8])

	if uint16(head) != EntryMagic {
		return Entry{}, fmt.Errorf("%w: %04x at offset %d", ErrBadEntryMagic, uint16(head), pr.offset)
	}

	nameLen := int(head >> 16)

	if size > MaxEntrySize {
		return Entry{}, fmt.Errorf("%w: %d bytes at offset %d", ErrEntryTooLarge, size, pr.offset)
	}

	buf := make([]byte, nameLen+int(size))

	_, readErr := io.ReadFull(pr.r, buf)
	if readErr != nil {
		return Entry{}, fmt.Errorf("%w: entry at offset %d: %w", ErrTruncated, pr.offset, readErr)
	}

	pr.offset += int64(entryHeaderSize + len(buf))

	return Entry{
		Filename: string(buf[:nameLen]),
		Data:     buf[nameLen:],
	}, nil
}

// BlockKey extracts the block key from an entry filename such as
// "block_(-1,8000000000000000,100):<roothash>:<filehash>". The key is the
// root hash. Filenames that do not name a block return false.
func BlockKey(filename string) (string, bool) {
	if !strings.HasPrefix(filename, blockPrefix) {
		return "", false
	}

	_, rest, found := strings.Cut(filename, keyOpen)
	if !found {
		return filename, true
	}

	key, _, _ := strings.Cut(rest, ":")

	return key, true
}

// Writer writes package files.
type Writer struct {
	w io.Writer
}

// NewWriter writes the package magic and returns a writer for entries.
func NewWriter(w io.Writer) (*Writer, error) {
	err := binary.Write(w, binary.LittleEndian, PackageMagic)
	if err != nil {
		return nil, fmt.Errorf("write package magic: %w", err)
	}

	return &Writer{w: w}, nil
}

// WriteEntry appends one entry.
func (pw *Writer) WriteEntry(filename string, data []byte) error {
	if len(filename) > 0xffff {
		return fmt.Errorf("filename too long: %d bytes", len(filename))
	}

	var header [entryHeaderSize]byte

	binary.LittleEndian.PutUint32(header[0:4], uint32(len(filename))<<16|uint32(EntryMagic))
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	for _, part := range [][]byte{header[:], []byte(filename), data} {
		_, err := pw.w.Write(part)
		if err != nil {
			return fmt.Errorf("write package entry: %w", err)
		}
	}

	return nil
}
