// Package boc decodes and encodes TON bag-of-cells containers.
//
// A bag of cells is a DAG of cells, each carrying up to 1023 data bits and up
// to four references to other cells. Archive packages store every block as one
// serialized bag of cells whose first root holds the block record.
package boc

import (
	"errors"
	"fmt"
)

// Cell limits.
const (
	// MaxBits is the maximum number of data bits in a single cell.
	MaxBits = 1023

	// MaxRefs is the maximum number of references held by a single cell.
	MaxRefs = 4
)

// Slice errors.
var (
	ErrNotEnoughBits = errors.New("not enough bits in slice")
	ErrNotEnoughRefs = errors.New("not enough refs in slice")
	ErrBitWidth      = errors.New("invalid bit width")
)

// Cell is an immutable TON cell.
type Cell struct {
	data      []byte
	bitLen    int
	refs      []*Cell
	exotic    bool
	levelMask byte
}

// BitLen returns the number of data bits stored in the cell.
func (c *Cell) BitLen() int {
	return c.bitLen
}

// RefsCount returns the number of references held by the cell.
func (c *Cell) RefsCount() int {
	return len(c.refs)
}

// Ref returns the i-th reference, or nil when out of range.
func (c *Cell) Ref(i int) *Cell {
	if i < 0 || i >= len(c.refs) {
		return nil
	}

	return c.refs[i]
}

// Exotic reports whether the cell is an exotic (special) cell.
func (c *Cell) Exotic() bool {
	return c.exotic
}

// LevelMask returns the level mask from the cell descriptor.
func (c *Cell) LevelMask() byte {
	return c.levelMask
}

// Data returns a copy of the cell data bytes. Bits past BitLen are zero.
func (c *Cell) Data() []byte {
	out := make([]byte, len(c.data))
	copy(out, c.data)

	return out
}

// BeginParse returns a reader positioned at the first data bit and first ref.
func (c *Cell) BeginParse() *Slice {
	return &Slice{cell: c}
}

// Slice reads bits and references from a cell sequentially.
type Slice struct {
	cell   *Cell
	bitPos int
	refPos int
}

// RemainingBits returns the number of unread data bits.
func (s *Slice) RemainingBits() int {
	return s.cell.bitLen - s.bitPos
}

// RemainingRefs returns the number of unread references.
func (s *Slice) RemainingRefs() int {
	return len(s.cell.refs) - s.refPos
}

// LoadUInt reads an unsigned big-endian integer of n bits (0..64).
func (s *Slice) LoadUInt(n int) (uint64, error) {
	if n < 0 || n > 64 {
		return 0, fmt.Errorf("%w: %d", ErrBitWidth, n)
	}

	if s.RemainingBits() < n {
		return 0, fmt.Errorf("%w: need %d, have %d", ErrNotEnoughBits, n, s.RemainingBits())
	}

	var v uint64

	for range n {
		v = v<<1 | uint64(s.bitAt(s.bitPos))
		s.bitPos++
	}

	return v, nil
}

// LoadInt reads a two's complement big-endian integer of n bits (1..64).
func (s *Slice) LoadInt(n int) (int64, error) {
	if n == 0 {
		return 0, fmt.Errorf("%w: %d", ErrBitWidth, n)
	}

	u, err := s.LoadUInt(n)
	if err != nil {
		return 0, err
	}

	if n < 64 && u&(1<<(n-1)) != 0 {
		u |= ^uint64(0) << n
	}

	return int64(u), nil
}

// LoadBool reads a single bit.
func (s *Slice) LoadBool() (bool, error) {
	v, err := s.LoadUInt(1)
	if err != nil {
		return false, err
	}

	return v == 1, nil
}

// LoadRef returns the next unread reference.
func (s *Slice) LoadRef() (*Cell, error) {
	if s.RemainingRefs() == 0 {
		return nil, ErrNotEnoughRefs
	}

	ref := s.cell.refs[s.refPos]
	s.refPos++

	return ref, nil
}

func (s *Slice) bitAt(pos int) byte {
	return (s.cell.data[pos/8] >> (7 - pos%8)) & 1
}
