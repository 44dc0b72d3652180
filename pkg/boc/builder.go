package boc

import (
	"errors"
	"fmt"
)

// Builder errors.
var (
	ErrCellOverflow = errors.New("cell overflow")
	ErrValueRange   = errors.New("value does not fit bit width")
)

// Builder assembles an ordinary cell.
type Builder struct {
	data   []byte
	bitLen int
	refs   []*Cell
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// StoreUInt appends v as an unsigned integer of n bits.
func (b *Builder) StoreUInt(v uint64, n int) error {
	if n < 0 || n > 64 {
		return fmt.Errorf("%w: %d", ErrBitWidth, n)
	}

	if n < 64 && v>>n != 0 {
		return fmt.Errorf("%w: %d in %d bits", ErrValueRange, v, n)
	}

	if b.bitLen+n > MaxBits {
		return fmt.Errorf("%w: %d bits", ErrCellOverflow, b.bitLen+n)
	}

	for i := n - 1; i >= 0; i-- {
		b.appendBit(byte(v>>i) & 1)
	}

	return nil
}

// StoreInt appends v as a two's complement integer of n bits.
func (b *Builder) StoreInt(v int64, n int) error {
	if n <= 0 || n > 64 {
		return fmt.Errorf("%w: %d", ErrBitWidth, n)
	}

	if n < 64 {
		limit := int64(1) << (n - 1)
		if v < -limit || v >= limit {
			return fmt.Errorf("%w: %d in %d bits", ErrValueRange, v, n)
		}

		return b.StoreUInt(uint64(v)&(1<<n-1), n)
	}

	return b.StoreUInt(uint64(v), n)
}

// StoreBool appends a single bit.
func (b *Builder) StoreBool(v bool) error {
	if v {
		return b.StoreUInt(1, 1)
	}

	return b.StoreUInt(0, 1)
}

// StoreBytes appends whole bytes.
func (b *Builder) StoreBytes(p []byte) error {
	for _, v := range p {
		err := b.StoreUInt(uint64(v), 8)
		if err != nil {
			return err
		}
	}

	return nil
}

// StoreRef appends a reference to c.
func (b *Builder) StoreRef(c *Cell) error {
	if len(b.refs) == MaxRefs {
		return fmt.Errorf("%w: more than %d refs", ErrCellOverflow, MaxRefs)
	}

	b.refs = append(b.refs, c)

	return nil
}

// EndCell finalizes the builder into an ordinary cell.
func (b *Builder) EndCell() *Cell {
	data := make([]byte, len(b.data))
	copy(data, b.data)

	refs := make([]*Cell, len(b.refs))
	copy(refs, b.refs)

	return &Cell{data: data, bitLen: b.bitLen, refs: refs}
}

func (b *Builder) appendBit(bit byte) {
	if b.bitLen%8 == 0 {
		b.data = append(b.data, 0)
	}

	if bit != 0 {
		b.data[b.bitLen/8] |= 1 << (7 - b.bitLen%8)
	}

	b.bitLen++
}
