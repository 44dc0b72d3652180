package boc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math/bits"
)

// Serialization magics.
const (
	MagicGeneric    uint32 = 0xb5ee9c72
	MagicIndexed    uint32 = 0x68ff65f3
	MagicIndexedCRC uint32 = 0xacc3a728
)

const (
	flagHasIndex  = 0x80
	flagHasCRC32C = 0x40
	sizeMask      = 0x07

	descRefsMask    = 0x07
	descExotic      = 0x08
	descWithHashes  = 0x10
	descLevelShift  = 5
	hashBytes       = 32
	depthBytes      = 2
	crcBytes        = 4
	maxSizeBytes    = 4
	maxOffsetBytes  = 8
	absentCellRefs  = 7
	headerMagicSize = 4
)

// Parse errors.
var (
	ErrUnknownMagic  = errors.New("unknown bag-of-cells magic")
	ErrTruncated     = errors.New("bag-of-cells truncated")
	ErrCRCMismatch   = errors.New("bag-of-cells crc32c mismatch")
	ErrInvalidHeader = errors.New("invalid bag-of-cells header")
	ErrInvalidCell   = errors.New("invalid cell")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type reader struct {
	buf []byte
	pos int
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.pos+n > len(r.buf) {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrTruncated, n, r.pos)
	}

	out := r.buf[r.pos : r.pos+n]
	r.pos += n

	return out, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}

	return b[0], nil
}

func (r *reader) uint(n int) (uint64, error) {
	b, err := r.bytes(n)
	if err != nil {
		return 0, err
	}

	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}

	return v, nil
}

type header struct {
	hasIndex   bool
	hasCRC     bool
	sizeBytes  int
	offBytes   int
	cells      int
	roots      int
	totalSize  int
	rootIndexes []int
}

// Parse decodes a serialized bag of cells and returns its root cells.
func Parse(data []byte) ([]*Cell, error) {
	r := &reader{buf: data}

	h, err := parseHeader(r)
	if err != nil {
		return nil, err
	}

	if h.hasCRC {
		if len(data) < crcBytes {
			return nil, ErrTruncated
		}

		body := data[:len(data)-crcBytes]
		want := binary.LittleEndian.Uint32(data[len(data)-crcBytes:])

		if crc32.Checksum(body, castagnoli) != want {
			return nil, ErrCRCMismatch
		}
	}

	if h.hasIndex {
		_, skipErr := r.bytes(h.cells * h.offBytes)
		if skipErr != nil {
			return nil, skipErr
		}
	}

	cellData, err := r.bytes(h.totalSize)
	if err != nil {
		return nil, err
	}

	cells, err := parseCells(cellData, h)
	if err != nil {
		return nil, err
	}

	roots := make([]*Cell, 0, len(h.rootIndexes))
	for _, idx := range h.rootIndexes {
		roots = append(roots, cells[idx])
	}

	return roots, nil
}

// ParseRoot decodes a bag of cells that must have at least one root and
// returns the first one.
func ParseRoot(data []byte) (*Cell, error) {
	roots, err := Parse(data)
	if err != nil {
		return nil, err
	}

	if len(roots) == 0 {
		return nil, fmt.Errorf("%w: no roots", ErrInvalidHeader)
	}

	return roots[0], nil
}

func parseHeader(r *reader) (header, error) {
	var h header

	magic, err := r.uint(headerMagicSize)
	if err != nil {
		return h, err
	}

	flags, err := r.u8()
	if err != nil {
		return h, err
	}

	switch uint32(magic) {
	case MagicGeneric:
		h.hasIndex = flags&flagHasIndex != 0
		h.hasCRC = flags&flagHasCRC32C != 0
		h.sizeBytes = int(flags & sizeMask)
	case MagicIndexed:
		h.hasIndex = true
		h.sizeBytes = int(flags)
	case MagicIndexedCRC:
		h.hasIndex = true
		h.hasCRC = true
		h.sizeBytes = int(flags)
	default:
		return h, fmt.Errorf("%w: %08x", ErrUnknownMagic, magic)
	}

	if h.sizeBytes == 0 || h.sizeBytes > maxSizeBytes {
		return h, fmt.Errorf("%w: size %d", ErrInvalidHeader, h.sizeBytes)
	}

	off, err := r.u8()
	if err != nil {
		return h, err
	}

	h.offBytes = int(off)
	if h.offBytes == 0 || h.offBytes > maxOffsetBytes {
		return h, fmt.Errorf("%w: offset size %d", ErrInvalidHeader, h.offBytes)
	}

	cells, err := r.uint(h.sizeBytes)
	if err != nil {
		return h, err
	}

	roots, err := r.uint(h.sizeBytes)
	if err != nil {
		return h, err
	}

	absent, err := r.uint(h.sizeBytes)
	if err != nil {
		return h, err
	}

	total, err := r.uint(h.offBytes)
	if err != nil {
		return h, err
	}

	if roots > cells || absent > cells || cells == 0 {
		return h, fmt.Errorf("%w: cells=%d roots=%d absent=%d size=%d", ErrInvalidHeader, cells, roots, absent, total)
	}

	h.cells = int(cells)
	h.roots = int(roots)
	h.totalSize = int(total)

	if total > uint64(len(r.buf)) {
		return h, fmt.Errorf("%w: cell data size %d exceeds %d bytes", ErrTruncated, total, len(r.buf))
	}

	if cells*2 > total {
		return h, fmt.Errorf("%w: %d cells in %d bytes", ErrInvalidHeader, cells, total)
	}

	if uint32(magic) != MagicGeneric {
		h.rootIndexes = []int{0}

		return h, nil
	}

	h.rootIndexes = make([]int, 0, h.roots)

	for range h.roots {
		idx, idxErr := r.uint(h.sizeBytes)
		if idxErr != nil {
			return h, idxErr
		}

		if idx >= cells {
			return h, fmt.Errorf("%w: root index %d of %d", ErrInvalidHeader, idx, cells)
		}

		h.rootIndexes = append(h.rootIndexes, int(idx))
	}

	return h, nil
}

type rawCell struct {
	cell *Cell
	refs []int
}

func parseCells(data []byte, h header) ([]*Cell, error) {
	r := &reader{buf: data}
	raws := make([]rawCell, h.cells)

	for i := range h.cells {
		raw, err := parseCell(r, h.sizeBytes)
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", i, err)
		}

		for _, ref := range raw.refs {
			if ref <= i || ref >= h.cells {
				return nil, fmt.Errorf("%w: cell %d refers to %d", ErrInvalidCell, i, ref)
			}
		}

		raws[i] = raw
	}

	cells := make([]*Cell, h.cells)

	// References only point forward, so resolving from the tail is enough.
	for i := h.cells - 1; i >= 0; i-- {
		c := raws[i].cell
		c.refs = make([]*Cell, len(raws[i].refs))

		for j, ref := range raws[i].refs {
			c.refs[j] = cells[ref]
		}

		cells[i] = c
	}

	return cells, nil
}

func parseCell(r *reader, sizeBytes int) (rawCell, error) {
	d1, err := r.u8()
	if err != nil {
		return rawCell{}, err
	}

	d2, err := r.u8()
	if err != nil {
		return rawCell{}, err
	}

	refCount := int(d1 & descRefsMask)
	if refCount == absentCellRefs || refCount > MaxRefs {
		return rawCell{}, fmt.Errorf("%w: %d refs", ErrInvalidCell, refCount)
	}

	levelMask := d1 >> descLevelShift

	if d1&descWithHashes != 0 {
		hashes := bits.OnesCount8(levelMask) + 1

		_, skipErr := r.bytes(hashes * (hashBytes + depthBytes))
		if skipErr != nil {
			return rawCell{}, skipErr
		}
	}

	dataLen := (int(d2) + 1) / 2

	payload, err := r.bytes(dataLen)
	if err != nil {
		return rawCell{}, err
	}

	data := make([]byte, dataLen)
	copy(data, payload)

	bitLen := dataLen * 8

	if d2%2 == 1 {
		last := data[dataLen-1]
		if last == 0 {
			return rawCell{}, fmt.Errorf("%w: missing completion tag", ErrInvalidCell)
		}

		pad := bits.TrailingZeros8(last) + 1
		bitLen -= pad
		data[dataLen-1] &^= byte(1<<pad - 1)
	}

	refs := make([]int, refCount)

	for i := range refCount {
		idx, idxErr := r.uint(sizeBytes)
		if idxErr != nil {
			return rawCell{}, idxErr
		}

		refs[i] = int(idx)
	}

	return rawCell{
		cell: &Cell{
			data:      data,
			bitLen:    bitLen,
			exotic:    d1&descExotic != 0,
			levelMask: levelMask,
		},
		refs: refs,
	}, nil
}

// Serialize encodes the DAG rooted at root as a generic bag of cells with a
// single root and no index.
func Serialize(root *Cell, withCRC bool) []byte {
	order := topoOrder(root)

	index := make(map[*Cell]int, len(order))
	for i, c := range order {
		index[c] = i
	}

	sizeBytes := bytesFor(uint64(len(order)))

	var cellData []byte
	for _, c := range order {
		cellData = appendCell(cellData, c, index, sizeBytes)
	}

	offBytes := bytesFor(uint64(len(cellData)))

	out := binary.BigEndian.AppendUint32(nil, MagicGeneric)

	flags := byte(sizeBytes)
	if withCRC {
		flags |= flagHasCRC32C
	}

	out = append(out, flags, byte(offBytes))
	out = appendUint(out, uint64(len(order)), sizeBytes)
	out = appendUint(out, 1, sizeBytes)
	out = appendUint(out, 0, sizeBytes)
	out = appendUint(out, uint64(len(cellData)), offBytes)
	out = appendUint(out, 0, sizeBytes)
	out = append(out, cellData...)

	if withCRC {
		out = binary.LittleEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
	}

	return out
}

// topoOrder returns the cells reachable from root with every parent placed
// before its children.
func topoOrder(root *Cell) []*Cell {
	visited := make(map[*Cell]bool)

	var post []*Cell

	var visit func(c *Cell)
	visit = func(c *Cell) {
		if visited[c] {
			return
		}

		visited[c] = true

		for _, ref := range c.refs {
			visit(ref)
		}

		post = append(post, c)
	}

	visit(root)

	for i, j := 0, len(post)-1; i < j; i, j = i+1, j-1 {
		post[i], post[j] = post[j], post[i]
	}

	return post
}

func appendCell(out []byte, c *Cell, index map[*Cell]int, sizeBytes int) []byte {
	d1 := byte(len(c.refs)) | c.levelMask<<descLevelShift
	if c.exotic {
		d1 |= descExotic
	}

	full := c.bitLen / 8
	d2 := byte(full + (c.bitLen+7)/8)

	out = append(out, d1, d2)

	data := make([]byte, (c.bitLen+7)/8)
	copy(data, c.data)

	if rem := c.bitLen % 8; rem != 0 {
		data[len(data)-1] |= 1 << (7 - rem)
	}

	out = append(out, data...)

	for _, ref := range c.refs {
		out = appendUint(out, uint64(index[ref]), sizeBytes)
	}

	return out
}

func appendUint(out []byte, v uint64, n int) []byte {
	for i := n - 1; i >= 0; i-- {
		out = append(out, byte(v>>(8*i)))
	}

	return out
}

func bytesFor(v uint64) int {
	n := 1
	for v >= 1<<(8*n) && n < maxOffsetBytes {
		n++
	}

	return n
}
