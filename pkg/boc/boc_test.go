package boc

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTree(t *testing.T) *Cell {
	t.Helper()

	leaf := NewBuilder()
	require.NoError(t, leaf.StoreUInt(0xabc, 12))

	child := leaf.EndCell()

	root := NewBuilder()
	require.NoError(t, root.StoreUInt(0x11ef55aa, 32))
	require.NoError(t, root.StoreInt(-239, 32))
	require.NoError(t, root.StoreBool(true))
	require.NoError(t, root.StoreRef(child))
	require.NoError(t, root.StoreRef(child))

	return root.EndCell()
}

func TestSerializeParse_PreservesTree(t *testing.T) {
	t.Parallel()

	for _, withCRC := range []bool{false, true} {
		data := Serialize(buildTree(t), withCRC)

		root, err := ParseRoot(data)
		require.NoError(t, err)

		assert.Equal(t, 65, root.BitLen())
		assert.Equal(t, 2, root.RefsCount())

		s := root.BeginParse()

		tag, err := s.LoadUInt(32)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x11ef55aa), tag)

		gid, err := s.LoadInt(32)
		require.NoError(t, err)
		assert.Equal(t, int64(-239), gid)

		flag, err := s.LoadBool()
		require.NoError(t, err)
		assert.True(t, flag)
		assert.Equal(t, 0, s.RemainingBits())

		ref, err := s.LoadRef()
		require.NoError(t, err)

		v, err := ref.BeginParse().LoadUInt(12)
		require.NoError(t, err)
		assert.Equal(t, uint64(0xabc), v)

		// Shared children are stored once.
		assert.Same(t, root.Ref(0), root.Ref(1))
	}
}

func TestParse_KnownEncoding(t *testing.T) {
	t.Parallel()

	// One cell holding the 32-bit value 0x11ef55aa.
	data, err := hex.DecodeString("b5ee9c7201010101000600000811ef55aa")
	require.NoError(t, err)

	root, err := ParseRoot(data)
	require.NoError(t, err)

	v, err := root.BeginParse().LoadUInt(32)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11ef55aa), v)
}

func TestParse_Errors(t *testing.T) {
	t.Parallel()

	valid := Serialize(buildTree(t), true)
	plain := Serialize(buildTree(t), false)

	corrupted := append([]byte(nil), valid...)
	corrupted[len(corrupted)-6] ^= 0xff

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{name: "empty", data: nil, want: ErrTruncated},
		{name: "bad magic", data: []byte{0xde, 0xad, 0xbe, 0xef, 0x01}, want: ErrUnknownMagic},
		{name: "truncated", data: plain[:len(plain)/2], want: ErrTruncated},
		{name: "crc mismatch", data: corrupted, want: ErrCRCMismatch},
		{name: "random bytes", data: []byte("definitely not a bag of cells"), want: ErrUnknownMagic},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := Parse(tc.data)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestSlice_NotEnoughBits(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	require.NoError(t, b.StoreUInt(1, 4))

	s := b.EndCell().BeginParse()

	_, err := s.LoadUInt(8)
	require.ErrorIs(t, err, ErrNotEnoughBits)

	_, err = s.LoadRef()
	require.ErrorIs(t, err, ErrNotEnoughRefs)
}

func TestBuilder_Limits(t *testing.T) {
	t.Parallel()

	b := NewBuilder()

	require.ErrorIs(t, b.StoreUInt(16, 4), ErrValueRange)
	require.ErrorIs(t, b.StoreInt(-9, 4), ErrValueRange)
	require.NoError(t, b.StoreInt(-8, 4))

	for range MaxRefs {
		require.NoError(t, b.StoreRef(NewBuilder().EndCell()))
	}

	require.ErrorIs(t, b.StoreRef(NewBuilder().EndCell()), ErrCellOverflow)

	full := NewBuilder()
	for range MaxBits / 8 {
		require.NoError(t, full.StoreUInt(0xff, 8))
	}

	require.ErrorIs(t, full.StoreUInt(0, 8), ErrCellOverflow)
}

func TestLoadInt_SignExtends(t *testing.T) {
	t.Parallel()

	b := NewBuilder()
	require.NoError(t, b.StoreInt(-1, 32))
	require.NoError(t, b.StoreInt(5, 8))

	s := b.EndCell().BeginParse()

	v, err := s.LoadInt(32)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)

	v, err = s.LoadInt(8)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v)
}
