package decoder_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tonexporter/internal/fixture"
	"github.com/Sumatoshi-tech/tonexporter/pkg/block"
	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
)

func TestDecode_Classification(t *testing.T) {
	t.Parallel()

	d := decoder.New(nil)

	rec, err := d.Decode(fixture.BlockBytes(t, 7), decoder.Config{})
	require.NoError(t, err)
	assert.True(t, rec.Recognized)
	assert.Equal(t, block.Tag, rec.Tag)
	assert.Nil(t, rec.Decoded)

	rec, err = d.Decode(fixture.ForeignBytes(t, 1), decoder.Config{Deserialize: true})
	require.NoError(t, err)
	assert.False(t, rec.Recognized)
	assert.Nil(t, rec.Decoded)

	_, err = d.Decode(fixture.MalformedBytes(1), decoder.Config{})
	require.ErrorIs(t, err, decoder.ErrMalformed)

	stats := d.Stats()
	assert.Equal(t, int64(1), stats.Parsed)
	assert.Equal(t, int64(1), stats.NonRecords)
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(3), stats.Total())
	assert.InDelta(t, 66.66, stats.SuccessRate(), 0.01)
	assert.InDelta(t, 33.33, stats.ErrorRate(), 0.01)
}

func TestDecode_Deserialize(t *testing.T) {
	t.Parallel()

	d := decoder.New(nil)

	rec, err := d.Decode(fixture.BlockBytes(t, 11), decoder.Config{Deserialize: true})
	require.NoError(t, err)
	require.NotNil(t, rec.Decoded)
	assert.Equal(t, uint32(11), rec.Decoded.SeqNo())
	assert.Equal(t, "8000000000000000", rec.Decoded.ShardHex())
	assert.NoError(t, rec.DeserializeErr)
}

func TestDecode_DeserializeFailureStaysRecognized(t *testing.T) {
	t.Parallel()

	// Carries the block tag but none of the block structure.
	b := boc.NewBuilder()
	require.NoError(t, b.StoreUInt(block.Tag, 32))

	raw := boc.Serialize(b.EndCell(), false)

	d := decoder.New(nil)

	rec, err := d.Decode(raw, decoder.Config{Deserialize: true})
	require.NoError(t, err)
	assert.True(t, rec.Recognized)
	assert.Nil(t, rec.Decoded)
	require.Error(t, rec.DeserializeErr)
	assert.Equal(t, int64(1), d.Stats().DeserializeErrors)
}

type failingCodec struct {
	decoder.TONCodec
}

func (failingCodec) Record(*boc.Cell) (*block.Block, error) {
	return nil, errors.New("boom")
}

func TestDecode_CustomCodec(t *testing.T) {
	t.Parallel()

	d := decoder.New(failingCodec{})

	rec, err := d.Decode(fixture.BlockBytes(t, 1), decoder.Config{Deserialize: true})
	require.NoError(t, err)
	assert.True(t, rec.Recognized)
	assert.EqualError(t, rec.DeserializeErr, "boom")
}

func TestDecodeBatch_PreservesOrder(t *testing.T) {
	t.Parallel()

	raws := make([][]byte, 0, 20)
	for i := range 20 {
		if i%5 == 0 {
			raws = append(raws, fixture.MalformedBytes(i))

			continue
		}

		raws = append(raws, fixture.BlockBytes(t, i))
	}

	d := decoder.New(nil)

	results, err := d.DecodeBatch(context.Background(), raws, decoder.Config{Deserialize: true}, 4)
	require.NoError(t, err)
	require.Len(t, results, 20)

	for i, res := range results {
		assert.Equal(t, i, res.Index)

		if i%5 == 0 {
			require.ErrorIs(t, res.Err, decoder.ErrMalformed)

			continue
		}

		require.NoError(t, res.Err)
		assert.Equal(t, uint32(i), res.Record.Decoded.SeqNo())
	}
}

func TestDecodeStream(t *testing.T) {
	t.Parallel()

	raws := make([][]byte, 10)
	for i := range raws {
		raws[i] = fixture.BlockBytes(t, i+1)
	}

	in := make(chan []byte)

	go func() {
		defer close(in)

		for _, raw := range raws {
			in <- raw
		}
	}()

	d := decoder.New(nil)
	seen := make(map[int]bool)

	for res := range d.DecodeStream(context.Background(), in, decoder.Config{}, 3) {
		require.NoError(t, res.Err)
		assert.True(t, res.Record.Recognized)

		seen[res.Index] = true
	}

	assert.Len(t, seen, 10)
}

func TestDecodeBatch_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := decoder.New(nil)

	_, err := d.DecodeBatch(ctx, [][]byte{fixture.BlockBytes(t, 1)}, decoder.Config{}, 2)
	require.ErrorIs(t, err, context.Canceled)
}
