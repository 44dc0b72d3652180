package block

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
)

func sampleBlock() *Block {
	return &Block{
		GlobalID: -239,
		Info: Info{
			Version:   0,
			NotMaster: true,
			KeyBlock:  false,
			SeqNo:     42_000_123,
			Shard: ShardIdent{
				PrefixBits:  2,
				WorkchainID: 0,
				Prefix:      0x4000000000000000,
			},
			GenUtime:          1_700_000_000,
			StartLt:           41_000_000_000_001,
			EndLt:             41_000_000_000_009,
			MinRefMcSeqno:     36_000_000,
			PrevKeyBlockSeqno: 35_999_000,
			GenSoftware:       &GlobalVersion{Version: 9, Capabilities: 0x7ee},
		},
	}
}

func TestUnmarshal_DecodesEncodedBlock(t *testing.T) {
	t.Parallel()

	want := sampleBlock()

	data, err := Marshal(want)
	require.NoError(t, err)

	root, err := boc.ParseRoot(data)
	require.NoError(t, err)

	got, err := Unmarshal(root)
	require.NoError(t, err)

	want.Info.Flags = 1
	want.ExtraRefs = 3

	assert.Equal(t, want, got)
	assert.Equal(t, int32(0), got.Workchain())
	assert.Equal(t, "6000000000000000", got.ShardHex())
	assert.Equal(t, uint32(42_000_123), got.SeqNo())
	assert.Equal(t, "(0,6000000000000000,42000123)", got.ID())
}

func TestShardIdent_Hex(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		shard ShardIdent
		want  string
	}{
		{name: "masterchain", shard: ShardIdent{WorkchainID: MasterchainID}, want: "8000000000000000"},
		{name: "left half", shard: ShardIdent{PrefixBits: 1}, want: "4000000000000000"},
		{name: "right half", shard: ShardIdent{PrefixBits: 1, Prefix: 0x8000000000000000}, want: "c000000000000000"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tc.want, tc.shard.Hex())
		})
	}
}

func TestReadTag(t *testing.T) {
	t.Parallel()

	b := boc.NewBuilder()
	require.NoError(t, b.StoreUInt(0xdeadbeef, 32))

	tag, ok := ReadTag(b.EndCell())
	assert.True(t, ok)
	assert.Equal(t, uint64(0xdeadbeef), tag)

	short := boc.NewBuilder()
	require.NoError(t, short.StoreUInt(1, 8))

	_, ok = ReadTag(short.EndCell())
	assert.False(t, ok)
}

func TestUnmarshal_Errors(t *testing.T) {
	t.Parallel()

	wrongTag := boc.NewBuilder()
	require.NoError(t, wrongTag.StoreUInt(0xcafebabe, 32))

	_, err := Unmarshal(wrongTag.EndCell())
	require.ErrorIs(t, err, ErrTagMismatch)

	noRefs := boc.NewBuilder()
	require.NoError(t, noRefs.StoreUInt(Tag, 32))
	require.NoError(t, noRefs.StoreInt(-239, 32))

	_, err = Unmarshal(noRefs.EndCell())
	require.ErrorIs(t, err, ErrNotBlockShape)

	badInfo := boc.NewBuilder()
	require.NoError(t, badInfo.StoreUInt(Tag, 32))
	require.NoError(t, badInfo.StoreInt(-239, 32))

	for range 4 {
		require.NoError(t, badInfo.StoreRef(boc.NewBuilder().EndCell()))
	}

	_, err = Unmarshal(badInfo.EndCell())
	require.ErrorIs(t, err, boc.ErrNotEnoughBits)
}

func TestBlock_JSON(t *testing.T) {
	t.Parallel()

	raw, err := json.Marshal(sampleBlock())
	require.NoError(t, err)

	var fields map[string]any

	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.InDelta(t, -239, fields["global_id"], 0)

	info, ok := fields["info"].(map[string]any)
	require.True(t, ok)
	assert.InDelta(t, 42_000_123, info["seq_no"], 0)
	assert.Contains(t, info, "gen_software")
}
