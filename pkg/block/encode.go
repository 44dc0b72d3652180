package block

import (
	"fmt"

	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
)

// Encode builds the cell tree of b. Value flow, state update and extra are
// emitted as empty cells.
func Encode(b *Block) (*boc.Cell, error) {
	info, err := encodeInfo(&b.Info)
	if err != nil {
		return nil, fmt.Errorf("encode info: %w", err)
	}

	w := &fieldWriter{b: boc.NewBuilder()}
	w.u(Tag, tagBits)
	w.i(int64(b.GlobalID), tagBits)
	w.ref(info)

	for range blockRefs - 1 {
		w.ref(boc.NewBuilder().EndCell())
	}

	if w.err != nil {
		return nil, w.err
	}

	return w.b.EndCell(), nil
}

// Marshal encodes b as a serialized bag of cells.
func Marshal(b *Block) ([]byte, error) {
	root, err := Encode(b)
	if err != nil {
		return nil, err
	}

	return boc.Serialize(root, true), nil
}

func encodeInfo(info *Info) (*boc.Cell, error) {
	w := &fieldWriter{b: boc.NewBuilder()}

	w.u(InfoTag, tagBits)
	w.u(uint64(info.Version), 32)

	for _, flag := range []bool{
		info.NotMaster, info.AfterMerge, info.BeforeSplit, info.AfterSplit,
		info.WantSplit, info.WantMerge, info.KeyBlock, info.VertSeqnoIncr,
	} {
		w.flag(flag)
	}

	flags := info.Flags
	if info.GenSoftware != nil {
		flags |= 1
	} else {
		flags &^= 1
	}

	w.u(uint64(flags), 8)
	w.u(uint64(info.SeqNo), 32)
	w.u(uint64(info.VertSeqNo), 32)
	w.u(0, shardTagBits)
	w.u(uint64(info.Shard.PrefixBits), pfxBits)
	w.i(int64(info.Shard.WorkchainID), 32)
	w.u(info.Shard.Prefix, 64)
	w.u(uint64(info.GenUtime), 32)
	w.u(info.StartLt, 64)
	w.u(info.EndLt, 64)
	w.u(uint64(info.GenValidatorListHashShort), 32)
	w.u(uint64(info.GenCatchainSeqno), 32)
	w.u(uint64(info.MinRefMcSeqno), 32)
	w.u(uint64(info.PrevKeyBlockSeqno), 32)

	if info.GenSoftware != nil {
		w.u(GlobalVersionTag, 8)
		w.u(uint64(info.GenSoftware.Version), 32)
		w.u(info.GenSoftware.Capabilities, 64)
	}

	if w.err != nil {
		return nil, w.err
	}

	return w.b.EndCell(), nil
}

type fieldWriter struct {
	b   *boc.Builder
	err error
}

func (w *fieldWriter) u(v uint64, n int) {
	if w.err == nil {
		w.err = w.b.StoreUInt(v, n)
	}
}

func (w *fieldWriter) i(v int64, n int) {
	if w.err == nil {
		w.err = w.b.StoreInt(v, n)
	}
}

func (w *fieldWriter) ref(c *boc.Cell) {
	if w.err == nil {
		w.err = w.b.StoreRef(c)
	}
}

func (w *fieldWriter) flag(v bool) {
	if w.err == nil {
		w.err = w.b.StoreBool(v)
	}
}
