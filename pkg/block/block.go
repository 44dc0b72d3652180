// Package block deserializes the header of TON block records.
//
// Deserialization is shallow: the block tag, global id and the BlockInfo
// header are decoded; value flow, state update and extra are left as
// unexpanded references.
package block

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
)

// Record tags.
const (
	// Tag is the constructor tag of a block record.
	Tag uint64 = 0x11ef55aa

	// InfoTag is the constructor tag of BlockInfo.
	InfoTag uint64 = 0x9bc7a987

	// GlobalVersionTag is the 8-bit constructor tag of GlobalVersion.
	GlobalVersionTag uint64 = 0xc4

	// MasterchainID is the workchain id of the masterchain.
	MasterchainID int32 = -1
)

const (
	tagBits       = 32
	shardTagBits  = 2
	pfxBits       = 6
	maxPrefixBits = 60
	shardIDBits   = 64
	blockRefs     = 4
)

// Deserialization errors.
var (
	ErrTagMismatch   = errors.New("constructor tag mismatch")
	ErrMissingRef    = errors.New("missing reference")
	ErrShardIdent    = errors.New("invalid shard ident")
	ErrNotBlockShape = errors.New("cell is not shaped like a block")
)

// ShardIdent identifies the shard a block belongs to.
type ShardIdent struct {
	PrefixBits  uint8  `json:"shard_pfx_bits"`
	WorkchainID int32  `json:"workchain_id"`
	Prefix      uint64 `json:"shard_prefix"`
}

// ID returns the 64-bit shard id: the prefix with a terminating one bit.
func (s ShardIdent) ID() uint64 {
	return s.Prefix | 1<<(shardIDBits-1-uint64(s.PrefixBits))
}

// Hex returns the shard id as 16 lower-case hex digits.
func (s ShardIdent) Hex() string {
	return fmt.Sprintf("%016x", s.ID())
}

// GlobalVersion is the optional software version in a block header.
type GlobalVersion struct {
	Version      uint32 `json:"version"`
	Capabilities uint64 `json:"capabilities"`
}

// Info is the BlockInfo header.
type Info struct {
	Version                   uint32         `json:"version"`
	NotMaster                 bool           `json:"not_master"`
	AfterMerge                bool           `json:"after_merge"`
	BeforeSplit               bool           `json:"before_split"`
	AfterSplit                bool           `json:"after_split"`
	WantSplit                 bool           `json:"want_split"`
	WantMerge                 bool           `json:"want_merge"`
	KeyBlock                  bool           `json:"key_block"`
	VertSeqnoIncr             bool           `json:"vert_seqno_incr"`
	Flags                     uint8          `json:"flags"`
	SeqNo                     uint32         `json:"seq_no"`
	VertSeqNo                 uint32         `json:"vert_seq_no"`
	Shard                     ShardIdent     `json:"shard"`
	GenUtime                  uint32         `json:"gen_utime"`
	StartLt                   uint64         `json:"start_lt"`
	EndLt                     uint64         `json:"end_lt"`
	GenValidatorListHashShort uint32         `json:"gen_validator_list_hash_short"`
	GenCatchainSeqno          uint32         `json:"gen_catchain_seqno"`
	MinRefMcSeqno             uint32         `json:"min_ref_mc_seqno"`
	PrevKeyBlockSeqno         uint32         `json:"prev_key_block_seqno"`
	GenSoftware               *GlobalVersion `json:"gen_software,omitempty"`
}

// Block is a shallowly decoded block record.
type Block struct {
	GlobalID int32 `json:"global_id"`
	Info     Info  `json:"info"`
	// ExtraRefs counts the unexpanded references after info.
	ExtraRefs int `json:"extra_refs"`
}

// Workchain returns the workchain the block was produced in.
func (b *Block) Workchain() int32 {
	return b.Info.Shard.WorkchainID
}

// ShardHex returns the shard id as hex.
func (b *Block) ShardHex() string {
	return b.Info.Shard.Hex()
}

// SeqNo returns the block sequence number.
func (b *Block) SeqNo() uint32 {
	return b.Info.SeqNo
}

// ID returns the "(workchain,shard,seqno)" block id.
func (b *Block) ID() string {
	return "(" + strconv.Itoa(int(b.Workchain())) + "," + b.ShardHex() + "," +
		strconv.FormatUint(uint64(b.SeqNo()), 10) + ")"
}

// ReadTag returns the leading 32 bits of a cell, or false when the cell is shorter.
func ReadTag(root *boc.Cell) (uint64, bool) {
	if root.BitLen() < tagBits {
		return 0, false
	}

	tag, err := root.BeginParse().LoadUInt(tagBits)
	if err != nil {
		return 0, false
	}

	return tag, true
}

// Unmarshal decodes a block record from the root cell of its container.
func Unmarshal(root *boc.Cell) (*Block, error) {
	s := root.BeginParse()

	tag, err := s.LoadUInt(tagBits)
	if err != nil {
		return nil, fmt.Errorf("load block tag: %w", err)
	}

	if tag != Tag {
		return nil, fmt.Errorf("%w: block %08x", ErrTagMismatch, tag)
	}

	gid, err := s.LoadInt(tagBits)
	if err != nil {
		return nil, fmt.Errorf("load global id: %w", err)
	}

	if s.RemainingRefs() < blockRefs {
		return nil, fmt.Errorf("%w: %d refs", ErrNotBlockShape, s.RemainingRefs())
	}

	infoCell, err := s.LoadRef()
	if err != nil {
		return nil, fmt.Errorf("%w: info", ErrMissingRef)
	}

	info, err := unmarshalInfo(infoCell)
	if err != nil {
		return nil, fmt.Errorf("block info: %w", err)
	}

	return &Block{
		GlobalID:  int32(gid),
		Info:      info,
		ExtraRefs: s.RemainingRefs(),
	}, nil
}

// fieldReader accumulates the first error so field loads read linearly.
type fieldReader struct {
	s   *boc.Slice
	err error
}

func (r *fieldReader) u(n int) uint64 {
	if r.err != nil {
		return 0
	}

	v, err := r.s.LoadUInt(n)
	r.err = err

	return v
}

func (r *fieldReader) i(n int) int64 {
	if r.err != nil {
		return 0
	}

	v, err := r.s.LoadInt(n)
	r.err = err

	return v
}

func (r *fieldReader) flag() bool {
	return r.u(1) == 1
}

func unmarshalInfo(c *boc.Cell) (Info, error) {
	r := &fieldReader{s: c.BeginParse()}

	tag := r.u(tagBits)
	if r.err == nil && tag != InfoTag {
		return Info{}, fmt.Errorf("%w: info %08x", ErrTagMismatch, tag)
	}

	var info Info

	info.Version = uint32(r.u(32))
	info.NotMaster = r.flag()
	info.AfterMerge = r.flag()
	info.BeforeSplit = r.flag()
	info.AfterSplit = r.flag()
	info.WantSplit = r.flag()
	info.WantMerge = r.flag()
	info.KeyBlock = r.flag()
	info.VertSeqnoIncr = r.flag()
	info.Flags = uint8(r.u(8))
	info.SeqNo = uint32(r.u(32))
	info.VertSeqNo = uint32(r.u(32))

	shard, err := unmarshalShard(r)
	if err != nil {
		return Info{}, err
	}

	info.Shard = shard
	info.GenUtime = uint32(r.u(32))
	info.StartLt = r.u(64)
	info.EndLt = r.u(64)
	info.GenValidatorListHashShort = uint32(r.u(32))
	info.GenCatchainSeqno = uint32(r.u(32))
	info.MinRefMcSeqno = uint32(r.u(32))
	info.PrevKeyBlockSeqno = uint32(r.u(32))

	if info.Flags&1 != 0 {
		gvTag := r.u(8)
		if r.err == nil && gvTag != GlobalVersionTag {
			return Info{}, fmt.Errorf("%w: global version %02x", ErrTagMismatch, gvTag)
		}

		info.GenSoftware = &GlobalVersion{
			Version:      uint32(r.u(32)),
			Capabilities: r.u(64),
		}
	}

	if r.err != nil {
		return Info{}, r.err
	}

	return info, nil
}

func unmarshalShard(r *fieldReader) (ShardIdent, error) {
	tag := r.u(shardTagBits)
	bits := r.u(pfxBits)
	wc := r.i(32)
	prefix := r.u(64)

	if r.err != nil {
		return ShardIdent{}, r.err
	}

	if tag != 0 || bits > maxPrefixBits {
		return ShardIdent{}, fmt.Errorf("%w: tag %d prefix bits %d", ErrShardIdent, tag, bits)
	}

	return ShardIdent{PrefixBits: uint8(bits), WorkchainID: int32(wc), Prefix: prefix}, nil
}
