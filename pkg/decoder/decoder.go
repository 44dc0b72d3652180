// Package decoder classifies and deserializes raw archive entries.
//
// Decoding runs in three phases: container decode (bag of cells), tag check
// against the block tag, and optional block deserialization. Decode is safe
// for concurrent use; the only shared state is the atomic phase statistics.
package decoder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Sumatoshi-tech/tonexporter/pkg/block"
	"github.com/Sumatoshi-tech/tonexporter/pkg/boc"
)

// ErrMalformed wraps container decode failures.
var ErrMalformed = errors.New("malformed container")

// Codec is the protocol codec used by the decoder.
type Codec interface {
	// Container decodes raw bytes into the root cell.
	Container(raw []byte) (*boc.Cell, error)

	// Tag returns the leading 32-bit tag of a root cell.
	Tag(root *boc.Cell) (uint64, bool)

	// Record fully deserializes a recognized root cell.
	Record(root *boc.Cell) (*block.Block, error)
}

// TONCodec decodes TON bag-of-cells block containers.
type TONCodec struct{}

// Container implements Codec.
func (TONCodec) Container(raw []byte) (*boc.Cell, error) {
	return boc.ParseRoot(raw)
}

// Tag implements Codec.
func (TONCodec) Tag(root *boc.Cell) (uint64, bool) {
	return block.ReadTag(root)
}

// Record implements Codec.
func (TONCodec) Record(root *boc.Cell) (*block.Block, error) {
	return block.Unmarshal(root)
}

// Config controls decoding.
type Config struct {
	// Deserialize fully decodes recognized records. When false only the tag is checked.
	Deserialize bool

	// ExpectedTag is the tag that marks a recognized record. Zero means block.Tag.
	ExpectedTag uint64
}

// Record is the outcome of decoding one entry.
type Record struct {
	ArchiveKey string
	BlockKey   string
	Raw        []byte

	// Decoded is set only when deserialization was requested and succeeded.
	Decoded *block.Block

	// DeserializeErr holds the phase-three failure of a recognized record.
	DeserializeErr error

	Recognized bool
	Tag        uint64
}

// Decoder decodes entries with a Codec and records phase statistics.
type Decoder struct {
	codec Codec
	stats stats
}

// New creates a decoder. A nil codec selects TONCodec.
func New(codec Codec) *Decoder {
	if codec == nil {
		codec = TONCodec{}
	}

	return &Decoder{codec: codec}
}

// Decode classifies raw and, when requested, deserializes it. A container
// decode failure is returned as an error wrapping ErrMalformed. A
// deserialization failure keeps the record recognized with Decoded nil.
func (d *Decoder) Decode(raw []byte, cfg Config) (Record, error) {
	expected := cfg.ExpectedTag
	if expected == 0 {
		expected = block.Tag
	}

	start := time.Now()
	root, err := d.codec.Container(raw)
	d.stats.containerNanos.Add(int64(time.Since(start)))

	if err != nil {
		d.stats.errors.Add(1)

		return Record{Raw: raw}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	rec := Record{Raw: raw}

	tag, ok := d.codec.Tag(root)
	rec.Tag = tag
	rec.Recognized = ok && tag == expected

	if !rec.Recognized {
		d.stats.nonRecords.Add(1)

		return rec, nil
	}

	d.stats.parsed.Add(1)

	if !cfg.Deserialize {
		return rec, nil
	}

	start = time.Now()
	decoded, deserErr := d.codec.Record(root)
	d.stats.deserializeNanos.Add(int64(time.Since(start)))

	if deserErr != nil {
		d.stats.deserializeErrors.Add(1)
		rec.DeserializeErr = deserErr

		return rec, nil
	}

	rec.Decoded = decoded

	return rec, nil
}

// Result pairs a batch or stream record with its decode error.
type Result struct {
	Index  int
	Record Record
	Err    error
}

// DecodeBatch decodes every entry of raws using up to workers goroutines.
// Results are returned in input order.
func (d *Decoder) DecodeBatch(ctx context.Context, raws [][]byte, cfg Config, workers int) ([]Result, error) {
	in := make(chan indexed)
	results := make([]Result, len(raws))

	go func() {
		defer close(in)

		for i, raw := range raws {
			select {
			case in <- indexed{index: i, raw: raw}:
			case <-ctx.Done():
				return
			}
		}
	}()

	for res := range d.run(ctx, in, cfg, workers) {
		results[res.Index] = res
	}

	ctxErr := ctx.Err()
	if ctxErr != nil {
		return nil, fmt.Errorf("decode batch: %w", ctxErr)
	}

	return results, nil
}

// DecodeStream decodes raws as they arrive. The returned channel is closed
// after raws is closed and drained, or when ctx is done. Output order is
// not guaranteed; Result.Index is the arrival position.
func (d *Decoder) DecodeStream(ctx context.Context, raws <-chan []byte, cfg Config, workers int) <-chan Result {
	in := make(chan indexed)

	go func() {
		defer close(in)

		i := 0

		for {
			select {
			case raw, ok := <-raws:
				if !ok {
					return
				}

				select {
				case in <- indexed{index: i, raw: raw}:
				case <-ctx.Done():
					return
				}

				i++
			case <-ctx.Done():
				return
			}
		}
	}()

	return d.run(ctx, in, cfg, workers)
}

type indexed struct {
	index int
	raw   []byte
}

func (d *Decoder) run(ctx context.Context, in <-chan indexed, cfg Config, workers int) <-chan Result {
	out := make(chan Result)

	var g errgroup.Group

	for range max(workers, 1) {
		g.Go(func() error {
			for item := range in {
				rec, err := d.Decode(item.raw, cfg)

				select {
				case out <- Result{Index: item.index, Record: rec, Err: err}:
				case <-ctx.Done():
					return ctx.Err()
				}
			}

			return nil
		})
	}

	go func() {
		_ = g.Wait()

		close(out)
	}()

	return out
}
