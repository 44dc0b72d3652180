package exporter

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
)

// FormatLine renders a recognized record as one output line: lower-case
// hex of the raw bytes, or "{workchain},{shardHex},{seqno},{json}" when
// deserialize is set.
func FormatLine(rec decoder.Record, deserialize bool) (string, error) {
	if !deserialize {
		return hex.EncodeToString(rec.Raw), nil
	}

	b := rec.Decoded
	if b == nil {
		return "", fmt.Errorf("%w: %s: not deserialized", errUnformattableRecord, rec.BlockKey)
	}

	data, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", errUnformattableRecord, rec.BlockKey, err)
	}

	return fmt.Sprintf("%d,%s,%d,%s", b.Workchain(), b.ShardHex(), b.SeqNo(), data), nil
}

// sink receives the recognized records of a run.
type sink interface {
	emit(ctx context.Context, rec decoder.Record) error
	packageDone()
	close() error
	stats() output.Stats
}

type lineSink struct {
	w           output.Writer
	deserialize bool
}

func (s lineSink) emit(ctx context.Context, rec decoder.Record) error {
	line, err := FormatLine(rec, s.deserialize)
	if err != nil {
		return err
	}

	return s.w.WriteLine(ctx, line)
}

func (s lineSink) packageDone() { s.w.OnPackageComplete() }

func (s lineSink) close() error { return s.w.Close() }

func (s lineSink) stats() output.Stats { return s.w.Stats() }

// objectSink hands records to a Sequence consumer one at a time.
type objectSink struct {
	records chan<- decoder.Record
	closed  <-chan struct{}
}

func (s objectSink) emit(ctx context.Context, rec decoder.Record) error {
	select {
	case s.records <- rec:
		return nil
	case <-s.closed:
		return errSequenceClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (objectSink) packageDone() {}

func (objectSink) close() error { return nil }

func (objectSink) stats() output.Stats { return output.Stats{} }
