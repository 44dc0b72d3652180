package exporter

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
	"github.com/Sumatoshi-tech/tonexporter/pkg/decoder"
)

// ErrNoBlocks is returned by Last when no package holds a recognized block.
var ErrNoBlocks = errors.New("no blocks found in archive")

// Last returns up to limit recognized blocks of the newest package that has
// any, highest seqno first. Records are always deserialized; one that fails
// deserialization sorts after the decoded ones. Last does not touch the
// checkpoint and may run alongside an export.
func (e *Exporter) Last(ctx context.Context, limit int) ([]decoder.Record, error) {
	if limit < 1 {
		limit = 1
	}

	cat := e.opts.Catalog
	if cat == nil {
		dirCat, err := archive.OpenDir(e.opts.DBRoot)
		if err != nil {
			return nil, fmt.Errorf("open archive catalog: %w", err)
		}

		defer dirCat.Close()

		cat = dirCat
	}

	descs, err := cat.Packages(ctx)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}

	dec := decoder.New(e.opts.Codec)

	for i := len(descs) - 1; i >= 0; i-- {
		recs, pkgErr := lastOfPackage(ctx, cat, dec, descs[i])
		if pkgErr != nil {
			return nil, pkgErr
		}

		if len(recs) == 0 {
			continue
		}

		e.opts.Logger.DebugContext(ctx, "export: last blocks", "package", descs[i].Key, "blocks", len(recs))

		sort.SliceStable(recs, func(a, b int) bool {
			return seqOf(recs[a]) > seqOf(recs[b])
		})

		if len(recs) > limit {
			recs = recs[:limit]
		}

		return recs, nil
	}

	return nil, ErrNoBlocks
}

func lastOfPackage(ctx context.Context, cat archive.Catalog, dec *decoder.Decoder, desc archive.PackageDescriptor) ([]decoder.Record, error) {
	var recs []decoder.Record

	err := cat.Entries(ctx, desc, func(entry archive.Entry) error {
		rec, decErr := dec.Decode(entry.Data, decoder.Config{Deserialize: true})
		if decErr != nil || !rec.Recognized {
			return nil
		}

		rec.ArchiveKey = desc.Key
		rec.BlockKey = entry.BlockKey
		recs = append(recs, rec)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read package %s: %w", desc.Key, err)
	}

	return recs, nil
}

// seqOf orders undecoded records below every decoded one.
func seqOf(rec decoder.Record) int64 {
	if rec.Decoded == nil {
		return -1
	}

	return int64(rec.Decoded.SeqNo())
}
