package exporter

import (
	"context"
	"fmt"

	"github.com/Sumatoshi-tech/tonexporter/pkg/checkpoint"
	"github.com/Sumatoshi-tech/tonexporter/pkg/output"
)

// ExportToFile writes one line per recognized record to path and the hex
// of undecodable entries to errors.txt next to it. A compatible unfinished
// checkpoint for the same path is resumed and the file is appended to;
// otherwise the file is truncated.
func (e *Exporter) ExportToFile(ctx context.Context, path string, deserialize bool, parallelism int) (Summary, error) {
	target, err := absTarget(path)
	if err != nil {
		return Summary{}, err
	}

	r, err := e.begin(ctx, checkpoint.KindFile, target, deserialize, parallelism)
	if err != nil {
		return Summary{}, err
	}

	w, err := r.openFileWriter()
	if err != nil {
		r.abort()

		return Summary{}, err
	}

	errFile, err := output.OpenErrorFile(output.ErrorFilePath(target))
	if err != nil {
		_ = w.Close()
		r.abort()

		return Summary{}, fmt.Errorf("open error file: %w", err)
	}

	r.sink = lineSink{w: w, deserialize: deserialize}
	r.errFile = errFile

	return r.execute(ctx), nil
}

// ExportToStdout writes one line per recognized record to standard output.
// Logging is suppressed for the duration of the run.
func (e *Exporter) ExportToStdout(ctx context.Context, deserialize bool, parallelism int) (Summary, error) {
	r, err := e.begin(ctx, checkpoint.KindStdout, "", deserialize, parallelism)
	if err != nil {
		return Summary{}, err
	}

	cfg := r.opts.Async
	cfg.Logger = r.logger
	cfg.Append = true
	cfg.Compression = output.CompressionNone

	w := output.NewStdoutWriter(cfg)
	if r.opts.Stdout != nil {
		w = output.NewAsyncWriter(r.opts.Stdout, nil, cfg)
	}

	r.sink = lineSink{w: w, deserialize: deserialize}

	return r.execute(ctx), nil
}

func (r *run) openFileWriter() (output.Writer, error) {
	if r.opts.Writer == WriterSharded {
		cfg := r.opts.Sharded
		cfg.Logger = r.logger
		cfg.Append = r.resumed

		w, err := output.OpenSharded(r.target, cfg)
		if err != nil {
			return nil, fmt.Errorf("open sharded output: %w", err)
		}

		return w, nil
	}

	cfg := r.opts.Async
	cfg.Logger = r.logger
	cfg.Append = r.resumed

	w, err := output.OpenFile(r.target, cfg)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}

	return w, nil
}
