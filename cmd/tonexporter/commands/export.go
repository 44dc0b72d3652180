package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tonexporter/pkg/block"
	"github.com/Sumatoshi-tech/tonexporter/pkg/config"
	"github.com/Sumatoshi-tech/tonexporter/pkg/exporter"
)

// exportFlags are shared by every export subcommand.
type exportFlags struct {
	db          string
	writer      string
	statusDir   string
	parallelism int
	deserialize bool
	sharedQueue bool
}

func (f *exportFlags) register(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.StringVar(&f.db, "db", "", "node database root (overrides archive.root)")
	flags.BoolVar(&f.deserialize, "deserialize", false, "emit parsed block lines instead of hex")
	flags.IntVar(&f.parallelism, "parallelism", 0, "packages processed concurrently (0 = export.parallelism)")
	flags.StringVar(&f.writer, "writer", "", "output writer: single or sharded")
	flags.StringVar(&f.statusDir, "status-dir", "", "directory holding status.json and errors.txt")
	flags.BoolVar(&f.sharedQueue, "shared-queue", false, "decode all packages from one shared queue")
}

func (f *exportFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()

	if f.db != "" {
		cfg.Archive.Root = f.db
	}

	if flags.Changed("deserialize") {
		cfg.Export.Deserialize = f.deserialize
	}

	if f.parallelism != 0 {
		cfg.Export.Parallelism = f.parallelism
	}

	if f.writer != "" {
		cfg.Writer.Kind = f.writer
	}

	if f.statusDir != "" {
		cfg.Export.StatusDir = f.statusDir
	}

	if flags.Changed("shared-queue") {
		cfg.Export.PackageQueue = f.sharedQueue
	}

	return cfg.Validate()
}

// NewExportCommand creates the export command group.
func NewExportCommand(app *App) *cobra.Command {
	flags := &exportFlags{}

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export archive blocks",
		Long:  "Export every block in the node's archive packages. Interrupted runs resume from status.json.",
	}

	flags.register(cmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "file <path>",
		Short: "Write one line per block to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(cmd, app, flags, func(ctx context.Context, exp *exporter.Exporter, cfg *config.Config) (exporter.Summary, error) {
				return exp.ExportToFile(ctx, args[0], cfg.Export.Deserialize, cfg.Export.Parallelism)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "stdout",
		Short: "Write one line per block to stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, app, flags, func(ctx context.Context, exp *exporter.Exporter, cfg *config.Config) (exporter.Summary, error) {
				return exp.ExportToStdout(ctx, cfg.Export.Deserialize, cfg.Export.Parallelism)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Stream blocks in-process and print counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExport(cmd, app, flags, func(ctx context.Context, exp *exporter.Exporter, cfg *config.Config) (exporter.Summary, error) {
				return countObjects(ctx, exp, cfg, cmd.OutOrStdout())
			})
		},
	})

	return cmd
}

type exportFunc func(ctx context.Context, exp *exporter.Exporter, cfg *config.Config) (exporter.Summary, error)

func runExport(cmd *cobra.Command, app *App, flags *exportFlags, run exportFunc) error {
	cfg, err := app.loadConfig(cmd)
	if err != nil {
		return err
	}

	applyErr := flags.apply(cmd, cfg)
	if applyErr != nil {
		return fmt.Errorf("export flags: %w", applyErr)
	}

	rt, err := app.start(cfg)
	if err != nil {
		return err
	}

	opts, err := cfg.ExporterOptions(rt.logger, rt.metrics)
	if err != nil {
		return errors.Join(err, rt.close())
	}

	opts.Stdout = cmd.OutOrStdout()

	exp, err := exporter.New(opts)
	if err != nil {
		return errors.Join(err, rt.close())
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	summary, runErr := run(ctx, exp, cfg)

	waitErr := exp.WaitForThreadsToFinish()
	if waitErr != nil {
		rt.logger.Warn("export: shutdown incomplete", "error", waitErr)
	}

	closeErr := rt.close()
	if closeErr != nil {
		rt.logger.Warn("telemetry: shutdown failed", "error", closeErr)
	}

	if runErr != nil {
		return runErr
	}

	if !app.Quiet {
		renderSummary(cmd.ErrOrStderr(), summary)
	}

	return nil
}

// countObjects drains an in-process export and prints per-kind counts.
func countObjects(ctx context.Context, exp *exporter.Exporter, cfg *config.Config, w io.Writer) (exporter.Summary, error) {
	seq, err := exp.ExportToObjects(ctx, cfg.Export.Deserialize, cfg.Export.Parallelism)
	if err != nil {
		return exporter.Summary{}, err
	}

	var blocks, workchain, masterchain int64

	for rec, recErr := range seq.All() {
		if recErr != nil {
			return seq.Summary(), recErr
		}

		blocks++

		if rec.Decoded == nil {
			continue
		}

		if rec.Decoded.Workchain() == block.MasterchainID {
			masterchain++
		} else {
			workchain++
		}
	}

	<-seq.Done()

	fmt.Fprintf(w, "blocks: %s\n", humanize.Comma(blocks))

	if cfg.Export.Deserialize {
		fmt.Fprintf(w, "masterchain: %s\nworkchain: %s\n", humanize.Comma(masterchain), humanize.Comma(workchain))
	}

	return seq.Summary(), nil
}

func renderSummary(w io.Writer, s exporter.Summary) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRows([]table.Row{
		{"Packages", fmt.Sprintf("%s / %s", humanize.Comma(int64(s.ProcessedPackages)), humanize.Comma(int64(s.TotalPackages)))},
		{"Parsed", humanize.Comma(s.Parsed)},
		{"Non-blocks", humanize.Comma(s.NonRecords)},
		{"Errors", humanize.Comma(s.Errors)},
		{"Duration", s.Duration.Round(1e6).String()},
		{"Output", humanize.IBytes(uint64(max(s.Writer.Bytes, 0)))},
	})
	tbl.Render()

	switch {
	case s.Completed:
		color.New(color.FgGreen).Fprintln(w, "export completed")
	case s.Interrupted:
		color.New(color.FgYellow).Fprintln(w, "export interrupted; rerun the same command to resume")
	default:
		color.New(color.FgYellow).Fprintln(w, "export incomplete; status.json kept for resume")
	}
}
