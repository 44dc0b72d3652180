package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/tonexporter/pkg/checkpoint"
)

// Status output formats.
const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown format")

// NewStatusCommand creates the status command.
func NewStatusCommand(app *App) *cobra.Command {
	var (
		dir    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the checkpoint of an unfinished export",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if dir == "" {
				cfg, err := app.loadConfig(cmd)
				if err != nil {
					return err
				}

				dir = cfg.Export.StatusDir
			}

			cp, err := checkpoint.NewStore(dir, nil).Load()
			if err != nil {
				return fmt.Errorf("load status: %w", err)
			}

			if cp == nil {
				fmt.Fprintf(cmd.OutOrStdout(), "no export in progress in %s\n", dir)

				return nil
			}

			return renderStatus(cmd.OutOrStdout(), cp.Snapshot(), format)
		},
	}

	cmd.Flags().StringVar(&dir, "status-dir", "", "directory holding status.json (default: export.status_dir)")
	cmd.Flags().StringVar(&format, "format", FormatTable, "output format: table, json, yaml")

	return cmd
}

func renderStatus(w io.Writer, st checkpoint.State, format string) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(st)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		defer enc.Close()

		return enc.Encode(statusDocument(st))
	case FormatTable:
		renderStatusTable(w, st)

		return nil
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// statusDocument mirrors the status.json field names for YAML output.
func statusDocument(st checkpoint.State) map[string]any {
	doc := map[string]any{
		"exportId":             st.ExportID,
		"startTime":            st.StartTime.Format(time.RFC3339),
		"lastUpdate":           st.LastUpdate.Format(time.RFC3339),
		"totalPackages":        st.TotalPackages,
		"processedPackageKeys": st.ProcessedPackageKeys,
		"processedCount":       st.ProcessedCount,
		"parsedCount":          st.ParsedCount,
		"nonRecordCount":       st.NonRecordCount,
		"errorCount":           st.ErrorCount,
		"exportKind":           string(st.ExportKind),
		"deserialize":          st.Deserialize,
		"parallelism":          st.Parallelism,
		"completed":            st.Completed,
	}

	if st.OutputTarget != nil {
		doc["outputTarget"] = *st.OutputTarget
	}

	return doc
}

func renderStatusTable(w io.Writer, st checkpoint.State) {
	target := "-"
	if st.OutputTarget != nil {
		target = *st.OutputTarget
	}

	percent := 0.0
	if st.TotalPackages > 0 {
		percent = float64(st.ProcessedCount) * 100 / float64(st.TotalPackages)
	}

	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Field", "Value"})
	tbl.AppendRows([]table.Row{
		{"Export ID", st.ExportID},
		{"Kind", string(st.ExportKind)},
		{"Target", target},
		{"Deserialize", st.Deserialize},
		{"Parallelism", st.Parallelism},
		{"Started", humanize.Time(st.StartTime)},
		{"Last update", humanize.Time(st.LastUpdate)},
		{"Packages", fmt.Sprintf("%s / %s (%.1f%%)",
			humanize.Comma(int64(st.ProcessedCount)), humanize.Comma(int64(st.TotalPackages)), percent)},
		{"Parsed", humanize.Comma(int64(st.ParsedCount))},
		{"Non-blocks", humanize.Comma(int64(st.NonRecordCount))},
		{"Errors", humanize.Comma(int64(st.ErrorCount))},
	})
	tbl.Render()

	if st.Completed {
		color.New(color.FgGreen).Fprintln(w, "completed")
	} else {
		color.New(color.FgYellow).Fprintln(w, "resumable")
	}
}
