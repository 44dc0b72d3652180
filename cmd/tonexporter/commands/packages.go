package commands

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tonexporter/pkg/archive"
)

// NewPackagesCommand creates the packages command.
func NewPackagesCommand(app *App) *cobra.Command {
	var db string

	cmd := &cobra.Command{
		Use:   "packages",
		Short: "List the archive packages of a node database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if db == "" {
				cfg, err := app.loadConfig(cmd)
				if err != nil {
					return err
				}

				db = cfg.Archive.Root
			}

			cat, err := archive.OpenDir(db)
			if err != nil {
				return err
			}
			defer cat.Close()

			pkgs, err := cat.Packages(cmd.Context())
			if err != nil {
				return fmt.Errorf("list packages: %w", err)
			}

			renderPackages(cmd.OutOrStdout(), pkgs)

			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "node database root (default: archive.root)")

	return cmd
}

func renderPackages(w io.Writer, pkgs []archive.PackageDescriptor) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Format.Footer = text.FormatDefault
	tbl.AppendHeader(table.Row{"Key", "Layout", "Size"})

	var total uint64

	for _, p := range pkgs {
		layout := "loose"
		if p.Indexed() {
			layout = "indexed"
		}

		tbl.AppendRow(table.Row{p.Key, layout, humanize.IBytes(p.SizeBytes)})

		total += p.SizeBytes
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("%d packages", len(pkgs)), "", humanize.IBytes(total)})
	tbl.Render()
}
