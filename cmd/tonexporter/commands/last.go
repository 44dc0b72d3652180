package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/tonexporter/pkg/exporter"
)

// NewLastCommand creates the last command.
func NewLastCommand(app *App) *cobra.Command {
	var (
		db          string
		limit       int
		deserialize bool
	)

	cmd := &cobra.Command{
		Use:   "last",
		Short: "Print the newest blocks of the archive, highest seqno first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if db == "" {
				cfg, err := app.loadConfig(cmd)
				if err != nil {
					return err
				}

				db = cfg.Archive.Root
			}

			exp, err := exporter.New(exporter.DefaultOptions(db))
			if err != nil {
				return err
			}

			recs, err := exp.Last(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("last blocks: %w", err)
			}

			for _, rec := range recs {
				line, lineErr := exporter.FormatLine(rec, deserialize)
				if lineErr != nil {
					return lineErr
				}

				fmt.Fprintln(cmd.OutOrStdout(), line)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&db, "db", "", "node database root (default: archive.root)")
	cmd.Flags().IntVar(&limit, "limit", 1, "number of blocks to print")
	cmd.Flags().BoolVar(&deserialize, "deserialize", false, "print parsed block lines instead of hex")

	return cmd
}
