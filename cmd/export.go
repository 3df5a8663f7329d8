package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ciliaq-tools/roicull/internal/bundle"
	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/discover"
	"github.com/ciliaq-tools/roicull/internal/export"
)

func newExportCmd() *cobra.Command {
	var (
		srcPath string
		outPath string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the retained entries to a Parquet dataset",
		Long: `Reads the working copies of the annotation files and writes every
entry that survived review to a single Parquet file. Culled entries,
including those commented out by earlier runs, are excluded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.FromEnv(config.Default())
			if err != nil {
				return err
			}

			result, err := discover.Scan(srcPath)
			if err != nil {
				return err
			}
			if len(result.Pairs) == 0 {
				return fmt.Errorf("no annotation files under %s", srcPath)
			}

			repo := bundle.NewRepository(opts.SrcColumn, opts.TabDelimited)
			for _, p := range result.Pairs {
				if _, err := repo.GetOrCreate(p.ImagePath, p.ROIPath, -1); err != nil {
					return err
				}
			}

			if outPath == "" {
				outPath = filepath.Join(srcPath, "retained.parquet")
			}

			n, err := export.Retained(outPath, repo.Bundles())
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d retained entries from %d files to %s\n", n, repo.Len(), outPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&srcPath, "src", "s", ".", "Source directory holding annotation files")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output Parquet path (default <src>/retained.parquet)")

	return cmd
}
