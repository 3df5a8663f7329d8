package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ciliaq-tools/roicull/internal/bundle"
	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/discover"
	"github.com/ciliaq-tools/roicull/internal/ledger"
	"github.com/ciliaq-tools/roicull/internal/session"
	"github.com/ciliaq-tools/roicull/internal/slide"
)

func newInspectCmd() *cobra.Command {
	var (
		srcPath  string
		filePath string
	)

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show what a run over the source directory would process",
		Long: `Scans the source directory and prints the detected slides, their
scenes, and the per-file entry counts without scheduling or reviewing
anything. A resumable snapshot from an earlier run is reported too.

With --file, a single annotation file is parsed and its region layout
and calibration are printed instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.FromEnv(config.Default())
			if err != nil {
				return err
			}

			if filePath != "" {
				return inspectFile(cmd, filePath, opts)
			}

			result, err := discover.Scan(srcPath)
			if err != nil {
				return err
			}

			repo := bundle.NewRepository(opts.SrcColumn, opts.TabDelimited)
			for _, p := range result.Pairs {
				if _, err := repo.GetOrCreate(p.ImagePath, p.ROIPath, -1); err != nil {
					return err
				}
			}

			slides := slide.NewManager()
			assigned := slides.Attach(result.ImageFilenames(), slide.DefaultMinRootLen)
			for _, b := range repo.Bundles() {
				if s := assigned[b.ImageFilename()]; s != nil {
					b.SlideID = s.ID
					s.AddBundle(b.ID)
				}
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SLIDE\tSCENE\tENTRIES\tCULLED")
			for _, s := range slides.Slides() {
				for _, id := range s.BundleIDs {
					b := repo.FindByID(id)
					if b == nil {
						continue
					}
					fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.Root, b.ImageFilename(), b.ROICount(), b.Ledger().CulledCount())
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}

			total := 0
			for _, b := range repo.Bundles() {
				total += b.ROICount()
			}
			fmt.Fprintf(out, "\n%d slides, %d scenes, %d entries total\n", slides.Len(), repo.Len(), total)
			for _, name := range result.Unmatched {
				fmt.Fprintf(out, "unmatched image (no annotation file): %s\n", name)
			}

			// Report resumable state without consuming it.
			mgr := session.NewManager(bundle.NewRepository(opts.SrcColumn, opts.TabDelimited), slide.NewManager(), opts, srcPath)
			restored, err := mgr.RestoreState()
			if err != nil {
				fmt.Fprintf(out, "previous run snapshot is unusable: %v\n", err)
				return nil
			}
			if restored {
				fmt.Fprintf(out, "resumable run found: %d of %d sessions complete (group %d)\n",
					mgr.CompletedCount(), mgr.Count(), mgr.GroupNum())
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&srcPath, "src", "s", ".", "Source directory holding images and annotation files")
	cmd.Flags().StringVarP(&filePath, "file", "f", "", "Inspect a single annotation file instead of a directory")

	return cmd
}

func inspectFile(cmd *cobra.Command, path string, opts config.Options) error {
	l, err := ledger.Parse(path, opts.SrcColumn, opts.TabDelimited)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "file:         %s\n", l.SourceFile())
	fmt.Fprintf(out, "rows:         %d\n", l.RowCount())
	fmt.Fprintf(out, "header lines: %d\n", l.HeaderLen())
	fmt.Fprintf(out, "history lines:%d\n", l.HistoryLen())
	fmt.Fprintf(out, "entries:      %d\n", l.Count())
	fmt.Fprintf(out, "culled:       %d\n", l.CulledCount())
	fmt.Fprintf(out, "calibration:  %g\n", l.Calibration())
	return nil
}
