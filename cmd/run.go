package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ciliaq-tools/roicull/internal/config"
	"github.com/ciliaq-tools/roicull/internal/review"
	"github.com/ciliaq-tools/roicull/internal/runner"
	"github.com/ciliaq-tools/roicull/internal/session"
)

func newRunCmd() *cobra.Command {
	defaults := config.Default()

	var (
		srcPath       string
		roiPerSession int
		columns       int
		maxRows       int
		srcColumn     int
		tabDelimited  bool
		reset         bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Review annotation files session by session",
		Long: `Scans the source directory for rendered scenes and their annotation
files, schedules them into sessions, and walks you through each batch.
An interrupted run resumes where it left off on the next invocation.`,
		Example: `  # Review everything under the current directory
  roicull run --src .

  # Smaller sessions, wider grid
  roicull run --src /data/exp01 --roi-per-session 200 --columns 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := config.FromEnv(config.Default())
			if err != nil {
				return err
			}

			// Flags beat environment, environment beats defaults.
			if cmd.Flags().Changed("roi-per-session") {
				opts.ROIPerSession = roiPerSession
			}
			if cmd.Flags().Changed("columns") {
				opts.Columns = columns
			}
			if cmd.Flags().Changed("max-rows") {
				opts.MaxRows = maxRows
			}
			if cmd.Flags().Changed("src-column") {
				opts.SrcColumn = srcColumn
			}
			if cmd.Flags().Changed("tab-delimited") {
				opts.TabDelimited = tabDelimited
			}

			if err := opts.Validate(); err != nil {
				return err
			}

			info, err := os.Stat(srcPath)
			if err != nil {
				return fmt.Errorf("source directory: %w", err)
			}
			if !info.IsDir() {
				return fmt.Errorf("source path %s is not a directory", srcPath)
			}

			if reset {
				statePath := filepath.Join(srcPath, session.StateFileName)
				if err := os.Remove(statePath); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("failed to discard previous run: %w", err)
				}
			}

			r := runner.New(srcPath, opts, review.NewConsole(cmd.InOrStdin(), cmd.OutOrStdout()))
			if err := r.Setup(); err != nil {
				return err
			}
			return r.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&srcPath, "src", "s", ".", "Source directory holding images and annotation files")
	cmd.Flags().IntVar(&roiPerSession, "roi-per-session", defaults.ROIPerSession, "Target entry count per session (0 for a single session)")
	cmd.Flags().IntVar(&columns, "columns", defaults.Columns, "Review grid width")
	cmd.Flags().IntVar(&maxRows, "max-rows", defaults.MaxRows, "Maximum review grid rows per batch")
	cmd.Flags().IntVar(&srcColumn, "src-column", defaults.SrcColumn, "1-based column overwritten with the source filename in stripped output")
	cmd.Flags().BoolVar(&tabDelimited, "tab-delimited", defaults.TabDelimited, "Write rewritten rows tab-delimited instead of comma-delimited")
	cmd.Flags().BoolVar(&reset, "reset", false, "Discard any resumable previous run and schedule fresh sessions")

	return cmd
}
