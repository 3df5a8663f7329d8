package cmd

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roicull",
		Short: "Interactive curation of microscopy annotation files",
		Long: `Roicull reviews the annotated regions of microscopy scenes in bounded,
resumable sessions and rewrites the annotation files so reviewed-out
entries are excluded without ever touching the originals.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()
		},
	}

	// Add subcommands
	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newInspectCmd())
	cmd.AddCommand(newExportCmd())

	return cmd
}
