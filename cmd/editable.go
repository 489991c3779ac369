// wheelforge editable [path]
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wheelforge-build/wheelforge/internal/msg"
)

func doEditable(cmd *cobra.Command, args []string) {
	p, err := newPipeline(cmd, targetArg(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	path, err := p.BuildEditable(cmd.Context(), flagOutDir)
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("wrote %s", path)
}

var editableCmd = &cobra.Command{
	Use:   "editable [project path]",
	Short: "Build an editable wheel",
	Long: `Build a wheel whose payload is an import shim redirecting into the
source and build trees, for development installs.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doEditable,
}

func init() {
	// wheelforge editable subcommand
	rootCmd.AddCommand(editableCmd)
	addBuildFlags(editableCmd)
}
