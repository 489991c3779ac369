// wheelforge metadata [path]
package cmd

import (
	"github.com/spf13/cobra"

	"github.com/wheelforge-build/wheelforge/internal/msg"
)

func doMetadata(cmd *cobra.Command, args []string) {
	p, err := newPipeline(cmd, targetArg(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	dir, err := p.PrepareMetadata(flagOutDir)
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("wrote %s", dir)
}

var metadataCmd = &cobra.Command{
	Use:   "metadata [project path]",
	Short: "Prepare dist-info metadata without building",
	Long: `Write the wheel's dist-info directory without running a build. A later
build with --metadata-dir verifies the built wheel's metadata still matches.`,
	Args: cobra.MaximumNArgs(1),
	Run:  doMetadata,
}

func init() {
	// wheelforge metadata subcommand
	rootCmd.AddCommand(metadataCmd)
	metadataCmd.Flags().StringVarP(&flagOutDir, "outdir", "o", "dist", "Directory to write the dist-info into")
	metadataCmd.Flags().StringArrayVarP(&flagConfigSettings, "config-setting", "C", nil, "Override a setting, key=value (repeatable)")
}
