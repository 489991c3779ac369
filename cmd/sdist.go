// wheelforge sdist [path]
package cmd

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wheelforge-build/wheelforge/internal/msg"
	"github.com/wheelforge-build/wheelforge/internal/sdist"
	"github.com/wheelforge-build/wheelforge/internal/settings"
)

func doSdist(cmd *cobra.Command, args []string) {
	// No build phases and no interpreter needed for a source archive.
	source, err := filepath.Abs(targetArg(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	cfg, err := settings.Resolve(source, settings.NewOverrideEnv(""), flagConfigSettings)
	if err != nil {
		msg.Fatal("%v", err)
	}
	path, err := sdist.Build(source, flagOutDir, &cfg.Metadata, cfg.Sdist.Include, cfg.Sdist.Exclude, environMap())
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("wrote %s", path)
}

var sdistCmd = &cobra.Command{
	Use:   "sdist [project path]",
	Short: "Build a source distribution",
	Long:  `Build a source distribution. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doSdist,
}

func init() {
	// wheelforge sdist subcommand
	rootCmd.AddCommand(sdistCmd)
	sdistCmd.Flags().StringVarP(&flagOutDir, "outdir", "o", "dist", "Directory to write the artifact into")
	sdistCmd.Flags().StringArrayVarP(&flagConfigSettings, "config-setting", "C", nil, "Override a setting, key=value (repeatable)")
}
