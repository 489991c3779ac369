// wheelforge clean [path]
package cmd

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/wheelforge-build/wheelforge/internal/msg"
	"github.com/wheelforge-build/wheelforge/internal/settings"
)

func doClean(cmd *cobra.Command, args []string) {
	source, err := filepath.Abs(targetArg(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	cfg, err := settings.Resolve(source, settings.NewOverrideEnv(""), flagConfigSettings)
	if err != nil {
		msg.Fatal("%v", err)
	}

	// With no explicit build-dir, trees live under build/{cache_tag};
	// remove them all rather than probing for an interpreter.
	dir := filepath.Join(source, "build")
	if cfg.BuildDir != "" {
		dir = cfg.BuildDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(source, dir)
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("removed %s", dir)
}

var cleanCmd = &cobra.Command{
	Use:   "clean [project path]",
	Short: "Remove the build tree",
	Long:  `Remove the project's build tree. The next build configures from scratch.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doClean,
}

func init() {
	// wheelforge clean subcommand
	rootCmd.AddCommand(cleanCmd)
	cleanCmd.Flags().StringArrayVarP(&flagConfigSettings, "config-setting", "C", nil, "Override a setting, key=value (repeatable)")
}
