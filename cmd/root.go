// wheelforge [path], wheelforge build [path]
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/wheelforge-build/wheelforge/internal/cmake"
	"github.com/wheelforge-build/wheelforge/internal/generator"
	"github.com/wheelforge-build/wheelforge/internal/msg"
	"github.com/wheelforge-build/wheelforge/internal/pipeline"
	"github.com/wheelforge-build/wheelforge/internal/python"
	"github.com/wheelforge-build/wheelforge/internal/settings"
)

var (
	flagOutDir         string
	flagConfigSettings []string
	flagFresh          bool
	flagVerbose        bool
	flagJobs           int
	flagGenerator      string
	flagMetadataDir    string
	flagBuildType      EnumValue = NewEnumValue("", map[string]string{
		"Release":        "Optimized build (default)",
		"Debug":          "Unoptimized build with debug info",
		"RelWithDebInfo": "Optimized build with debug info",
		"MinSizeRel":     "Size-optimized build",
	})
)

func targetArg(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return "."
}

// newPipeline resolves the project at target and assembles the pipeline
// with real collaborators.
func newPipeline(cmd *cobra.Command, target string) (*pipeline.Pipeline, error) {
	source, err := filepath.Abs(target)
	if err != nil {
		return nil, err
	}

	// The interpreter is probed before settings resolution so override
	// conditions can match on python_version.
	environ := environMap()
	exe, err := python.Find(environ)
	if err != nil {
		return nil, err
	}
	interp, err := python.Probe(cmd.Context(), exe)
	if err != nil {
		return nil, err
	}

	cfg, err := settings.Resolve(source, settings.NewOverrideEnv(interp.Version), flagConfigSettings)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg)

	tool := cmake.New(cfg.CMakePath)
	if cfg.Verbose {
		tool.Out = &msg.IndentWriter{Indent: "  ", W: os.Stdout}
	} else {
		tool.Out = nil
	}

	return &pipeline.Pipeline{
		Settings:  cfg,
		Tool:      tool,
		Interp:    interp,
		Probe:     generator.NewProbe(),
		SourceDir: source,
		Environ:   environ,
	}, nil
}

// applyFlags lets command-line flags win over pyproject.toml and env.
func applyFlags(cfg *settings.Settings) {
	if flagFresh {
		cfg.Fresh = true
	}
	if flagVerbose {
		cfg.Verbose = true
	}
	if flagJobs > 0 {
		cfg.Jobs = flagJobs
	}
	if flagGenerator != "" {
		cfg.Generator = flagGenerator
	}
	if v := flagBuildType.Value(); v != "" {
		cfg.BuildType = v
	}
}

func environMap() map[string]string {
	env := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

func doBuild(cmd *cobra.Command, args []string) {
	p, err := newPipeline(cmd, targetArg(args))
	if err != nil {
		msg.Fatal("%v", err)
	}
	p.PreparedMetadata = flagMetadataDir
	path, err := p.BuildWheel(cmd.Context(), flagOutDir)
	if err != nil {
		msg.Fatal("%v", err)
	}
	msg.Info("wrote %s", path)
}

var rootCmd = &cobra.Command{
	Use:   "wheelforge [project path]",
	Short: "CMake-driven Python wheel builder",
	Long:  `Builds Python wheels and sdists from CMake projects.`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

var buildCmd = &cobra.Command{
	Use:   "build [project path]",
	Short: "Build a wheel",
	Long:  `Build a wheel. If no project path is given, uses "."`,
	Args:  cobra.MaximumNArgs(1),
	Run:   doBuild,
}

func init() {
	addBuildFlags(rootCmd)

	// wheelforge build subcommand
	rootCmd.AddCommand(buildCmd)
	addBuildFlags(buildCmd)
	buildCmd.Flags().StringVar(&flagMetadataDir, "metadata-dir", "", "Validate against a previously prepared dist-info directory")
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&flagOutDir, "outdir", "o", "dist", "Directory to write the artifact into")
	cmd.Flags().StringArrayVarP(&flagConfigSettings, "config-setting", "C", nil, "Override a setting, key=value (repeatable)")
	cmd.Flags().BoolVar(&flagFresh, "fresh", false, "Wipe the build tree and configure from scratch")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "Show build tool output and fingerprint diffs")
	cmd.Flags().IntVarP(&flagJobs, "jobs", "j", 0, "Parallel build jobs (default: CPU count)")
	cmd.Flags().StringVarP(&flagGenerator, "generator", "G", "", "Pin the CMake generator")
	cmd.Flags().Var(&flagBuildType, "build-type", "Build type, one of "+flagBuildType.HelpString())
	cmd.RegisterFlagCompletionFunc("build-type", flagBuildType.CompletionFunc())
}

// rootContext is canceled on Ctrl+C / SIGTERM so a running build tool is
// killed and the pipeline can invalidate the build tree before exiting.
func rootContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func Execute() {
	ctx, stop := rootContext()
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
