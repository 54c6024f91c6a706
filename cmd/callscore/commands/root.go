package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Hunt-Master-Academy/hma-gamecalls-engine-sub010/internal/config"
)

const appName = "callscore"

var (
	cfgFile    string
	jsonOutput bool
	verbose    bool

	globalConfig *config.Config
	configErr    error
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   appName,
	Short: "Animal call imitation scoring tool",
	Long: `callscore scores recorded imitations of animal calls against master
recordings, using the same streaming pipeline as the ingest service.

Pipeline settings (MFCC, endpointing, DTW) are read from the service
configuration file when --config is given, otherwise defaults apply.`,
	SilenceUsage: true,
}

// Command returns the root cobra command for mounting into a parent CLI.
func Command() *cobra.Command {
	return rootCmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "service config file (default: built-in defaults)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log pipeline progress to stderr")

	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(inspectCmd)
}

func initConfig() {
	if cfgFile != "" {
		globalConfig, configErr = config.Load(cfgFile)
		return
	}
	globalConfig = config.Default()
	if err := globalConfig.ApplyEnv(); err != nil {
		configErr = err
		return
	}
	configErr = globalConfig.Validate()
}

// getConfig returns the loaded configuration or the deferred load error.
func getConfig() (*config.Config, error) {
	if configErr != nil {
		return nil, fmt.Errorf("%s config: %w", appName, configErr)
	}
	return globalConfig, nil
}

// newLogger writes to stderr in verbose mode and discards otherwise.
func newLogger() *slog.Logger {
	if !verbose {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
