// Package main implements the crates-mirror command-line tool for mirroring
// Cargo-style crate registries.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/crates-mirror/crates-mirror/internal/mirror"
)

const (
	defaultConfigPath = "/etc/crates-mirror/mirror.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "crates-mirror",
	Short: "Mirror Cargo-style crate registries",
	Long: `crates-mirror is a tool for creating and maintaining local mirrors of
Cargo-style crate registries for offline build environments.`,
}

var newCmd = &cobra.Command{
	Use:   "new <mirror-id>",
	Short: "Create a new mirror and perform a full sync",
	Long: `Creates an empty local mirror for the given ID and performs a full
synchronization against the configured upstream registry.

Usage:
  # Create and populate the mirror named in your configuration file
  crates-mirror new crates-io

The mirror must be declared in the configuration file and must not be
initialized yet.`,
	Args: cobra.ExactArgs(1),
	Run:  runNew,
}

var updateCmd = &cobra.Command{
	Use:   "update [mirror-ids...]",
	Short: "Incrementally synchronize one or more mirrors",
	Long: `Synchronizes existing mirrors against their upstream registries,
downloading only crates that are new or not yet verified locally.

Usage:
  # Update all mirrors in your configuration file
  crates-mirror update

  # Update only specific mirrors
  crates-mirror update crates-io internal

  # Use a custom configuration file
  crates-mirror update --config /path/to/mirror.toml

  # Suppress the progress bar and most output
  crates-mirror update --quiet

If no mirror IDs are specified, all mirrors in the configuration file
will be synchronized.`,
	Run: runUpdate,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("crates-mirror %s\n", version)
		fmt.Printf("commit: %s\n", commit)
		fmt.Printf("built: %s\n", buildDate)
	},
}

func init() {
	rootCmd.AddCommand(newCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(versionCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
}

// formatError returns a human-friendly error message, optionally with stack trace.
func formatError(err error, verbose bool) string {
	if verbose {
		return fmt.Sprintf("%+v", err)
	}

	flattened := errors.FlattenDetails(err)
	if flattened != "" {
		return flattened
	}

	return err.Error()
}

// formatUndecodedError builds a user-friendly message for unknown TOML keys.
func formatUndecodedError(undecoded []toml.Key) string {
	keys := make([]string, len(undecoded))
	for i, key := range undecoded {
		keys[i] = key.String()
	}
	return "configuration contains unknown sections or keys: " + strings.Join(keys, ", ") +
		"\nNote: configuration key names are case-sensitive and must match exactly."
}

// loadConfig reads and validates the configuration file and applies the log
// settings, honoring the --log-level and --quiet overrides.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			slog.Info("Please create a configuration file at the default location or specify one with the --config flag.")
			return nil, err
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		return nil, err
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		return nil, errors.New("configuration validation failed")
	}

	if err := config.Log.Apply(); err != nil {
		slog.Error("failed to apply log config", "error", err)
		return nil, err
	}

	if logLevel != "" {
		config.Log.Level = logLevel
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply command-line log level", "level", logLevel, "error", err)
			return nil, err
		}
	}

	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
		if err := config.Log.Apply(); err != nil {
			slog.Error("failed to apply quiet log level", "error", err)
			return nil, err
		}
	}

	return config, nil
}

func runSync(cmd *cobra.Command, args []string, bootstrap bool) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		os.Exit(1)
	}

	quiet, _ := cmd.Flags().GetBool("quiet")

	if err := mirror.Run(config, args, bootstrap, quiet); err != nil {
		errorMsg := formatError(err, verboseErrors)
		slog.Error("sync failed", "error", errorMsg)
		if !verboseErrors {
			slog.Info("run with --verbose-errors for detailed stack traces")
		}
		os.Exit(1)
	}
}

func runNew(cmd *cobra.Command, args []string) {
	runSync(cmd, args, true)
}

func runUpdate(cmd *cobra.Command, args []string) {
	runSync(cmd, args, false)
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Error("configuration file not found", "path", configPath)
			os.Exit(1)
		}
		errorMsg := formatError(err, verboseErrors)
		slog.Error("failed to decode config file", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		errorMsg := formatUndecodedError(undecoded)
		slog.Error("configuration validation failed", "error", errorMsg, "path", configPath)
		os.Exit(1)
	}

	var validationErrors []error

	if err := config.Log.Apply(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "log config"))
	}

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	for mirrorID, mirrorConfig := range config.Mirrors {
		if !mirror.IsValidID(mirrorID) {
			validationErrors = append(validationErrors, errors.New("invalid mirror ID: "+mirrorID))
		}
		if err := mirrorConfig.Check(); err != nil {
			validationErrors = append(validationErrors, errors.Wrap(err, "mirror \""+mirrorID+"\""))
		}
	}

	if len(validationErrors) > 0 {
		slog.Error("the toml configuration file is not valid")
		for _, err := range validationErrors {
			slog.Error(err.Error())
		}
		os.Exit(1)
	}

	slog.Info("the toml configuration file passes validation checks")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
