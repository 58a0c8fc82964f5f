// Package main implements the condasync command-line tool for mirroring conda channels.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/cheggaaa/pb/v3"
	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mirrorctl/condasync/internal/mirror"
)

const (
	defaultConfigPath = "/etc/condasync/condasync.toml"
)

var (
	// Build information - can be set via build flags
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"

	// Command-line flags
	configPath string
	logLevel   string
	workingDir string
)

var rootCmd = &cobra.Command{
	Use:   "condasync",
	Short: "Mirror conda channels and installer archives",
	Long: `condasync maintains local mirrors of conda package channels and of the
installer archives published next to them.

Package channels are synchronized from repodata.json; installer archives
are synchronized from their HTML directory listing.`,
}

var syncCmd = &cobra.Command{
	Use:   "sync [mirror-ids...]",
	Short: "Synchronize one or more mirrors",
	Long: `Synchronizes one or more mirrors based on the provided configuration.

Usage:
  # Synchronize all mirrors in your configuration file
  condasync sync

  # Synchronize only specific mirrors
  condasync sync pkgs archive

  # Delete packages that are no longer listed upstream
  condasync sync --delete

  # Override the working directory
  condasync sync --dir /srv/mirror/anaconda

  # Show a progress bar over trees
  condasync sync --progress

If no mirror IDs are specified, all mirrors in the configuration file will be
synchronized.  The working directory defaults to TUNASYNC_WORKING_DIR when
neither dir nor CONDASYNC_DIR is set.`,
	Run: runSync,
}

var treesCmd = &cobra.Command{
	Use:   "trees [mirror-ids...]",
	Short: "List the remote trees and their local directories",
	Run:   runTrees,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  "Print version information including build details",
	Run: func(_ *cobra.Command, _ []string) {
		printVersion()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long:  `Validate the configuration file and report any issues.`,
	Run:   runValidate,
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(treesCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(validateCmd)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "configuration file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "", "override log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&workingDir, "dir", "", "override the working directory")
	rootCmd.PersistentFlags().Bool("verbose-errors", false, "show detailed error information including stack traces")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "suppress all output except for errors")

	syncCmd.Flags().Bool("delete", false, "delete package files that are no longer in the index")
	syncCmd.Flags().Bool("progress", false, "show a progress bar over trees")
}

func printVersion() {
	fmt.Printf("condasync %s\n", version)
	fmt.Printf("commit: %s\n", commit)
	fmt.Printf("built: %s\n", buildDate)
}

// loadConfig reads the configuration file and applies environment and
// command-line overrides.  The global logger is configured on success.
func loadConfig(cmd *cobra.Command) (*mirror.Config, error) {
	config := mirror.NewConfig()
	meta, err := toml.DecodeFile(configPath, config)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf("configuration file not found: %s", configPath)
		}
		return nil, errors.Wrapf(err, "failed to decode %s", configPath)
	}

	// Check for undecoded keys which might indicate a typo
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.New(formatUndecodedError(undecoded))
	}

	if err := mirror.ApplyEnvironmentVariables(config); err != nil {
		return nil, err
	}
	if workingDir != "" {
		config.Dir = workingDir
	}
	if logLevel != "" {
		config.Log.Level = logLevel
	}
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		config.Log.Level = "error"
	}

	if err := config.Log.Apply(); err != nil {
		return nil, errors.Wrap(err, "log config")
	}
	return config, nil
}

func fatal(msg string, err error, verbose bool) {
	slog.Error(msg, "error", formatError(err, verbose), "path", configPath)
	if !verbose {
		slog.Info("run with --verbose-errors for detailed stack traces")
	}
	os.Exit(1)
}

func runSync(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		fatal("failed to load configuration", err, verboseErrors)
	}
	if err := config.Check(); err != nil {
		fatal("invalid configuration", err, verboseErrors)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := mirror.Options{}
	opts.Prune, _ = cmd.Flags().GetBool("delete")
	opts.Prune = opts.Prune || config.Prune

	quiet, _ := cmd.Flags().GetBool("quiet")
	if progress, _ := cmd.Flags().GetBool("progress"); progress && !quiet {
		tasks, err := mirror.PlanTrees(config, args)
		if err != nil {
			fatal("failed to plan trees", err, verboseErrors)
		}
		bar := pb.New(len(tasks)).SetWriter(os.Stderr).Start()
		defer bar.Finish()
		opts.OnTreeDone = func(*mirror.TreeResult) {
			bar.Increment()
		}
	}

	summary, err := mirror.Run(ctx, config, args, opts)
	if summary != nil && !quiet {
		fmt.Println("Total size is", humanize.Bytes(summary.Bytes))
	}
	if err != nil {
		if summary != nil {
			for _, res := range summary.Failed() {
				slog.Error("tree failed", "repo", res.Task.MirrorID, "tree", res.Task.URL,
					"outcome", mirror.Classify(res.Err).String())
			}
		}
		stop()
		fatal("sync failed", err, verboseErrors)
	}
}

func runTrees(cmd *cobra.Command, args []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		fatal("failed to load configuration", err, verboseErrors)
	}
	if err := config.Check(); err != nil {
		fatal("invalid configuration", err, verboseErrors)
	}

	tasks, err := mirror.PlanTrees(config, args)
	if err != nil {
		fatal("failed to plan trees", err, verboseErrors)
	}
	for _, task := range tasks {
		fmt.Printf("%-10s %-8s %s -> %s\n", task.MirrorID, task.Kind, task.URL, task.Dir)
	}
}

func runValidate(cmd *cobra.Command, _ []string) {
	verboseErrors, _ := cmd.Flags().GetBool("verbose-errors")

	config, err := loadConfig(cmd)
	if err != nil {
		fatal("failed to load configuration", err, verboseErrors)
	}

	var validationErrors []error

	if err := config.Check(); err != nil {
		validationErrors = append(validationErrors, errors.Wrap(err, "global config"))
	}

	var ids []string
	for mirrorID := range config.Mirrors {
		ids = append(ids, mirrorID)
	}
	sort.Strings(ids)
	for _, mirrorID := range ids {
		if !mirror.IsValidID(mirrorID) {
			validationErrors = append(validationErrors, errors.New("invalid mirror ID: "+mirrorID))
		}
		if err := config.Mirrors[mirrorID].Check(); err != nil {
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

	slog.Info("the toml configuration file passes validation checks", "mirrors", len(ids))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
