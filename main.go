// Package main provides the entry point for the readaloud CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/dgnsrekt/readaloud/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"
)

var (
	// Version as provided by goreleaser.
	Version = ""
	// CommitSHA as provided by goreleaser.
	CommitSHA = ""

	configFile string
	cfg        config.Config
	secrets    config.Secrets
	logCloser  = func() error { return nil }

	rootCmd = &cobra.Command{
		Use:   "readaloud",
		Short: "Turn PDFs and text into narrated audio",
		Long: paragraph(
			fmt.Sprintf("\nTurn PDFs and text into %s, then play or share them.", keyword("narrated audio")),
		),
		SilenceErrors:     false,
		SilenceUsage:      true,
		TraverseChildren:  true,
		PersistentPreRunE: loadConfig,
	}
)

func loadConfig(cmd *cobra.Command, _ []string) error {
	switch cmd.Name() {
	case "man", "config", "completion", "help":
		return nil
	}
	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("unable to read config file: %w", err)
		}
	}

	var err error
	if cfg, err = config.Load(viper.GetViper()); err != nil {
		return err
	}
	if secrets, err = config.LoadSecrets(".env", filepath.Join(cfg.DataDir, ".env")); err != nil {
		return err
	}

	closer, err := setupLog(cfg.Debug)
	if err != nil {
		return err
	}
	logCloser = closer
	log.Debug("loaded configuration", "file", viper.ConfigFileUsed(), "data_dir", cfg.DataDir)
	return nil
}

// isTerminal reports whether stdout is a terminal, which decides between
// the interactive views and plain output.
func isTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}

// stderrLogger is used by the long running commands, which log to the
// terminal instead of the log file.
func stderrLogger(prefix string) *log.Logger {
	level := log.InfoLevel
	if cfg.Debug {
		level = log.DebugLevel
	}
	return log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
		Prefix:          prefix,
	})
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	_ = logCloser()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	tryLoadConfigFromDefaultPlaces()
	if len(CommitSHA) >= 7 {
		vt := rootCmd.VersionTemplate()
		rootCmd.SetVersionTemplate(vt[:len(vt)-1] + " (" + CommitSHA[0:7] + ")\n")
	}
	if Version == "" {
		Version = "unknown (built from source)"
	}
	rootCmd.Version = Version
	rootCmd.InitDefaultCompletionCmd()

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", fmt.Sprintf("config file (default %s)", viper.GetViper().ConfigFileUsed()))
	rootCmd.PersistentFlags().Bool("debug", false, "write a debug log")
	rootCmd.PersistentFlags().String("data-dir", "", "where records, blobs and the audio cache live")
	rootCmd.PersistentFlags().String("user", "", "user that owns new conversions")

	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))

	config.SetDefaults(viper.GetViper())

	rootCmd.AddCommand(
		convertCmd,
		listCmd,
		showCmd,
		deleteCmd,
		stopCmd,
		urlCmd,
		playCmd,
		serveCmd,
		watchCmd,
		configCmd,
		manCmd,
	)
}

func tryLoadConfigFromDefaultPlaces() {
	dirs, err := config.ConfigDirs()
	if err != nil {
		fmt.Println("Could not load find configuration directory.")
		os.Exit(1)
	}

	for _, v := range dirs {
		viper.AddConfigPath(v)
	}

	viper.SetConfigName(config.AppName)
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix(config.AppName)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Warn("Could not parse configuration file", "err", err)
		}
	}

	if used := viper.ConfigFileUsed(); used != "" {
		log.Debug("Using configuration file", "path", used)
		return
	}
	defaultConfigFile = filepath.Join(dirs[0], config.AppName+".yml")
}
