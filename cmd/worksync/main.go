package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/flowmesh/worksync/internal/config"
	"github.com/flowmesh/worksync/internal/daemon"
	"github.com/flowmesh/worksync/internal/utils"
	"github.com/flowmesh/worksync/internal/version"
)

var (
	home, _        = os.UserHomeDir()
	configFileName = "config"
)

var cyan = color.New(color.FgHiCyan, color.Bold).SprintFunc()

var rootCmd = &cobra.Command{
	Use:     "worksync",
	Short:   "WorkSync keeps workspace configuration in sync across devices",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		defer slog.Info("Bye!")
		return d.Run(cmd.Context())
	},
}

var exportCmd = &cobra.Command{
	Use:   "export <file.tar.gz>",
	Short: "Export the current configuration snapshot as an archive",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		if err := d.Export(args[0]); err != nil {
			return err
		}
		fmt.Printf("exported to %s\n", args[0])
		return nil
	},
}

var importCmd = &cobra.Command{
	Use:   "import <file.tar.gz>",
	Short: "Import a configuration archive, backing up the current one first",
	Args:  cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDaemon()
		if err != nil {
			return err
		}
		defer d.Close()

		res, err := d.Import(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("imported: %d changes, %d conflicts\n", res.Changes, len(res.Conflicts))
		return nil
	},
}

func openDaemon() (*daemon.Daemon, error) {
	cfg := configFromViper()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return daemon.New(cfg)
}

func configFromViper() *config.Config {
	return &config.Config{
		Path:               viper.ConfigFileUsed(),
		UserID:             viper.GetString("user_id"),
		DataDir:            viper.GetString("data_dir"),
		ServerURL:          viper.GetString("server_url"),
		Encoding:           viper.GetString("encoding"),
		AutoSync:           viper.GetBool("auto_sync"),
		SyncInterval:       viper.GetDuration("sync_interval"),
		ConflictResolution: viper.GetString("conflict_resolution"),
		CloudProvider:      viper.GetString("cloud_provider"),
		CloudPath:          viper.GetString("cloud_path"),
	}
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("user", "e", "", "User id (email) owning the synced configuration")
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "WorkSync data directory")
	rootCmd.Flags().StringP("server", "s", config.DefaultServerURL, "WorkSync sync server")
	rootCmd.Flags().Bool("auto-sync", false, "Sync automatically on a schedule and on config changes")
	rootCmd.Flags().String("cloud", "", "Cloud folder provider (icloud|onedrive|dropbox|googledrive|custom)")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "WorkSync config file")

	rootCmd.AddCommand(exportCmd, importCmd)
}

func main() {
	logFile := filepath.Join(config.DefaultDataDir, "logs", "worksync.log")

	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: time.RFC3339,
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})

	slog.SetDefault(slog.New(utils.NewFanoutHandler(stdoutHandler, fileHandler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".worksync"))
		viper.AddConfigPath(filepath.Join(home, ".config/worksync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	// subcommands only carry --config; the rest come from file or env
	bind := func(key, name string) {
		if f := cmd.Flags().Lookup(name); f != nil {
			viper.BindPFlag(key, f)
		}
	}
	bind("user_id", "user")
	bind("data_dir", "datadir")
	bind("server_url", "server")
	bind("auto_sync", "auto-sync")
	bind("cloud_provider", "cloud")

	viper.SetEnvPrefix("WORKSYNC")
	viper.AutomaticEnv()

	return nil
}

func showHeader() {
	fmt.Printf("%s %s\n", cyan("WorkSync"), version.Detailed())
}
