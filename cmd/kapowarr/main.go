package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kapowarr/kapowarr/pkg/api"
	"github.com/kapowarr/kapowarr/pkg/app"
	"github.com/kapowarr/kapowarr/pkg/log"
	"github.com/kapowarr/kapowarr/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "kapowarr",
	Short: "Kapowarr - Comic library manager",
	Long: `Kapowarr curates a local library of comic-book volumes: it fetches
metadata from the catalog, searches external sources for missing issues,
drives download clients, and imports, converts and renames the resulting
files into a canonical on-disk layout.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Kapowarr version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Setup(logLevel, logJSON)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Kapowarr server",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		dataFolder, _ := cmd.Flags().GetString("data-folder")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if dataFolder != "" {
			cfg.DataFolder = dataFolder
		}
		if host != "" {
			cfg.Host = host
		}
		if port != 0 {
			cfg.Port = port
		}

		api.Version = Version
		return serve(cfg)
	},
}

func init() {
	serveCmd.Flags().String("config", "", "Path to a YAML config file")
	serveCmd.Flags().String("data-folder", "", "Folder for database and caches")
	serveCmd.Flags().String("host", "", "Address to bind the API to")
	serveCmd.Flags().Int("port", 0, "Port to bind the API to")
}

func loadConfig(path string) (app.Config, error) {
	cfg := app.Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

func serve(cfg app.Config) error {
	metrics.Register()

	application, err := app.New(context.Background(), cfg)
	if err != nil {
		return err
	}
	application.Start()

	server := api.NewServer(application)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	restart := false
	select {
	case sig := <-sigCh:
		log.Root.Info().Str("signal", sig.String()).Msg("Shutting down")
	case action := <-server.Power():
		restart = action == "restart"
		log.Root.Info().Str("action", action).Msg("Power request received")
	case err := <-errCh:
		if err != nil {
			application.Stop()
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Root.Error().Err(err).Msg("Failed to stop API server")
	}
	application.Stop()

	if restart {
		return restartProcess()
	}
	return nil
}

// restartProcess replaces the current process with a fresh copy of itself.
func restartProcess() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(executable, os.Args, os.Environ())
}
