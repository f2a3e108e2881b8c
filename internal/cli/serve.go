package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ccbridge/ccbridge/internal/api"
	"github.com/ccbridge/ccbridge/internal/config"
	"github.com/ccbridge/ccbridge/internal/engine"
	"github.com/ccbridge/ccbridge/internal/logging"
	log "github.com/ccbridge/ccbridge/internal/logging"
	"github.com/ccbridge/ccbridge/internal/runtime/executor"
	"github.com/ccbridge/ccbridge/internal/usage"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ccbridge server",
	Long: `Start the OpenAI-compatible HTTP server.

Loads the configuration, opens the usage store when configured, and serves
until interrupted.`,
	Run: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "override the configured port")
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	logging.SetupBaseLogger()

	cfg, configPath, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	logging.SetDebug(cfg.Debug)
	if cfg.LoggingToFile != "" {
		if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
			log.Fatalf("failed to configure log output: %v", err)
		}
	}

	usage.SetStatisticsEnabled(true)
	tracker, err := usage.Initialize(usageConfig(cfg))
	if err != nil {
		log.Warnf("usage persistence disabled: %v", err)
		tracker = usage.NewTracker(nil)
	}

	core := engine.New(cfg, executor.NewProcessRunner(), tracker)
	defer core.Close()

	stopWatch := watchConfig(configPath, core)
	if stopWatch != nil {
		defer stopWatch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(core, tracker)
	if err := server.Run(ctx); err != nil {
		log.Errorf("server error: %v", err)
	}

	if err := tracker.Stop(); err != nil {
		log.Warnf("usage store shutdown: %v", err)
	}
}

// loadConfig resolves the config path (flag, then ./config.yaml) and loads
// it with environment overrides applied.
func loadConfig() (*config.Config, string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	if loadErr := godotenv.Load(filepath.Join(wd, ".env")); loadErr != nil {
		if !errors.Is(loadErr, os.ErrNotExist) {
			log.Warnf("failed to load .env file: %v", loadErr)
		}
	}

	path := cfgFile
	if path == "" {
		path = filepath.Join(wd, "config.yaml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	applyEnvOverrides(cfg)
	return cfg, path, nil
}

// applyEnvOverrides applies CCBRIDGE_* environment overrides for container
// deployments.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("CCBRIDGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
			log.Infof("port overridden by env: %d", port)
		}
	}
	if v := os.Getenv("CCBRIDGE_DEBUG"); v != "" {
		if debug, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = debug
		}
	}
	if v := os.Getenv("CCBRIDGE_API_KEYS"); v != "" {
		cfg.APIKeys = nil
		for _, k := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(k); trimmed != "" {
				cfg.APIKeys = append(cfg.APIKeys, trimmed)
			}
		}
		log.Infof("API keys overridden by env: %d keys", len(cfg.APIKeys))
	}
	if v := os.Getenv("CCBRIDGE_CLI_COMMAND"); v != "" {
		cfg.CLI.Command = v
		log.Infof("CLI command overridden by env: %s", v)
	}
	if v := os.Getenv("CCBRIDGE_USAGE_DSN"); v != "" {
		cfg.Usage.DSN = v
		log.Infof("usage DSN overridden by env")
	}
}

func usageConfig(cfg *config.Config) usage.BackendConfig {
	flushInterval := 5 * time.Second
	if cfg.Usage.FlushInterval != "" {
		if d, err := time.ParseDuration(cfg.Usage.FlushInterval); err == nil && d > 0 {
			flushInterval = d
		}
	}
	return usage.BackendConfig{
		DSN:           cfg.Usage.DSN,
		BatchSize:     cfg.Usage.BatchSize,
		FlushInterval: flushInterval,
		RetentionDays: cfg.Usage.RetentionDays,
	}
}

// watchConfig hot-reloads the config file into the engine. Reload failures
// keep the previous config.
func watchConfig(path string, core *engine.Engine) func() {
	stop, err := config.Watch(path, func(next *config.Config) {
		applyEnvOverrides(next)
		core.ApplyConfig(next)
		log.Infof("configuration reloaded from %s", path)
	})
	if err != nil {
		log.Warnf("config watch disabled: %v", err)
		return nil
	}
	return stop
}
