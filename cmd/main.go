package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/bridge"
	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/service/windows"
)

// version is set by the release build.
var version = "dev"

var (
	configFile string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "zk-attendance-bridge",
	Short: "ZK Attendance Bridge - connect biometric terminals to the cloud",
	Long: `A local agent that connects ZKTeco fingerprint attendance terminals
to the cloud. The bridge discovers terminals on the LAN, captures punches in
realtime with a polling fallback, enriches them against the member directory
and delivers them durably even across network outages.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runtime.GOOS == "windows" {
			isService, err := windows.IsWindowsService()
			if err != nil {
				return fmt.Errorf("failed to detect service mode: %w", err)
			}
			if isService {
				return runAsService()
			}
		}
		return runAsConsole()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
}

func main() {
	// Local development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func runAsService() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return windows.RunService(cfg, bridgeMain, false)
}

func runAsConsole() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return bridgeMain(ctx, cfg)
}

// bridgeMain builds the core and runs it until ctx is cancelled.
func bridgeMain(ctx context.Context, cfg *config.Config) error {
	logger := logging.Initialize(cfg.LogLevel)
	if err := logging.SetupFileLogging(logger, cfg.LogFile); err != nil {
		return fmt.Errorf("failed to set up file logging: %w", err)
	}

	core, err := bridge.NewCore(cfg, bridge.WithLogger(logger), bridge.WithVersion(version))
	if err != nil {
		return err
	}
	return core.Run(ctx)
}
