package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/zkt"
)

var connectCmd = &cobra.Command{
	Use:   "connect <ip> [port]",
	Short: "Pin the bridge to a specific terminal",
	Long: `Verifies the terminal at the given address is reachable and persists
it to user-settings.json so the bridge connects straight to it on startup.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ip := args[0]
		port := cfg.DevicePort
		if len(args) == 2 {
			port, err = strconv.Atoi(args[1])
			if err != nil || port <= 0 || port > 65535 {
				return fmt.Errorf("invalid port %q", args[1])
			}
		}

		out := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))

		out.Info("probing terminal", "ip", ip, "port", port)
		drv, err := zkt.New(device.Config{IP: ip, Port: port, Timeout: cfg.Timeout()}, slog.Default())
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Timeout())
		defer cancel()
		if err := drv.Connect(ctx); err != nil {
			return fmt.Errorf("terminal at %s:%d is not reachable: %w", ip, port, err)
		}
		defer drv.Disconnect(context.Background())

		info, err := drv.GetInfo(ctx)
		if err != nil {
			out.Warn("terminal reachable but identity read failed", "err", err)
		} else {
			out.Info("terminal identified",
				"name", info.Name, "serial", info.Serial, "firmware", info.Firmware,
				"users", info.UserCount, "records", info.LogCount)
		}

		settings := &config.UserSettings{
			ConnectionType: cfg.ConnectionType,
			StaticIP:       ip,
			StaticPort:     port,
		}
		if err := config.SaveUserSettings(cfg.UserSettingsPath(), settings); err != nil {
			return err
		}
		out.Info("device choice saved", "path", cfg.UserSettingsPath())
		return nil
	},
}
