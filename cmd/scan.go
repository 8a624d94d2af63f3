package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/zkt"
	"zk-attendance-bridge/internal/discovery"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan the local network for attendance terminals",
	Long: `Probes every host on the local subnets for the terminal port and
prints the devices found, with identity read from each responding terminal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))

		logger := logrus.New()
		logger.SetLevel(logrus.WarnLevel)

		scanner := discovery.NewScanner(discovery.Config{
			Port:         cfg.DevicePort,
			ProbeTimeout: cfg.ScanTimeout(),
			Workers:      cfg.ScanConcurrency,
			FetchInfo: func(ctx context.Context, ip string, port int) (device.Info, error) {
				drv, err := zkt.New(device.Config{IP: ip, Port: port, Timeout: cfg.ScanTimeout()}, slog.Default())
				if err != nil {
					return device.Info{}, err
				}
				if err := drv.Connect(ctx); err != nil {
					return device.Info{}, err
				}
				defer drv.Disconnect(context.Background())
				return drv.GetInfo(ctx)
			},
		}, bus.New(logger), logger)

		out.Info("scanning local subnets", "port", cfg.DevicePort, "workers", cfg.ScanConcurrency)
		start := time.Now()
		devices := scanner.Scan(cmd.Context())
		out.Info("scan finished", "devices", len(devices), "elapsed", time.Since(start).Round(time.Millisecond))

		if len(devices) == 0 {
			fmt.Println("No attendance terminals found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "IP\tPORT\tMAC\tNAME\tSERIAL\tFIRMWARE")
		for _, d := range devices {
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n", d.IP, d.Port, d.MAC, d.Name, d.Serial, d.Firmware)
		}
		return w.Flush()
	},
}
