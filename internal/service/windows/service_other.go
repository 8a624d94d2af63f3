//go:build !windows

package windows

import (
	"context"
	"fmt"

	"zk-attendance-bridge/internal/config"
)

// BridgeFunc runs the bridge until ctx is cancelled.
type BridgeFunc func(ctx context.Context, cfg *config.Config) error

// RunService is Windows-only.
func RunService(cfg *config.Config, bridgeFunc BridgeFunc, isDebug bool) error {
	return fmt.Errorf("windows service mode is not supported on this platform")
}

// IsWindowsService always reports false off Windows.
func IsWindowsService() (bool, error) {
	return false, nil
}
