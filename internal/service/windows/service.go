//go:build windows

// Package windows runs the bridge under the Windows service control
// manager. On other platforms the stubs in service_other.go apply.
package windows

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/debug"
	"golang.org/x/sys/windows/svc/eventlog"

	"zk-attendance-bridge/internal/config"
)

const (
	ServiceName        = "ZKAttendanceBridge"
	ServiceDisplayName = "ZK Attendance Bridge"
	ServiceDescription = "Connects ZKTeco attendance terminals to the cloud"
)

// BridgeFunc runs the bridge until ctx is cancelled.
type BridgeFunc func(ctx context.Context, cfg *config.Config) error

// Service adapts the bridge run function to the service control protocol.
type Service struct {
	config     *config.Config
	eventLog   *eventlog.Log
	ctx        context.Context
	cancel     context.CancelFunc
	bridgeFunc BridgeFunc
}

// NewService creates the service wrapper.
func NewService(cfg *config.Config, bridgeFunc BridgeFunc) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
		bridgeFunc: bridgeFunc,
	}
}

// Execute implements svc.Handler.
func (s *Service) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	const cmdsAccepted = svc.AcceptStop | svc.AcceptShutdown

	var err error
	s.eventLog, err = eventlog.Open(ServiceName)
	if err != nil {
		return false, 1
	}
	defer s.eventLog.Close()

	s.eventLog.Info(1, fmt.Sprintf("%s starting", ServiceDisplayName))
	changes <- svc.Status{State: svc.StartPending}

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.bridgeFunc(s.ctx, s.config)
	}()

	changes <- svc.Status{State: svc.Running, Accepts: cmdsAccepted}
	s.eventLog.Info(1, fmt.Sprintf("%s started", ServiceDisplayName))

	for {
		select {
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.eventLog.Info(1, fmt.Sprintf("%s stopping", ServiceDisplayName))
				changes <- svc.Status{State: svc.StopPending}
				s.cancel()

				select {
				case <-time.After(30 * time.Second):
					s.eventLog.Warning(1, "shutdown timeout reached")
				case err := <-errChan:
					if err != nil && err != context.Canceled {
						s.eventLog.Error(1, fmt.Sprintf("bridge stopped with error: %v", err))
					}
				}
				s.eventLog.Info(1, fmt.Sprintf("%s stopped", ServiceDisplayName))
				return false, 0
			default:
				s.eventLog.Error(1, fmt.Sprintf("unexpected control request: %d", c.Cmd))
			}

		case err := <-errChan:
			if err != nil && err != context.Canceled {
				s.eventLog.Error(1, fmt.Sprintf("bridge error: %v", err))
				changes <- svc.Status{State: svc.Stopped}
				return false, 1
			}
		}
	}
}

// RunService runs the bridge as a Windows service, or under the debug
// harness when isDebug is set.
func RunService(cfg *config.Config, bridgeFunc BridgeFunc, isDebug bool) error {
	service := NewService(cfg, bridgeFunc)
	if isDebug {
		return debug.Run(ServiceName, service)
	}
	return svc.Run(ServiceName, service)
}

// IsWindowsService reports whether the process was started by the service
// control manager.
func IsWindowsService() (bool, error) {
	return svc.IsWindowsService()
}
