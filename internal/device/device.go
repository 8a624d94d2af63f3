// Package device defines the capability boundary to the fingerprint
// terminal. The session manager consumes this interface; the real terminal
// binding and the mock simulator both implement it and are selected at init
// through the driver registry.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"zk-attendance-bridge/internal/types"
)

// Sentinel errors shared by driver implementations.
var (
	// ErrNotConnected is returned by operations that need an open session.
	ErrNotConnected = errors.New("device not connected")
	// ErrAlreadyConnected is returned by Connect on an open session.
	ErrAlreadyConnected = errors.New("device already connected")
)

// User is one entry in the terminal's user table. UID is the numeric slot;
// UserID carries the biometric id in string form.
type User struct {
	UID      int    `json:"uid"`
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Password string `json:"-"`
	Role     int    `json:"role"`
	CardNo   int    `json:"cardNo,omitempty"`
}

// LogEntry is one attendance row from the terminal's log.
type LogEntry struct {
	BiometricID string    `json:"biometricId"`
	Instant     time.Time `json:"instant"`
}

// Info is the terminal identity and capacity snapshot.
type Info struct {
	Name            string `json:"name"`
	Serial          string `json:"serialNumber,omitempty"`
	Model           string `json:"model,omitempty"`
	Firmware        string `json:"firmware,omitempty"`
	UserCount       int    `json:"userCount"`
	LogCount        int    `json:"logCount"`
	LogCapacity     int    `json:"logCapacity,omitempty"`
	FingerprintAlgo string `json:"fingerprintAlgo,omitempty"`
}

// Driver is the opaque capability set of a terminal. Implementations are not
// required to be safe for concurrent calls; the session manager serializes
// access. The realtime callback is invoked from the driver's reader
// goroutine and must not block.
type Driver interface {
	// Connect opens the session.
	Connect(ctx context.Context) error
	// Disconnect closes the session; safe on a closed session.
	Disconnect(ctx context.Context) error
	// Connected reports whether the session is open.
	Connected() bool
	// EnableRealtime asks the terminal to push punches as they happen.
	EnableRealtime(ctx context.Context) error
	// OnEvent registers the realtime punch callback.
	OnEvent(cb types.PunchCallback)
	// PullLog reads the full attendance log.
	PullLog(ctx context.Context) ([]LogEntry, error)
	// SetUser writes a user table entry.
	SetUser(ctx context.Context, user User) error
	// DeleteUser removes a user table entry by slot.
	DeleteUser(ctx context.Context, uid int) error
	// GetUsers reads the user table.
	GetUsers(ctx context.Context) ([]User, error)
	// GetInfo reads the identity snapshot.
	GetInfo(ctx context.Context) (Info, error)
}

// Config carries the connection parameters a factory needs.
type Config struct {
	IP                string
	Port              int
	Timeout           time.Duration
	InactivityTimeout time.Duration
	// MockInterval drives the simulator's punch generator.
	MockInterval time.Duration
}

// Factory creates a driver instance.
type Factory func(cfg Config, logger *slog.Logger) (Driver, error)

var (
	registryMu        sync.RWMutex
	registeredDrivers = map[string]Factory{}
)

// Register registers a driver implementation under a name. Drivers register
// themselves from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registeredDrivers[name] = factory
}

// New creates a driver by registry name.
func New(name string, cfg Config, logger *slog.Logger) (Driver, error) {
	registryMu.RLock()
	factory, exists := registeredDrivers[name]
	registryMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unknown device driver %q (registered: %v)", name, RegisteredDrivers())
	}
	return factory(cfg, logger)
}

// RegisteredDrivers returns the sorted names of all registered drivers.
func RegisteredDrivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registeredDrivers))
	for name := range registeredDrivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
