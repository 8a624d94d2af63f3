// Package mock implements the device driver as an in-process simulator. It
// generates punches on a fixed interval from a seeded user table, grows an
// attendance log the way a real terminal does, and occasionally reports a
// failed read so the failure paths stay exercised.
package mock

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/types"
)

// DriverName is the registry name of the simulator.
const DriverName = "mock"

// scanFailEvery injects one failed read per this many generated punches.
const scanFailEvery = 10

func init() {
	device.Register(DriverName, func(cfg device.Config, logger *slog.Logger) (device.Driver, error) {
		return New(cfg, logger), nil
	})
}

// Device is a simulated terminal.
type Device struct {
	mu        sync.RWMutex
	connected bool
	realtime  bool
	callback  types.PunchCallback
	users     map[int]device.User
	log       []device.LogEntry
	generated int

	interval time.Duration
	stopChan chan struct{}
	logger   *slog.Logger
}

// New creates a simulator with a seeded user table.
func New(cfg device.Config, logger *slog.Logger) *Device {
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.MockInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	users := map[int]device.User{}
	names := []string{"Asha Rao", "Vikram Shah", "Meera Iyer", "Dev Patel", "Sana Khan"}
	for i, name := range names {
		uid := i + 1
		users[uid] = device.User{UID: uid, UserID: strconv.Itoa(uid), Name: name}
	}

	return &Device{
		users:    users,
		interval: interval,
		logger:   logger.With("driver", DriverName),
	}
}

// Connect opens the simulated session and starts the punch generator.
func (d *Device) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return device.ErrAlreadyConnected
	}
	d.connected = true
	d.stopChan = make(chan struct{})
	go d.generate(d.stopChan)

	d.logger.Info("Mock device connected", "interval", d.interval.String(), "users", len(d.users))
	return nil
}

// Disconnect stops the generator and closes the session.
func (d *Device) Disconnect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}
	d.connected = false
	close(d.stopChan)
	d.logger.Info("Mock device disconnected")
	return nil
}

// Connected reports whether the session is open.
func (d *Device) Connected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// EnableRealtime marks realtime mode on.
func (d *Device) EnableRealtime(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return device.ErrNotConnected
	}
	d.realtime = true
	return nil
}

// OnEvent registers the realtime callback.
func (d *Device) OnEvent(cb types.PunchCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

// PullLog returns a copy of the accumulated attendance log.
func (d *Device) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return nil, device.ErrNotConnected
	}
	out := make([]device.LogEntry, len(d.log))
	copy(out, d.log)
	return out, nil
}

// SetUser writes a user table entry.
func (d *Device) SetUser(ctx context.Context, user device.User) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return device.ErrNotConnected
	}
	if user.UID <= 0 {
		return fmt.Errorf("invalid uid %d", user.UID)
	}
	d.users[user.UID] = user
	d.logger.Info("Mock user written", "uid", user.UID, "name", user.Name)
	return nil
}

// DeleteUser removes a user table entry.
func (d *Device) DeleteUser(ctx context.Context, uid int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return device.ErrNotConnected
	}
	if _, ok := d.users[uid]; !ok {
		return fmt.Errorf("no user at uid %d", uid)
	}
	delete(d.users, uid)
	return nil
}

// GetUsers returns the user table sorted by uid.
func (d *Device) GetUsers(ctx context.Context) ([]device.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return nil, device.ErrNotConnected
	}
	uids := make([]int, 0, len(d.users))
	for uid := range d.users {
		uids = append(uids, uid)
	}
	sort.Ints(uids)

	out := make([]device.User, 0, len(uids))
	for _, uid := range uids {
		out = append(out, d.users[uid])
	}
	return out, nil
}

// GetInfo returns the simulated identity snapshot.
func (d *Device) GetInfo(ctx context.Context) (device.Info, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.connected {
		return device.Info{}, device.ErrNotConnected
	}
	return device.Info{
		Name:        "ZK Mock Terminal",
		Serial:      "MOCK0001",
		Model:       "K40-SIM",
		Firmware:    "Ver 6.60 (mock)",
		UserCount:   len(d.users),
		LogCount:    len(d.log),
		LogCapacity: 100000,
	}, nil
}

// EmitPunch injects one realtime punch, for tests and manual triggering.
func (d *Device) EmitPunch(biometricID string, at time.Time) {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	cb := d.callback
	if !types.IsScanFailedID(biometricID) {
		d.log = append(d.log, device.LogEntry{BiometricID: biometricID, Instant: at})
	}
	d.mu.Unlock()

	if cb != nil {
		cb(types.RawPunch{BiometricID: biometricID, Instant: at, DeviceID: DriverName, Source: types.SourceRealtime})
	}
}

// generate produces punches until the session closes.
func (d *Device) generate(stop <-chan struct{}) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.mu.Lock()
			if !d.connected || len(d.users) == 0 {
				d.mu.Unlock()
				continue
			}
			d.generated++
			id := "0" // periodic failed read
			if d.generated%scanFailEvery != 0 {
				uids := make([]int, 0, len(d.users))
				for uid := range d.users {
					uids = append(uids, uid)
				}
				id = d.users[uids[rand.Intn(len(uids))]].UserID
			}
			d.mu.Unlock()

			d.EmitPunch(id, time.Now())
		}
	}
}
