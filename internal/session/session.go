// Package session owns the single device connection. It layers retry, a
// circuit breaker and a reconnect watchdog around the driver, keeps realtime
// delivery and polling fallback in balance, and serializes every driver call
// behind one lock. Punches leave the session through a non-blocking sink.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/policy"
	"zk-attendance-bridge/internal/types"
)

// State is the session lifecycle state.
type State string

// Session states. Both means realtime and polling are active at once;
// Degraded means connected without realtime.
const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateRealtime      State = "realtime"
	StatePolling       State = "polling"
	StateBoth          State = "both"
	StateDegraded      State = "degraded"
	StateDisconnecting State = "disconnecting"
)

// Defaults for the session policy
const (
	DefaultConnectTimeout      = 10 * time.Second
	DefaultOpTimeout           = 5 * time.Second
	DefaultPollPeriod          = 10 * time.Second
	DefaultRealtimeTimeout     = 60 * time.Second
	DefaultMaxRealtimeFailures = 3
	DefaultWatchdogPeriod      = 15 * time.Second
	DefaultDisconnectTimeout   = 3 * time.Second
)

// PunchSink receives raw punches from the realtime listener and the poller.
// Submit must be non-blocking.
type PunchSink interface {
	Submit(punch types.RawPunch)
}

// Config holds the session policy knobs.
type Config struct {
	IP   string
	Port int
	Mock bool

	ConnectTimeout      time.Duration
	OpTimeout           time.Duration
	PollPeriod          time.Duration
	RealtimeTimeout     time.Duration
	MaxRealtimeFailures int
	WatchdogPeriod      time.Duration
	DisconnectTimeout   time.Duration

	Retry   policy.RetryConfig
	Breaker policy.BreakerConfig
	Clock   clockwork.Clock
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = DefaultPollPeriod
	}
	if c.RealtimeTimeout <= 0 {
		c.RealtimeTimeout = DefaultRealtimeTimeout
	}
	if c.MaxRealtimeFailures <= 0 {
		c.MaxRealtimeFailures = DefaultMaxRealtimeFailures
	}
	if c.WatchdogPeriod <= 0 {
		c.WatchdogPeriod = DefaultWatchdogPeriod
	}
	if c.DisconnectTimeout <= 0 {
		c.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
}

// Status is a point-in-time session snapshot for the status surface.
type Status struct {
	State            State       `json:"state"`
	Connected        bool        `json:"connected"`
	IP               string      `json:"ip,omitempty"`
	Port             int         `json:"port,omitempty"`
	Mock             bool        `json:"mock"`
	Realtime         bool        `json:"realtime"`
	PermanentPolling bool        `json:"permanentPolling"`
	LastEventAt      *time.Time  `json:"lastEventAt,omitempty"`
	RealtimeFailures int         `json:"realtimeFailures"`
	Info             device.Info `json:"info"`
}

// Manager runs one device session.
type Manager struct {
	cfg     Config
	driver  device.Driver
	sink    PunchSink
	events  *bus.Bus
	clock   clockwork.Clock
	logger  *logrus.Entry
	retrier *policy.Retrier
	breaker *policy.CircuitBreaker

	// driverMu serializes every driver call except the realtime callback.
	driverMu sync.Mutex

	mu               sync.Mutex
	state            State
	info             device.Info
	realtimeEnabled  bool
	lastEventAt      time.Time
	realtimeFailures int
	permanentPolling bool
	baselineSet      bool
	lastLogLen       int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a session manager around the given driver.
func New(cfg Config, driver device.Driver, sink PunchSink, events *bus.Bus, logger *logrus.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = logrus.New()
	}
	cfg.Retry.Clock = cfg.Clock
	cfg.Breaker.Clock = cfg.Clock

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		driver: driver,
		sink:   sink,
		events: events,
		clock:  cfg.Clock,
		logger: logging.NewContextLogger(logger, logrus.Fields{
			"component": "session",
			"ip":        cfg.IP,
			"port":      cfg.Port,
		}),
		retrier: policy.NewRetrier(cfg.Retry, logger),
		breaker: policy.NewCircuitBreaker(cfg.Breaker),
		state:   StateIdle,
		ctx:     ctx,
		cancel:  cancel,
	}
	driver.OnEvent(m.onRealtimePunch)
	return m
}

// Start launches the polling loop and the reconnect watchdog.
func (m *Manager) Start() {
	m.wg.Add(2)
	go m.pollLoop()
	go m.watchdogLoop()
}

// Connect establishes the session: driver dial under retry and breaker,
// best-effort identity fetch and realtime enable, then a fresh poll
// baseline.
func (m *Manager) Connect(ctx context.Context) error {
	m.setState(StateConnecting)

	attempt := 0
	err := m.breaker.Do(ctx, func(ctx context.Context) error {
		return m.retrier.Do(ctx, "device connect", func(ctx context.Context) error {
			attempt++
			m.events.Publish(bus.TopicAttendance, bus.Connecting{
				IP:      m.cfg.IP,
				Port:    m.cfg.Port,
				Attempt: attempt,
			})

			dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
			defer cancel()

			m.driverMu.Lock()
			defer m.driverMu.Unlock()
			return m.driver.Connect(dialCtx)
		})
	})
	if err != nil {
		m.setState(StateIdle)
		m.events.Publish(bus.TopicAttendance, bus.ConnectionFailed{
			IP:       m.cfg.IP,
			Port:     m.cfg.Port,
			Error:    err.Error(),
			Attempts: attempt,
		})
		return fmt.Errorf("failed to connect to device %s:%d: %w", m.cfg.IP, m.cfg.Port, err)
	}

	m.postConnect()
	return nil
}

// postConnect runs the non-fatal setup after a successful dial: identity
// fetch, realtime enable, and a reset poll baseline.
func (m *Manager) postConnect() {
	opCtx, cancel := context.WithTimeout(m.ctx, m.cfg.OpTimeout)
	info, err := func() (device.Info, error) {
		defer cancel()
		m.driverMu.Lock()
		defer m.driverMu.Unlock()
		return m.driver.GetInfo(opCtx)
	}()
	if err != nil {
		m.logger.WithError(err).Warn("Device info fetch failed")
	}

	rtCtx, rtCancel := context.WithTimeout(m.ctx, m.cfg.OpTimeout)
	rtErr := func() error {
		defer rtCancel()
		m.driverMu.Lock()
		defer m.driverMu.Unlock()
		return m.driver.EnableRealtime(rtCtx)
	}()
	if rtErr != nil {
		m.logger.WithError(rtErr).Warn("Realtime enable failed, falling back to polling")
	}

	m.mu.Lock()
	m.info = info
	m.realtimeEnabled = rtErr == nil
	m.lastEventAt = m.clock.Now()
	m.realtimeFailures = 0
	m.permanentPolling = false
	m.baselineSet = false
	m.lastLogLen = 0
	if rtErr == nil {
		m.state = StateRealtime
	} else {
		m.state = StateDegraded
	}
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"name":     info.Name,
		"realtime": rtErr == nil,
	}).Info("Device connected")
	m.events.Publish(bus.TopicAttendance, bus.DeviceConnected{
		IP:       m.cfg.IP,
		Port:     m.cfg.Port,
		Name:     info.Name,
		Serial:   info.Serial,
		Realtime: rtErr == nil,
	})
	m.publishStatus()
}

// onRealtimePunch runs on the driver's reader goroutine; it must stay cheap.
func (m *Manager) onRealtimePunch(punch types.RawPunch) {
	m.mu.Lock()
	m.lastEventAt = m.clock.Now()
	m.realtimeFailures = 0
	m.mu.Unlock()

	punch.Source = types.SourceRealtime
	m.sink.Submit(punch)
}

func (m *Manager) pollLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.clock.After(m.cfg.PollPeriod):
			m.smartPoll()
		}
	}
}

// smartPoll skips while realtime is fresh, escalates to polling when it
// goes stale, and latches permanent polling mode after repeated timeouts.
func (m *Manager) smartPoll() {
	m.driverMu.Lock()
	connected := m.driver.Connected()
	m.driverMu.Unlock()
	if !connected {
		return
	}

	m.mu.Lock()
	if m.realtimeEnabled && !m.permanentPolling {
		if m.clock.Now().Sub(m.lastEventAt) < m.cfg.RealtimeTimeout {
			m.mu.Unlock()
			return
		}
		m.realtimeFailures++
		if m.realtimeFailures >= m.cfg.MaxRealtimeFailures {
			m.permanentPolling = true
			m.logger.WithField("failures", m.realtimeFailures).
				Warn("Realtime silent too long, switching to polling permanently")
		}
	}
	realtimeLive := m.realtimeEnabled && !m.permanentPolling
	if realtimeLive {
		m.state = StateBoth
	} else {
		m.state = StatePolling
	}
	m.mu.Unlock()

	if err := m.pull(); err != nil {
		m.logger.WithError(err).Warn("Attendance log pull failed")
	}
}

// pull reads the device log and emits the suffix beyond the last observed
// length. The first pull after a connect only records the baseline.
func (m *Manager) pull() error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	defer cancel()

	m.driverMu.Lock()
	entries, err := m.driver.PullLog(ctx)
	m.driverMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to pull attendance log: %w", err)
	}

	m.mu.Lock()
	if !m.baselineSet {
		m.baselineSet = true
		m.lastLogLen = len(entries)
		m.mu.Unlock()
		m.logger.WithField("entries", len(entries)).Debug("Poll baseline established")
		return nil
	}
	from := m.lastLogLen
	if len(entries) < from {
		// Device log was cleared; start over from the new length.
		from = len(entries)
	}
	m.lastLogLen = len(entries)
	m.mu.Unlock()

	for _, entry := range entries[from:] {
		m.sink.Submit(types.RawPunch{
			BiometricID: entry.BiometricID,
			Instant:     entry.Instant,
			Source:      types.SourcePoll,
		})
	}
	return nil
}

// watchdogLoop verifies the socket independently of polling and schedules
// reconnects through the breaker.
func (m *Manager) watchdogLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-m.clock.After(m.cfg.WatchdogPeriod):
		}

		m.mu.Lock()
		state := m.state
		m.mu.Unlock()
		if state == StateIdle || state == StateConnecting || state == StateDisconnecting {
			continue
		}

		m.driverMu.Lock()
		connected := m.driver.Connected()
		m.driverMu.Unlock()
		if connected {
			continue
		}

		m.logger.Warn("Device connection lost, reconnecting")
		m.publishStatus()
		if err := m.Connect(m.ctx); err != nil {
			m.logger.WithError(err).Warn("Reconnect attempt failed")
		}
	}
}

// Shutdown stops the loops and closes the session. The state converges to
// Idle even when the driver hangs on disconnect.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() {
		m.setState(StateDisconnecting)
		m.cancel()
		m.wg.Wait()

		done := make(chan struct{})
		go func() {
			defer close(done)
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DisconnectTimeout)
			defer cancel()
			if err := m.driver.Disconnect(ctx); err != nil {
				m.logger.WithError(err).Warn("Graceful disconnect failed")
			}
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.DisconnectTimeout + time.Second):
			m.logger.Warn("Driver hung on disconnect, abandoning socket")
		}

		m.setState(StateIdle)
		m.publishStatus()
	})
}

// Serialized driver surface for the API and the enrollment consumer

// Connected reports whether the device session is open.
func (m *Manager) Connected() bool {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	return m.driver.Connected()
}

// GetInfo reads the device identity snapshot.
func (m *Manager) GetInfo(ctx context.Context) (device.Info, error) {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	if !m.driver.Connected() {
		return device.Info{}, device.ErrNotConnected
	}
	return m.driver.GetInfo(ctx)
}

// GetUsers reads the device user table.
func (m *Manager) GetUsers(ctx context.Context) ([]device.User, error) {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	if !m.driver.Connected() {
		return nil, device.ErrNotConnected
	}
	return m.driver.GetUsers(ctx)
}

// SetUser writes a device user table entry.
func (m *Manager) SetUser(ctx context.Context, user device.User) error {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	if !m.driver.Connected() {
		return device.ErrNotConnected
	}
	return m.driver.SetUser(ctx, user)
}

// DeleteUser removes a device user table entry.
func (m *Manager) DeleteUser(ctx context.Context, uid int) error {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	if !m.driver.Connected() {
		return device.ErrNotConnected
	}
	return m.driver.DeleteUser(ctx, uid)
}

// PullLog reads the full device attendance log.
func (m *Manager) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	m.driverMu.Lock()
	defer m.driverMu.Unlock()
	if !m.driver.Connected() {
		return nil, device.ErrNotConnected
	}
	return m.driver.PullLog(ctx)
}

// ForcePoll triggers one poll pass immediately, for the polling API.
func (m *Manager) ForcePoll() error {
	if !m.Connected() {
		return device.ErrNotConnected
	}
	return m.pull()
}

// SetPermanentPolling latches or releases polling mode, for the polling API.
func (m *Manager) SetPermanentPolling(on bool) {
	m.mu.Lock()
	m.permanentPolling = on
	if !on {
		m.realtimeFailures = 0
		m.lastEventAt = m.clock.Now()
	}
	m.mu.Unlock()
	m.publishStatus()
}

// State returns the current session state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns a point-in-time session snapshot.
func (m *Manager) Status() Status {
	connected := m.Connected()

	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:            m.state,
		Connected:        connected,
		IP:               m.cfg.IP,
		Port:             m.cfg.Port,
		Mock:             m.cfg.Mock,
		Realtime:         m.realtimeEnabled && !m.permanentPolling,
		PermanentPolling: m.permanentPolling,
		RealtimeFailures: m.realtimeFailures,
		Info:             m.info,
	}
	if !m.lastEventAt.IsZero() {
		t := m.lastEventAt
		st.LastEventAt = &t
	}
	return st
}

// BreakerStats returns the connection breaker counters.
func (m *Manager) BreakerStats() policy.BreakerStats {
	return m.breaker.Stats()
}

// Endpoint returns the configured device address.
func (m *Manager) Endpoint() (string, int) {
	return m.cfg.IP, m.cfg.Port
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) publishStatus() {
	st := m.Status()
	m.events.Publish(bus.TopicAttendance, bus.DeviceStatus{
		Connected: st.Connected,
		IP:        st.IP,
		Port:      st.Port,
		Mock:      st.Mock,
		State:     string(st.State),
	})
}
