// Package bridge assembles the subsystems into one running process: device
// session, attendance pipeline, user cache, durability and sync, enrollment
// consumer, optional relational mirror and the local API server.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/api"
	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/mock"
	"zk-attendance-bridge/internal/device/zkt"
	"zk-attendance-bridge/internal/discovery"
	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/enroll"
	"zk-attendance-bridge/internal/feed"
	redisfeed "zk-attendance-bridge/internal/feed/redis"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/mirror"
	"zk-attendance-bridge/internal/pipeline"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/store/postgres"
	"zk-attendance-bridge/internal/syncworker"
	"zk-attendance-bridge/internal/usercache"
)

// Core owns every subsystem and their start/stop ordering. The device
// session is the one component that can be rebuilt at runtime, when the
// operator retargets the bridge at a different terminal.
type Core struct {
	cfg    *config.Config
	logger *logrus.Logger
	events *bus.Bus

	docs       store.DocumentStore
	docsCloser func() error
	enrollFeed feed.Feed
	durable    *durable.Manager
	cache      *usercache.Cache
	zone       *clock.Zone
	pipe       *pipeline.Pipeline
	scanner    *discovery.Scanner
	sync       *syncworker.Worker
	enrollment *enroll.Consumer
	mirror     *mirror.Mirror
	api        *api.Server

	mu      sync.Mutex
	sess    *session.Manager
	running bool
	version string

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures the core.
type Option func(*Core)

// WithVersion sets the version reported by the health endpoint.
func WithVersion(version string) Option {
	return func(c *Core) { c.version = version }
}

// WithLogger overrides the logger built from the config's log settings.
func WithLogger(logger *logrus.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// NewCore builds every subsystem except the device session, which is created
// in Start once the terminal endpoint is known.
func NewCore(cfg *config.Config, opts ...Option) (*Core, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		cfg:     cfg,
		version: "dev",
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = logging.Initialize(cfg.LogLevel)
		if err := logging.SetupFileLogging(c.logger, cfg.LogFile); err != nil {
			cancel()
			return nil, fmt.Errorf("failed to set up file logging: %w", err)
		}
	}

	if err := cfg.EnsureDirs(); err != nil {
		cancel()
		return nil, err
	}

	c.events = bus.New(c.logger)

	if err := c.initStore(); err != nil {
		cancel()
		return nil, err
	}
	if err := c.initFeed(); err != nil {
		cancel()
		return nil, err
	}

	dur, err := durable.NewManager(durable.ManagerConfig{
		SpillPath: cfg.PendingAttendancePath(),
		PhotosDir: cfg.PhotosDir(),
		UsersPath: cfg.UsersCachePath(),
	}, c.docs, c.logger)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize durability layer: %w", err)
	}
	c.durable = dur

	c.zone, err = clock.LoadZone(cfg.Timezone)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.Timezone, err)
	}

	c.cache = usercache.New(usercache.Config{
		LocalBaseURL: cfg.LocalBaseURL(),
	}, c.docs, dur.Photos(), dur.UsersFile(), c.logger)

	c.pipe = pipeline.New(pipeline.Config{}, c.cache, dur, c.events, c.zone, c.logger)

	scanCfg := discovery.Config{
		ProbeTimeout: cfg.ScanTimeout(),
		Workers:      cfg.ScanConcurrency,
	}
	if !cfg.UseMockDevice {
		scanCfg.FetchInfo = zktInfoProbe(cfg.ScanTimeout(), c.slogger())
	}
	c.scanner = discovery.NewScanner(scanCfg, c.events, c.logger)

	c.sync = syncworker.New(syncworker.Config{
		Interval: cfg.SyncInterval(),
	}, c.docs, dur, c.events, c.logger)

	c.enrollment = enroll.New(enroll.Config{}, c.enrollFeed, c, c.logger)

	if cfg.MirrorEnabled {
		m, err := mirror.Open(cfg.MirrorDatabasePath(), c.logger)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open attendance mirror: %w", err)
		}
		c.mirror = m
		c.pipe.AddObserver(m.Record)
	}

	c.api = api.NewServer(api.Config{
		Host:  cfg.APIHost,
		Port:  cfg.APIPort,
		Token: cfg.APIToken,
	}, api.Deps{
		Logger:    c.logger,
		Bus:       c.events,
		Scanner:   c.scanner,
		Pipeline:  c.pipe,
		Cache:     c.cache,
		Durable:   dur,
		Sync:      c.sync,
		Reconnect: c.Reconnect,
		ConnectTo: c.ConnectTo,
		Version:   c.version,
	})

	return c, nil
}

func (c *Core) initStore() error {
	if c.cfg.StoreDSN == "" {
		c.logger.Warn("No store DSN configured, using in-memory document store")
		c.docs = store.NewMemoryStore()
		return nil
	}
	pg, err := postgres.New(c.cfg.StoreDSN, c.logger)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}
	c.docs = pg
	c.docsCloser = pg.Close
	return nil
}

func (c *Core) initFeed() error {
	if c.cfg.FeedAddr == "" {
		c.logger.Info("No enrollment feed configured, using in-memory feed")
		c.enrollFeed = feed.NewMemoryFeed()
		return nil
	}
	f, err := redisfeed.New(redisfeed.Config{
		Addr:     c.cfg.FeedAddr,
		Password: c.cfg.FeedPassword,
		DB:       c.cfg.FeedDB,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("failed to open enrollment feed: %w", err)
	}
	c.enrollFeed = f
	return nil
}

// slogger adapts the process logger for the driver layer.
func (c *Core) slogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(c.logger.Writer(), &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// Start resolves the terminal endpoint, builds the session and brings every
// subsystem up. The API server is started last so handlers never observe a
// half-built core.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("bridge is already running")
	}
	c.running = true
	c.mu.Unlock()

	c.logger.WithField("version", c.version).Info("Starting attendance bridge")

	ip, port, err := c.resolveEndpoint(ctx)
	if err != nil {
		return err
	}

	sess, err := c.buildSession(ip, port)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
	c.api.SetSession(sess)

	c.pipe.Start()
	sess.Start()
	if err := sess.Connect(ctx); err != nil {
		// The watchdog keeps retrying; the bridge stays up for the API and
		// offline durability.
		c.logger.WithError(err).Warn("Initial device connection failed")
	}

	if n, err := c.cache.Prewarm(ctx); err != nil {
		c.logger.WithError(err).Warn("User cache prewarm failed")
	} else {
		c.logger.WithField("users", n).Info("User cache prewarmed")
	}

	c.sync.Start()
	if err := c.enrollment.Start(); err != nil {
		c.logger.WithError(err).Warn("Enrollment consumer failed to start")
	}

	go func() {
		if err := c.api.Start(c.ctx); err != nil {
			c.logger.WithError(err).Error("API server stopped")
		}
	}()

	c.logger.Info("Attendance bridge started")
	return nil
}

// Run starts the core and blocks until ctx is cancelled, then stops it.
func (c *Core) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return c.Stop()
}

// resolveEndpoint picks the terminal address: the mock needs none, a static
// ip wins, otherwise the subnet is scanned with retries.
func (c *Core) resolveEndpoint(ctx context.Context) (string, int, error) {
	if c.cfg.UseMockDevice {
		return "127.0.0.1", c.cfg.DevicePort, nil
	}
	if c.cfg.DeviceIP != "" {
		return c.cfg.DeviceIP, c.cfg.DevicePort, nil
	}
	if !c.cfg.AutoDiscoverDevice {
		return "", 0, fmt.Errorf("no device ip configured and auto discovery is disabled")
	}

	retries := c.cfg.AutoDiscoveryRetries
	for attempt := 1; ; attempt++ {
		c.logger.WithField("attempt", attempt).Info("Scanning for attendance terminal")
		if ip := c.scanner.FindFirst(ctx); ip != "" {
			c.logger.WithField("ip", ip).Info("Attendance terminal discovered")
			return ip, c.cfg.DevicePort, nil
		}
		if attempt > retries {
			return "", 0, fmt.Errorf("no attendance terminal found after %d scan attempts", attempt)
		}
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(c.cfg.AutoDiscoveryRetryDelay()):
		}
	}
}

func (c *Core) buildSession(ip string, port int) (*session.Manager, error) {
	driverName := zkt.DriverName
	if c.cfg.UseMockDevice {
		driverName = mock.DriverName
	}

	drv, err := device.New(driverName, device.Config{
		IP:                ip,
		Port:              port,
		Timeout:           c.cfg.Timeout(),
		InactivityTimeout: c.cfg.InactivityTimeout(),
		MockInterval:      c.cfg.MockInterval(),
	}, c.slogger())
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", driverName, err)
	}

	return session.New(session.Config{
		IP:             ip,
		Port:           port,
		Mock:           c.cfg.UseMockDevice,
		ConnectTimeout: c.cfg.Timeout(),
	}, drv, c.pipe, c.events, c.logger), nil
}

// Session returns the current device session, nil before Start.
func (c *Core) Session() *session.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Connected reports whether the current device session is open. Together
// with SetUser it lets the enrollment consumer follow session swaps.
func (c *Core) Connected() bool {
	s := c.Session()
	return s != nil && s.Connected()
}

// SetUser writes a user table entry through the current session.
func (c *Core) SetUser(ctx context.Context, user device.User) error {
	s := c.Session()
	if s == nil {
		return device.ErrNotConnected
	}
	return s.SetUser(ctx, user)
}

// Reconnect tears the current session down and reconnects to the same
// terminal.
func (c *Core) Reconnect(ctx context.Context) error {
	s := c.Session()
	if s == nil {
		return fmt.Errorf("no device session to reconnect")
	}
	ip, port := s.Endpoint()
	return c.retarget(ctx, ip, port)
}

// ConnectTo points the bridge at a different terminal and persists the
// choice so it survives restarts.
func (c *Core) ConnectTo(ctx context.Context, ip string, port int) error {
	settings := &config.UserSettings{
		ConnectionType: c.cfg.ConnectionType,
		StaticIP:       ip,
		StaticPort:     port,
	}
	if err := config.SaveUserSettings(c.cfg.UserSettingsPath(), settings); err != nil {
		c.logger.WithError(err).Warn("Failed to persist device choice")
	}
	return c.retarget(ctx, ip, port)
}

// Reconfigure applies a new configuration at runtime. Only the device
// endpoint can change in place; store, feed and API surface changes need a
// process restart.
func (c *Core) Reconfigure(ctx context.Context, next *config.Config) error {
	if err := next.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if next.StoreDSN != c.cfg.StoreDSN || next.FeedAddr != c.cfg.FeedAddr ||
		next.APIHost != c.cfg.APIHost || next.APIPort != c.cfg.APIPort ||
		next.UseMockDevice != c.cfg.UseMockDevice {
		return fmt.Errorf("store, feed, api and driver changes require a restart")
	}

	ip, port := next.DeviceIP, next.DevicePort
	if ip == "" {
		return fmt.Errorf("reconfigure requires an explicit device ip")
	}
	if cur := c.Session(); cur != nil {
		if curIP, curPort := cur.Endpoint(); curIP == ip && curPort == port {
			return nil
		}
	}
	return c.retarget(ctx, ip, port)
}

func (c *Core) retarget(ctx context.Context, ip string, port int) error {
	next, err := c.buildSession(ip, port)
	if err != nil {
		return err
	}

	c.mu.Lock()
	prev := c.sess
	c.sess = next
	c.mu.Unlock()
	c.api.SetSession(next)

	if prev != nil {
		prev.Shutdown()
	}

	next.Start()
	if err := next.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to device %s:%d: %w", ip, port, err)
	}
	return nil
}

// Stop brings the subsystems down in reverse dependency order.
func (c *Core) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	sess := c.sess
	c.mu.Unlock()

	c.logger.Info("Stopping attendance bridge")
	c.cancel()

	if err := c.api.Shutdown(); err != nil {
		c.logger.WithError(err).Warn("API server shutdown failed")
	}
	c.enrollment.Stop()
	c.sync.Stop()
	if sess != nil {
		sess.Shutdown()
	}
	c.pipe.Stop()
	if c.mirror != nil {
		if err := c.mirror.Close(); err != nil {
			c.logger.WithError(err).Warn("Mirror close failed")
		}
	}
	c.cache.Close()
	if err := c.durable.Close(); err != nil {
		c.logger.WithError(err).Warn("Durability layer close failed")
	}
	if err := c.enrollFeed.Close(); err != nil {
		c.logger.WithError(err).Warn("Enrollment feed close failed")
	}
	if c.docsCloser != nil {
		if err := c.docsCloser(); err != nil {
			c.logger.WithError(err).Warn("Document store close failed")
		}
	}

	c.logger.Info("Attendance bridge stopped")
	return nil
}

// zktInfoProbe enriches scan hits with terminal identity over a short-lived
// connection.
func zktInfoProbe(timeout time.Duration, logger *slog.Logger) discovery.InfoFunc {
	return func(ctx context.Context, ip string, port int) (device.Info, error) {
		drv, err := zkt.New(device.Config{IP: ip, Port: port, Timeout: timeout}, logger)
		if err != nil {
			return device.Info{}, err
		}
		if err := drv.Connect(ctx); err != nil {
			return device.Info{}, err
		}
		defer drv.Disconnect(context.Background())
		return drv.GetInfo(ctx)
	}
}
