// Package discovery locates fingerprint terminals on the local network by
// sweeping candidate /24 ranges with concurrent TCP connect probes. Open
// hosts are enriched with the MAC from the OS ARP table and, when an info
// fetcher is wired, the terminal's identity strings.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

// Default scan parameters
const (
	DefaultPort         = 4370
	DefaultProbeTimeout = 400 * time.Millisecond
	DefaultWorkers      = 150
	DefaultMaxDevices   = 5
	DefaultTotalBudget  = 40 * time.Second
	DefaultInfoTimeout  = 3 * time.Second
	// DefaultMinDuration is the minimum elapsed time before an empty result
	// is surfaced, so the UI always gets visible scan feedback.
	DefaultMinDuration = 2 * time.Second
)

// fallbackPrefixes are always swept in addition to the local /24s; home and
// small-office routers overwhelmingly hand out one of these ranges.
var fallbackPrefixes = []string{"192.168.0.", "192.168.1.", "192.168.2."}

// InfoFunc fetches terminal identity for an open host through a short-lived
// driver session.
type InfoFunc func(ctx context.Context, ip string, port int) (device.Info, error)

// Config holds the scanner parameters.
type Config struct {
	Port         int
	ProbeTimeout time.Duration
	Workers      int
	MaxDevices   int
	TotalBudget  time.Duration
	InfoTimeout  time.Duration
	MinDuration  time.Duration
	// FetchInfo enriches open hosts with terminal identity; nil leaves
	// placeholder metadata.
	FetchInfo InfoFunc
}

// DefaultConfig returns the default scan parameters.
func DefaultConfig() Config {
	return Config{
		Port:         DefaultPort,
		ProbeTimeout: DefaultProbeTimeout,
		Workers:      DefaultWorkers,
		MaxDevices:   DefaultMaxDevices,
		TotalBudget:  DefaultTotalBudget,
		InfoTimeout:  DefaultInfoTimeout,
		MinDuration:  DefaultMinDuration,
	}
}

// Scanner sweeps the LAN for terminals. It never returns an error: total
// failure is an empty result.
type Scanner struct {
	cfg    Config
	bus    *bus.Bus
	logger *logrus.Entry

	// dial and localAddrs are swappable for tests.
	dial       func(ctx context.Context, addr string, timeout time.Duration) bool
	localAddrs func() []net.IP
	arpTable   func() map[string]string
}

// NewScanner creates a scanner. events may be nil when no UI is attached.
func NewScanner(cfg Config, events *bus.Bus, logger *logrus.Logger) *Scanner {
	def := DefaultConfig()
	if cfg.Port <= 0 {
		cfg.Port = def.Port
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = def.ProbeTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxDevices <= 0 {
		cfg.MaxDevices = def.MaxDevices
	}
	if cfg.TotalBudget <= 0 {
		cfg.TotalBudget = def.TotalBudget
	}
	if cfg.InfoTimeout <= 0 {
		cfg.InfoTimeout = def.InfoTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		cfg:        cfg,
		bus:        events,
		logger:     logging.NewServiceLogger(logger, "discovery"),
		dial:       dialProbe,
		localAddrs: localIPv4Addrs,
		arpTable:   readARPTable,
	}
}

// Scan sweeps every candidate /24 and returns the terminals found, best
// metadata first. It never returns before MinDuration has elapsed when the
// result is empty.
func (s *Scanner) Scan(ctx context.Context) []types.DiscoveredDevice {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalBudget)
	defer cancel()

	locals := s.localAddrs()
	prefixes := candidatePrefixes(locals)
	targets := buildTargets(prefixes, locals)

	s.publish(bus.ScanStarted{Prefixes: prefixes, Candidates: len(targets)})
	s.logger.WithFields(logrus.Fields{
		"prefixes":   len(prefixes),
		"candidates": len(targets),
		"workers":    s.cfg.Workers,
	}).Info("Starting device scan")

	open := s.sweep(ctx, targets)

	devices := make([]types.DiscoveredDevice, 0, len(open))
	macs := s.arpTable()
	for _, ip := range open {
		d := types.DiscoveredDevice{IP: ip, Port: s.cfg.Port, Name: "ZKTeco Terminal"}
		if mac, ok := macs[ip]; ok {
			d.MAC = mac
		}
		s.fetchIdentity(ctx, &d)
		devices = append(devices, d)
		s.publish(bus.DeviceDiscovered{Device: d})
	}

	if len(devices) == 0 {
		s.waitMinimum(ctx, start)
		elapsed := time.Since(start)
		s.publish(bus.DeviceNotFound{
			Prefixes:  len(prefixes),
			Probed:    len(targets),
			ElapsedMs: elapsed.Milliseconds(),
			Elapsed:   elapsed,
		})
		s.logger.WithField("elapsed", elapsed.String()).Info("Scan finished, no devices found")
		return devices
	}

	s.logger.WithFields(logrus.Fields{
		"devices": len(devices),
		"elapsed": time.Since(start).String(),
	}).Info("Scan finished")
	return devices
}

// FindFirst returns the IP of the first terminal found, or "" when the sweep
// comes up empty.
func (s *Scanner) FindFirst(ctx context.Context) string {
	devices := s.Scan(ctx)
	if len(devices) == 0 {
		return ""
	}
	return devices[0].IP
}

// sweep probes every target with a fixed worker pool draining a shared
// cursor. It stops early once MaxDevices hosts answered.
func (s *Scanner) sweep(ctx context.Context, targets []string) []string {
	var (
		cursor int64 = -1
		found  int64
		mu     sync.Mutex
		open   []string
		wg     sync.WaitGroup
	)

	workers := s.cfg.Workers
	if workers > len(targets) {
		workers = len(targets)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if ctx.Err() != nil || atomic.LoadInt64(&found) >= int64(s.cfg.MaxDevices) {
					return
				}
				idx := atomic.AddInt64(&cursor, 1)
				if idx >= int64(len(targets)) {
					return
				}
				ip := targets[idx]
				if !s.dial(ctx, net.JoinHostPort(ip, fmt.Sprintf("%d", s.cfg.Port)), s.cfg.ProbeTimeout) {
					continue
				}
				atomic.AddInt64(&found, 1)
				mu.Lock()
				open = append(open, ip)
				mu.Unlock()
				s.logger.WithField("ip", ip).Info("Open device port found")
			}
		}()
	}
	wg.Wait()
	return open
}

// fetchIdentity fills in terminal identity through the configured fetcher.
// Timeouts downgrade metadata but never drop the host.
func (s *Scanner) fetchIdentity(ctx context.Context, d *types.DiscoveredDevice) {
	if s.cfg.FetchInfo == nil {
		return
	}
	infoCtx, cancel := context.WithTimeout(ctx, s.cfg.InfoTimeout)
	defer cancel()

	info, err := s.cfg.FetchInfo(infoCtx, d.IP, d.Port)
	if err != nil {
		s.logger.WithError(err).WithField("ip", d.IP).Warn("Device info fetch failed, keeping placeholder")
		return
	}
	if info.Name != "" {
		d.Name = info.Name
	}
	d.Serial = info.Serial
	d.Model = info.Model
	d.Firmware = info.Firmware
}

// waitMinimum blocks until MinDuration has elapsed since start, so an empty
// sweep is never reported back instantly.
func (s *Scanner) waitMinimum(ctx context.Context, start time.Time) {
	remaining := s.cfg.MinDuration - time.Since(start)
	if remaining <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(remaining):
	}
}

func (s *Scanner) publish(event bus.Event) {
	if s.bus != nil {
		s.bus.Publish(bus.TopicAttendance, event)
	}
}

// candidatePrefixes builds the deduplicated /24 prefix set: one per local
// IPv4 address plus the common router ranges.
func candidatePrefixes(locals []net.IP) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(prefix string) {
		if _, ok := seen[prefix]; ok {
			return
		}
		seen[prefix] = struct{}{}
		out = append(out, prefix)
	}
	for _, ip := range locals {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		add(fmt.Sprintf("%d.%d.%d.", v4[0], v4[1], v4[2]))
	}
	for _, p := range fallbackPrefixes {
		add(p)
	}
	return out
}

// buildTargets expands each prefix into its smart-ordered host list,
// skipping the local addresses, the gateway (.1) and broadcast (.255).
// Terminals are usually parked in the DHCP range, so [100..200] goes first.
func buildTargets(prefixes []string, locals []net.IP) []string {
	skip := make(map[string]struct{}, len(locals))
	for _, ip := range locals {
		if v4 := ip.To4(); v4 != nil {
			skip[v4.String()] = struct{}{}
		}
	}

	hosts := make([]int, 0, 253)
	for h := 100; h <= 200; h++ {
		hosts = append(hosts, h)
	}
	for h := 2; h <= 99; h++ {
		hosts = append(hosts, h)
	}
	for h := 201; h <= 254; h++ {
		hosts = append(hosts, h)
	}

	var targets []string
	for _, prefix := range prefixes {
		for _, h := range hosts {
			ip := fmt.Sprintf("%s%d", prefix, h)
			if _, ok := skip[ip]; ok {
				continue
			}
			targets = append(targets, ip)
		}
	}
	return targets
}

// localIPv4Addrs enumerates the non-loopback, non-link-local IPv4 addresses
// of all up interfaces. Errors collapse to an empty list; the fallback
// prefixes still get swept.
func localIPv4Addrs() []net.IP {
	var out []net.IP
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipnet.IP.To4()
			if ip == nil || ip.IsLoopback() || ip.IsLinkLocalUnicast() {
				continue
			}
			out = append(out, ip)
		}
	}
	return out
}

// dialProbe reports whether a TCP connect to addr succeeds within timeout.
func dialProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
