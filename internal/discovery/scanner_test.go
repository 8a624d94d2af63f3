package discovery

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/device"
)

func testScanner(cfg Config) *Scanner {
	s := NewScanner(cfg, nil, nil)
	s.cfg.MinDuration = 0
	s.arpTable = func() map[string]string { return nil }
	return s
}

func TestBuildTargetsSmartOrdering(t *testing.T) {
	targets := buildTargets([]string{"192.168.1."}, []net.IP{net.ParseIP("192.168.1.45")})

	require.NotEmpty(t, targets)
	assert.Equal(t, "192.168.1.100", targets[0])

	pos := map[string]int{}
	for i, ip := range targets {
		pos[ip] = i
	}

	// DHCP range first, then the low range, then the high range.
	assert.Less(t, pos["192.168.1.174"], pos["192.168.1.2"])
	assert.Less(t, pos["192.168.1.99"], pos["192.168.1.201"])

	// Local host, .1 and .255 are never probed.
	assert.NotContains(t, pos, "192.168.1.45")
	assert.NotContains(t, pos, "192.168.1.1")
	assert.NotContains(t, pos, "192.168.1.255")
}

func TestCandidatePrefixesDeduplicates(t *testing.T) {
	prefixes := candidatePrefixes([]net.IP{
		net.ParseIP("192.168.1.45"),
		net.ParseIP("10.0.7.2"),
	})

	assert.Equal(t, []string{"192.168.1.", "10.0.7.", "192.168.0.", "192.168.2."}, prefixes)
}

func TestScanFindsDeviceInFirstWave(t *testing.T) {
	s := testScanner(Config{Workers: 10, MaxDevices: 1})
	s.localAddrs = func() []net.IP { return []net.IP{net.ParseIP("192.168.1.45")} }

	var mu sync.Mutex
	probedBefore := 0
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		host, _, _ := net.SplitHostPort(addr)
		mu.Lock()
		defer mu.Unlock()
		if host == "192.168.1.174" {
			return true
		}
		probedBefore++
		return false
	}

	devices := s.Scan(context.Background())
	require.Len(t, devices, 1)
	assert.Equal(t, "192.168.1.174", devices[0].IP)
	assert.Equal(t, 4370, devices[0].Port)

	// 174 sits in the [100..200] wave; with early exit the sweep never
	// reaches the full candidate count.
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, probedBefore, 3*253)
}

func TestScanEmptyNetworkReturnsEmptyWithoutError(t *testing.T) {
	s := testScanner(Config{Workers: 50})
	s.localAddrs = func() []net.IP { return nil } // zero interfaces
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool { return false }

	devices := s.Scan(context.Background())
	assert.Empty(t, devices)
}

func TestScanEarlyExitAtMaxDevices(t *testing.T) {
	s := testScanner(Config{Workers: 20, MaxDevices: 2})
	s.localAddrs = func() []net.IP { return []net.IP{net.ParseIP("192.168.1.45")} }
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		return true // every host answers
	}

	devices := s.Scan(context.Background())
	// Workers in flight when the flag latches may add a few extras; the
	// sweep must still stop far short of the full candidate set.
	assert.GreaterOrEqual(t, len(devices), 2)
	assert.LessOrEqual(t, len(devices), 2+20)
}

func TestScanInfoFetchTimeoutKeepsPlaceholder(t *testing.T) {
	cfg := Config{Workers: 5, MaxDevices: 1, InfoTimeout: 10 * time.Millisecond}
	cfg.FetchInfo = func(ctx context.Context, ip string, port int) (device.Info, error) {
		<-ctx.Done()
		return device.Info{}, ctx.Err()
	}
	s := testScanner(cfg)
	s.localAddrs = func() []net.IP { return []net.IP{net.ParseIP("192.168.1.45")} }
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		host, _, _ := net.SplitHostPort(addr)
		return host == "192.168.1.174"
	}

	devices := s.Scan(context.Background())
	require.Len(t, devices, 1)
	assert.Equal(t, "ZKTeco Terminal", devices[0].Name)
	assert.Empty(t, devices[0].Serial)
}

func TestScanInfoFetchFillsIdentity(t *testing.T) {
	cfg := Config{Workers: 5, MaxDevices: 1}
	cfg.FetchInfo = func(ctx context.Context, ip string, port int) (device.Info, error) {
		return device.Info{Name: "K40 Pro", Serial: "A8N5210260001", Firmware: "Ver 6.60"}, nil
	}
	s := testScanner(cfg)
	s.localAddrs = func() []net.IP { return []net.IP{net.ParseIP("192.168.1.45")} }
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool {
		host, _, _ := net.SplitHostPort(addr)
		return host == "192.168.1.174"
	}

	devices := s.Scan(context.Background())
	require.Len(t, devices, 1)
	assert.Equal(t, "K40 Pro", devices[0].Name)
	assert.Equal(t, "A8N5210260001", devices[0].Serial)
}

func TestScanMinimumDurationHolds(t *testing.T) {
	s := NewScanner(Config{Workers: 5, MinDuration: 150 * time.Millisecond}, nil, nil)
	s.arpTable = func() map[string]string { return nil }
	s.localAddrs = func() []net.IP { return nil }
	s.dial = func(ctx context.Context, addr string, timeout time.Duration) bool { return false }

	start := time.Now()
	devices := s.Scan(context.Background())
	assert.Empty(t, devices)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestReadProcNetARP(t *testing.T) {
	content := strings.Join([]string{
		"IP address       HW type     Flags       HW address            Mask     Device",
		"192.168.1.174    0x1         0x2         00:17:61:10:2c:aa     *        eth0",
		"192.168.1.1      0x1         0x0         00:00:00:00:00:00     *        eth0",
	}, "\n")
	path := filepath.Join(t.TempDir(), "arp")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	table := readProcNetARP(path)
	assert.Equal(t, "00:17:61:10:2c:aa", table["192.168.1.174"])
	// Incomplete entries (zero MAC) are skipped.
	assert.NotContains(t, table, "192.168.1.1")
}
