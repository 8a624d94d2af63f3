package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/device/mock"
	"zk-attendance-bridge/internal/policy"
	"zk-attendance-bridge/internal/types"
)

type chanSink struct {
	ch chan types.RawPunch
}

func newChanSink() *chanSink {
	return &chanSink{ch: make(chan types.RawPunch, 64)}
}

func (s *chanSink) Submit(punch types.RawPunch) {
	select {
	case s.ch <- punch:
	default:
	}
}

func (s *chanSink) next(t *testing.T) types.RawPunch {
	t.Helper()
	select {
	case p := <-s.ch:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for punch")
		return types.RawPunch{}
	}
}

// fakeDriver is a scriptable driver for failure-path tests.
type fakeDriver struct {
	mu             sync.Mutex
	connected      bool
	connectErr     error
	realtimeErr    error
	log            []device.LogEntry
	callback       types.PunchCallback
	disconnectHang bool
}

func (d *fakeDriver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectErr != nil {
		return d.connectErr
	}
	d.connected = true
	return nil
}

func (d *fakeDriver) Disconnect(ctx context.Context) error {
	if d.disconnectHang {
		select {} // never returns
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *fakeDriver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *fakeDriver) EnableRealtime(ctx context.Context) error { return d.realtimeErr }
func (d *fakeDriver) OnEvent(cb types.PunchCallback)           { d.callback = cb }

func (d *fakeDriver) PullLog(ctx context.Context) ([]device.LogEntry, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]device.LogEntry, len(d.log))
	copy(out, d.log)
	return out, nil
}

func (d *fakeDriver) appendLog(id string, at time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.log = append(d.log, device.LogEntry{BiometricID: id, Instant: at})
}

func (d *fakeDriver) SetUser(ctx context.Context, user device.User) error { return nil }
func (d *fakeDriver) DeleteUser(ctx context.Context, uid int) error       { return nil }
func (d *fakeDriver) GetUsers(ctx context.Context) ([]device.User, error) { return nil, nil }
func (d *fakeDriver) GetInfo(ctx context.Context) (device.Info, error) {
	return device.Info{Name: "fake"}, nil
}

func fastConfig() Config {
	return Config{
		IP:   "192.168.1.50",
		Port: 4370,
		Retry: policy.RetryConfig{
			MaxAttempts: 1,
			BaseDelay:   time.Millisecond,
			MaxDelay:    time.Millisecond,
		},
	}
}

func TestConnectEstablishesRealtimeSession(t *testing.T) {
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	events := bus.New(nil)
	sub := events.Subscribe(64, bus.TopicAttendance)
	defer sub.Close()

	m := New(fastConfig(), dev, newChanSink(), events, nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	assert.Equal(t, StateRealtime, m.State())
	assert.True(t, m.Connected())

	var sawConnecting, sawConnected bool
	deadline := time.After(2 * time.Second)
	for !(sawConnecting && sawConnected) {
		select {
		case env := <-sub.C:
			switch env.Name {
			case bus.EventConnecting:
				sawConnecting = true
			case bus.EventDeviceConnected:
				connected := env.Data.(bus.DeviceConnected)
				assert.True(t, connected.Realtime)
				sawConnected = true
			}
		case <-deadline:
			t.Fatal("missing connection events")
		}
	}
}

func TestRealtimePunchReachesSink(t *testing.T) {
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	sink := newChanSink()
	m := New(fastConfig(), dev, sink, bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	at := time.Now()
	dev.EmitPunch("3", at)

	punch := sink.next(t)
	assert.Equal(t, "3", punch.BiometricID)
	assert.Equal(t, types.SourceRealtime, punch.Source)
}

func TestConnectPermanentErrorFailsFast(t *testing.T) {
	dev := &fakeDriver{connectErr: errors.New("device rejected handshake")}
	events := bus.New(nil)
	sub := events.Subscribe(64, bus.TopicAttendance)
	defer sub.Close()

	m := New(fastConfig(), dev, newChanSink(), events, nil)
	err := m.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.State())

	deadline := time.After(2 * time.Second)
	for {
		select {
		case env := <-sub.C:
			if env.Name == bus.EventConnectionFailed {
				failed := env.Data.(bus.ConnectionFailed)
				assert.Equal(t, 1, failed.Attempts)
				return
			}
		case <-deadline:
			t.Fatal("missing connection-failed event")
		}
	}
}

func TestBreakerOpensAfterRepeatedConnectFailures(t *testing.T) {
	dev := &fakeDriver{connectErr: fmt.Errorf("dial tcp: connection timeout")}
	cfg := fastConfig()
	cfg.Breaker = policy.BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Hour}
	m := New(cfg, dev, newChanSink(), bus.New(nil), nil)

	for i := 0; i < 3; i++ {
		require.Error(t, m.Connect(context.Background()))
	}
	err := m.Connect(context.Background())
	assert.ErrorIs(t, err, policy.ErrBreakerOpen)
}

func TestPollEmitsOnlyLogSuffix(t *testing.T) {
	dev := &fakeDriver{realtimeErr: errors.New("realtime unsupported")}
	dev.appendLog("1", time.Now())
	dev.appendLog("2", time.Now())

	sink := newChanSink()
	m := New(fastConfig(), dev, sink, bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	// Realtime enable failed, so the session is degraded and every poll
	// pulls. First pull only records the baseline.
	assert.Equal(t, StateDegraded, m.State())
	m.smartPoll()
	select {
	case p := <-sink.ch:
		t.Fatalf("baseline pull must emit nothing, got %v", p)
	case <-time.After(50 * time.Millisecond):
	}

	dev.appendLog("3", time.Now())
	dev.appendLog("4", time.Now())
	m.smartPoll()

	first := sink.next(t)
	second := sink.next(t)
	assert.Equal(t, "3", first.BiometricID)
	assert.Equal(t, "4", second.BiometricID)
	assert.Equal(t, types.SourcePoll, first.Source)
	assert.Equal(t, StatePolling, m.State())
}

func TestPollHandlesClearedDeviceLog(t *testing.T) {
	dev := &fakeDriver{realtimeErr: errors.New("realtime unsupported")}
	dev.appendLog("1", time.Now())
	dev.appendLog("2", time.Now())

	sink := newChanSink()
	m := New(fastConfig(), dev, sink, bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	m.smartPoll() // baseline at 2

	dev.mu.Lock()
	dev.log = nil // operator cleared the terminal
	dev.mu.Unlock()
	dev.appendLog("9", time.Now())
	m.smartPoll()

	punch := sink.next(t)
	assert.Equal(t, "9", punch.BiometricID)
}

func TestRealtimeTimeoutLatchesPermanentPolling(t *testing.T) {
	clk := clockwork.NewFakeClock()
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	cfg := fastConfig()
	cfg.Clock = clk
	m := New(cfg, dev, newChanSink(), bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	require.Equal(t, StateRealtime, m.State())

	// Realtime fresh: polls are skipped.
	m.smartPoll()
	assert.Equal(t, StateRealtime, m.State())

	clk.Advance(61 * time.Second)
	m.smartPoll()
	m.smartPoll()
	m.smartPoll()

	status := m.Status()
	assert.True(t, status.PermanentPolling)
	assert.Equal(t, StatePolling, m.State())
	assert.False(t, status.Realtime)
}

func TestFreshPunchResetsRealtimeFailures(t *testing.T) {
	clk := clockwork.NewFakeClock()
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	cfg := fastConfig()
	cfg.Clock = clk
	m := New(cfg, dev, newChanSink(), bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	clk.Advance(61 * time.Second)
	m.smartPoll()
	require.Equal(t, 1, m.Status().RealtimeFailures)

	dev.EmitPunch("3", time.Now())
	assert.Equal(t, 0, m.Status().RealtimeFailures)
}

func TestShutdownConvergesToIdleWhenDriverHangs(t *testing.T) {
	dev := &fakeDriver{disconnectHang: true}
	cfg := fastConfig()
	cfg.DisconnectTimeout = 50 * time.Millisecond
	m := New(cfg, dev, newChanSink(), bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))

	done := make(chan struct{})
	go func() {
		m.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not converge")
	}
	assert.Equal(t, StateIdle, m.State())
}

func TestDriverOpsRequireConnection(t *testing.T) {
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	m := New(fastConfig(), dev, newChanSink(), bus.New(nil), nil)

	ctx := context.Background()
	_, err := m.GetInfo(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	_, err = m.GetUsers(ctx)
	assert.ErrorIs(t, err, device.ErrNotConnected)
	err = m.SetUser(ctx, device.User{UID: 1})
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.ErrorIs(t, m.ForcePoll(), device.ErrNotConnected)
}

func TestSetPermanentPollingRoundTrip(t *testing.T) {
	dev := mock.New(device.Config{MockInterval: time.Hour}, nil)
	m := New(fastConfig(), dev, newChanSink(), bus.New(nil), nil)
	require.NoError(t, m.Connect(context.Background()))
	defer m.Shutdown()

	m.SetPermanentPolling(true)
	assert.True(t, m.Status().PermanentPolling)

	m.SetPermanentPolling(false)
	status := m.Status()
	assert.False(t, status.PermanentPolling)
	assert.Equal(t, 0, status.RealtimeFailures)
}
