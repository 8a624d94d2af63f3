package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/config"
	"zk-attendance-bridge/internal/feed"
	"zk-attendance-bridge/internal/session"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.DataDirOverride = t.TempDir()
	cfg.UseMockDevice = true
	cfg.AutoDiscoverDevice = false
	cfg.DeviceIP = "127.0.0.1"
	// Keep the simulator's punch generator out of the way.
	cfg.MockIntervalMs = int(time.Hour / time.Millisecond)
	cfg.APIPort = freePort(t)
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func startCore(t *testing.T, cfg *config.Config) *Core {
	t.Helper()
	core, err := NewCore(cfg, WithLogger(quietLogger()), WithVersion("test"))
	require.NoError(t, err)
	require.NoError(t, core.Start(context.Background()))
	t.Cleanup(func() { core.Stop() })
	return core
}

func TestCoreStartsAndConnectsMockDevice(t *testing.T) {
	core := startCore(t, testConfig(t))

	sess := core.Session()
	require.NotNil(t, sess)
	assert.True(t, sess.Connected())
	assert.True(t, core.Connected())
	status := sess.Status()
	assert.True(t, status.Mock)
}

func TestPunchFlowsThroughToStore(t *testing.T) {
	core := startCore(t, testConfig(t))

	docs := core.docs.(*store.MemoryStore)
	require.NoError(t, docs.BatchSet(context.Background(), map[string]any{
		"users/u1": map[string]any{"id": "u1", "name": "Asha", "biometricId": "42"},
	}))

	instant := time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC)
	core.pipe.Submit(types.RawPunch{BiometricID: "42", Instant: instant, Source: types.SourceRealtime})

	date := core.zone.CalendarDate(instant)
	path := fmt.Sprintf("attendance_logs/%s/records/u1", date)
	require.Eventually(t, func() bool {
		_, ok := docs.Get(path)
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	raw, _ := docs.Get(path)
	var rec types.AttendanceRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	assert.Equal(t, "42", rec.BiometricID)
	assert.Equal(t, "Asha", rec.Name)
}

func TestEnrollmentFlowsThroughCore(t *testing.T) {
	core := startCore(t, testConfig(t))

	mem := core.enrollFeed.(*feed.MemoryFeed)
	require.NoError(t, mem.Put(feed.EnrollmentPath, "reg1", map[string]any{
		"biometricId": "77",
		"name":        "Ravi",
	}))

	require.Eventually(t, func() bool {
		raw, ok := mem.Get(feed.EnrollmentPath, "reg1")
		if !ok {
			return false
		}
		var child struct {
			EsslEnrolled bool `json:"esslEnrolled"`
		}
		return json.Unmarshal(raw, &child) == nil && child.EsslEnrolled
	}, 5*time.Second, 20*time.Millisecond)

	users, err := core.Session().GetUsers(context.Background())
	require.NoError(t, err)
	found := false
	for _, u := range users {
		if u.UserID == "77" {
			found = true
		}
	}
	assert.True(t, found, "enrolled user should be on the device")
}

func TestConnectToSwapsSessionAndPersistsChoice(t *testing.T) {
	cfg := testConfig(t)
	core := startCore(t, cfg)
	prev := core.Session()

	require.NoError(t, core.ConnectTo(context.Background(), "127.0.0.1", 4371))

	next := core.Session()
	require.NotSame(t, prev, next)
	assert.True(t, next.Connected())
	assert.Equal(t, session.StateIdle, prev.Status().State)

	settings, err := config.LoadUserSettings(cfg.UserSettingsPath())
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, "127.0.0.1", settings.StaticIP)
	assert.Equal(t, 4371, settings.StaticPort)
}

func TestStartFailsWithoutEndpointOrDiscovery(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseMockDevice = false
	cfg.DeviceIP = ""
	cfg.AutoDiscoverDevice = false

	core, err := NewCore(cfg, WithLogger(quietLogger()))
	require.NoError(t, err)
	defer core.Stop()

	err = core.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto discovery is disabled")
}

func TestReconfigureRetargetsOnlyOnEndpointChange(t *testing.T) {
	cfg := testConfig(t)
	core := startCore(t, cfg)
	prev := core.Session()

	same := *cfg
	require.NoError(t, core.Reconfigure(context.Background(), &same))
	assert.Same(t, prev, core.Session(), "unchanged endpoint keeps the session")

	moved := *cfg
	moved.DeviceIP = "127.0.0.2"
	require.NoError(t, core.Reconfigure(context.Background(), &moved))
	assert.NotSame(t, prev, core.Session())

	rewired := *cfg
	rewired.StoreDSN = "postgres://elsewhere/db"
	err := core.Reconfigure(context.Background(), &rewired)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart")
}

func TestMirrorReceivesAcceptedRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.MirrorEnabled = true
	core := startCore(t, cfg)

	core.pipe.Submit(types.RawPunch{
		BiometricID: "555",
		Instant:     time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC),
		Source:      types.SourcePoll,
	})

	require.Eventually(t, func() bool {
		n, err := core.mirror.Count(context.Background())
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	_, err := os.Stat(cfg.MirrorDatabasePath())
	assert.NoError(t, err)
}
