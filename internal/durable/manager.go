package durable

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

// Disposition says where a saved record ended up.
type Disposition int

const (
	// SavedCloud means the cloud store acknowledged the record (or an
	// equivalent record was already there).
	SavedCloud Disposition = iota
	// SavedOffline means the record was spilled locally for later sync.
	SavedOffline
	// SaveLost means both the cloud write and the spill failed.
	SaveLost
)

// SaveResult is the outcome of one Save call.
type SaveResult struct {
	Disposition Disposition
	// Outcome is the batch outcome detail for cloud saves.
	Outcome string
	// RecordID identifies the spill envelope for offline saves.
	RecordID string
}

// Manager is the single durability entry point: accepted records go to the
// cloud batcher when online and to the spill when offline or when the cloud
// write fails. The sync worker flips the online flag and drains the spill.
type Manager struct {
	batcher *Batcher
	spill   *Spill
	photos  *PhotoStore
	users   *UsersFile
	clock   clockwork.Clock
	logger  *logrus.Entry

	online atomic.Bool
}

// ManagerConfig bundles the durability sub-components.
type ManagerConfig struct {
	SpillPath string
	PhotosDir string
	UsersPath string
	Batcher   BatcherConfig
	Clock     clockwork.Clock
}

// NewManager builds the durability layer on the given store.
func NewManager(cfg ManagerConfig, docs store.DocumentStore, logger *logrus.Logger) (*Manager, error) {
	if logger == nil {
		logger = logrus.New()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}

	spill, err := NewSpill(cfg.SpillPath, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open spill: %w", err)
	}
	photos, err := NewPhotoStore(cfg.PhotosDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open photo store: %w", err)
	}

	m := &Manager{
		batcher: NewBatcher(cfg.Batcher, docs, logger),
		spill:   spill,
		photos:  photos,
		users:   NewUsersFile(cfg.UsersPath),
		clock:   clk,
		logger:  logging.NewServiceLogger(logger, "durability"),
	}
	// Assume online until the first probe says otherwise; a failed batch
	// write still falls through to the spill.
	m.online.Store(true)
	return m, nil
}

// SetOnline flips the primary write path between the batcher and the spill.
func (m *Manager) SetOnline(online bool) {
	m.online.Store(online)
}

// Online reports the current cloud write path.
func (m *Manager) Online() bool {
	return m.online.Load()
}

// Save persists one accepted attendance record. In online mode the record
// goes through the cloud batcher, falling back to the spill on failure; in
// offline mode it goes straight to the spill. SaveLost is returned only when
// both sinks fail.
func (m *Manager) Save(record types.AttendanceRecord) (SaveResult, error) {
	if m.online.Load() {
		result, err := m.saveCloud(record)
		if err == nil {
			return result, nil
		}
		m.logger.WithError(err).WithField("userId", record.UserID).
			Warn("Cloud save failed, spilling record")
	}
	return m.saveSpill(record)
}

func (m *Manager) saveCloud(record types.AttendanceRecord) (SaveResult, error) {
	ch, err := m.batcher.Enqueue(record)
	if err != nil {
		return SaveResult{}, err
	}
	result := <-ch
	if !result.OK() {
		err := result.Err
		if err == nil {
			err = errors.New("batch write failed")
		}
		return SaveResult{}, err
	}
	return SaveResult{Disposition: SavedCloud, Outcome: result.Outcome}, nil
}

func (m *Manager) saveSpill(record types.AttendanceRecord) (SaveResult, error) {
	now := m.clock.Now()
	env := types.DurableEnvelope{
		RecordID:         NewRecordID(now),
		OfflineTimestamp: now,
		SyncStatus:       types.SyncPending,
		Record:           record,
	}
	if err := m.spill.Append(env); err != nil {
		return SaveResult{Disposition: SaveLost}, fmt.Errorf("failed to spill record: %w", err)
	}
	return SaveResult{Disposition: SavedOffline, RecordID: env.RecordID}, nil
}

// Requeue appends drained-but-failed envelopes into the current active
// segment. Idempotent on record id.
func (m *Manager) Requeue(envs []types.DurableEnvelope) error {
	return m.spill.AppendAll(envs)
}

// Spill exposes the spill for the sync worker's rotate/drain cycle.
func (m *Manager) Spill() *Spill { return m.spill }

// Photos exposes the photo store for the user cache and the static handler.
func (m *Manager) Photos() *PhotoStore { return m.photos }

// UsersFile exposes the on-disk user mirror.
func (m *Manager) UsersFile() *UsersFile { return m.users }

// BatcherStats returns cloud batcher counters.
func (m *Manager) BatcherStats() BatcherStats { return m.batcher.Stats() }

// PendingCount returns the spill backlog size.
func (m *Manager) PendingCount() int { return m.spill.PendingCount() }

// Close flushes the batcher, reporting records lost in the shutdown flush.
func (m *Manager) Close() error {
	if err := m.batcher.Close(); err != nil {
		return fmt.Errorf("failed to close cloud batcher: %w", err)
	}
	return nil
}

// Drain-side helpers shared with the sync worker

// RotateSpill rotates the active spill ahead of a drain.
func (m *Manager) RotateSpill(now time.Time) (string, error) {
	return m.spill.Rotate(now)
}
