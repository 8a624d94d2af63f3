// Package durable is the local durability layer: an append-only NDJSON spill
// for records the cloud could not take, the batched cloud writer, the
// offloaded photo store and the on-disk user cache mirror.
package durable

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

// NewRecordID returns the spill identity key for a new envelope: a
// millisecond timestamp prefix keeps ids roughly sortable by creation time,
// the uuid suffix makes them globally unique.
func NewRecordID(now time.Time) string {
	return fmt.Sprintf("%013d_%s", now.UnixMilli(), uuid.NewString()[:8])
}

// legacyEnvelope tolerates the identifier aliases older spill files used.
// dbId and a bare offlineTimestamp are normalized to recordId on read.
type legacyEnvelope struct {
	types.DurableEnvelope
	DBID string `json:"dbId,omitempty"`
	// Flat record fields from the oldest format, where the attendance
	// record was inlined rather than nested.
	UserID      string `json:"userId,omitempty"`
	BiometricID string `json:"biometricId,omitempty"`
}

func decodeEnvelope(line []byte) (types.DurableEnvelope, error) {
	var legacy legacyEnvelope
	if err := json.Unmarshal(line, &legacy); err != nil {
		return types.DurableEnvelope{}, err
	}
	env := legacy.DurableEnvelope
	if env.RecordID == "" {
		env.RecordID = legacy.DBID
	}
	if env.RecordID == "" && !env.OfflineTimestamp.IsZero() {
		env.RecordID = fmt.Sprintf("%013d_legacy", env.OfflineTimestamp.UnixMilli())
	}
	if env.RecordID == "" {
		return types.DurableEnvelope{}, fmt.Errorf("envelope has no record id")
	}
	if env.Record.UserID == "" && legacy.UserID != "" {
		env.Record.UserID = legacy.UserID
		env.Record.BiometricID = legacy.BiometricID
	}
	if env.SyncStatus == "" {
		env.SyncStatus = types.SyncPending
	}
	return env, nil
}

// Spill is the append-only local queue. One active file takes appends; a
// rotation atomically renames it to a timestamped batch file which is then
// immutable until drained and deleted.
type Spill struct {
	mu         sync.Mutex
	activePath string
	logger     *logrus.Entry

	// activeIDs makes requeues idempotent on recordId within the current
	// active segment.
	activeIDs map[string]struct{}
}

// NewSpill opens the spill at activePath, creating the directory and running
// the one-time legacy array migration when needed.
func NewSpill(activePath string, logger *logrus.Logger) (*Spill, error) {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Spill{
		activePath: activePath,
		logger:     logging.NewServiceLogger(logger, "spill"),
		activeIDs:  make(map[string]struct{}),
	}

	if err := os.MkdirAll(filepath.Dir(activePath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	if err := s.migrateLegacy(); err != nil {
		return nil, err
	}
	if err := s.loadActiveIDs(); err != nil {
		return nil, err
	}
	return s, nil
}

// migrateLegacy converts a prior JSON-array spill file to NDJSON, preserving
// the record count. A file that parses as neither is backed up as
// .corrupt.bak so appends can start fresh.
func (s *Spill) migrateLegacy() error {
	data, err := os.ReadFile(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read spill file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed[0] != '[' {
		return nil
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		backup := s.activePath + ".corrupt.bak"
		s.logger.WithError(err).WithField("backup", backup).
			Warn("Spill file is a corrupt JSON array, backing up")
		if err := os.Rename(s.activePath, backup); err != nil {
			return fmt.Errorf("failed to back up corrupt spill file: %w", err)
		}
		return nil
	}

	tmp := s.activePath + ".migrate"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("failed to create migration file: %w", err)
	}
	w := bufio.NewWriter(f)
	migrated := 0
	for _, raw := range entries {
		env, err := decodeEnvelope(raw)
		if err != nil {
			s.logger.WithError(err).Warn("Dropping unreadable legacy spill entry")
			continue
		}
		line, err := json.Marshal(env)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("failed to re-encode legacy entry: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
		migrated++
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to flush migration file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close migration file: %w", err)
	}
	if err := os.Rename(tmp, s.activePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace legacy spill file: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"entries":  len(entries),
		"migrated": migrated,
	}).Info("Migrated legacy JSON-array spill to line-delimited form")
	return nil
}

// loadActiveIDs seeds the requeue idempotency set from the active file.
func (s *Spill) loadActiveIDs() error {
	f, err := os.Open(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		env, err := decodeEnvelope(scanner.Bytes())
		if err != nil {
			continue
		}
		s.activeIDs[env.RecordID] = struct{}{}
	}
	return scanner.Err()
}

// Append writes one envelope to the active file. O(1) amortized; safe for
// concurrent callers.
func (s *Spill) Append(env types.DurableEnvelope) error {
	return s.AppendAll([]types.DurableEnvelope{env})
}

// AppendAll writes envelopes to the active file, skipping record ids already
// present in the current active segment. Requeues after a partial drain go
// through here, so the skip is what makes requeueing idempotent.
func (s *Spill) AppendAll(envs []types.DurableEnvelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open spill file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, env := range envs {
		if _, dup := s.activeIDs[env.RecordID]; dup {
			continue
		}
		line, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append to spill: %w", err)
		}
		s.activeIDs[env.RecordID] = struct{}{}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to flush spill: %w", err)
	}
	return nil
}

// Rotate atomically renames the active file to a timestamped batch file and
// returns its path, or "" when there is nothing to rotate. Appends after a
// rotation create a fresh active file.
func (s *Spill) Rotate(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.activePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to stat spill file: %w", err)
	}
	if info.Size() == 0 {
		return "", nil
	}

	rotated := fmt.Sprintf("%s.%d", s.activePath, now.UnixMilli())
	if err := os.Rename(s.activePath, rotated); err != nil {
		return "", fmt.Errorf("failed to rotate spill file: %w", err)
	}
	s.activeIDs = make(map[string]struct{})

	s.logger.WithField("batch", filepath.Base(rotated)).Debug("Rotated active spill")
	return rotated, nil
}

// Batches returns the rotated batch files, oldest first.
func (s *Spill) Batches() ([]string, error) {
	matches, err := filepath.Glob(s.activePath + ".*")
	if err != nil {
		return nil, fmt.Errorf("failed to list spill batches: %w", err)
	}
	var batches []string
	for _, m := range matches {
		suffix := strings.TrimPrefix(m, s.activePath+".")
		// Only numeric rotation suffixes; skips .corrupt.bak and .migrate.
		if suffix == "" || strings.Trim(suffix, "0123456789") != "" {
			continue
		}
		batches = append(batches, m)
	}
	sort.Strings(batches)
	return batches, nil
}

// ReadBatch streams the batch line by line. Malformed lines are counted and
// skipped, never aborting the read. fn returning an error stops the stream.
func (s *Spill) ReadBatch(path string, fn func(env types.DurableEnvelope) error) (malformed int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open spill batch: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		env, err := decodeEnvelope([]byte(line))
		if err != nil {
			malformed++
			s.logger.WithError(err).WithField("batch", filepath.Base(path)).
				Warn("Dropping malformed spill line")
			continue
		}
		if err := fn(env); err != nil {
			return malformed, err
		}
	}
	return malformed, scanner.Err()
}

// DeleteBatch removes a fully drained batch file.
func (s *Spill) DeleteBatch(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete spill batch: %w", err)
	}
	return nil
}

// PendingCount counts envelopes across the active file and every rotated
// batch. Used by the sync status surface.
func (s *Spill) PendingCount() int {
	count := 0
	countFile := func(path string) {
		f, err := os.Open(path)
		if err != nil {
			return
		}
		defer f.Close()
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) != "" {
				count++
			}
		}
	}

	countFile(s.activePath)
	if batches, err := s.Batches(); err == nil {
		for _, b := range batches {
			countFile(b)
		}
	}
	return count
}
