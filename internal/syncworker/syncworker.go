// Package syncworker reconciles the local spill with the cloud store. Each
// tick it probes store liveness, publishes connectivity edges, and while
// online drains rotated spill batches oldest-first with per-record writes.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

// Defaults for the sync policy
const (
	DefaultInterval      = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second
	DefaultWriteTimeout  = 10 * time.Second
	DefaultPauseAfter    = 3
	DefaultPauseDuration = 5 * time.Minute
)

// ErrSyncInProgress is returned by ForceSyncNow while a drain is running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Config holds the sync policy knobs.
type Config struct {
	Interval      time.Duration
	ProbeTimeout  time.Duration
	WriteTimeout  time.Duration
	PauseAfter    int
	PauseDuration time.Duration
	Clock         clockwork.Clock
}

// Status is the sync surface snapshot.
type Status struct {
	Online              bool       `json:"online"`
	Syncing             bool       `json:"syncing"`
	Pending             int        `json:"pending"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	PausedUntil         *time.Time `json:"pausedUntil,omitempty"`
	LastSyncAt          *time.Time `json:"lastSyncAt,omitempty"`
	LastSynced          int        `json:"lastSynced"`
	LastFailed          int        `json:"lastFailed"`
}

// Worker runs the liveness probe and drain loop.
type Worker struct {
	cfg     Config
	docs    store.DocumentStore
	durable *durable.Manager
	events  *bus.Bus
	clock   clockwork.Clock
	logger  *logrus.Entry

	mu          sync.Mutex
	online      bool
	onlineKnown bool
	syncing     bool
	failures    int
	pausedUntil time.Time
	lastSyncAt  time.Time
	lastSynced  int
	lastFailed  int

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a sync worker.
func New(cfg Config, docs store.DocumentStore, dur *durable.Manager, events *bus.Bus, logger *logrus.Logger) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PauseAfter <= 0 {
		cfg.PauseAfter = DefaultPauseAfter
	}
	if cfg.PauseDuration <= 0 {
		cfg.PauseDuration = DefaultPauseDuration
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		cfg:     cfg,
		docs:    docs,
		durable: dur,
		events:  events,
		clock:   cfg.Clock,
		logger:  logging.NewServiceLogger(logger, "sync"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the tick loop.
func (w *Worker) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for {
			select {
			case <-w.ctx.Done():
				return
			case <-w.clock.After(w.cfg.Interval):
				w.tick()
			}
		}
	}()
}

// Stop shuts the loop down.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.cancel()
		w.wg.Wait()
	})
}

// tick runs one probe-and-drain pass.
func (w *Worker) tick() {
	now := w.clock.Now()

	w.mu.Lock()
	if now.Before(w.pausedUntil) {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	online, wasOffline := w.probe(now)
	if !online {
		return
	}
	if w.durable.PendingCount() == 0 && !wasOffline {
		return
	}
	if err := w.drain(); err != nil {
		w.recordFailure(err)
		return
	}
	w.recordSuccess()
}

// probe checks store liveness and publishes edges. The second return is true
// when this probe crossed an offline-to-online edge.
func (w *Worker) probe(now time.Time) (online, cameOnline bool) {
	ctx, cancel := context.WithTimeout(w.ctx, w.cfg.ProbeTimeout)
	defer cancel()
	err := w.docs.Probe(ctx)
	online = err == nil

	w.mu.Lock()
	changed := !w.onlineKnown || w.online != online
	cameOnline = online && w.onlineKnown && !w.online
	w.online = online
	w.onlineKnown = true
	w.mu.Unlock()

	if changed {
		w.durable.SetOnline(online)
		if online {
			w.logger.Info("Cloud store reachable")
		} else {
			w.logger.WithError(err).Warn("Cloud store unreachable")
		}
		w.events.Publish(bus.TopicAttendance, bus.ConnectionStatus{
			Online:    online,
			CheckedAt: now,
		})
	}
	return online, cameOnline
}

// drain rotates the active spill and pushes every rotated batch to the
// cloud, oldest-first. Single-flight.
func (w *Worker) drain() error {
	w.mu.Lock()
	if w.syncing {
		w.mu.Unlock()
		return nil
	}
	w.syncing = true
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.syncing = false
		w.mu.Unlock()
	}()

	started := w.clock.Now()
	if _, err := w.durable.RotateSpill(started); err != nil {
		return fmt.Errorf("failed to rotate spill: %w", err)
	}

	batches, err := w.durable.Spill().Batches()
	if err != nil {
		return fmt.Errorf("failed to list spill batches: %w", err)
	}

	totalSynced, totalFailed := 0, 0
	for _, batch := range batches {
		synced, failed, err := w.drainBatch(batch)
		totalSynced += synced
		totalFailed += failed
		if err != nil {
			return err
		}
		w.events.Publish(bus.TopicAttendance, bus.SyncProgress{
			Batch:  batch,
			Synced: synced,
			Failed: failed,
		})
	}

	elapsed := w.clock.Now().Sub(started)
	w.mu.Lock()
	w.lastSyncAt = started
	w.lastSynced = totalSynced
	w.lastFailed = totalFailed
	w.mu.Unlock()

	if totalSynced > 0 || totalFailed > 0 {
		w.logger.WithFields(logrus.Fields{
			"synced": totalSynced,
			"failed": totalFailed,
		}).Info("Spill drain complete")
	}
	w.events.Publish(bus.TopicAttendance, bus.SyncComplete{
		Synced:     totalSynced,
		Failed:     totalFailed,
		DurationMs: elapsed.Milliseconds(),
	})
	return nil
}

// drainBatch streams one rotated batch. Failed envelopes are requeued into
// the active segment before the batch is deleted; if the requeue fails the
// batch file is kept for the next pass.
func (w *Worker) drainBatch(batch string) (synced, failed int, err error) {
	var failures []types.DurableEnvelope

	_, err = w.durable.Spill().ReadBatch(batch, func(env types.DurableEnvelope) error {
		ctx, cancel := context.WithTimeout(w.ctx, w.cfg.WriteTimeout)
		defer cancel()

		writeErr := w.docs.Create(ctx, env.Record.StorePath(), env.Record)
		switch {
		case writeErr == nil, errors.Is(writeErr, store.ErrAlreadyExists):
			synced++
		default:
			failed++
			failures = append(failures, env)
		}
		return nil
	})
	if err != nil {
		return synced, failed, fmt.Errorf("failed to read spill batch %s: %w", batch, err)
	}

	if len(failures) > 0 {
		if err := w.durable.Requeue(failures); err != nil {
			return synced, failed, fmt.Errorf("failed to requeue %d records: %w", len(failures), err)
		}
	}
	if err := w.durable.Spill().DeleteBatch(batch); err != nil {
		return synced, failed, fmt.Errorf("failed to delete drained batch %s: %w", batch, err)
	}
	return synced, failed, nil
}

func (w *Worker) recordFailure(err error) {
	now := w.clock.Now()

	w.mu.Lock()
	w.failures++
	failures := w.failures
	var pausedUntil *time.Time
	if failures >= w.cfg.PauseAfter {
		w.pausedUntil = now.Add(w.cfg.PauseDuration)
		t := w.pausedUntil
		pausedUntil = &t
	}
	w.mu.Unlock()

	w.logger.WithError(err).WithField("consecutiveFailures", failures).
		Error("Sync pass failed")
	w.events.Publish(bus.TopicAttendance, bus.SyncError{
		Error:               err.Error(),
		ConsecutiveFailures: failures,
		PausedUntil:         pausedUntil,
	})
}

func (w *Worker) recordSuccess() {
	w.mu.Lock()
	w.failures = 0
	w.pausedUntil = time.Time{}
	w.mu.Unlock()
}

// ForceSyncNow runs a drain immediately, respecting single-flight.
func (w *Worker) ForceSyncNow() error {
	w.mu.Lock()
	if w.syncing {
		w.mu.Unlock()
		return ErrSyncInProgress
	}
	w.mu.Unlock()

	if err := w.drain(); err != nil {
		w.recordFailure(err)
		return err
	}
	w.recordSuccess()
	return nil
}

// Status returns the sync surface snapshot.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := Status{
		Online:              w.online,
		Syncing:             w.syncing,
		Pending:             w.durable.PendingCount(),
		ConsecutiveFailures: w.failures,
		LastSynced:          w.lastSynced,
		LastFailed:          w.lastFailed,
	}
	if !w.pausedUntil.IsZero() && w.clock.Now().Before(w.pausedUntil) {
		t := w.pausedUntil
		st.PausedUntil = &t
	}
	if !w.lastSyncAt.IsZero() {
		t := w.lastSyncAt
		st.LastSyncAt = &t
	}
	return st
}
