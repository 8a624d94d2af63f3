// Package pipeline turns raw device punches into enriched attendance
// records. The device callback only appends to an in-memory queue; a single
// worker drains it in small batches, deduplicates, enriches through the user
// cache, publishes to the bus, and hands accepted records to the durability
// layer.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/bus"
	"zk-attendance-bridge/internal/clock"
	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/types"
)

// Defaults for the pipeline policy
const (
	DefaultDedupWindow = 60 * time.Second
	DefaultMaxRecent   = 1000
	DefaultBatchSize   = 10
	DefaultBatchYield  = 100 * time.Millisecond

	saveWorkers = 4
)

// UserResolver resolves a biometric id to a member record.
type UserResolver interface {
	Resolve(ctx context.Context, biometricID string) (types.UserRecord, bool)
}

// Saver persists accepted attendance records.
type Saver interface {
	Save(record types.AttendanceRecord) (durable.SaveResult, error)
}

// Config holds the pipeline policy knobs.
type Config struct {
	DedupWindow time.Duration
	MaxRecent   int
	BatchSize   int
	BatchYield  time.Duration
	Clock       clockwork.Clock
}

// Stats captures pipeline counters for the stats surface.
type Stats struct {
	QueueDepth      int     `json:"queueDepth"`
	PeakDepth       int     `json:"peakDepth"`
	Accepted        int64   `json:"accepted"`
	Duplicates      int64   `json:"duplicates"`
	ScanFailures    int64   `json:"scanFailures"`
	Processed       int64   `json:"processed"`
	AvgProcessingMs float64 `json:"avgProcessingMs"`
}

// Pipeline is the punch processing worker. Submit is safe to call from the
// device callback goroutine and never blocks.
type Pipeline struct {
	cfg      Config
	resolver UserResolver
	saver    Saver
	events   *bus.Bus
	zone     *clock.Zone
	clock    clockwork.Clock
	logger   *logrus.Entry

	mu    sync.Mutex
	queue []types.RawPunch
	peak  int
	wake  chan struct{}

	// recent is touched only by the worker goroutine.
	recent    map[string]time.Time
	lastPrune time.Time

	accepted     atomic.Int64
	duplicates   atomic.Int64
	scanFailures atomic.Int64
	processed    atomic.Int64
	procNanos    atomic.Int64

	observers []func(types.AttendanceRecord)

	enrichPool pond.Pool
	savePool   pond.Pool

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New creates a pipeline. Start must be called before punches are drained.
func New(cfg Config, resolver UserResolver, saver Saver, events *bus.Bus, zone *clock.Zone, logger *logrus.Logger) *Pipeline {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.MaxRecent <= 0 {
		cfg.MaxRecent = DefaultMaxRecent
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.BatchYield <= 0 {
		cfg.BatchYield = DefaultBatchYield
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}
	if zone == nil {
		zone = clock.MustLoadZone("")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:        cfg,
		resolver:   resolver,
		saver:      saver,
		events:     events,
		zone:       zone,
		clock:      cfg.Clock,
		logger:     logging.NewServiceLogger(logger, "pipeline"),
		wake:       make(chan struct{}, 1),
		recent:     make(map[string]time.Time),
		lastPrune:  cfg.Clock.Now(),
		enrichPool: pond.NewPool(cfg.BatchSize),
		savePool:   pond.NewPool(saveWorkers),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// AddObserver registers a callback invoked for every accepted record, after
// publication. Observers run on the worker goroutine and must be cheap.
func (p *Pipeline) AddObserver(fn func(types.AttendanceRecord)) {
	p.observers = append(p.observers, fn)
}

// Start launches the drain worker.
func (p *Pipeline) Start() {
	go p.run()
}

// Stop shuts the worker down and waits for in-flight saves.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		<-p.done
		p.enrichPool.StopAndWait()
		p.savePool.StopAndWait()
	})
}

// Submit appends a punch to the queue. O(1), never blocks, safe from the
// device callback goroutine.
func (p *Pipeline) Submit(punch types.RawPunch) {
	p.mu.Lock()
	p.queue = append(p.queue, punch)
	if len(p.queue) > p.peak {
		p.peak = len(p.queue)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats returns current pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	depth := len(p.queue)
	peak := p.peak
	p.mu.Unlock()

	processed := p.processed.Load()
	avg := 0.0
	if processed > 0 {
		avg = float64(p.procNanos.Load()) / float64(processed) / float64(time.Millisecond)
	}
	return Stats{
		QueueDepth:      depth,
		PeakDepth:       peak,
		Accepted:        p.accepted.Load(),
		Duplicates:      p.duplicates.Load(),
		ScanFailures:    p.scanFailures.Load(),
		Processed:       processed,
		AvgProcessingMs: avg,
	}
}

func (p *Pipeline) run() {
	defer close(p.done)
	for {
		batch := p.take()
		if len(batch) == 0 {
			select {
			case <-p.wake:
				continue
			case <-p.ctx.Done():
				return
			}
		}

		p.processBatch(batch)
		p.maybePrune()

		select {
		case <-p.clock.After(p.cfg.BatchYield):
		case <-p.ctx.Done():
			return
		}
	}
}

func (p *Pipeline) take() []types.RawPunch {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.queue)
	if n == 0 {
		return nil
	}
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := make([]types.RawPunch, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]
	return batch
}

// processBatch runs dedup sequentially to keep per-id ordering, enriches the
// accepted punches in parallel, then publishes and hands off in batch order.
func (p *Pipeline) processBatch(batch []types.RawPunch) {
	started := p.clock.Now()

	type job struct {
		punch   types.RawPunch
		instant time.Time
		record  types.AttendanceRecord
	}
	var jobs []*job

	for _, punch := range batch {
		instant := punch.Instant
		if instant.IsZero() {
			instant = p.clock.Now()
		}

		if types.IsScanFailedID(punch.BiometricID) {
			p.scanFailures.Add(1)
			p.events.Publish(bus.TopicAttendance, bus.FingerprintFailed{
				DeviceID: punch.DeviceID,
				Instant:  instant,
				Reason:   "fingerprint not recognized",
			})
			continue
		}

		if prev, seen := p.recent[punch.BiometricID]; seen {
			if delta := instant.Sub(prev); delta < p.cfg.DedupWindow {
				p.duplicates.Add(1)
				p.events.Publish(bus.TopicAttendance, bus.AttendanceDuplicateIgnored{
					BiometricID: punch.BiometricID,
					Instant:     instant,
					SinceLastMs: delta.Milliseconds(),
				})
				continue
			}
		}
		p.recent[punch.BiometricID] = instant
		p.enforceRecentCap()

		p.accepted.Add(1)
		p.events.Publish(bus.TopicAttendance, bus.AttendanceProcessing{
			BiometricID: punch.BiometricID,
			Instant:     instant,
			Source:      punch.Source,
		})
		jobs = append(jobs, &job{punch: punch, instant: instant})
	}

	if len(jobs) > 0 {
		group := p.enrichPool.NewGroup()
		for _, j := range jobs {
			j := j
			group.Submit(func() {
				j.record = p.enrich(j.punch, j.instant)
			})
		}
		group.Wait()
	}

	for _, j := range jobs {
		record := j.record
		p.events.Publish(bus.TopicAttendance, bus.AttendanceEvent{Record: record})
		for _, fn := range p.observers {
			fn(record)
		}
		p.savePool.Submit(func() {
			p.persist(record)
		})
	}

	elapsed := p.clock.Now().Sub(started)
	p.processed.Add(int64(len(batch)))
	p.procNanos.Add(int64(elapsed))
}

// enrich builds the attendance record for an accepted punch. Unresolvable
// biometric ids still produce a record, flagged unknown.
func (p *Pipeline) enrich(punch types.RawPunch, instant time.Time) types.AttendanceRecord {
	now := p.clock.Now()
	record := types.AttendanceRecord{
		BiometricID: punch.BiometricID,
		CheckInTime: instant,
		Date:        p.zone.CalendarDate(instant),
		Status:      "present",
		Source:      punch.Source,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	user, found := p.resolver.Resolve(p.ctx, punch.BiometricID)
	if !found {
		record.UserID = types.UnknownUserID(punch.BiometricID)
		record.Name = "Unknown"
		record.MembershipStatus = types.MembershipUnknown
		record.Remarks = fmt.Sprintf("User not found: biometric id %s not in member records", punch.BiometricID)
		return record
	}

	record.UserID = user.ID
	record.Name = user.Name
	record.PhotoURL = user.PhotoURL
	record.PlanID = user.PlanID
	record.MembershipStatus = user.MembershipStatus
	record.MembershipEndDate = user.MembershipEndDate
	return record
}

func (p *Pipeline) persist(record types.AttendanceRecord) {
	result, err := p.saver.Save(record)
	if err != nil || result.Disposition == durable.SaveLost {
		msg := "save failed"
		if err != nil {
			msg = err.Error()
		}
		p.logger.WithError(err).WithField("userId", record.UserID).
			Error("Attendance record lost, cloud and spill both failed")
		p.events.Publish(bus.TopicAttendance, bus.AttendanceSaveFailed{
			BiometricID: record.BiometricID,
			UserID:      record.UserID,
			Error:       msg,
		})
		return
	}
	if result.Disposition == durable.SavedOffline {
		p.events.Publish(bus.TopicAttendance, bus.AttendanceSavedOffline{
			RecordID:    result.RecordID,
			BiometricID: record.BiometricID,
			UserID:      record.UserID,
		})
	}
}

// enforceRecentCap evicts oldest-first until the dedup cache is within
// bound. Worker-only.
func (p *Pipeline) enforceRecentCap() {
	for len(p.recent) > p.cfg.MaxRecent {
		oldestID := ""
		var oldest time.Time
		for id, t := range p.recent {
			if oldestID == "" || t.Before(oldest) {
				oldestID, oldest = id, t
			}
		}
		delete(p.recent, oldestID)
	}
}

// maybePrune drops dedup entries older than the window, at most once per
// window. Worker-only.
func (p *Pipeline) maybePrune() {
	now := p.clock.Now()
	if now.Sub(p.lastPrune) < p.cfg.DedupWindow {
		return
	}
	p.lastPrune = now
	for id, t := range p.recent {
		if now.Sub(t) >= p.cfg.DedupWindow {
			delete(p.recent, id)
		}
	}
}
