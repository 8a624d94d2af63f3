// Package enroll consumes enrollment intents from the cloud feed and writes
// them into the terminal's user table through the serialized device session.
// Intents are processed in small parallel batches with a yield in between so
// a registration burst cannot monopolize the device.
package enroll

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/device"
	"zk-attendance-bridge/internal/feed"
	"zk-attendance-bridge/internal/logging"
)

// Defaults for the enrollment policy
const (
	DefaultMaxInFlight  = 3
	DefaultBatchYield   = 500 * time.Millisecond
	DefaultWriteTimeout = 5 * time.Second

	// initialSettle bounds how long the initial-load summary waits when no
	// live event follows the backlog.
	initialSettle = 2 * time.Second

	queueCapacity = 256
)

// DeviceWriter is the slice of the session the consumer needs.
type DeviceWriter interface {
	Connected() bool
	SetUser(ctx context.Context, user device.User) error
}

// Config holds the enrollment policy knobs.
type Config struct {
	MaxInFlight  int
	BatchYield   time.Duration
	WriteTimeout time.Duration
	Clock        clockwork.Clock
}

// Stats captures enrollment counters for the stats surface.
type Stats struct {
	Queued    int   `json:"queued"`
	Processed int64 `json:"processed"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Skipped   int64 `json:"skipped"`
}

// intent is the enrollment child document shape.
type intent struct {
	key string

	BiometricID  string `json:"biometricId"`
	Name         string `json:"name"`
	EsslEnrolled bool   `json:"esslEnrolled"`
	EsslStatus   string `json:"esslStatus,omitempty"`
}

// Consumer subscribes to the enrollment prefix and pushes users to the
// device.
type Consumer struct {
	cfg    Config
	feed   feed.Feed
	dev    DeviceWriter
	clock  clockwork.Clock
	logger *logrus.Entry
	pool   pond.Pool

	queue chan intent

	processed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates an enrollment consumer.
func New(cfg Config, f feed.Feed, dev DeviceWriter, logger *logrus.Logger) *Consumer {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.BatchYield <= 0 {
		cfg.BatchYield = DefaultBatchYield
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = logrus.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    cfg,
		feed:   f,
		dev:    dev,
		clock:  cfg.Clock,
		logger: logging.NewServiceLogger(logger, "enrollment"),
		pool:   pond.NewPool(cfg.MaxInFlight),
		queue:  make(chan intent, queueCapacity),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the enrollment prefix and launches the receive and
// worker loops.
func (c *Consumer) Start() error {
	ch, err := c.feed.Subscribe(c.ctx, feed.EnrollmentPath)
	if err != nil {
		return fmt.Errorf("failed to subscribe to enrollment feed: %w", err)
	}

	c.wg.Add(2)
	go c.receive(ch)
	go c.work()
	return nil
}

// Stop shuts the consumer down and waits for in-flight writes.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
		c.pool.StopAndWait()
	})
}

// Stats returns current enrollment counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Queued:    len(c.queue),
		Processed: c.processed.Load(),
		Succeeded: c.succeeded.Load(),
		Failed:    c.failed.Load(),
		Skipped:   c.skipped.Load(),
	}
}

// receive consumes feed events. The initial backlog is counted silently and
// reported as one summary line; live events log individually.
func (c *Consumer) receive(ch <-chan feed.ChildEvent) {
	defer c.wg.Done()

	initialEnrolled, initialPending := 0, 0
	summaryDone := false
	settle := c.clock.After(initialSettle)

	summary := func() {
		if summaryDone {
			return
		}
		summaryDone = true
		c.logger.WithFields(logrus.Fields{
			"enrolled": initialEnrolled,
			"pending":  initialPending,
		}).Info("Enrollment backlog loaded")
	}

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-settle:
			settle = nil
			summary()
		case ev, ok := <-ch:
			if !ok {
				return
			}

			var in intent
			if err := json.Unmarshal(ev.Data, &in); err != nil {
				c.logger.WithError(err).WithField("key", ev.Key).
					Warn("Unreadable enrollment intent")
				continue
			}
			in.key = ev.Key

			if !ev.Initial {
				summary()
			}

			switch {
			case in.EsslEnrolled:
				if ev.Initial {
					initialEnrolled++
				}
				c.skipped.Add(1)
				continue
			case in.EsslStatus == "failed":
				// Already attempted and marked; wait for the operator to
				// clear the status before retrying.
				c.skipped.Add(1)
				continue
			}

			if ev.Initial {
				initialPending++
			} else {
				c.logger.WithFields(logrus.Fields{
					"key":         in.key,
					"biometricId": in.BiometricID,
				}).Info("Enrollment intent received")
			}

			select {
			case c.queue <- in:
			default:
				c.logger.WithField("key", in.key).Warn("Enrollment queue full, intent dropped")
			}
		}
	}
}

// work drains the queue in batches of MaxInFlight with a yield in between.
func (c *Consumer) work() {
	defer c.wg.Done()
	for {
		var batch []intent
		select {
		case <-c.ctx.Done():
			return
		case in := <-c.queue:
			batch = append(batch, in)
		}
		for len(batch) < c.cfg.MaxInFlight {
			select {
			case in := <-c.queue:
				batch = append(batch, in)
				continue
			default:
			}
			break
		}

		group := c.pool.NewGroup()
		for _, in := range batch {
			in := in
			group.Submit(func() {
				c.process(in)
			})
		}
		group.Wait()

		select {
		case <-c.clock.After(c.cfg.BatchYield):
		case <-c.ctx.Done():
			return
		}
	}
}

// process pushes one intent to the device and writes the outcome back to the
// feed.
func (c *Consumer) process(in intent) {
	c.processed.Add(1)

	if !c.dev.Connected() {
		c.writeFailure(in, "Device not connected")
		return
	}

	uid, err := strconv.Atoi(in.BiometricID)
	if err != nil || uid <= 0 {
		c.writeFailure(in, fmt.Sprintf("invalid biometric id %q", in.BiometricID))
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.WriteTimeout)
	defer cancel()
	err = c.dev.SetUser(ctx, device.User{
		UID:    uid,
		UserID: in.BiometricID,
		Name:   in.Name,
		Role:   0,
		CardNo: 0,
	})
	if err != nil {
		c.writeFailure(in, err.Error())
		return
	}

	c.succeeded.Add(1)
	c.logger.WithFields(logrus.Fields{
		"key":         in.key,
		"biometricId": in.BiometricID,
	}).Info("User enrolled on device")
	c.writeBack(in.key, map[string]any{
		"esslEnrolled":   true,
		"esslEnrolledAt": c.clock.Now().UTC().Format(time.RFC3339),
		"esslStatus":     "success",
	})
}

func (c *Consumer) writeFailure(in intent, reason string) {
	c.failed.Add(1)
	c.logger.WithFields(logrus.Fields{
		"key":         in.key,
		"biometricId": in.BiometricID,
		"reason":      reason,
	}).Warn("Enrollment failed")
	c.writeBack(in.key, map[string]any{
		"esslEnrolled":    false,
		"esslStatus":      "failed",
		"esslError":       reason,
		"esslAttemptedAt": c.clock.Now().UTC().Format(time.RFC3339),
	})
}

func (c *Consumer) writeBack(key string, fields map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.WriteTimeout)
	defer cancel()
	if err := c.feed.Update(ctx, feed.EnrollmentPath, key, fields); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("Enrollment write-back failed")
	}
}
