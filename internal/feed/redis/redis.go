// Package redis binds the enrollment feed to Redis. Each child is a JSON
// document at "<prefix>:<key>"; an index set tracks child keys and a list
// carries change notifications so subscribers see additions and updates in
// order.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/feed"
)

// Config holds the redis connection parameters.
type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// Feed is a feed.Feed backed by Redis.
type Feed struct {
	client *redis.Client
	logger *logrus.Entry
}

var _ feed.Feed = (*Feed)(nil)

// New connects to Redis and verifies the connection.
func New(cfg Config, logger *logrus.Logger) (*Feed, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Feed{
		client: client,
		logger: logger.WithField("component", "feed"),
	}, nil
}

func docKey(prefix, key string) string { return prefix + ":" + key }
func indexKey(prefix string) string    { return prefix + ":keys" }
func notifyList(prefix string) string  { return prefix + ":events" }

// Subscribe streams existing children then live changes until ctx is done.
func (f *Feed) Subscribe(ctx context.Context, prefix string) (<-chan feed.ChildEvent, error) {
	keys, err := f.client.SMembers(ctx, indexKey(prefix)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list children of %s: %w", prefix, err)
	}
	sort.Strings(keys)

	ch := make(chan feed.ChildEvent, 256)

	go func() {
		defer close(ch)

		for _, key := range keys {
			data, err := f.fetch(ctx, prefix, key)
			if err != nil {
				f.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable child")
				continue
			}
			select {
			case ch <- feed.ChildEvent{Key: key, Data: data, Initial: true}:
			case <-ctx.Done():
				return
			}
		}

		f.tail(ctx, prefix, ch)
	}()

	return ch, nil
}

// tail blocks on the notification list, reconnecting with exponential
// backoff when the connection drops.
func (f *Feed) tail(ctx context.Context, prefix string, ch chan<- feed.ChildEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever; the subscription owns the lifetime

	for {
		if ctx.Err() != nil {
			return
		}

		result, err := f.client.BRPop(ctx, 5*time.Second, notifyList(prefix)).Result()
		if err != nil {
			if err == redis.Nil {
				bo.Reset()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			f.logger.WithError(err).WithField("retry_in", wait.String()).
				Warn("Feed connection lost, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		if len(result) < 2 {
			continue
		}
		key := result[1]

		data, err := f.fetch(ctx, prefix, key)
		if err != nil {
			f.logger.WithError(err).WithField("key", key).Warn("Skipping unreadable child")
			continue
		}
		select {
		case ch <- feed.ChildEvent{Key: key, Data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (f *Feed) fetch(ctx context.Context, prefix, key string) (json.RawMessage, error) {
	data, err := f.client.Get(ctx, docKey(prefix, key)).Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch child %s/%s: %w", prefix, key, err)
	}
	return json.RawMessage(data), nil
}

// Update merges fields into the child document and notifies subscribers.
// The bridge is the only writer of its status fields, so read-merge-write is
// safe here.
func (f *Feed) Update(ctx context.Context, prefix, key string, fields map[string]any) error {
	doc := make(map[string]any)

	existing, err := f.client.Get(ctx, docKey(prefix, key)).Bytes()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read child %s/%s: %w", prefix, key, err)
	}
	if err == nil {
		if err := json.Unmarshal(existing, &doc); err != nil {
			return fmt.Errorf("failed to parse child %s/%s: %w", prefix, key, err)
		}
	}

	for k, v := range fields {
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal child: %w", err)
	}

	pipe := f.client.TxPipeline()
	pipe.Set(ctx, docKey(prefix, key), data, 0)
	pipe.SAdd(ctx, indexKey(prefix), key)
	pipe.LPush(ctx, notifyList(prefix), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update child %s/%s: %w", prefix, key, err)
	}
	return nil
}

// Health checks the Redis connection health.
func (f *Feed) Health(ctx context.Context) error {
	return f.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (f *Feed) Close() error {
	return f.client.Close()
}
