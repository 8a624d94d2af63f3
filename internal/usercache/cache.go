// Package usercache caches member records keyed by biometric id. The hot
// cache is TTL- and capacity-bounded; profile photos arriving as inline data
// URIs are offloaded to disk on ingest so cache entries never hold image
// bytes. Lookups fall back to the on-disk user mirror when the cloud store
// is unreachable.
package usercache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/logging"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

// Defaults for the cache policy
const (
	DefaultTTL     = 15 * time.Minute
	DefaultMaxSize = 2000
)

// UsersCollection is the member collection in the cloud store.
const UsersCollection = "users"

// Config holds the cache policy and the base URL offloaded photos are
// served from.
type Config struct {
	TTL     time.Duration
	MaxSize int
	// LocalBaseURL is the origin for synthesized photo URLs, e.g.
	// "http://127.0.0.1:8080".
	LocalBaseURL string
}

// Stats captures cache counters for the stats surface.
type Stats struct {
	Hits     int64   `json:"hits"`
	Misses   int64   `json:"misses"`
	HitRate  float64 `json:"hitRate"`
	Size     int     `json:"size"`
	Valid    int     `json:"valid"`
	Expired  int64   `json:"expired"`
	Evicted  int64   `json:"evicted"`
	Prewarms int64   `json:"prewarms"`
}

// cloudUser is the member document shape in the cloud store. The profile
// image may be a remote URL or an inline base64 data URI.
type cloudUser struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	BiometricID       string     `json:"biometricId"`
	ProfileImageURL   string     `json:"profileImageUrl,omitempty"`
	PlanID            string     `json:"planId,omitempty"`
	MembershipStatus  string     `json:"membershipStatus,omitempty"`
	MembershipEndDate *time.Time `json:"membershipEndDate,omitempty"`
}

// Cache is the TTL + capacity bounded user cache.
type Cache struct {
	cfg    Config
	docs   store.DocumentStore
	photos *durable.PhotoStore
	mirror *durable.UsersFile
	logger *logrus.Entry

	cache *ttlcache.Cache[string, types.UserRecord]

	hits     atomic.Int64
	misses   atomic.Int64
	expired  atomic.Int64
	evicted  atomic.Int64
	prewarms atomic.Int64
}

// New creates the user cache and starts its expiry loop.
func New(cfg Config, docs store.DocumentStore, photos *durable.PhotoStore, mirror *durable.UsersFile, logger *logrus.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Cache{
		cfg:    cfg,
		docs:   docs,
		photos: photos,
		mirror: mirror,
		logger: logging.NewServiceLogger(logger, "user-cache"),
	}

	c.cache = ttlcache.New[string, types.UserRecord](
		ttlcache.WithTTL[string, types.UserRecord](cfg.TTL),
		ttlcache.WithCapacity[string, types.UserRecord](uint64(cfg.MaxSize)),
		ttlcache.WithDisableTouchOnHit[string, types.UserRecord](),
	)
	c.cache.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, types.UserRecord]) {
		switch reason {
		case ttlcache.EvictionReasonExpired:
			c.expired.Add(1)
		case ttlcache.EvictionReasonCapacityReached:
			c.evicted.Add(1)
		}
	})
	go c.cache.Start()

	return c
}

// Close stops the expiry loop.
func (c *Cache) Close() {
	c.cache.Stop()
}

// Resolve returns the user record for a biometric id. Order: hot cache,
// cloud store, on-disk mirror. The returned record always carries a usable
// PhotoURL when a photo exists, never inline image bytes.
func (c *Cache) Resolve(ctx context.Context, biometricID string) (types.UserRecord, bool) {
	if item := c.cache.Get(biometricID); item != nil {
		c.hits.Add(1)
		return c.withPhotoURL(item.Value()), true
	}
	c.misses.Add(1)

	user, found, err := c.fetchCloud(ctx, biometricID)
	if err != nil {
		c.logger.WithError(err).WithField("biometricId", biometricID).
			Warn("Store lookup failed, trying offline user cache")
		user, found = c.fetchMirror(biometricID)
	}
	if !found {
		return types.UserRecord{}, false
	}

	c.cache.Set(biometricID, user, ttlcache.DefaultTTL)
	return c.withPhotoURL(user), true
}

// Prewarm bulk-loads every member with a biometric id, offloads photos, and
// mirrors the set to disk for offline lookups.
func (c *Cache) Prewarm(ctx context.Context) (int, error) {
	raws, err := c.docs.Query(ctx, UsersCollection, "biometricId", nil, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to query users for pre-warm: %w", err)
	}

	users := make([]types.UserRecord, 0, len(raws))
	for _, raw := range raws {
		user, err := c.ingest(raw)
		if err != nil {
			c.logger.WithError(err).Warn("Skipping unreadable user document")
			continue
		}
		c.cache.Set(user.BiometricID, user, ttlcache.DefaultTTL)
		users = append(users, user)
	}

	if c.mirror != nil {
		if err := c.mirror.Write(users, time.Now()); err != nil {
			c.logger.WithError(err).Warn("Failed to mirror users to disk")
		}
	}

	c.prewarms.Add(1)
	c.logger.WithField("users", len(users)).Info("User cache pre-warmed")
	return len(users), nil
}

// Stats returns current cache counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	total := hits + misses
	rate := 0.0
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	size := c.cache.Len()
	return Stats{
		Hits:     hits,
		Misses:   misses,
		HitRate:  rate,
		Size:     size,
		Valid:    size, // expired items are dropped by the cache itself
		Expired:  c.expired.Load(),
		Evicted:  c.evicted.Load(),
		Prewarms: c.prewarms.Load(),
	}
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.cache.Len()
}

func (c *Cache) fetchCloud(ctx context.Context, biometricID string) (types.UserRecord, bool, error) {
	raws, err := c.docs.Query(ctx, UsersCollection, "biometricId", biometricID, 1)
	if err != nil {
		return types.UserRecord{}, false, err
	}
	if len(raws) == 0 {
		return types.UserRecord{}, false, nil
	}
	user, err := c.ingest(raws[0])
	if err != nil {
		return types.UserRecord{}, false, err
	}
	return user, true, nil
}

func (c *Cache) fetchMirror(biometricID string) (types.UserRecord, bool) {
	if c.mirror == nil {
		return types.UserRecord{}, false
	}
	user, found, err := c.mirror.Find(biometricID)
	if err != nil {
		c.logger.WithError(err).Warn("Offline user cache read failed")
		return types.UserRecord{}, false
	}
	return user, found
}

// ingest converts a cloud member document into a cache entry, offloading an
// inline photo to disk. The entry carries either PhotoPath (offloaded) or
// PhotoURL (remote), never both and never raw bytes.
func (c *Cache) ingest(raw json.RawMessage) (types.UserRecord, error) {
	var doc cloudUser
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.UserRecord{}, fmt.Errorf("failed to parse user document: %w", err)
	}
	if doc.BiometricID == "" {
		return types.UserRecord{}, fmt.Errorf("user document %q has no biometric id", doc.ID)
	}

	user := types.UserRecord{
		ID:                doc.ID,
		BiometricID:       doc.BiometricID,
		Name:              doc.Name,
		PlanID:            doc.PlanID,
		MembershipStatus:  doc.MembershipStatus,
		MembershipEndDate: doc.MembershipEndDate,
	}
	if user.MembershipStatus == "" {
		user.MembershipStatus = types.MembershipUnknown
	}

	switch {
	case doc.ProfileImageURL == "":
	case durable.IsDataURI(doc.ProfileImageURL):
		if c.photos == nil {
			break
		}
		path, err := c.photos.SaveUserPhoto(doc.ID, doc.ProfileImageURL)
		if err != nil {
			c.logger.WithError(err).WithField("userId", doc.ID).Warn("Photo offload failed")
			break
		}
		user.PhotoPath = path
	default:
		user.PhotoURL = doc.ProfileImageURL
	}

	return user, nil
}

// withPhotoURL synthesizes the static photo URL for offloaded entries at
// read time.
func (c *Cache) withPhotoURL(user types.UserRecord) types.UserRecord {
	if user.PhotoURL == "" && user.PhotoPath != "" && c.cfg.LocalBaseURL != "" {
		user.PhotoURL = c.cfg.LocalBaseURL + "/static/" + user.PhotoPath
	}
	return user
}
