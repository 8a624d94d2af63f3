package usercache

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zk-attendance-bridge/internal/durable"
	"zk-attendance-bridge/internal/store"
	"zk-attendance-bridge/internal/types"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

func seedUser(t *testing.T, docs *store.MemoryStore, id, biometricID, name, photo string) {
	t.Helper()
	doc := map[string]any{
		"id":               id,
		"name":             name,
		"biometricId":      biometricID,
		"membershipStatus": types.MembershipActive,
	}
	if photo != "" {
		doc["profileImageUrl"] = photo
	}
	require.NoError(t, docs.BatchSet(context.Background(), map[string]any{
		UsersCollection + "/" + id: doc,
	}))
}

func testCache(t *testing.T, cfg Config, docs store.DocumentStore) (*Cache, string) {
	t.Helper()
	dir := t.TempDir()
	photos, err := durable.NewPhotoStore(filepath.Join(dir, "photos"))
	require.NoError(t, err)
	mirror := durable.NewUsersFile(filepath.Join(dir, "users-cache.json"))
	if cfg.LocalBaseURL == "" {
		cfg.LocalBaseURL = "http://127.0.0.1:8080"
	}
	c := New(cfg, docs, photos, mirror, nil)
	t.Cleanup(c.Close)
	return c, dir
}

func TestResolveMissThenHit(t *testing.T) {
	docs := store.NewMemoryStore()
	seedUser(t, docs, "u_abc", "42", "Alice", "")
	c, _ := testCache(t, Config{}, docs)

	user, ok := c.Resolve(context.Background(), "42")
	require.True(t, ok)
	assert.Equal(t, "Alice", user.Name)
	assert.Equal(t, "u_abc", user.ID)

	_, ok = c.Resolve(context.Background(), "42")
	require.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
}

func TestResolveUnknownUser(t *testing.T) {
	c, _ := testCache(t, Config{}, store.NewMemoryStore())

	_, ok := c.Resolve(context.Background(), "999")
	assert.False(t, ok)
}

func TestResolveOffloadsInlinePhoto(t *testing.T) {
	docs := store.NewMemoryStore()
	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
	seedUser(t, docs, "u_abc", "42", "Alice", uri)
	c, dir := testCache(t, Config{LocalBaseURL: "http://127.0.0.1:8080"}, docs)

	user, ok := c.Resolve(context.Background(), "42")
	require.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:8080/static/photos/u_abc.jpg", user.PhotoURL)

	// The image bytes live on disk, not in the cache entry.
	_, err := os.Stat(filepath.Join(dir, "photos", "u_abc.jpg"))
	assert.NoError(t, err)

	item := c.cache.Get("42")
	require.NotNil(t, item)
	assert.Empty(t, item.Value().PhotoURL)
	assert.Equal(t, "photos/u_abc.jpg", item.Value().PhotoPath)
}

func TestResolveRemotePhotoPassesThrough(t *testing.T) {
	docs := store.NewMemoryStore()
	seedUser(t, docs, "u_abc", "42", "Alice", "https://cdn.example.com/alice.jpg")
	c, _ := testCache(t, Config{}, docs)

	user, ok := c.Resolve(context.Background(), "42")
	require.True(t, ok)
	assert.Equal(t, "https://cdn.example.com/alice.jpg", user.PhotoURL)
	assert.Empty(t, user.PhotoPath)
}

func TestResolveFallsBackToMirrorWhenStoreDown(t *testing.T) {
	docs := store.NewMemoryStore()
	c, dir := testCache(t, Config{}, docs)

	mirror := durable.NewUsersFile(filepath.Join(dir, "users-cache.json"))
	require.NoError(t, mirror.Write([]types.UserRecord{
		{ID: "u_abc", BiometricID: "42", Name: "Alice", MembershipStatus: types.MembershipActive},
	}, time.Now()))

	docs.SetOffline(true)
	user, ok := c.Resolve(context.Background(), "42")
	require.True(t, ok)
	assert.Equal(t, "Alice", user.Name)
}

func TestPrewarmLoadsAndMirrors(t *testing.T) {
	docs := store.NewMemoryStore()
	seedUser(t, docs, "u_abc", "42", "Alice", "")
	seedUser(t, docs, "u_def", "7", "Bob", "")
	c, dir := testCache(t, Config{}, docs)

	n, err := c.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, c.Len())

	// Lookups after a pre-warm are hits even with the store down.
	docs.SetOffline(true)
	user, ok := c.Resolve(context.Background(), "7")
	require.True(t, ok)
	assert.Equal(t, "Bob", user.Name)

	mirror := durable.NewUsersFile(filepath.Join(dir, "users-cache.json"))
	cached, err := mirror.Read()
	require.NoError(t, err)
	assert.Len(t, cached.Users, 2)
}

func TestEntriesExpireAfterTTL(t *testing.T) {
	docs := store.NewMemoryStore()
	seedUser(t, docs, "u_abc", "42", "Alice", "")
	c, _ := testCache(t, Config{TTL: 20 * time.Millisecond}, docs)

	_, ok := c.Resolve(context.Background(), "42")
	require.True(t, ok)
	require.Equal(t, 1, c.Len())

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCapacityBoundsEntries(t *testing.T) {
	docs := store.NewMemoryStore()
	c, _ := testCache(t, Config{MaxSize: 3}, docs)

	for i := 0; i < 10; i++ {
		seedUser(t, docs, "u_"+string(rune('a'+i)), string(rune('0'+i)), "User", "")
	}
	for i := 0; i < 10; i++ {
		c.Resolve(context.Background(), string(rune('0'+i)))
	}
	assert.LessOrEqual(t, c.Len(), 3)
	assert.Positive(t, c.Stats().Evicted)
}
