package durable

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zk-attendance-bridge/internal/types"
)

// UsersFile is the on-disk mirror of the user cache. The pre-warm writes it;
// user lookups fall back to it when the cloud store is unreachable, so
// punches keep resolving to names fully offline.
type UsersFile struct {
	mu   sync.Mutex
	path string
}

// NewUsersFile wraps the users-cache.json path.
func NewUsersFile(path string) *UsersFile {
	return &UsersFile{path: path}
}

// Write replaces the mirror atomically.
func (u *UsersFile) Write(users []types.UserRecord, now time.Time) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(u.path), 0755); err != nil {
		return fmt.Errorf("failed to create users cache directory: %w", err)
	}

	data, err := json.Marshal(types.UsersCacheFile{UpdatedAt: now, Users: users})
	if err != nil {
		return fmt.Errorf("failed to marshal users cache: %w", err)
	}

	tmp := u.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write users cache: %w", err)
	}
	if err := os.Rename(tmp, u.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace users cache: %w", err)
	}
	return nil
}

// Read loads the mirror. A missing file returns an empty cache, not an
// error.
func (u *UsersFile) Read() (types.UsersCacheFile, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	data, err := os.ReadFile(u.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.UsersCacheFile{}, nil
		}
		return types.UsersCacheFile{}, fmt.Errorf("failed to read users cache: %w", err)
	}

	var cache types.UsersCacheFile
	if err := json.Unmarshal(data, &cache); err != nil {
		return types.UsersCacheFile{}, fmt.Errorf("failed to parse users cache: %w", err)
	}
	return cache, nil
}

// Find returns the first mirrored record with the given biometric id.
func (u *UsersFile) Find(biometricID string) (types.UserRecord, bool, error) {
	cache, err := u.Read()
	if err != nil {
		return types.UserRecord{}, false, err
	}
	for _, user := range cache.Users {
		if user.BiometricID == biometricID {
			return user, true, nil
		}
	}
	return types.UserRecord{}, false, nil
}
