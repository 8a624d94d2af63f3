package durable

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PhotoDirName is the photo directory under offline-data, and the path
// prefix recorded on cached user records.
const PhotoDirName = "photos"

// PhotoStore owns the offloaded user photo files. Photos arrive from the
// cloud as base64 data URIs; stored on disk they are served as static files,
// keeping the hot user cache free of image bytes.
type PhotoStore struct {
	dir string
}

// NewPhotoStore creates the photo directory if needed.
func NewPhotoStore(dir string) (*PhotoStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create photo directory: %w", err)
	}
	return &PhotoStore{dir: dir}, nil
}

// Dir returns the photo directory, for the static file handler.
func (p *PhotoStore) Dir() string { return p.dir }

// SaveUserPhoto decodes the base64 payload (raw or data URI) and writes it
// as {id}.jpg. It returns the relative path recorded on the user record.
func (p *PhotoStore) SaveUserPhoto(id, encoded string) (string, error) {
	data, err := DecodeBase64Image(encoded)
	if err != nil {
		return "", fmt.Errorf("failed to decode photo for user %s: %w", id, err)
	}

	name := id + ".jpg"
	if err := os.WriteFile(filepath.Join(p.dir, name), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write photo for user %s: %w", id, err)
	}
	return PhotoDirName + "/" + name, nil
}

// ReadUserPhoto reads an offloaded photo back as raw base64. relPath is the
// "photos/{id}.jpg" form recorded on the user record.
func (p *PhotoStore) ReadUserPhoto(relPath string) (string, error) {
	name := filepath.Base(relPath)
	data, err := os.ReadFile(filepath.Join(p.dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read photo %s: %w", relPath, err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// IsDataURI reports whether the URL is an inline base64 data URI rather
// than a remote address.
func IsDataURI(url string) bool {
	return strings.HasPrefix(url, "data:")
}

// DecodeBase64Image decodes a raw base64 string or a data URI payload.
func DecodeBase64Image(encoded string) ([]byte, error) {
	if IsDataURI(encoded) {
		comma := strings.IndexByte(encoded, ',')
		if comma < 0 {
			return nil, fmt.Errorf("data URI has no payload")
		}
		encoded = encoded[comma+1:]
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		// Some producers emit URL-safe base64.
		data, err = base64.URLEncoding.DecodeString(encoded)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid base64 image: %w", err)
	}
	return data, nil
}
