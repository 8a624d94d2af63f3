package durable

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tiny but valid JPEG header, enough for a round-trip check.
var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0xFF, 0xD9}

func TestPhotoRoundTrip(t *testing.T) {
	p, err := NewPhotoStore(t.TempDir())
	require.NoError(t, err)

	encoded := base64.StdEncoding.EncodeToString(jpegBytes)
	relPath, err := p.SaveUserPhoto("u_abc", encoded)
	require.NoError(t, err)
	assert.Equal(t, "photos/u_abc.jpg", relPath)

	got, err := p.ReadUserPhoto(relPath)
	require.NoError(t, err)
	assert.Equal(t, encoded, got)
}

func TestPhotoSaveFromDataURI(t *testing.T) {
	p, err := NewPhotoStore(t.TempDir())
	require.NoError(t, err)

	uri := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
	relPath, err := p.SaveUserPhoto("u_def", uri)
	require.NoError(t, err)

	got, err := p.ReadUserPhoto(relPath)
	require.NoError(t, err)
	assert.Equal(t, base64.StdEncoding.EncodeToString(jpegBytes), got)
}

func TestPhotoInvalidBase64(t *testing.T) {
	p, err := NewPhotoStore(t.TempDir())
	require.NoError(t, err)

	_, err = p.SaveUserPhoto("u_bad", "not-base64!!!")
	assert.Error(t, err)
}

func TestIsDataURI(t *testing.T) {
	assert.True(t, IsDataURI("data:image/jpeg;base64,abcd"))
	assert.False(t, IsDataURI("https://example.com/photo.jpg"))
	assert.False(t, IsDataURI(""))
}
