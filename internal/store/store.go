// Package store defines the cloud document store the bridge persists
// attendance and reads member records from. Documents live at slash-joined
// paths; the collection of a document is its path minus the final segment.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrAlreadyExists is returned by Create when a document is already present
// at the path. Callers treat it as success-equivalent (duplicate blocked).
var ErrAlreadyExists = errors.New("document already exists")

// ProbeCollection is the collection read by the cheap liveness probe.
const ProbeCollection = "_connection_test"

// DocumentStore is the persistence boundary to the cloud.
type DocumentStore interface {
	// Create writes a document at path with create-only semantics.
	Create(ctx context.Context, path string, doc any) error

	// BatchSet writes every document in one round trip with set
	// (overwrite) semantics. Either the whole batch is acknowledged or an
	// error is returned and no per-document outcome may be assumed.
	BatchSet(ctx context.Context, docs map[string]any) error

	// Query returns up to limit documents from the collection where the
	// given field equals value. A nil value matches documents where the
	// field is present and non-null. limit <= 0 means no limit.
	Query(ctx context.Context, collection, field string, value any, limit int) ([]json.RawMessage, error)

	// Probe performs the cheapest possible liveness read.
	Probe(ctx context.Context) error

	Close() error
}

// CollectionOf returns the collection a document path belongs to, or "" when
// the path has no parent.
func CollectionOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return ""
}
