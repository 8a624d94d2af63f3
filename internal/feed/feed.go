// Package feed defines the cloud key/value feed that pushes enrollment
// intents down to the bridge. Semantics follow a child-added subscription:
// existing children are delivered first, then every new or changed child.
package feed

import (
	"context"
	"encoding/json"
)

// EnrollmentPath is the feed prefix carrying enrollment intents.
const EnrollmentPath = "member_registrations"

// ChildEvent is one child delivered by a subscription.
type ChildEvent struct {
	// Key is the child key under the subscribed prefix.
	Key string
	// Data is the child document.
	Data json.RawMessage
	// Initial marks children that existed before the subscription.
	Initial bool
}

// Feed is the key/value feed boundary.
type Feed interface {
	// Subscribe streams children of prefix until ctx is done. Existing
	// children arrive first with Initial set, then additions and changes.
	// The channel is closed when the subscription ends.
	Subscribe(ctx context.Context, prefix string) (<-chan ChildEvent, error)

	// Update merges the given fields into the child at prefix/key.
	Update(ctx context.Context, prefix, key string, fields map[string]any) error

	Close() error
}
