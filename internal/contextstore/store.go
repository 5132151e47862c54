// ABOUTME: TTL-bearing shared context and session storage boundary.
// ABOUTME: Contexts are keyed JSON maps; updates merge fields into the existing map.

package contextstore

import (
	"context"
	"time"
)

// Default expiries for stored records.
const (
	DefaultContextTTL = 24 * time.Hour
	DefaultSessionTTL = time.Hour
)

// Store holds shared per-context state that agents cooperate on, plus
// lightweight client session records. Implementations apply a TTL to every
// write.
type Store interface {
	// GetContext returns the context map, or nil if absent.
	GetContext(ctx context.Context, contextID string) (map[string]any, error)

	// UpdateContext merges fields into the stored context map and refreshes
	// its TTL. A zero ttl applies DefaultContextTTL.
	UpdateContext(ctx context.Context, contextID string, fields map[string]any, ttl time.Duration) error

	// SaveSession records session data for a user with DefaultSessionTTL.
	SaveSession(ctx context.Context, userID string, data map[string]any) error
}
