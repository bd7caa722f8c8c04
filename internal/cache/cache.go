// Package cache provides the render result cache: a small key space
// (the full reconstructed URL plus the requested format) fronting one
// of several storage backends.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Cache persists rendered artifacts keyed by URL and format, and
// answers conditional-GET queries against their modification time.
// Writes are expected to be fire-and-forget from the caller's
// perspective: the render path must never block on Set.
type Cache interface {
	// Get returns the cached payload for key/format, or ok=false on a
	// miss (including an expired entry).
	Get(ctx context.Context, key, format string) (payload []byte, ok bool, err error)

	// Set stores payload for key/format with the given time-to-live.
	Set(ctx context.Context, key, format string, payload []byte, ttl time.Duration) error

	// ModifiedSince returns the entry's last-modified time, or
	// ok=false if there is no entry.
	ModifiedSince(ctx context.Context, key, format string) (modTime time.Time, ok bool, err error)
}

// objectKey derives a filesystem/object-store-safe name from a URL and
// format; the URL itself may contain characters unsafe for either.
func objectKey(key, format string) string {
	sum := sha256.Sum256([]byte(format + "\x00" + key))
	return hex.EncodeToString(sum[:])
}
