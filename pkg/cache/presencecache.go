// Package cache holds the stores behind the bridge's per-device soft state.
// Keys are device IDs and values are replaced whole on every Set.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrNotFound is returned, wrapped, by Fetch for a device with no entry.
var ErrNotFound = errors.New("presence: no entry for device")

// PresenceCache is a write-through store for per-device state. There is no
// loader behind it, so a miss is reported with ErrNotFound.
type PresenceCache[V any] interface {
	Set(ctx context.Context, deviceID string, value V) error
	Fetch(ctx context.Context, deviceID string) (V, error)
	Delete(ctx context.Context, deviceID string) error
	// Scan calls fn once per stored entry, in no particular order, and stops
	// at the first error fn returns.
	Scan(ctx context.Context, fn func(deviceID string, value V) error) error
	io.Closer
}

func notFound(deviceID string) error {
	return fmt.Errorf("device %q: %w", deviceID, ErrNotFound)
}
