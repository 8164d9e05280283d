package cache

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestorePresenceCache keeps one document per device, with the device ID
// as document ID. It suits small fleets where running Redis is not worth it.
type FirestorePresenceCache[V any] struct {
	docs *firestore.CollectionRef
}

// NewFirestorePresenceCache stores values in the named collection. The
// client is owned by the caller.
func NewFirestorePresenceCache[V any](client *firestore.Client, collection string) (*FirestorePresenceCache[V], error) {
	if client == nil {
		return nil, errors.New("firestore client cannot be nil")
	}
	if collection == "" {
		return nil, errors.New("firestore collection cannot be empty")
	}
	return &FirestorePresenceCache[V]{docs: client.Collection(collection)}, nil
}

func (c *FirestorePresenceCache[V]) Set(ctx context.Context, deviceID string, value V) error {
	if _, err := c.docs.Doc(deviceID).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set for %s: %w", deviceID, err)
	}
	return nil
}

func (c *FirestorePresenceCache[V]) Fetch(ctx context.Context, deviceID string) (V, error) {
	var value V
	snap, err := c.docs.Doc(deviceID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return value, notFound(deviceID)
	}
	if err != nil {
		return value, fmt.Errorf("firestore get for %s: %w", deviceID, err)
	}
	if err := snap.DataTo(&value); err != nil {
		return value, fmt.Errorf("decode presence for %s: %w", deviceID, err)
	}
	return value, nil
}

// Delete is idempotent.
func (c *FirestorePresenceCache[V]) Delete(ctx context.Context, deviceID string) error {
	_, err := c.docs.Doc(deviceID).Delete(ctx)
	if err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete for %s: %w", deviceID, err)
	}
	return nil
}

// Scan streams every document in the collection.
func (c *FirestorePresenceCache[V]) Scan(ctx context.Context, fn func(deviceID string, value V) error) error {
	docs := c.docs.Documents(ctx)
	defer docs.Stop()
	for {
		snap, err := docs.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore scan %s: %w", c.docs.ID, err)
		}
		var value V
		if err := snap.DataTo(&value); err != nil {
			return fmt.Errorf("decode presence for %s: %w", snap.Ref.ID, err)
		}
		if err := fn(snap.Ref.ID, value); err != nil {
			return err
		}
	}
}

// Close does nothing; the client belongs to the caller.
func (c *FirestorePresenceCache[V]) Close() error { return nil }
