package bridge

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-waterbridge/pkg/cache"
	"github.com/illmade-knight/go-waterbridge/pkg/liveness"
	"github.com/rs/zerolog"
)

// OpenLivenessStore builds the store named by cfg.Store. fsClient is only
// consulted for the firestore store and stays owned by the caller.
func OpenLivenessStore(ctx context.Context, cfg LivenessConfig, fsClient *firestore.Client, logger zerolog.Logger) (liveness.Store, error) {
	switch cfg.Store {
	case StoreMemory, "":
		return cache.NewMemoryPresenceCache[liveness.Record](), nil
	case StoreRedis:
		store, err := cache.NewRedisPresenceCache[liveness.Record](ctx, &cfg.Redis, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open redis liveness store: %w", err)
		}
		return store, nil
	case StoreFirestore:
		store, err := cache.NewFirestorePresenceCache[liveness.Record](fsClient, cfg.FirestoreCollection)
		if err != nil {
			return nil, fmt.Errorf("failed to open firestore liveness store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown liveness store %q", cfg.Store)
}
