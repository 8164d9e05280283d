//go:build integration

package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-waterbridge/pkg/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestorePresenceCache_Integration(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set; skipping Firestore integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	client, err := firestore.NewClient(ctx, "test-project")
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	collection := "liveness-" + time.Now().Format("150405.000")
	c, err := cache.NewFirestorePresenceCache[presence](client, collection)
	require.NoError(t, err)

	require.NoError(t, c.Set(ctx, "wq-002", presence{State: "ONLINE", LastSeen: seenAt}))
	doc, err := client.Collection(collection).Doc("wq-002").Get(ctx)
	require.NoError(t, err)
	assert.True(t, doc.Exists())

	got, err := c.Fetch(ctx, "wq-002")
	require.NoError(t, err)
	assert.Equal(t, "ONLINE", got.State)
	assert.True(t, seenAt.Equal(got.LastSeen))

	var scanned []string
	require.NoError(t, c.Scan(ctx, func(id string, _ presence) error {
		scanned = append(scanned, id)
		return nil
	}))
	assert.Equal(t, []string{"wq-002"}, scanned)

	require.NoError(t, c.Delete(ctx, "wq-002"))
	_, err = c.Fetch(ctx, "wq-002")
	assert.ErrorIs(t, err, cache.ErrNotFound)
}
