//go:build integration

package redisclient_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/telehealth-dispatch/internal/dispatch"
	"github.com/hackgods/telehealth-dispatch/internal/geo"
	"github.com/hackgods/telehealth-dispatch/internal/matching"
	redisclient "github.com/hackgods/telehealth-dispatch/internal/redis"
	"github.com/hackgods/telehealth-dispatch/internal/testutil"
)

func TestSlotLockIsExclusive(t *testing.T) {
	client := testutil.Redis(t)
	locker := redisclient.NewRedisSlotLocker(client, 5*time.Second)
	ctx := context.Background()

	provider := uuid.New()
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	var (
		ran, busy atomic.Int32
		wg        sync.WaitGroup
		gate      = make(chan struct{})
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := locker.WithSlotLock(ctx, provider, at, func(context.Context) error {
				<-gate
				ran.Add(1)
				return nil
			})
			if err != nil {
				assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)
				busy.Add(1)
			}
		}()
	}

	require.Eventually(t, func() bool { return busy.Load() == 4 }, 5*time.Second, 10*time.Millisecond)
	close(gate)
	wg.Wait()
	assert.Equal(t, int32(1), ran.Load())

	// released after fn returns
	err := locker.WithSlotLock(ctx, provider, at, func(context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestSessionStore(t *testing.T) {
	client := testutil.Redis(t)
	store := redisclient.NewSessionStore(client)
	ctx := context.Background()

	loc := geo.Point{Lat: 51.5, Lng: -0.12}
	doc := matching.Session{ProviderID: uuid.New(), Pool: "doctors", Online: true, Location: &loc, UpdatedAt: time.Now().UTC()}
	short := matching.Session{ProviderID: uuid.New(), Pool: "doctors", Online: true, Location: &loc, UpdatedAt: time.Now().UTC()}

	require.NoError(t, store.Put(ctx, doc, time.Minute))
	require.NoError(t, store.Put(ctx, short, time.Second))

	got, err := store.Get(ctx, "doctors", doc.ProviderID)
	require.NoError(t, err)
	assert.Equal(t, doc.ProviderID, got.ProviderID)
	require.NotNil(t, got.Location)
	assert.Equal(t, loc, *got.Location)

	_, err = store.Get(ctx, "ambulance", doc.ProviderID)
	assert.ErrorIs(t, err, dispatch.ErrSessionNotFound)

	require.Eventually(t, func() bool {
		online, err := store.ListOnline(ctx, "doctors")
		return err == nil && len(online) == 1 && online[0].ProviderID == doc.ProviderID
	}, 5*time.Second, 100*time.Millisecond)

	// the expired member was pruned from the pool index
	members, err := client.SMembers(ctx, "presence:doctors").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{doc.ProviderID.String()}, members)

	require.NoError(t, store.Remove(ctx, "doctors", doc.ProviderID))
	online, err := store.ListOnline(ctx, "doctors")
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestPruneKeepsMembersWithLiveSessions(t *testing.T) {
	client := testutil.Redis(t)
	store := redisclient.NewSessionStore(client)
	ctx := context.Background()

	loc := geo.Point{Lat: 51.5, Lng: -0.12}
	back := matching.Session{ProviderID: uuid.New(), Pool: "doctors", Online: true, Location: &loc, UpdatedAt: time.Now().UTC()}
	gone := uuid.New()

	// back heartbeated after a reader saw its key missing; gone never did
	require.NoError(t, store.Put(ctx, back, time.Minute))
	require.NoError(t, client.SAdd(ctx, "presence:doctors", gone.String()).Err())

	require.NoError(t, store.PruneStale(ctx, "doctors", []string{back.ProviderID.String(), gone.String()}))

	members, err := client.SMembers(ctx, "presence:doctors").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{back.ProviderID.String()}, members)

	online, err := store.ListOnline(ctx, "doctors")
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Equal(t, back.ProviderID, online[0].ProviderID)
}
