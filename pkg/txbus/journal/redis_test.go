package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/pharmapos/txbus/pkg/txbus/event"
	"github.com/pharmapos/txbus/pkg/txbus/journal"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T, srv *miniredis.Miniredis, opts ...journal.RedisOption) *journal.RedisStore {
	t.Helper()
	store := journal.NewRedisStore(redis.NewClient(&redis.Options{Addr: srv.Addr()}), opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRedisStore_SharedAcrossClients(t *testing.T) {
	srv := miniredis.RunT(t)
	till := newRedisStore(t, srv)
	office := newRedisStore(t, srv)

	require.NoError(t, till.Begin("tx-1", time.Now()))
	require.NoError(t, till.Append(command("tx-1", "a1", event.BatchRemoved, `{"batch_id":"B1"}`)))
	require.NoError(t, office.Append(command("tx-1", "a2", event.SupplierBalanceAdjusted, `{"amount":-500}`)))

	records, err := office.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Len(t, records[0].Entries, 2)
	assert.Equal(t, 1, records[0].Entries[0].Sequence)
	assert.Equal(t, 2, records[0].Entries[1].Sequence)
	assert.Equal(t, event.SupplierBalanceAdjusted, records[0].Entries[1].Kind)

	require.NoError(t, office.Resolve("tx-1"))
	records, err = till.Pending()
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestRedisStore_KeyPrefix(t *testing.T) {
	srv := miniredis.RunT(t)
	a := newRedisStore(t, srv, journal.WithKeyPrefix("till-a:"))
	b := newRedisStore(t, srv, journal.WithKeyPrefix("till-b:"))

	require.NoError(t, a.Begin("tx-1", time.Now()))
	require.NoError(t, b.Begin("tx-1", time.Now()))
	require.NoError(t, a.Append(command("tx-1", "a1", event.StockReleased, `{}`)))

	assert.True(t, srv.Exists("till-a:tx:tx-1"))
	assert.True(t, srv.Exists("till-a:tx:tx-1:entries"))
	assert.False(t, srv.Exists("till-b:tx:tx-1:entries"))

	records, err := b.Pending()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Empty(t, records[0].Entries)
}

func TestRedisStore_ResolveRemovesKeys(t *testing.T) {
	srv := miniredis.RunT(t)
	store := newRedisStore(t, srv)

	require.NoError(t, store.Begin("tx-1", time.Now()))
	require.NoError(t, store.Append(command("tx-1", "a1", event.StockReleased, `{}`)))
	require.NoError(t, store.Resolve("tx-1"))

	assert.False(t, srv.Exists("txbus:journal:tx:tx-1"))
	assert.False(t, srv.Exists("txbus:journal:tx:tx-1:entries"))
	assert.False(t, srv.Exists("txbus:journal:pending"))

	// The ID can be journaled again once resolved
	require.NoError(t, store.Begin("tx-1", time.Now()))
}

func TestRedisStore_ServerDown(t *testing.T) {
	srv := miniredis.RunT(t)
	store := newRedisStore(t, srv, journal.WithRedisTimeout(200*time.Millisecond))
	srv.Close()

	err := store.Begin("tx-1", time.Now())
	require.Error(t, err)
	assert.NotErrorIs(t, err, journal.ErrExists)

	_, err = store.Pending()
	require.Error(t, err)
}

func TestDialRedis(t *testing.T) {
	srv := miniredis.RunT(t)

	store, err := journal.DialRedis(context.Background(), srv.Addr(), "", 0)
	require.NoError(t, err)
	require.NoError(t, store.Begin("tx-1", time.Now()))
	require.NoError(t, store.Close())

	srv.Close()
	_, err = journal.DialRedis(context.Background(), srv.Addr(), "", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect redis")
}
