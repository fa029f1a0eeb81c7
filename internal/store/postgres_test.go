package store_test

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/session-engine/internal/model"
	"github.com/atmx/session-engine/internal/store"
)

// Integration tests run only when TEST_DATABASE_URL (and, for the cache,
// TEST_REDIS_URL) point at disposable instances.

func postgresStore(t *testing.T) *store.PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := store.Connect(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	st := store.NewPostgresStore(pool)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestPostgresStore_Lifecycle(t *testing.T) {
	st := postgresStore(t)
	ctx := context.Background()
	uid := "it-" + uuid.NewString()

	u, err := st.GetOrCreateUser(ctx, uid, "tester")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTokens, u.Tokens)
	assert.True(t, u.Balance.Equal(model.InitialBalance))

	p := newPosition(uid)
	assert.ErrorIs(t, st.OpenPosition(ctx, p, model.StateSelectingInstrument), model.ErrStateConflict)
	require.NoError(t, st.OpenPosition(ctx, p, model.StateIdle))
	assert.ErrorIs(t, st.OpenPosition(ctx, newPosition(uid), model.StateOpen), model.ErrAlreadyOpen)

	open, err := st.GetOpenPosition(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, p.ID, open.ID)
	assert.True(t, open.EntryPrice.Equal(d(100)))

	c := model.PositionClose{
		PositionID: p.ID, UserID: uid, ExitPrice: d(103),
		ExitAt: time.Now().UTC(), PnLPercent: d(6), RewardID: "salmon",
	}
	require.NoError(t, st.ClosePosition(ctx, c, 150))
	assert.ErrorIs(t, st.ClosePosition(ctx, c, 150), model.ErrAlreadyClosed)

	e := &model.LedgerEntry{
		ID: uuid.NewString(), UserID: uid, PositionID: p.ID,
		PnLPercent: d(6), Delta: d(60), CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.AppendLedgerEntry(ctx, e))
	assert.True(t, e.BalanceAfter.Equal(d(10060)))

	dup := *e
	dup.ID = uuid.NewString()
	assert.ErrorIs(t, st.AppendLedgerEntry(ctx, &dup), model.ErrDuplicateLedgerEntry)

	u, err = st.GetUser(ctx, uid)
	require.NoError(t, err)
	assert.Nil(t, u.OpenPositionID)
	assert.Equal(t, 2, u.Level)
	assert.Equal(t, model.DefaultTokens-1, u.Tokens)
	assert.True(t, u.Balance.Equal(d(10060)))
}

func TestPostgresStore_SetStateConflict(t *testing.T) {
	st := postgresStore(t)
	ctx := context.Background()
	uid := "it-" + uuid.NewString()
	_, err := st.GetOrCreateUser(ctx, uid, "")
	require.NoError(t, err)

	require.NoError(t, st.SetState(ctx, uid, model.StateIdle, model.StateBlocked))
	err = st.SetState(ctx, uid, model.StateIdle, model.StateSelectingInstrument)
	assert.True(t, errors.Is(err, model.ErrStateConflict))
}

func TestCachedStore_InvalidatesOnWrite(t *testing.T) {
	st := postgresStore(t)
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	t.Cleanup(func() { rdb.Close() })

	ctx := context.Background()
	cached := store.NewCachedStore(st, rdb, time.Minute)
	uid := "it-" + uuid.NewString()

	_, err = cached.GetOrCreateUser(ctx, uid, "")
	require.NoError(t, err)
	_, err = cached.CreditTokens(ctx, uid, 5)
	require.NoError(t, err)

	u, err := cached.GetUser(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, model.DefaultTokens+5, u.Tokens)
}
