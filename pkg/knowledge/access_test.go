package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/storage"
)

// keepOpen lets a second store reuse an engine after the first one closes.
type keepOpen struct {
	storage.Engine
}

func (keepOpen) Close() error { return nil }

func TestPersistAccess_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemoryEngine()
	engine := keepOpen{mem}
	clock := &testClock{t: epoch}
	cfg := testConfig(config.ModeStrict)

	require.NoError(t, mem.PutRecord(ctx, &storage.Record{
		Key:          "doc:1",
		Kind:         storage.KindDocument,
		Tier:         storage.TierWarm,
		Version:      1,
		TrustScore:   0.95,
		Payload:      storage.Payload{Text: "text"},
		LastAccessed: epoch,
	}))

	first, err := Open(cfg, engine, WithClock(clock.Now))
	require.NoError(t, err)
	for i := 0; i < 11; i++ {
		clock.Advance(12 * time.Hour)
		_, err := first.Read(ctx, "doc:1")
		require.NoError(t, err)
		require.NoError(t, first.FlushAccess(ctx))
	}
	lastRead := clock.Now()
	require.NoError(t, first.Close())

	rec, err := mem.GetRecord(ctx, "doc:1")
	require.NoError(t, err)
	assert.True(t, lastRead.Equal(rec.LastAccessed), "last read persisted, got %s", rec.LastAccessed)
	assert.Positive(t, rec.AccessHourly)
	assert.Positive(t, rec.AccessDaily)
	assert.Equal(t, int64(1), rec.Version, "access metadata does not bump the version")
	assert.Empty(t, rec.UpdateHistory)

	clock.Advance(12 * time.Hour)
	second, err := Open(cfg, engine, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })

	report, err := second.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Moves, "read 12h ago, not inactive")

	clock.Advance(5 * 24 * time.Hour)
	report, err = second.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, report.Moves, 1)
	assert.Equal(t, storage.TierCold, report.Moves[0].To)
}

func TestPersistAccess(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeStrict))
	ctx := context.Background()
	h.seed(t, &storage.Record{Key: "doc:1", Payload: storage.Payload{Text: "text"}, TrustScore: 0.9, LastAccessed: epoch})
	h.seed(t, &storage.Record{Key: "doc:2", Payload: storage.Payload{Text: "text"}, TrustScore: 0.9, LastAccessed: epoch})

	n, err := h.store.PersistAccess(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "nothing read yet")

	h.clock.Advance(time.Hour)
	_, err = h.store.Read(ctx, "doc:1")
	require.NoError(t, err)
	require.NoError(t, h.store.FlushAccess(ctx))

	n, err = h.store.PersistAccess(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	rec := h.get(t, "doc:1")
	assert.True(t, epoch.Add(time.Hour).Equal(rec.LastAccessed))
	assert.Equal(t, int64(1), rec.AccessHourly)
	assert.Equal(t, int64(1), rec.Version)
	assert.True(t, epoch.Equal(h.get(t, "doc:2").LastAccessed), "unread record untouched")

	n, err = h.store.PersistAccess(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "already written back")
	assert.Equal(t, int64(1), h.store.Stats().AccessFlushed)
}

func TestPersistAccess_BeforeSweep(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeStrict))
	ctx := context.Background()
	h.seed(t, &storage.Record{Key: "doc:1", Payload: storage.Payload{Text: "text"}, TrustScore: 0.9, LastAccessed: epoch})

	h.clock.Advance(2 * time.Hour)
	_, err := h.store.Read(ctx, "doc:1")
	require.NoError(t, err)
	require.NoError(t, h.store.FlushAccess(ctx))

	_, err = h.store.Sweep(ctx)
	require.NoError(t, err)
	assert.True(t, epoch.Add(2*time.Hour).Equal(h.get(t, "doc:1").LastAccessed))
}

func TestPersistAccess_Closed(t *testing.T) {
	h := newHarness(t, testConfig(config.ModeStrict))
	require.NoError(t, h.store.Close())
	_, err := h.store.PersistAccess(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
