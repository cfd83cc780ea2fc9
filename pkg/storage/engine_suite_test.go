package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRecord creates a warm document record with the given key.
func testRecord(key string) *Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &Record{
		Key:        key,
		Kind:       KindDocument,
		Payload:    Payload{Text: "content of " + key, Metadata: map[string]string{"source": "test"}},
		TrustScore: 0.9,
		Tier:       TierWarm,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// runEngineSuite exercises the Engine contract against any implementation.
func runEngineSuite(t *testing.T, newEngine func(t *testing.T) Engine) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		e := newEngine(t)
		require.NoError(t, e.PutRecord(ctx, testRecord("doc:1")))

		got, err := e.GetRecord(ctx, "doc:1")
		require.NoError(t, err)
		assert.Equal(t, "doc:1", got.Key)
		assert.Equal(t, KindDocument, got.Kind)
		assert.Equal(t, "content of doc:1", got.Payload.Text)
		assert.Equal(t, "test", got.Payload.Metadata["source"])
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("not found", func(t *testing.T) {
		e := newEngine(t)
		_, err := e.GetRecord(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid input", func(t *testing.T) {
		e := newEngine(t)
		assert.ErrorIs(t, e.PutRecord(ctx, nil), ErrInvalidData)
		assert.ErrorIs(t, e.PutRecord(ctx, &Record{}), ErrInvalidID)
		_, err := e.GetRecord(ctx, "")
		assert.ErrorIs(t, err, ErrInvalidID)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		e := newEngine(t)
		rec := testRecord("doc:1")
		require.NoError(t, e.PutRecord(ctx, rec))
		rec.Payload.Metadata["source"] = "mutated"

		got, err := e.GetRecord(ctx, "doc:1")
		require.NoError(t, err)
		got.Payload.Text = "changed"

		again, err := e.GetRecord(ctx, "doc:1")
		require.NoError(t, err)
		assert.Equal(t, "test", again.Payload.Metadata["source"])
		assert.Equal(t, "content of doc:1", again.Payload.Text)
	})

	t.Run("history round trip", func(t *testing.T) {
		e := newEngine(t)
		rec := testRecord("doc:1")
		rec.UpdateHistory = append(rec.UpdateHistory, rec.Snapshot("create", rec.CreatedAt))
		rec.Version = 2
		require.NoError(t, e.PutRecord(ctx, rec))

		got, err := e.GetRecord(ctx, "doc:1")
		require.NoError(t, err)
		require.Len(t, got.UpdateHistory, 1)
		assert.Equal(t, int64(1), got.UpdateHistory[0].Version)
		assert.Equal(t, "create", got.UpdateHistory[0].Reason)
	})

	t.Run("scan tier pages in key order", func(t *testing.T) {
		e := newEngine(t)
		for _, k := range []string{"c", "a", "e", "b", "d"} {
			require.NoError(t, e.PutRecord(ctx, testRecord(k)))
		}
		hot := testRecord("h")
		hot.Tier = TierHot
		require.NoError(t, e.PutRecord(ctx, hot))

		page, err := e.ScanTier(ctx, TierWarm, "", 2)
		require.NoError(t, err)
		require.Len(t, page, 2)
		assert.Equal(t, "a", page[0].Key)
		assert.Equal(t, "b", page[1].Key)

		page, err = e.ScanTier(ctx, TierWarm, "b", 10)
		require.NoError(t, err)
		require.Len(t, page, 3)
		assert.Equal(t, "c", page[0].Key)
		assert.Equal(t, "e", page[2].Key)

		page, err = e.ScanTier(ctx, TierHot, "", 0)
		require.NoError(t, err)
		require.Len(t, page, 1)
		assert.Equal(t, "h", page[0].Key)
	})

	t.Run("tier move leaves stale index until removed", func(t *testing.T) {
		e := newEngine(t)
		rec := testRecord("k")
		require.NoError(t, e.PutRecord(ctx, rec))
		rec.Tier = TierCold
		require.NoError(t, e.PutRecord(ctx, rec))

		warm, err := e.ScanTier(ctx, TierWarm, "", 0)
		require.NoError(t, err)
		require.Len(t, warm, 1)
		assert.Equal(t, TierCold, warm[0].Tier, "stale entry resolves to the live record")

		require.NoError(t, e.RemoveTierIndex(ctx, TierWarm, "k"))
		warm, err = e.ScanTier(ctx, TierWarm, "", 0)
		require.NoError(t, err)
		assert.Empty(t, warm)

		// The current tier entry survives cleanup requests.
		require.NoError(t, e.RemoveTierIndex(ctx, TierCold, "k"))
		cold, err := e.ScanTier(ctx, TierCold, "", 0)
		require.NoError(t, err)
		require.Len(t, cold, 1)
		assert.Equal(t, "content of k", cold[0].Payload.Text)
	})

	t.Run("all keys and delete", func(t *testing.T) {
		e := newEngine(t)
		require.NoError(t, e.PutRecord(ctx, testRecord("b")))
		require.NoError(t, e.PutRecord(ctx, testRecord("a")))

		keys, err := e.AllKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, keys)

		require.NoError(t, e.DeleteRecord(ctx, "a"))
		assert.ErrorIs(t, e.DeleteRecord(ctx, "a"), ErrNotFound)
		keys, err = e.AllKeys(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"b"}, keys)
	})

	t.Run("conflicts", func(t *testing.T) {
		e := newEngine(t)
		now := time.Now().UTC()
		first := &ConflictRecord{
			ID:        "c1",
			Key:       "doc:1",
			Attempted: *DocumentMutation("doc:1", "text", map[string]string{"a": "b"}),
			Conflicts: []Vote{{Validator: "content", Score: 0.4, Rationale: "drift"}},
			Action:    ActionStaged,
			Status:    ConflictPending,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
		second := first.Clone()
		second.ID = "c2"
		second.CreatedAt = now.Add(time.Second)
		require.NoError(t, e.PutConflict(ctx, second))
		require.NoError(t, e.PutConflict(ctx, first))

		got, err := e.GetConflict(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, ActionStaged, got.Action)
		require.Len(t, got.Conflicts, 1)
		assert.Equal(t, "content", got.Conflicts[0].Validator)
		assert.Len(t, got.Attempted.Claims, 2)

		all, err := e.ListConflicts(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "c1", all[0].ID)
		assert.Equal(t, "c2", all[1].ID)

		require.NoError(t, e.DeleteConflict(ctx, "c1"))
		_, err = e.GetConflict(ctx, "c1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("closed engine", func(t *testing.T) {
		e := newEngine(t)
		require.NoError(t, e.Close())
		assert.ErrorIs(t, e.PutRecord(ctx, testRecord("x")), ErrStorageClosed)
		_, err := e.GetRecord(ctx, "x")
		assert.ErrorIs(t, err, ErrStorageClosed)
	})
}
