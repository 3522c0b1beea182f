package deadletter

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/fleetbus/internal/infrastructure/database"
	"github.com/nerrad567/fleetbus/internal/retry"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/migrations"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.Open(database.Config{
		Path:        filepath.Join(t.TempDir(), "archive.db"),
		WALMode:     true,
		BusyTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Migrate(context.Background(), migrations.FS)
	require.NoError(t, err)
	return NewSQLiteRepository(db.DB)
}

func failedEnvelope(t *testing.T, st stream.Type, entity string, payload any, attempts int) stream.Envelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	env := stream.NewEnvelope(st, entity, raw, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	for i := 1; i <= attempts; i++ {
		d := retry.Decide(i, attempts)
		env, err = env.Escalate(d)
		require.NoError(t, err)
	}
	return env
}

func TestSQLiteRepository_InsertGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	env := failedEnvelope(t, stream.RealtimeLocation, "VH-1", stream.Location{Latitude: 1, Longitude: 2}, 3)
	failedAt := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	rec := NewRecord(env, "downstream unavailable", "fleet.realtime.location", "realtime.location.VH-1", failedAt)

	inserted, err := repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = repo.Insert(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted, "second insert of the same record")

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, stream.RealtimeLocation, got.Stream)
	assert.Equal(t, "VH-1", got.EntityID)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "downstream unavailable", got.Reason)
	assert.Equal(t, "fleet.realtime.location", got.SourceQueue)
	assert.Equal(t, "realtime.location.VH-1", got.Key)
	assert.True(t, failedAt.Equal(got.FailedAt))
	require.NotNil(t, got.Envelope)
	assert.Equal(t, env.ID, got.Envelope.ID)
	assert.Equal(t, 3, got.Envelope.Attempt())
	assert.True(t, env.Timestamp.Equal(got.Envelope.Timestamp))
	assert.JSONEq(t, string(env.Payload), string(got.Payload()))

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRepository_Poison(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	rec := NewPoisonRecord(stream.ControlKill, []byte("\x00garbage"), "undecodable", "fleet.control.kill",
		"control.kill.VH-2", time.Now())
	_, err := repo.Insert(ctx, rec)
	require.NoError(t, err)

	got, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Envelope)
	assert.Equal(t, []byte("\x00garbage"), got.Raw)
	assert.Empty(t, got.EntityID)
	assert.Nil(t, got.Payload())
}

func TestSQLiteRepository_List(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	add := func(st stream.Type, entity string, payload any, at time.Time) Record {
		env := failedEnvelope(t, st, entity, payload, 1)
		key := string(st) + "." + entity
		rec := NewRecord(env, "boom", "fleet."+string(st), key, at)
		_, err := repo.Insert(ctx, rec)
		require.NoError(t, err)
		return rec
	}

	oldest := add(stream.RealtimeBattery, "VH-1", stream.Battery{BatteryLevel: 5}, base)
	add(stream.RealtimeLocation, "VH-1", stream.Location{}, base.Add(time.Hour))
	add(stream.ControlKill, "VH-2", stream.Kill{Reason: "theft"}, base.Add(2*time.Hour))
	newest := add(stream.RealtimeBattery, "VH-2", stream.Battery{BatteryLevel: 7}, base.Add(3*time.Hour))

	all, err := repo.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.Total)
	require.Len(t, all.Records, 4)
	assert.Equal(t, newest.ID, all.Records[0].ID)
	assert.Equal(t, oldest.ID, all.Records[3].ID)
	assert.Equal(t, defaultListLimit, all.Limit)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"by stream", Filter{Stream: stream.RealtimeBattery}, 2},
		{"by category", Filter{Category: stream.CategoryRealtime}, 3},
		{"by entity", Filter{EntityID: "VH-2"}, 2},
		{"since", Filter{Since: base.Add(90 * time.Minute)}, 2},
		{"combined", Filter{Category: stream.CategoryRealtime, EntityID: "VH-2"}, 1},
		{"no match", Filter{EntityID: "VH-404"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := repo.List(ctx, tt.filter)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Total)
			assert.Len(t, res.Records, tt.want)
		})
	}

	page, err := repo.List(ctx, Filter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	assert.Equal(t, 4, page.Total)
	require.Len(t, page.Records, 2)
	assert.Equal(t, oldest.ID, page.Records[1].ID)

	capped, err := repo.List(ctx, Filter{Limit: 10_000})
	require.NoError(t, err)
	assert.Equal(t, maxListLimit, capped.Limit)
}
