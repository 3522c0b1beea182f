package deadletter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/fleetbus/internal/broker"
	"github.com/nerrad567/fleetbus/internal/infrastructure/memory"
	"github.com/nerrad567/fleetbus/internal/session"
	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

type fixedSource struct{ sess *session.Session }

func (f fixedSource) WaitHealthy(ctx context.Context) (*session.Session, error) {
	select {
	case <-f.sess.Done():
		<-ctx.Done()
		return nil, ctx.Err()
	default:
		return f.sess, nil
	}
}

func TestArchive_StoresRecords(t *testing.T) {
	b := memory.New()
	sess := session.New(b, session.Config{Generation: 1})
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Close() })

	repo := newTestRepo(t)
	archive := NewArchive(fixedSource{sess}, topic.NewRouter("test"), repo, 4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- archive.Run(ctx) }()
	defer func() {
		cancel()
		assert.NoError(t, <-done)
	}()

	require.Eventually(t, func() bool {
		queues := b.Queues()
		for _, category := range stream.Categories() {
			if _, ok := queues["test.dlq."+category]; !ok {
				return false
			}
		}
		return true
	}, 3*time.Second, 5*time.Millisecond)

	env := failedEnvelope(t, stream.RealtimeLocation, "VH-1", stream.Location{Latitude: 3}, 3)
	rec := NewRecord(env, "downstream unavailable", "fleet.realtime.location", "realtime.location.VH-1", time.Now())
	body, err := rec.Encode()
	require.NoError(t, err)
	publish := func(key string, body []byte) {
		require.NoError(t, sess.Publish(ctx, broker.Publishing{Key: key, Body: body, Persistent: true}))
	}
	publish(string(rec.RouteKey()), body)
	publish(string(rec.RouteKey()), body)
	publish("dlq.control.kill.VH-2", []byte("not a record"))

	require.Eventually(t, func() bool {
		s := archive.Stats()
		return s.Archived == 2 && s.Duplicates == 1
	}, 3*time.Second, 5*time.Millisecond)

	stats := archive.Stats()
	assert.Equal(t, uint64(1), stats.Malformed)
	assert.Zero(t, stats.Failures)

	got, err := repo.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)

	killed, err := repo.List(context.Background(), Filter{Stream: stream.ControlKill})
	require.NoError(t, err)
	require.Equal(t, 1, killed.Total)
	assert.Equal(t, "VH-2", killed.Records[0].EntityID)
	assert.Equal(t, []byte("not a record"), killed.Records[0].Raw)
	assert.Contains(t, killed.Records[0].Reason, "malformed")

	for _, category := range stream.Categories() {
		assert.Zero(t, b.Depth("test.dlq."+category))
		assert.Zero(t, b.Unacked("test.dlq."+category))
	}
}
