package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/fleetbus/internal/stream"
)

func nop(context.Context, stream.Envelope) error { return nil }

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(stream.ReportPerformance, nop))
	require.NoError(t, r.Register(stream.ControlKill, nop))
	require.NoError(t, r.Register(stream.ControlStart, nop))

	assert.ErrorIs(t, r.Register(stream.ControlKill, nop), ErrDuplicateHandler)
	assert.ErrorIs(t, r.Register(stream.RealtimeBattery, nil), ErrNilHandler)
	assert.ErrorIs(t, r.Register(stream.Type("realtime.weather"), nop), stream.ErrUnknownStream)

	assert.Equal(t, []stream.Type{stream.ControlKill, stream.ControlStart, stream.ReportPerformance}, r.Streams())
	assert.Equal(t, []string{stream.CategoryControl, stream.CategoryReport}, r.Categories())

	_, ok := r.Handler(stream.ControlKill)
	assert.True(t, ok)
	_, ok = r.Handler(stream.RealtimeBattery)
	assert.False(t, ok)
}

func TestPermanent(t *testing.T) {
	base := errors.New("unknown rental")
	err := fmt.Errorf("start rental: %w", Permanent(base))

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}
