package deadletter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nerrad567/fleetbus/internal/stream"
	"github.com/nerrad567/fleetbus/internal/topic"
)

func TestRecord_RouteKey(t *testing.T) {
	env := failedEnvelope(t, stream.ReportMaintenance, "VH-4", map[string]any{"rental_id": "R-1"}, 1)
	rec := NewRecord(env, "boom", "fleet.report.maintenance", "report.maintenance.VH-4", time.Now())
	assert.Equal(t, topic.Key("dlq.report.maintenance.VH-4"), rec.RouteKey())
	assert.Equal(t, stream.CategoryReport, rec.Category())

	poison := NewPoisonRecord(stream.RealtimeStatus, []byte("?"), "undecodable", "fleet.realtime.status", "bogus", time.Now())
	assert.Equal(t, topic.Key("dlq.realtime.status._unroutable"), poison.RouteKey())
}

func TestRecord_EncodeDecode(t *testing.T) {
	env := failedEnvelope(t, stream.ControlEnd, "VH-5", stream.EndRental{RentalID: "R-9"}, 2)
	rec := NewRecord(env, "rental service said no", "fleet.control.end", "control.end.VH-5", time.Now())

	body, err := rec.Encode()
	require.NoError(t, err)
	got, err := DecodeRecord(body)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.Envelope)
	assert.Equal(t, 2, got.Envelope.Attempt())
	assert.JSONEq(t, `{"rental_id":"R-9"}`, string(got.Payload()))
}

func TestDecodeRecord_Malformed(t *testing.T) {
	for _, body := range []string{`nope`, `{}`, `{"id":"x","stream":"control.fly"}`} {
		_, err := DecodeRecord([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedRecord, body)
	}
}
