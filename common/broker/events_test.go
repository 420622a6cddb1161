package broker

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEventRoundTrip(t *testing.T) {
	env, err := NewEnvelope(EventStockReserved, StockReserved{
		OrderID:        "order-1",
		ReservationID:  "res-1",
		ProductID:      "laptop-pro",
		Quantity:       2,
		RemainingStock: 8,
	})
	require.NoError(t, err)
	require.NotEmpty(t, env.EventID)
	require.False(t, env.Timestamp.IsZero())

	body, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, event, err := DecodeEvent(body)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, decoded.EventID)

	payload, ok := event.(*StockReserved)
	require.True(t, ok)
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Equal(t, int32(8), payload.RemainingStock)
}

func TestDecodeEventUnknownType(t *testing.T) {
	env, err := NewEnvelope("SomethingNew", map[string]string{})
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, event, err := DecodeEvent(body)
	assert.Nil(t, event)
	assert.Equal(t, "SomethingNew", decoded.EventType, "envelope survives an unknown payload")

	var unknown *ErrUnknownEventType
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "SomethingNew", unknown.EventType)
}

func TestDecodeEventBadBody(t *testing.T) {
	_, _, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)
}

func TestDecodeEventVerdictForms(t *testing.T) {
	// Both the current and the legacy verdict events must decode.
	env, err := NewEnvelope(EventOrderVerified, OrderVerified{
		OrderID:            "order-1",
		Status:             VerifiedStatusConfirmed,
		ReservationID:      "res-1",
		RecoveredFromCrash: true,
	})
	require.NoError(t, err)
	body, _ := json.Marshal(env)

	_, event, err := DecodeEvent(body)
	require.NoError(t, err)
	verdict, ok := event.(*OrderVerified)
	require.True(t, ok)
	assert.True(t, verdict.RecoveredFromCrash)

	legacy, err := NewEnvelope(EventVerificationComplete, VerificationComplete{
		OrderID:  "order-1",
		Verified: true,
	})
	require.NoError(t, err)
	body, _ = json.Marshal(legacy)

	_, event, err = DecodeEvent(body)
	require.NoError(t, err)
	old, ok := event.(*VerificationComplete)
	require.True(t, ok)
	assert.True(t, old.Verified)
}
