package kafka

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apotekly/rx-verify/internal/rx"
)

func TestEnvelopeUnwrap(t *testing.T) {
	ev := rx.Envelope{
		EventID:       "ev-1",
		EventType:     rx.EventNotifyRequested,
		EventVersion:  1,
		OccurredAt:    time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC),
		Producer:      "rx-verify-api",
		CorrelationID: "rx-1",
		Payload: MustMarshal(rx.NotifyRequestedPayload{
			PrescriptionID: "rx-1", OrderID: "ord-1", InvoiceID: "inv-1",
			CustomerEmail: "budi@example.com", Attempt: 1,
		}),
	}
	raw := MustMarshal(ev)

	var got rx.Envelope
	require.NoError(t, UnmarshalEnvelope(raw, &got))
	assert.Equal(t, rx.EventNotifyRequested, got.EventType)
	assert.Equal(t, "rx-1", got.CorrelationID)

	p, err := UnwrapPayload[rx.NotifyRequestedPayload](got.Payload)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", p.OrderID)
	assert.Equal(t, 1, p.Attempt)

	_, err = UnwrapPayload[rx.NotifyRequestedPayload]([]byte("{"))
	assert.Error(t, err)
}
