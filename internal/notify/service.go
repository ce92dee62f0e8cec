package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"

	kafkax "github.com/apotekly/rx-verify/internal/kafka"
	"github.com/apotekly/rx-verify/internal/pipeline"
	"github.com/apotekly/rx-verify/internal/redisx"
	"github.com/apotekly/rx-verify/internal/rx"
)

// Service consumes notify.requested events and re-attempts delivery. The API
// already tried once inline; everything landing here failed at least once.
type Service struct {
	Store       rx.Store
	Redis       *redis.Client
	Notifier    pipeline.Notifier
	Producer    *kafkax.Producer // publishes notify results
	ServiceName string
}

// HandleNotifyRequested is installed as the consumer handler.
func (s *Service) HandleNotifyRequested(ctx context.Context, m kafkago.Message) error {
	var env rx.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return err
	}
	if env.EventType != rx.EventNotifyRequested {
		return nil // ignore
	}

	// dedup by event_id so a redelivered message does not double-send
	if s.seen(ctx, env.EventID) {
		return nil
	}

	p, err := kafkax.UnwrapPayload[rx.NotifyRequestedPayload](env.Payload)
	if err != nil {
		return err
	}

	order, err := s.Store.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	cust, err := s.Store.GetCustomer(ctx, order.CustomerID)
	if err != nil {
		return err
	}
	inv, err := s.Store.GetInvoiceByOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}

	if err := s.Notifier.SendOrderConfirmation(ctx, cust, order, inv, p.DocumentRef); err != nil {
		_ = s.Store.LogActivity(ctx, rx.ActivityEntry{
			PrescriptionID: p.PrescriptionID,
			Action:         rx.ActionNotifyFailed,
			Description:    fmt.Sprintf("retry %d failed: %v", p.Attempt, err),
		})
		s.publishResult(p, err)
		// return the error so the offset is not committed and the message is retried
		return err
	}

	// only a delivered event is marked seen; a failed one stays eligible for
	// redelivery
	s.markSeen(ctx, env.EventID)
	_ = s.Store.LogActivity(ctx, rx.ActivityEntry{
		PrescriptionID: p.PrescriptionID,
		Action:         rx.ActionNotifySent,
		Description:    fmt.Sprintf("order confirmation delivered on retry %d", p.Attempt),
	})
	s.publishResult(p, nil)
	return nil
}

func (s *Service) seen(ctx context.Context, eventID string) bool {
	if s.Redis == nil {
		return false
	}
	key := fmt.Sprintf(redisx.KeyDedup, "notifier", eventID)
	exists, _ := redisx.Exists(ctx, s.Redis, key)
	return exists
}

func (s *Service) markSeen(ctx context.Context, eventID string) {
	if s.Redis == nil {
		return
	}
	key := fmt.Sprintf(redisx.KeyDedup, "notifier", eventID)
	_ = s.Redis.Set(ctx, key, "1", redisx.TTLDedup).Err()
}

func (s *Service) publishResult(p rx.NotifyRequestedPayload, sendErr error) {
	eventType := rx.EventNotifySent
	payload := rx.NotifyResultPayload{PrescriptionID: p.PrescriptionID, OrderID: p.OrderID}
	if sendErr != nil {
		eventType = rx.EventNotifyFailed
		payload.Reason = sendErr.Error()
	}
	ev := rx.Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      s.ServiceName,
		CorrelationID: p.PrescriptionID,
		Payload:       kafkax.MustMarshal(payload),
	}
	s.Producer.Publish(rx.TopicNotifyResult, rx.PartitionKey(p.PrescriptionID), kafkax.MustMarshal(ev),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte("1")},
	)
}
