// Package events publishes domain events after the changes they describe
// have committed. Delivery is best effort: a failed publish is logged and
// never rolls back the ledger.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Type string

const (
	AdjustmentRecorded     Type = "adjustment.recorded"
	StockLow               Type = "stock.low"
	TransactionCompleted   Type = "transaction.completed"
	TransactionFailed      Type = "transaction.failed"
	TransactionVoided      Type = "transaction.voided"
	TransactionRefunded    Type = "transaction.refunded"
	CountDisputed          Type = "count.disputed"
	ReconciliationApproved Type = "reconciliation.approved"
	ReconciliationRejected Type = "reconciliation.rejected"
	SnapshotTaken          Type = "snapshot.taken"
	LowStockReport         Type = "stock.low_report"
	LedgerMismatch         Type = "ledger.mismatch"
)

type Event struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	Key        string          `json:"key"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// New builds an event keyed by the aggregate it concerns. Events sharing a
// key keep their relative order on brokers that partition by key.
func New(t Type, key string, payload any) (Event, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{ID: uuid.New(), Type: t, Key: key, OccurredAt: time.Now().UTC(), Payload: body}, nil
}

type Publisher interface {
	Publish(ctx context.Context, evt Event) error
	Close() error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(context.Context, Event) error { return nil }
func (noopPublisher) Close() error                         { return nil }

type logPublisher struct{}

// NewLogPublisher writes events to the structured log instead of a broker.
func NewLogPublisher() Publisher { return logPublisher{} }

func (logPublisher) Publish(_ context.Context, evt Event) error {
	log.Info().
		Str("event_id", evt.ID.String()).
		Str("event_type", string(evt.Type)).
		Str("key", evt.Key).
		RawJSON("payload", evt.Payload).
		Msg("domain event")
	return nil
}

func (logPublisher) Close() error { return nil }

// Emit builds and publishes an event, logging instead of failing.
func Emit(ctx context.Context, p Publisher, t Type, key string, payload any) {
	evt, err := New(t, key, payload)
	if err == nil {
		err = p.Publish(ctx, evt)
	}
	if err != nil {
		log.Warn().Err(err).Str("event_type", string(t)).Str("key", key).Msg("failed to publish event")
	}
}
