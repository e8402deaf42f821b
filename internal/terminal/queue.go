package terminal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"
)

type EntryStatus string

const (
	StatusPending  EntryStatus = "pending"
	StatusAcked    EntryStatus = "acked"
	StatusRejected EntryStatus = "rejected"
)

// ErrEntryNotFound is returned when marking a sequence the store never issued.
var ErrEntryNotFound = errors.New("queue entry not found")

// Entry is one operation recorded while the terminal may be offline. Seq is
// assigned by the local store and only ever grows.
type Entry struct {
	Seq            int64                    `json:"seq"`
	Kind           models.SyncOperationKind `json:"kind"`
	IdempotencyKey string                   `json:"idempotency_key"`
	ActorID        string                   `json:"actor_id,omitempty"`
	Payload        json.RawMessage          `json:"payload"`
	Status         EntryStatus              `json:"status"`
	Code           string                   `json:"code,omitempty"`
	Message        string                   `json:"message,omitempty"`
	CreatedAt      time.Time                `json:"created_at"`
	SyncedAt       *time.Time               `json:"synced_at,omitempty"`
}

// Operation is the wire form pushed to the server.
func (e Entry) Operation() models.SyncOperationRequest {
	return models.SyncOperationRequest{
		LocalSeq:       e.Seq,
		Kind:           e.Kind,
		IdempotencyKey: e.IdempotencyKey,
		ActorID:        e.ActorID,
		Payload:        e.Payload,
		CreatedAt:      e.CreatedAt,
	}
}

// LocalStore persists the queue on the terminal.
type LocalStore interface {
	// Append stores e as pending and sets its Seq. A reused idempotency key
	// fails with a *common.DuplicateOperationError.
	Append(ctx context.Context, e *Entry) error
	// Pending returns pending entries in ascending Seq order.
	Pending(ctx context.Context, limit int) ([]Entry, error)
	Mark(ctx context.Context, seq int64, status EntryStatus, code, message string, at time.Time) error
	ListByStatus(ctx context.Context, status EntryStatus, limit int) ([]Entry, error)
	Close() error
}

// Queue records operations for later replay against the server.
type Queue struct {
	store LocalStore
	now   func() time.Time
}

func NewQueue(store LocalStore) *Queue {
	return &Queue{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue stores a new pending operation. payload is marshalled to JSON
// unless it already is a json.RawMessage.
func (q *Queue) Enqueue(ctx context.Context, kind models.SyncOperationKind, key, actorID string, payload any) (*Entry, error) {
	if !kind.Valid() {
		return nil, common.NewValidationError("kind", "unknown operation kind")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, common.NewValidationError("idempotency_key", "is required")
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case nil:
		return nil, common.NewValidationError("payload", "is required")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, common.NewValidationError("payload", "must be JSON encodable")
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, common.NewValidationError("payload", "must be valid JSON")
	}

	e := &Entry{
		Kind:           kind,
		IdempotencyKey: key,
		ActorID:        actorID,
		Payload:        raw,
		Status:         StatusPending,
		CreatedAt:      q.now(),
	}
	if err := q.store.Append(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

func (q *Queue) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return q.store.Pending(ctx, limit)
}

// Rejected lists entries the server refused. They stay on the terminal until
// someone resolves them.
func (q *Queue) Rejected(ctx context.Context, limit int) ([]Entry, error) {
	return q.store.ListByStatus(ctx, StatusRejected, limit)
}

func (q *Queue) ack(ctx context.Context, seq int64) error {
	return q.store.Mark(ctx, seq, StatusAcked, "", "", q.now())
}

func (q *Queue) reject(ctx context.Context, seq int64, code, message string) error {
	return q.store.Mark(ctx, seq, StatusRejected, code, message, q.now())
}

func (q *Queue) Close() error {
	return q.store.Close()
}
