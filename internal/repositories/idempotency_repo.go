package repositories

import (
	"context"
	"encoding/json"

	"stockledger/internal/models"

	"github.com/google/uuid"
)

type IdempotencyRepository interface {
	// Reserve claims key for operation. It returns false when the key is
	// already taken. A concurrent reservation blocks until the other
	// transaction finishes.
	Reserve(ctx context.Context, key, operation string) (bool, error)
	Complete(ctx context.Context, key string, resourceID *uuid.UUID, response json.RawMessage) error
	Get(ctx context.Context, key string) (*models.IdempotencyRecord, error)
}

type idempotencyRepo struct {
	db Querier
}

func NewIdempotencyRepo(db Querier) IdempotencyRepository {
	return &idempotencyRepo{db: db}
}

func (r *idempotencyRepo) Reserve(ctx context.Context, key, operation string) (bool, error) {
	query := `
		INSERT INTO idempotency_keys (key, operation, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := conn(ctx, r.db).Exec(ctx, query, key, operation)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *idempotencyRepo) Complete(ctx context.Context, key string, resourceID *uuid.UUID, response json.RawMessage) error {
	_, err := conn(ctx, r.db).Exec(ctx, `UPDATE idempotency_keys SET resource_id = $1, response = $2 WHERE key = $3`,
		resourceID, []byte(response), key)
	return err
}

func (r *idempotencyRepo) Get(ctx context.Context, key string) (*models.IdempotencyRecord, error) {
	rec := &models.IdempotencyRecord{}
	var response []byte
	query := `SELECT key, operation, resource_id, response, created_at FROM idempotency_keys WHERE key = $1`
	if err := conn(ctx, r.db).QueryRow(ctx, query, key).Scan(&rec.Key, &rec.Operation, &rec.ResourceID, &response, &rec.CreatedAt); err != nil {
		return nil, notFound(err, "idempotency key "+key)
	}
	rec.Response = response
	return rec, nil
}
