package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"stockledger/internal/common"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
)

const maxIdempotencyKeyLength = 128

func validateIdempotencyKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return common.NewValidationError("idempotency_key", "is required")
	}
	if len(key) > maxIdempotencyKeyLength {
		return common.NewValidationError("idempotency_key", fmt.Sprintf("cannot exceed %d characters", maxIdempotencyKeyLength))
	}
	return nil
}

// runIdempotent executes fn at most once per key. The key is reserved in the
// same transaction as fn's writes, so a failed fn releases it. A repeated key
// returns the stored response and reports replayed.
func runIdempotent[T any](
	ctx context.Context,
	tx repositories.TxManager,
	keys repositories.IdempotencyRepository,
	key, operation string,
	fn func(ctx context.Context) (T, *uuid.UUID, error),
) (result T, replayed bool, err error) {
	if err := validateIdempotencyKey(key); err != nil {
		return result, false, err
	}

	err = tx.RunInTx(ctx, func(ctx context.Context) error {
		reserved, err := keys.Reserve(ctx, key, operation)
		if err != nil {
			return fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !reserved {
			rec, err := keys.Get(ctx, key)
			if err != nil {
				return fmt.Errorf("load idempotency record: %w", err)
			}
			if rec.Operation != operation {
				return &common.IdempotencyKeyReusedError{Key: key, Operation: operation, Original: rec.Operation}
			}
			if err := json.Unmarshal(rec.Response, &result); err != nil {
				return fmt.Errorf("decode stored response: %w", err)
			}
			replayed = true
			return nil
		}

		out, resourceID, err := fn(ctx)
		if err != nil {
			return err
		}
		body, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
		if err := keys.Complete(ctx, key, resourceID, body); err != nil {
			return fmt.Errorf("complete idempotency key: %w", err)
		}
		result = out
		return nil
	})
	return result, replayed, err
}

func isNotFound(err error) bool {
	return errors.Is(err, common.ErrNotFound)
}
