package services

import (
	"context"
	"fmt"
	"strings"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
)

const opCreateAdjustment = "create_adjustment"

type AdjustmentRequest struct {
	ProductID      uuid.UUID             `json:"product_id"`
	Type           models.AdjustmentType `json:"type"`
	Delta          int                   `json:"delta"`
	Reason         string                `json:"reason"`
	AllowNegative  bool                  `json:"allow_negative"`
	IdempotencyKey string                `json:"idempotency_key"`
	Actor          models.Actor          `json:"-"`
}

type AdjustmentResult struct {
	Adjustment *models.InventoryAdjustment `json:"adjustment"`
	Replayed   bool                        `json:"replayed"`
}

// AdjustmentService records manual stock changes such as damage, theft,
// found stock and corrections.
type AdjustmentService interface {
	CreateAdjustment(ctx context.Context, req AdjustmentRequest) (*AdjustmentResult, error)
}

type adjustmentService struct {
	tx     repositories.TxManager
	keys   repositories.IdempotencyRepository
	ledger LedgerService
}

func NewAdjustmentService(tx repositories.TxManager, keys repositories.IdempotencyRepository, ledger LedgerService) AdjustmentService {
	return &adjustmentService{tx: tx, keys: keys, ledger: ledger}
}

func (s *adjustmentService) CreateAdjustment(ctx context.Context, req AdjustmentRequest) (*AdjustmentResult, error) {
	if err := validateAdjustment(req); err != nil {
		return nil, err
	}

	res, replayed, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opCreateAdjustment,
		func(ctx context.Context) (*AdjustmentResult, *uuid.UUID, error) {
			adj, err := s.ledger.ApplyDelta(ctx, req.ProductID, req.Delta, DeltaContext{
				Type:          req.Type,
				Reason:        strings.TrimSpace(req.Reason),
				Actor:         req.Actor,
				AllowNegative: req.AllowNegative,
				ReferenceType: "manual",
			})
			if err != nil {
				return nil, nil, err
			}
			return &AdjustmentResult{Adjustment: adj}, &adj.ID, nil
		})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return res, nil
}

func validateAdjustment(req AdjustmentRequest) error {
	if req.ProductID == uuid.Nil {
		return common.NewValidationError("product_id", "is required")
	}
	if !req.Type.Manual() {
		return common.NewValidationError("type", fmt.Sprintf("%q cannot be recorded manually", req.Type))
	}
	if err := common.ValidateRequiredString(req.Reason, "reason"); err != nil {
		return err
	}
	if len(req.Reason) > 500 {
		return common.NewValidationError("reason", "cannot exceed 500 characters")
	}
	if req.Delta == 0 {
		return common.NewValidationError("delta", "must be non-zero")
	}

	switch req.Type {
	case models.AdjustmentDamage, models.AdjustmentTheft:
		if req.Delta > 0 {
			return common.NewValidationError("delta", fmt.Sprintf("%s must reduce stock", req.Type))
		}
	case models.AdjustmentFound, models.AdjustmentInitial:
		if req.Delta < 0 {
			return common.NewValidationError("delta", fmt.Sprintf("%s must increase stock", req.Type))
		}
	}

	switch req.Type {
	case models.AdjustmentCorrection, models.AdjustmentInitial:
		if !req.Actor.HasRole(models.RoleManager, models.RoleAdmin) {
			return &common.ForbiddenError{Action: string(req.Type) + " adjustment", Reason: "requires manager or admin"}
		}
	default:
		if !req.Actor.HasRole(models.RoleCashier, models.RoleManager, models.RoleAdmin) {
			return &common.ForbiddenError{Action: string(req.Type) + " adjustment", Reason: "role not permitted"}
		}
	}
	return nil
}
