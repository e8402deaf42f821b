package services

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/config"
	"stockledger/internal/events"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	opSubmitReconciliation  = "submit_reconciliation"
	opApproveReconciliation = "approve_reconciliation"
	opRejectReconciliation  = "reject_reconciliation"
)

type SubmitReconciliationRequest struct {
	SessionID      uuid.UUID    `json:"session_id"`
	Notes          *string      `json:"notes,omitempty"`
	IdempotencyKey string       `json:"idempotency_key"`
	Actor          models.Actor `json:"-"`
}

type DecisionRequest struct {
	ReconciliationID uuid.UUID    `json:"reconciliation_id"`
	Reason           string       `json:"reason,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key"`
	Actor            models.Actor `json:"-"`
}

// ReconciliationService gates count variances behind approval. Approval is
// the only way a count changes stock.
type ReconciliationService interface {
	Submit(ctx context.Context, req SubmitReconciliationRequest) (*models.Reconciliation, error)
	// Approve records the actor's approval. Large variances stay submitted
	// until a second, different approver signs off.
	Approve(ctx context.Context, req DecisionRequest) (*models.Reconciliation, error)
	Reject(ctx context.Context, req DecisionRequest) (*models.Reconciliation, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error)
}

type reconciliationService struct {
	tx        repositories.TxManager
	recs      repositories.ReconciliationRepository
	sessions  repositories.CountSessionRepository
	counts    repositories.CountRepository
	products  repositories.ProductRepository
	keys      repositories.IdempotencyRepository
	ledger    LedgerService
	valuation Valuation
	publisher events.Publisher
	policy    config.ApprovalPolicy
	now       func() time.Time
}

func NewReconciliationService(
	store *repositories.Store,
	ledger LedgerService,
	valuation Valuation,
	publisher events.Publisher,
	policy config.ApprovalPolicy,
) ReconciliationService {
	return &reconciliationService{
		tx:        store.Tx,
		recs:      store.Reconciliations,
		sessions:  store.CountSessions,
		counts:    store.Counts,
		products:  store.Products,
		keys:      store.Idempotency,
		ledger:    ledger,
		valuation: valuation,
		publisher: publisher,
		policy:    policy,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *reconciliationService) Submit(ctx context.Context, req SubmitReconciliationRequest) (*models.Reconciliation, error) {
	if !isManager(req.Actor) {
		return nil, &common.ForbiddenError{Action: "submit reconciliation", Reason: "requires manager or admin"}
	}
	if err := common.ValidateOptionalString(req.Notes, "notes", 1000); err != nil {
		return nil, err
	}

	rec, _, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opSubmitReconciliation,
		func(ctx context.Context) (*models.Reconciliation, *uuid.UUID, error) {
			session, err := s.sessions.GetForUpdate(ctx, req.SessionID)
			if err != nil {
				return nil, nil, err
			}
			if session.Status != models.CountSessionPendingReview {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "reconciliation",
					From:   "none",
					To:     string(models.ReconciliationSubmitted),
					Reason: fmt.Sprintf("session is %s, counting must be finished first", session.Status),
				}
			}
			if open, err := s.recs.OpenForSession(ctx, session.ID); err == nil {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "reconciliation",
					From:   string(open.Status),
					To:     string(models.ReconciliationSubmitted),
					Reason: "session already has an open reconciliation " + open.ReconciliationNumber,
				}
			} else if !isNotFound(err) {
				return nil, nil, err
			}

			summary, err := s.summarize(ctx, session)
			if err != nil {
				return nil, nil, err
			}
			if len(summary.NeedsRecount) > 0 {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "reconciliation",
					From:   "none",
					To:     string(models.ReconciliationSubmitted),
					Reason: fmt.Sprintf("%d products are awaiting recount", len(summary.NeedsRecount)),
				}
			}

			number, err := s.recs.NextNumber(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("next reconciliation number: %w", err)
			}
			now := s.now()
			rec := &models.Reconciliation{
				ID:                   uuid.New(),
				ReconciliationNumber: number,
				SessionID:            session.ID,
				Status:               models.ReconciliationDraft,
				Notes:                req.Notes,
				SubmittedBy:          req.Actor.ID,
				CreatedAt:            now,
			}
			s.applySummary(rec, summary)
			if err := s.recs.Create(ctx, rec); err != nil {
				return nil, nil, fmt.Errorf("create reconciliation: %w", err)
			}

			rec.Status = models.ReconciliationSubmitted
			rec.SubmittedAt = &now
			if err := s.recs.Update(ctx, rec); err != nil {
				return nil, nil, err
			}
			return rec, &rec.ID, nil
		})
	return rec, err
}

func (s *reconciliationService) summarize(ctx context.Context, session *models.CountSession) (*models.VarianceSummary, error) {
	counts, err := s.counts.ListBySession(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	return buildVarianceSummary(ctx, session, counts, s.products, s.valuation)
}

// applySummary copies the non-zero variance lines and totals onto rec and
// decides whether it needs a second approver.
func (s *reconciliationService) applySummary(rec *models.Reconciliation, summary *models.VarianceSummary) {
	rec.Items = rec.Items[:0]
	absCost := 0.0
	for _, line := range summary.Lines {
		if line.Variance == 0 {
			continue
		}
		rec.Items = append(rec.Items, models.ReconciliationItem{
			ReconciliationID: rec.ID,
			ProductID:        line.ProductID,
			CountID:          line.CountID,
			SystemQuantity:   line.SystemQuantity,
			CountedQuantity:  line.CountedQuantity,
			Variance:         line.Variance,
			UnitCost:         line.UnitCost,
			CostImpact:       line.CostImpact,
		})
		absCost += math.Abs(line.CostImpact)
	}
	rec.TotalVarianceUnits = summary.TotalVariance
	rec.ShrinkageUnits = summary.ShrinkageUnits
	rec.OverageUnits = summary.OverageUnits
	rec.TotalCostImpact = summary.TotalCostImpact
	rec.ValuationMethod = summary.ValuationMethod

	units := summary.ShrinkageUnits + summary.OverageUnits
	rec.RequiresSecondApproval = (s.policy.LargeVarianceUnits > 0 && units > s.policy.LargeVarianceUnits) ||
		(s.policy.LargeVarianceCost > 0 && absCost > s.policy.LargeVarianceCost)
}

func (s *reconciliationService) Approve(ctx context.Context, req DecisionRequest) (*models.Reconciliation, error) {
	rec, _, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opApproveReconciliation,
		func(ctx context.Context) (*models.Reconciliation, *uuid.UUID, error) {
			rec, session, err := s.loadSubmitted(ctx, req.ReconciliationID, models.ReconciliationApproved)
			if err != nil {
				return nil, nil, err
			}

			second := len(rec.Approvals) > 0
			roles := s.policy.ApproverRoles
			if second {
				roles = s.policy.SecondApproverRoles
			}
			if !req.Actor.HasRole(roles...) {
				return nil, nil, &common.ForbiddenError{Action: "approve reconciliation", Reason: "role is not an approver"}
			}
			if rec.ApprovedBy(req.Actor.ID) {
				return nil, nil, &common.ForbiddenError{Action: "approve reconciliation", Reason: "a second approval must come from a different approver"}
			}

			// counts may have been verified since submission
			summary, err := s.summarize(ctx, session)
			if err != nil {
				return nil, nil, err
			}
			if len(summary.Disputed) > 0 {
				return nil, nil, &common.VarianceDisputeError{SessionID: session.ID, ProductIDs: summary.Disputed}
			}
			if len(summary.NeedsRecount) > 0 {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "reconciliation",
					From:   string(rec.Status),
					To:     string(models.ReconciliationApproved),
					Reason: fmt.Sprintf("%d products are awaiting recount", len(summary.NeedsRecount)),
				}
			}
			s.applySummary(rec, summary)
			if err := s.recs.ReplaceItems(ctx, rec.ID, rec.Items); err != nil {
				return nil, nil, err
			}

			approval := models.ReconciliationApproval{
				ReconciliationID: rec.ID,
				Approver:         req.Actor.ID,
				Role:             req.Actor.Role,
				CreatedAt:        s.now(),
			}
			if err := s.recs.AddApproval(ctx, &approval); err != nil {
				return nil, nil, fmt.Errorf("record approval: %w", err)
			}
			rec.Approvals = append(rec.Approvals, approval)

			if rec.RequiresSecondApproval && len(rec.Approvals) < 2 {
				if err := s.recs.Update(ctx, rec); err != nil {
					return nil, nil, err
				}
				log.Info().Str("reconciliation_id", rec.ID.String()).Str("approver", req.Actor.ID).Msg("first approval recorded, awaiting second approver")
				return rec, &rec.ID, nil
			}

			if err := s.applyVariances(ctx, rec, req.Actor); err != nil {
				return nil, nil, err
			}
			if err := s.decide(ctx, rec, session, models.ReconciliationApproved, req.Actor); err != nil {
				return nil, nil, err
			}
			return rec, &rec.ID, nil
		})
	return rec, err
}

// applyVariances turns every item into a reconciliation adjustment in one
// atomic ledger write.
func (s *reconciliationService) applyVariances(ctx context.Context, rec *models.Reconciliation, actor models.Actor) error {
	deltas := make([]Delta, 0, len(rec.Items))
	for _, item := range rec.Items {
		deltas = append(deltas, Delta{ProductID: item.ProductID, Change: item.Variance})
	}
	if len(deltas) == 0 {
		return nil
	}
	_, err := s.ledger.ApplyDeltas(ctx, deltas, DeltaContext{
		Type:          models.AdjustmentReconciliation,
		Reason:        "reconciliation " + rec.ReconciliationNumber,
		Actor:         actor,
		ReferenceType: "reconciliation",
		ReferenceID:   &rec.ID,
	})
	return err
}

func (s *reconciliationService) Reject(ctx context.Context, req DecisionRequest) (*models.Reconciliation, error) {
	if err := common.ValidateRequiredString(req.Reason, "reason"); err != nil {
		return nil, err
	}
	if !req.Actor.HasRole(s.policy.ApproverRoles...) {
		return nil, &common.ForbiddenError{Action: "reject reconciliation", Reason: "role is not an approver"}
	}

	rec, _, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opRejectReconciliation,
		func(ctx context.Context) (*models.Reconciliation, *uuid.UUID, error) {
			rec, session, err := s.loadSubmitted(ctx, req.ReconciliationID, models.ReconciliationRejected)
			if err != nil {
				return nil, nil, err
			}
			reason := strings.TrimSpace(req.Reason)
			rec.Notes = &reason
			if err := s.decide(ctx, rec, session, models.ReconciliationRejected, req.Actor); err != nil {
				return nil, nil, err
			}
			return rec, &rec.ID, nil
		})
	return rec, err
}

func (s *reconciliationService) loadSubmitted(ctx context.Context, id uuid.UUID, next models.ReconciliationStatus) (*models.Reconciliation, *models.CountSession, error) {
	rec, err := s.recs.GetForUpdate(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !rec.Status.CanTransitionTo(next) {
		return nil, nil, &common.InvalidStateTransitionError{
			Entity: "reconciliation",
			From:   string(rec.Status),
			To:     string(next),
		}
	}
	session, err := s.sessions.GetForUpdate(ctx, rec.SessionID)
	if err != nil {
		return nil, nil, err
	}
	return rec, session, nil
}

// decide moves the reconciliation and its session into the same terminal
// state.
func (s *reconciliationService) decide(ctx context.Context, rec *models.Reconciliation, session *models.CountSession, status models.ReconciliationStatus, actor models.Actor) error {
	sessionStatus := models.CountSessionApproved
	eventType := events.ReconciliationApproved
	if status == models.ReconciliationRejected {
		sessionStatus = models.CountSessionRejected
		eventType = events.ReconciliationRejected
	}
	if !session.Status.CanTransitionTo(sessionStatus) {
		return &common.InvalidStateTransitionError{
			Entity: "count_session",
			From:   string(session.Status),
			To:     string(sessionStatus),
		}
	}

	now := s.now()
	rec.Status = status
	rec.DecidedBy = &actor.ID
	rec.DecidedAt = &now
	if err := s.recs.Update(ctx, rec); err != nil {
		return err
	}
	session.Status = sessionStatus
	session.UpdatedAt = now
	if err := s.sessions.Update(ctx, session); err != nil {
		return err
	}

	snapshot := *rec
	pctx := context.WithoutCancel(ctx)
	s.tx.AfterCommit(ctx, func() {
		events.Emit(pctx, s.publisher, eventType, snapshot.ID.String(), snapshot)
	})
	return nil
}

func (s *reconciliationService) Get(ctx context.Context, id uuid.UUID) (*models.Reconciliation, error) {
	return s.recs.GetByID(ctx, id)
}
