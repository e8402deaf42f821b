package services

import (
	"context"
	"fmt"
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
	opStartCountSession = "start_count_session"
	opSubmitCount       = "submit_count"
	opResolveDispute    = "resolve_dispute"
)

type StartSessionRequest struct {
	Type           models.CountSessionType `json:"type"`
	Scope          models.CountScope       `json:"scope"`
	Blind          *bool                   `json:"blind,omitempty"`
	Counters       []string                `json:"counters"`
	ScheduledFor   *time.Time              `json:"scheduled_for,omitempty"`
	IdempotencyKey string                  `json:"idempotency_key"`
	Actor          models.Actor            `json:"-"`
}

type SubmitCountRequest struct {
	SessionID       uuid.UUID    `json:"session_id"`
	ProductID       uuid.UUID    `json:"product_id"`
	CountedQuantity int          `json:"counted_quantity"`
	Notes           *string      `json:"notes,omitempty"`
	IdempotencyKey  string       `json:"idempotency_key"`
	Actor           models.Actor `json:"-"`
}

// ResolveDisputeRequest records a manager's physical verification of a
// disputed product.
type ResolveDisputeRequest struct {
	SessionID        uuid.UUID    `json:"session_id"`
	ProductID        uuid.UUID    `json:"product_id"`
	VerifiedQuantity int          `json:"verified_quantity"`
	Notes            *string      `json:"notes,omitempty"`
	IdempotencyKey   string       `json:"idempotency_key"`
	Actor            models.Actor `json:"-"`
}

// CountService manages physical count sessions and the recount workflow.
// Counting never changes stock; only an approved reconciliation does.
type CountService interface {
	StartCountSession(ctx context.Context, req StartSessionRequest) (*models.CountSession, error)
	// StartDueSessions begins scheduled sessions whose start time has passed
	// and returns how many were started.
	StartDueSessions(ctx context.Context, now time.Time) (int, error)
	SubmitCount(ctx context.Context, req SubmitCountRequest) (*models.CountResult, error)
	FinishCounting(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSession, error)
	ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (*models.CountResult, error)
	GetSession(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSessionView, error)
	Summary(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.VarianceSummary, error)
	CloseSession(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSession, error)
}

type countService struct {
	tx        repositories.TxManager
	sessions  repositories.CountSessionRepository
	counts    repositories.CountRepository
	products  repositories.ProductRepository
	keys      repositories.IdempotencyRepository
	ledger    LedgerService
	snapshots SnapshotService
	detector  VarianceDetector
	valuation Valuation
	publisher events.Publisher
	blind     bool
	now       func() time.Time
}

func NewCountService(
	store *repositories.Store,
	ledger LedgerService,
	snapshots SnapshotService,
	valuation Valuation,
	publisher events.Publisher,
	policy config.Policy,
) CountService {
	return &countService{
		tx:        store.Tx,
		sessions:  store.CountSessions,
		counts:    store.Counts,
		products:  store.Products,
		keys:      store.Idempotency,
		ledger:    ledger,
		snapshots: snapshots,
		detector:  NewVarianceDetector(policy.Variance),
		valuation: valuation,
		publisher: publisher,
		blind:     policy.BlindCounts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func isManager(actor models.Actor) bool {
	return actor.HasRole(models.RoleManager, models.RoleAdmin)
}

// hideSystem decides the blind-count projection for a viewer.
func hideSystem(session *models.CountSession, viewer models.Actor) bool {
	return session.Blind && !isManager(viewer)
}

func (s *countService) StartCountSession(ctx context.Context, req StartSessionRequest) (*models.CountSession, error) {
	if !isManager(req.Actor) {
		return nil, &common.ForbiddenError{Action: "start count session", Reason: "requires manager or admin"}
	}
	counters, err := validateSessionRequest(&req)
	if err != nil {
		return nil, err
	}

	session, _, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opStartCountSession,
		func(ctx context.Context) (*models.CountSession, *uuid.UUID, error) {
			now := s.now()
			number, err := s.sessions.NextNumber(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("next session number: %w", err)
			}
			session := &models.CountSession{
				ID:            uuid.New(),
				SessionNumber: number,
				Type:          req.Type,
				Status:        models.CountSessionScheduled,
				Blind:         s.blind,
				Scope:         req.Scope,
				Counters:      counters,
				ScheduledFor:  req.ScheduledFor,
				CreatedBy:     req.Actor.ID,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if req.Blind != nil {
				session.Blind = *req.Blind
			}
			if session.Type == models.CountSessionFull {
				session.Scope = models.CountScope{}
			}

			if req.ScheduledFor == nil || !req.ScheduledFor.After(now) {
				if err := s.begin(ctx, session); err != nil {
					return nil, nil, err
				}
			}
			if err := s.sessions.Create(ctx, session); err != nil {
				return nil, nil, fmt.Errorf("create count session: %w", err)
			}
			return session, &session.ID, nil
		})
	return session, err
}

func validateSessionRequest(req *StartSessionRequest) ([]string, error) {
	if !req.Type.Valid() {
		return nil, common.NewValidationError("type", fmt.Sprintf("unknown session type %q", req.Type))
	}
	switch req.Type {
	case models.CountSessionCycle:
		if req.Scope.CategoryID == nil && req.Scope.Location == nil {
			return nil, common.NewValidationError("scope", "cycle counts need a category or location")
		}
	case models.CountSessionSpot:
		if len(req.Scope.ProductIDs) == 0 {
			return nil, common.NewValidationError("scope.product_ids", "spot counts need at least one product")
		}
	}

	seen := map[string]bool{}
	var counters []string
	for _, c := range req.Counters {
		c = strings.TrimSpace(c)
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		counters = append(counters, c)
	}
	if len(counters) == 0 {
		return nil, common.NewValidationError("counters", "at least one counter is required")
	}
	return counters, nil
}

// begin freezes the session scope, snapshots its quantities and moves it to
// in_progress. It runs inside the caller's transaction.
func (s *countService) begin(ctx context.Context, session *models.CountSession) error {
	ids, err := s.products.ListIDsByScope(ctx, session.Scope)
	if err != nil {
		return fmt.Errorf("resolve session scope: %w", err)
	}
	if len(ids) == 0 {
		return common.NewValidationError("scope", "no products match the session scope")
	}
	snapshot, err := s.snapshots.Take(ctx, models.SnapshotSessionStart, &session.ID, ids)
	if err != nil {
		return err
	}

	now := s.now()
	session.ScopeProductIDs = ids
	session.SnapshotID = &snapshot.ID
	session.Status = models.CountSessionInProgress
	session.StartedAt = &now
	session.UpdatedAt = now
	return nil
}

func (s *countService) StartDueSessions(ctx context.Context, now time.Time) (int, error) {
	due, err := s.sessions.ListDue(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due sessions: %w", err)
	}
	started := 0
	for _, id := range due {
		err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
			session, err := s.sessions.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if session.Status != models.CountSessionScheduled {
				return nil
			}
			if err := s.begin(ctx, session); err != nil {
				return err
			}
			started++
			return s.sessions.Update(ctx, session)
		})
		if err != nil {
			log.Error().Err(err).Str("session_id", id.String()).Msg("failed to start scheduled count session")
		}
	}
	return started, nil
}

func (s *countService) SubmitCount(ctx context.Context, req SubmitCountRequest) (*models.CountResult, error) {
	if req.SessionID == uuid.Nil || req.ProductID == uuid.Nil {
		return nil, common.NewValidationError("session_id", "session_id and product_id are required")
	}
	if req.CountedQuantity < 0 {
		return nil, common.NewValidationError("counted_quantity", "cannot be negative")
	}
	if err := common.ValidateOptionalString(req.Notes, "notes", 500); err != nil {
		return nil, err
	}

	res, replayed, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opSubmitCount,
		func(ctx context.Context) (*models.CountResult, *uuid.UUID, error) {
			session, err := s.sessions.GetForUpdate(ctx, req.SessionID)
			if err != nil {
				return nil, nil, err
			}
			latest, err := s.counts.LatestForProduct(ctx, req.SessionID, req.ProductID)
			if err != nil && !isNotFound(err) {
				return nil, nil, err
			}
			if err != nil {
				latest = nil
			}
			if err := checkAcceptsCount(session, latest); err != nil {
				return nil, nil, err
			}
			// Managers may take an outstanding recount so a session with a
			// single counter can still clear it.
			managerRecount := latest != nil && latest.Status == models.CountNeedsRecount && isManager(req.Actor)
			if !session.HasCounter(req.Actor.ID) && !managerRecount {
				return nil, nil, &common.ForbiddenError{Action: "submit count", Reason: "actor is not assigned to this session"}
			}
			if !session.InScope(req.ProductID) {
				return nil, nil, common.NewValidationError("product_id", "product is not in the session scope")
			}

			count, err := s.newCount(ctx, session, req.ProductID, req.CountedQuantity, req.Actor, req.Notes)
			if err != nil {
				return nil, nil, err
			}

			switch {
			case latest == nil:
				count.Status = models.CountAccepted
				if s.detector.NeedsRecount(count.SystemQuantity, count.Variance) {
					count.Status = models.CountNeedsRecount
				}
			case latest.Status == models.CountNeedsRecount:
				if latest.Counter == req.Actor.ID {
					return nil, nil, &common.ForbiddenError{Action: "recount", Reason: "a recount must come from a different counter"}
				}
				count.RecountOf = &latest.ID
				count.Status = models.CountRecounted
				if !s.detector.RecountAgrees(latest, count) {
					count.Status = models.CountDisputed
				}
			case latest.Status == models.CountDisputed:
				return nil, nil, &common.VarianceDisputeError{SessionID: session.ID, ProductIDs: []uuid.UUID{req.ProductID}}
			default:
				return nil, nil, common.NewValidationError("product_id", "product already has a count of record in this session")
			}

			if err := s.counts.Create(ctx, count); err != nil {
				return nil, nil, fmt.Errorf("record count: %w", err)
			}
			if count.Status == models.CountDisputed {
				s.emitDisputed(ctx, session, latest, count)
			}
			return &models.CountResult{Count: models.ProjectCount(count, hideSystem(session, req.Actor))}, &count.ID, nil
		})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return res, nil
}

// checkAcceptsCount enforces that counts arrive while counting is open, and
// that pending_review only takes outstanding recounts.
func checkAcceptsCount(session *models.CountSession, latest *models.InventoryCount) error {
	switch session.Status {
	case models.CountSessionInProgress:
		return nil
	case models.CountSessionPendingReview:
		if latest != nil && (latest.Status == models.CountNeedsRecount || latest.Status == models.CountDisputed) {
			return nil
		}
		return &common.InvalidStateTransitionError{
			Entity: "count_session",
			From:   string(session.Status),
			To:     "counting",
			Reason: "only outstanding recounts are accepted after counting finished",
		}
	}
	return &common.InvalidStateTransitionError{
		Entity: "count_session",
		From:   string(session.Status),
		To:     "counting",
		Reason: "session is not accepting counts",
	}
}

func (s *countService) newCount(ctx context.Context, session *models.CountSession, productID uuid.UUID, counted int, actor models.Actor, notes *string) (*models.InventoryCount, error) {
	systemQty, err := s.ledger.FreshQuantity(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &models.InventoryCount{
		ID:              uuid.New(),
		SessionID:       session.ID,
		ProductID:       productID,
		CountedQuantity: counted,
		SystemQuantity:  systemQty,
		Variance:        counted - systemQty,
		Counter:         actor.ID,
		Notes:           notes,
		CreatedAt:       s.now(),
	}, nil
}

func (s *countService) emitDisputed(ctx context.Context, session *models.CountSession, original, recount *models.InventoryCount) {
	payload := map[string]any{
		"session_id":       session.ID,
		"product_id":       recount.ProductID,
		"original_count":   original.CountedQuantity,
		"recount":          recount.CountedQuantity,
		"original_counter": original.Counter,
		"recount_counter":  recount.Counter,
	}
	pctx := context.WithoutCancel(ctx)
	s.tx.AfterCommit(ctx, func() {
		events.Emit(pctx, s.publisher, events.CountDisputed, session.ID.String(), payload)
	})
}

func (s *countService) FinishCounting(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSession, error) {
	if !isManager(actor) {
		return nil, &common.ForbiddenError{Action: "finish counting", Reason: "requires manager or admin"}
	}

	var session *models.CountSession
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if session, err = s.sessions.GetForUpdate(ctx, sessionID); err != nil {
			return err
		}
		if session.Status != models.CountSessionInProgress {
			return &common.InvalidStateTransitionError{
				Entity: "count_session",
				From:   string(session.Status),
				To:     string(models.CountSessionPendingReview),
			}
		}
		counts, err := s.counts.ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		latest := latestCounts(counts)
		missing := 0
		for _, id := range session.ScopeProductIDs {
			if _, ok := latest[id]; !ok {
				missing++
			}
		}
		if missing > 0 {
			return &common.InvalidStateTransitionError{
				Entity: "count_session",
				From:   string(session.Status),
				To:     string(models.CountSessionPendingReview),
				Reason: fmt.Sprintf("%d of %d products have not been counted", missing, len(session.ScopeProductIDs)),
			}
		}

		now := s.now()
		session.Status = models.CountSessionPendingReview
		session.FinishedAt = &now
		session.UpdatedAt = now
		return s.sessions.Update(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}

func (s *countService) ResolveDispute(ctx context.Context, req ResolveDisputeRequest) (*models.CountResult, error) {
	if !isManager(req.Actor) {
		return nil, &common.ForbiddenError{Action: "resolve dispute", Reason: "requires manager or admin"}
	}
	if req.VerifiedQuantity < 0 {
		return nil, common.NewValidationError("verified_quantity", "cannot be negative")
	}

	res, replayed, err := runIdempotent(ctx, s.tx, s.keys, req.IdempotencyKey, opResolveDispute,
		func(ctx context.Context) (*models.CountResult, *uuid.UUID, error) {
			session, err := s.sessions.GetForUpdate(ctx, req.SessionID)
			if err != nil {
				return nil, nil, err
			}
			// A decided session may still carry a dispute that blocks closing.
			switch session.Status {
			case models.CountSessionInProgress, models.CountSessionPendingReview,
				models.CountSessionApproved, models.CountSessionRejected:
			default:
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "count_session",
					From:   string(session.Status),
					To:     "counting",
					Reason: "session is not accepting counts",
				}
			}
			latest, err := s.counts.LatestForProduct(ctx, req.SessionID, req.ProductID)
			if err != nil {
				return nil, nil, err
			}
			if latest.Status != models.CountDisputed {
				return nil, nil, &common.InvalidStateTransitionError{
					Entity: "count",
					From:   string(latest.Status),
					To:     string(models.CountVerified),
					Reason: "only disputed counts can be verified",
				}
			}

			count, err := s.newCount(ctx, session, req.ProductID, req.VerifiedQuantity, req.Actor, req.Notes)
			if err != nil {
				return nil, nil, err
			}
			count.Status = models.CountVerified
			count.RecountOf = &latest.ID
			if err := s.counts.Create(ctx, count); err != nil {
				return nil, nil, fmt.Errorf("record verified count: %w", err)
			}
			return &models.CountResult{Count: models.ProjectCount(count, false)}, &count.ID, nil
		})
	if err != nil {
		return nil, err
	}
	res.Replayed = replayed
	return res, nil
}

func (s *countService) GetSession(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSessionView, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !isManager(actor) && !session.HasCounter(actor.ID) {
		return nil, &common.ForbiddenError{Action: "view count session", Reason: "actor is not assigned to this session"}
	}
	counts, err := s.counts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	hide := hideSystem(session, actor)
	view := &models.CountSessionView{Session: session, Counts: make([]models.CountView, 0, len(counts))}
	for _, c := range counts {
		view.Counts = append(view.Counts, models.ProjectCount(c, hide))
	}
	return view, nil
}

func (s *countService) Summary(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.VarianceSummary, error) {
	if !isManager(actor) {
		return nil, &common.ForbiddenError{Action: "view variance summary", Reason: "requires manager or admin"}
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	counts, err := s.counts.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return buildVarianceSummary(ctx, session, counts, s.products, s.valuation)
}

func (s *countService) CloseSession(ctx context.Context, sessionID uuid.UUID, actor models.Actor) (*models.CountSession, error) {
	if !isManager(actor) {
		return nil, &common.ForbiddenError{Action: "close count session", Reason: "requires manager or admin"}
	}

	var session *models.CountSession
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		if session, err = s.sessions.GetForUpdate(ctx, sessionID); err != nil {
			return err
		}
		counts, err := s.counts.ListBySession(ctx, sessionID)
		if err != nil {
			return err
		}
		for _, c := range latestCounts(counts) {
			if c.Status == models.CountDisputed {
				return &common.InvalidStateTransitionError{
					Entity: "count_session",
					From:   string(session.Status),
					To:     string(models.CountSessionClosed),
					Reason: "session has open disputes",
				}
			}
		}
		if !session.Status.CanTransitionTo(models.CountSessionClosed) {
			return &common.InvalidStateTransitionError{
				Entity: "count_session",
				From:   string(session.Status),
				To:     string(models.CountSessionClosed),
				Reason: "session must be approved or rejected first",
			}
		}

		now := s.now()
		session.Status = models.CountSessionClosed
		session.ClosedAt = &now
		session.UpdatedAt = now
		return s.sessions.Update(ctx, session)
	})
	if err != nil {
		return nil, err
	}
	return session, nil
}
