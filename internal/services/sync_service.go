package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"
	"stockledger/internal/repositories"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxSyncBatch = 500

// SyncService replays terminal operation queues through the same entry points
// online callers use. Operations of one terminal are applied in local
// sequence order and never concurrently.
type SyncService interface {
	SyncTerminalQueue(ctx context.Context, terminalID string, ops []models.SyncOperationRequest, actor models.Actor) ([]models.SyncOpResult, error)
	// PendingResolutions lists rejected operations that need a person to
	// resolve them, such as a sale that found no stock.
	PendingResolutions(ctx context.Context, terminalID string, limit int) ([]*models.SyncOperation, error)
}

type syncService struct {
	syncOps      repositories.SyncRepository
	transactions TransactionService
	adjustments  AdjustmentService
	counts       CountService
	now          func() time.Time

	mu    sync.Mutex
	locks map[string]*terminalLock
}

// terminalLock is shared by the pushes of one terminal and dropped from the
// map when the last of them releases it.
type terminalLock struct {
	sync.Mutex
	refs int
}

func NewSyncService(
	syncOps repositories.SyncRepository,
	transactions TransactionService,
	adjustments AdjustmentService,
	counts CountService,
) SyncService {
	return &syncService{
		syncOps:      syncOps,
		transactions: transactions,
		adjustments:  adjustments,
		counts:       counts,
		now:          func() time.Time { return time.Now().UTC() },
		locks:        make(map[string]*terminalLock),
	}
}

// lockTerminal serializes pushes for terminalID. The returned func unlocks.
func (s *syncService) lockTerminal(terminalID string) func() {
	s.mu.Lock()
	l, ok := s.locks[terminalID]
	if !ok {
		l = &terminalLock{}
		s.locks[terminalID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, terminalID)
		}
	}
}

func (s *syncService) SyncTerminalQueue(ctx context.Context, terminalID string, ops []models.SyncOperationRequest, actor models.Actor) ([]models.SyncOpResult, error) {
	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return nil, common.NewValidationError("terminal_id", "is required")
	}
	if actor.TerminalID != "" && actor.TerminalID != terminalID {
		return nil, &common.ForbiddenError{Action: "sync terminal queue", Reason: "credentials belong to another terminal"}
	}
	if len(ops) > maxSyncBatch {
		return nil, common.NewValidationError("operations", fmt.Sprintf("cannot exceed %d operations per push", maxSyncBatch))
	}

	ctx, span := tracer.Start(ctx, "sync.Push", trace.WithAttributes(
		attribute.String("terminal.id", terminalID),
		attribute.Int("sync.operations", len(ops)),
	))
	defer span.End()

	ordered := make([]models.SyncOperationRequest, len(ops))
	copy(ordered, ops)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].LocalSeq < ordered[j].LocalSeq })

	defer s.lockTerminal(terminalID)()

	results := make([]models.SyncOpResult, 0, len(ordered))
	for i, op := range ordered {
		res := s.replay(ctx, terminalID, op, actor)
		results = append(results, res)
		if res.Status != models.SyncRetry {
			continue
		}
		// later operations may depend on this one
		for _, rest := range ordered[i+1:] {
			results = append(results, models.SyncOpResult{
				LocalSeq:       rest.LocalSeq,
				IdempotencyKey: rest.IdempotencyKey,
				Status:         models.SyncRetry,
				Message:        "not attempted after an earlier operation must be retried",
			})
		}
		break
	}
	return results, nil
}

func (s *syncService) replay(ctx context.Context, terminalID string, op models.SyncOperationRequest, actor models.Actor) models.SyncOpResult {
	logger := log.With().Str("terminal_id", terminalID).Int64("local_seq", op.LocalSeq).Str("kind", string(op.Kind)).Logger()

	base := models.SyncOpResult{LocalSeq: op.LocalSeq, IdempotencyKey: op.IdempotencyKey}
	if op.LocalSeq <= 0 {
		base.Status = models.SyncRejected
		base.Code = common.CodeValidation
		base.Message = "local_seq must be positive"
		return base
	}

	existing, err := s.syncOps.Get(ctx, terminalID, op.LocalSeq)
	switch {
	case err == nil:
		return duplicateResult(existing, op)
	case !isNotFound(err):
		logger.Error().Err(err).Msg("failed to look up sync operation")
		base.Status = models.SyncRetry
		base.Code = common.CodeInternal
		return base
	}

	var result any
	opActor, err := actorFor(actor, op, terminalID)
	if err == nil {
		result, err = s.dispatch(ctx, terminalID, op, opActor)
	}
	record := &models.SyncOperation{
		ID:             uuid.New(),
		TerminalID:     terminalID,
		LocalSeq:       op.LocalSeq,
		Kind:           op.Kind,
		IdempotencyKey: op.IdempotencyKey,
		Payload:        op.Payload,
		ClientTime:     op.CreatedAt,
		ReceivedAt:     s.now(),
	}
	if result != nil {
		if body, merr := json.Marshal(result); merr == nil && string(body) != "null" {
			record.Result = body
		}
	}

	switch {
	case err == nil:
		record.Status = models.SyncApplied
	case common.IsBusinessError(err):
		record.Status = models.SyncRejected
		record.ResultCode = common.StringPtr(common.ErrorCode(err))
		record.Message = common.StringPtr(err.Error())
		logger.Info().Err(err).Msg("terminal operation rejected")
	default:
		logger.Warn().Err(err).Msg("terminal operation must be retried")
		base.Status = models.SyncRetry
		base.Code = common.ErrorCode(err)
		base.Message = "temporary failure, resend later"
		return base
	}

	saved, err := s.syncOps.Save(ctx, record)
	if err != nil {
		// the operation itself is idempotent, so a resend replays cleanly
		logger.Error().Err(err).Msg("failed to record sync operation")
	} else if !saved {
		if prior, gerr := s.syncOps.Get(ctx, terminalID, op.LocalSeq); gerr == nil {
			return duplicateResult(prior, op)
		}
	}
	return resultFromRecord(record)
}

// actorFor returns the identity an operation runs as. The token holder is
// used unless a manager or admin recorded the operation for someone else.
func actorFor(actor models.Actor, op models.SyncOperationRequest, terminalID string) (models.Actor, error) {
	out := actor
	out.TerminalID = terminalID
	id := strings.TrimSpace(op.ActorID)
	if id == "" || id == actor.ID {
		return out, nil
	}
	if !isManager(actor) {
		return out, &common.ForbiddenError{Action: "replay operation", Reason: "actor_id does not match the authenticated actor"}
	}
	out.ID = id
	return out, nil
}

func duplicateResult(existing *models.SyncOperation, op models.SyncOperationRequest) models.SyncOpResult {
	if existing.IdempotencyKey != op.IdempotencyKey {
		return models.SyncOpResult{
			LocalSeq:       op.LocalSeq,
			IdempotencyKey: op.IdempotencyKey,
			Status:         models.SyncRejected,
			Code:           common.CodeIdempotencyReuse,
			Message:        "local sequence number already used by operation " + existing.IdempotencyKey,
		}
	}
	res := resultFromRecord(existing)
	res.OriginalStatus = existing.Status
	res.Status = models.SyncDuplicate
	return res
}

func resultFromRecord(r *models.SyncOperation) models.SyncOpResult {
	return models.SyncOpResult{
		LocalSeq:       r.LocalSeq,
		IdempotencyKey: r.IdempotencyKey,
		Status:         r.Status,
		Code:           common.SafeString(r.ResultCode),
		Message:        common.SafeString(r.Message),
		Result:         r.Result,
	}
}

func decodePayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return common.NewValidationError("payload", "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return common.NewValidationError("payload", "is not valid for this operation kind")
	}
	return nil
}

func (s *syncService) dispatch(ctx context.Context, terminalID string, op models.SyncOperationRequest, actor models.Actor) (any, error) {
	if !op.Kind.Valid() {
		return nil, common.NewValidationError("kind", fmt.Sprintf("unknown operation kind %q", op.Kind))
	}
	if err := validateIdempotencyKey(op.IdempotencyKey); err != nil {
		return nil, err
	}

	switch op.Kind {
	case models.SyncSale:
		var p models.SalePayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		return s.transactions.CreateTransaction(ctx, CreateTransactionRequest{
			TerminalID:     terminalID,
			IdempotencyKey: op.IdempotencyKey,
			Items:          p.Items,
			Note:           p.Note,
			Actor:          actor,
		})

	case models.SyncVoid:
		var p models.VoidPayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		id, err := s.resolveTransaction(ctx, p.TransactionID, p.TransactionKey)
		if err != nil {
			return nil, err
		}
		return s.transactions.VoidTransaction(ctx, VoidRequest{
			TransactionID:  id,
			Reason:         p.Reason,
			IdempotencyKey: op.IdempotencyKey,
			Actor:          actor,
		})

	case models.SyncRefund:
		var p models.RefundPayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		id, err := s.resolveTransaction(ctx, p.TransactionID, p.TransactionKey)
		if err != nil {
			return nil, err
		}
		return s.transactions.RefundTransaction(ctx, RefundRequest{
			TransactionID:  id,
			Lines:          p.Lines,
			Reason:         p.Reason,
			IdempotencyKey: op.IdempotencyKey,
			Actor:          actor,
		})

	case models.SyncAdjustment:
		var p models.AdjustmentPayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		return s.adjustments.CreateAdjustment(ctx, AdjustmentRequest{
			ProductID:      p.ProductID,
			Type:           p.Type,
			Delta:          p.Delta,
			Reason:         p.Reason,
			IdempotencyKey: op.IdempotencyKey,
			Actor:          actor,
		})

	case models.SyncCount:
		var p models.CountPayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		return s.counts.SubmitCount(ctx, SubmitCountRequest{
			SessionID:       p.SessionID,
			ProductID:       p.ProductID,
			CountedQuantity: p.CountedQuantity,
			IdempotencyKey:  op.IdempotencyKey,
			Actor:           actor,
		})

	case models.SyncNote:
		var p models.NotePayload
		if err := decodePayload(op.Payload, &p); err != nil {
			return nil, err
		}
		id, err := s.resolveTransaction(ctx, nil, p.TransactionKey)
		if err != nil {
			return nil, err
		}
		editedAt := p.EditedAt
		if editedAt.IsZero() {
			editedAt = op.CreatedAt
		}
		txn, applied, err := s.transactions.UpdateNote(ctx, NoteRequest{
			TransactionID: id,
			Note:          p.Note,
			EditedAt:      editedAt,
			Actor:         actor,
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"transaction": txn, "note_applied": applied}, nil
	}
	return nil, common.NewValidationError("kind", fmt.Sprintf("unsupported operation kind %q", op.Kind))
}

// resolveTransaction finds a sale by server id or by the key the terminal
// created it with.
func (s *syncService) resolveTransaction(ctx context.Context, id *uuid.UUID, key string) (uuid.UUID, error) {
	if id != nil && *id != uuid.Nil {
		return *id, nil
	}
	if strings.TrimSpace(key) == "" {
		return uuid.Nil, common.NewValidationError("transaction_key", "transaction_id or transaction_key is required")
	}
	txn, err := s.transactions.GetByIdempotencyKey(ctx, key)
	if err != nil {
		return uuid.Nil, err
	}
	return txn.ID, nil
}

func (s *syncService) PendingResolutions(ctx context.Context, terminalID string, limit int) ([]*models.SyncOperation, error) {
	if strings.TrimSpace(terminalID) == "" {
		return nil, common.NewValidationError("terminal_id", "is required")
	}
	limit, _, err := common.ValidatePaginationParams(limit, 0)
	if err != nil {
		return nil, err
	}
	return s.syncOps.ListByStatus(ctx, terminalID, models.SyncRejected, limit)
}
