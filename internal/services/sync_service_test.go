package services

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

var cashier2 = models.Actor{ID: "cash-2", Role: models.RoleCashier, TerminalID: "T2"}

func saleOp(seq int64, key string, lines ...models.LineItem) models.SyncOperationRequest {
	payload, _ := json.Marshal(models.SalePayload{Items: lines})
	return models.SyncOperationRequest{
		LocalSeq:       seq,
		Kind:           models.SyncSale,
		IdempotencyKey: key,
		Payload:        payload,
		CreatedAt:      time.Now().UTC(),
	}
}

func (s *engineSuite) push(terminalID string, actor models.Actor, ops ...models.SyncOperationRequest) []models.SyncOpResult {
	s.T().Helper()
	results, err := s.engine.Sync.SyncTerminalQueue(s.ctx, terminalID, ops, actor)
	s.Require().NoError(err)
	s.Require().Len(results, len(ops))
	return results
}

// Two offline terminals both sold the last unit.
func (s *engineSuite) TestOfflineTerminalsRaceForLastUnit() {
	p := s.product("Y", 1, 1)

	first := s.push("T1", cashier, saleOp(1, "T1-0001", line(p.ID, 1)))
	s.Equal(models.SyncApplied, first[0].Status)
	s.Equal(0, s.quantity(p.ID))

	second := s.push("T2", cashier2, saleOp(1, "T2-0001", line(p.ID, 1)))
	s.Equal(models.SyncRejected, second[0].Status)
	s.Equal(common.CodeInsufficient, second[0].Code)
	s.NotEmpty(second[0].Result, "the failed sale is returned with the rejection")

	pending, err := s.engine.Sync.PendingResolutions(s.ctx, "T2", 10)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("T2-0001", pending[0].IdempotencyKey)

	none, err := s.engine.Sync.PendingResolutions(s.ctx, "T1", 10)
	s.Require().NoError(err)
	s.Empty(none)

	// a resend is answered from the record, not retried
	again := s.push("T2", cashier2, saleOp(1, "T2-0001", line(p.ID, 1)))
	s.Equal(models.SyncDuplicate, again[0].Status)
	s.Equal(models.SyncRejected, again[0].OriginalStatus)

	txn, err := s.engine.Transactions.GetByIdempotencyKey(s.ctx, "T2-0001")
	s.Require().NoError(err)
	s.Equal(models.TransactionFailed, txn.Status)
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestSyncAppliesInLocalOrder() {
	p := s.product("X", 10, 1)
	voidPayload, _ := json.Marshal(models.VoidPayload{TransactionKey: "T1-0001", Reason: "wrong item"})

	results := s.push("T1", cashier,
		models.SyncOperationRequest{LocalSeq: 2, Kind: models.SyncVoid, IdempotencyKey: "T1-void-1", Payload: voidPayload},
		saleOp(1, "T1-0001", line(p.ID, 4)),
	)
	s.Equal(int64(1), results[0].LocalSeq)
	s.Equal(models.SyncApplied, results[0].Status)
	s.Equal(int64(2), results[1].LocalSeq)
	s.Equal(models.SyncApplied, results[1].Status)
	s.Equal(10, s.quantity(p.ID))
}

func (s *engineSuite) TestSyncSequenceReuseWithDifferentKey() {
	p := s.product("X", 10, 1)
	s.push("T1", cashier, saleOp(1, "T1-0001", line(p.ID, 1)))

	results := s.push("T1", cashier, saleOp(1, "T1-9999", line(p.ID, 1)))
	s.Equal(models.SyncRejected, results[0].Status)
	s.Equal(common.CodeIdempotencyReuse, results[0].Code)
	s.Equal(9, s.quantity(p.ID))
}

func (s *engineSuite) TestSyncRejectsInvalidOperations() {
	p := s.product("X", 10, 1)

	results := s.push("T1", cashier,
		saleOp(0, "T1-0000", line(p.ID, 1)),
		models.SyncOperationRequest{LocalSeq: 1, Kind: "teleport", IdempotencyKey: "T1-x"},
		models.SyncOperationRequest{LocalSeq: 2, Kind: models.SyncSale, IdempotencyKey: "T1-y", Payload: json.RawMessage(`"nope"`)},
	)
	for _, r := range results {
		s.Equal(models.SyncRejected, r.Status)
		s.Equal(common.CodeValidation, r.Code)
	}
	s.Equal(10, s.quantity(p.ID))
}

func (s *engineSuite) TestSyncVoidOfUnknownSaleIsRejected() {
	s.product("X", 10, 1)
	payload, _ := json.Marshal(models.VoidPayload{TransactionKey: "T1-missing", Reason: "r"})

	results := s.push("T1", cashier, models.SyncOperationRequest{LocalSeq: 1, Kind: models.SyncVoid, IdempotencyKey: "T1-v", Payload: payload})
	s.Equal(models.SyncRejected, results[0].Status)
	s.Equal(common.CodeNotFound, results[0].Code)
}

func (s *engineSuite) TestSyncAdjustmentCountAndNote() {
	p := s.product("X", 10, 1)
	session := s.spotSession(p.ID)

	adjPayload, _ := json.Marshal(models.AdjustmentPayload{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: -1, Reason: "crushed"})
	countPayload, _ := json.Marshal(models.CountPayload{SessionID: session.ID, ProductID: p.ID, CountedQuantity: 9})
	edited := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	notePayload, _ := json.Marshal(models.NotePayload{TransactionKey: "T1-0001", Note: "gift wrap", EditedAt: edited})

	counter := models.Actor{ID: counterA.ID, Role: models.RoleCounter}
	results := s.push("T1", cashier,
		saleOp(1, "T1-0001", line(p.ID, 1)),
		models.SyncOperationRequest{LocalSeq: 2, Kind: models.SyncAdjustment, IdempotencyKey: "T1-adj", Payload: adjPayload},
		models.SyncOperationRequest{LocalSeq: 3, Kind: models.SyncNote, IdempotencyKey: "T1-note", Payload: notePayload},
	)
	for _, r := range results {
		s.Equal(models.SyncApplied, r.Status, r.Message)
	}
	s.Equal(8, s.quantity(p.ID))

	counted := s.push("T3", counter, models.SyncOperationRequest{LocalSeq: 1, Kind: models.SyncCount, IdempotencyKey: "T3-count", Payload: countPayload})
	s.Equal(models.SyncApplied, counted[0].Status, counted[0].Message)

	txn, err := s.engine.Transactions.GetByIdempotencyKey(s.ctx, "T1-0001")
	s.Require().NoError(err)
	s.Equal("gift wrap", common.SafeString(txn.Note))
}

func (s *engineSuite) TestSyncOperationCannotImpersonateAnotherCounter() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)
	_, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)

	countPayload, _ := json.Marshal(models.CountPayload{SessionID: session.ID, ProductID: p.ID, CountedQuantity: 41})
	op := models.SyncOperationRequest{LocalSeq: 1, Kind: models.SyncCount, IdempotencyKey: "T3-spoof", ActorID: counterB.ID, Payload: countPayload}

	res := s.push("T3", counterA, op)
	s.Equal(models.SyncRejected, res[0].Status)
	s.Equal(common.CodeForbidden, res[0].Code)

	view, err := s.engine.Counts.GetSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Len(view.Counts, 1)

	// the counter's own id is accepted
	op.LocalSeq, op.IdempotencyKey, op.ActorID = 2, "T3-own", counterA.ID
	res = s.push("T3", counterA, op)
	s.Equal(models.SyncRejected, res[0].Status)
	s.Equal(common.CodeForbidden, res[0].Code, "a recount still needs a different counter")

	// a manager may record the recount on behalf of counter B
	op.LocalSeq, op.IdempotencyKey, op.ActorID = 1, "T9-behalf", counterB.ID
	res = s.push("T9", manager, op)
	s.Equal(models.SyncApplied, res[0].Status, res[0].Message)
	s.Contains(string(res[0].Result), `"counter":"`+counterB.ID+`"`)
}

func (s *engineSuite) TestTerminalLocksAreReleased() {
	p := s.product("X", 100, 1)
	svc := s.engine.Sync.(*syncService)

	var wg sync.WaitGroup
	for t := 0; t < 5; t++ {
		for seq := int64(1); seq <= 4; seq++ {
			wg.Add(1)
			go func(terminal string, seq int64) {
				defer wg.Done()
				actor := models.Actor{ID: "cash-" + terminal, Role: models.RoleCashier, TerminalID: terminal}
				results, err := svc.SyncTerminalQueue(s.ctx, terminal, []models.SyncOperationRequest{
					saleOp(seq, fmt.Sprintf("%s-%04d", terminal, seq), line(p.ID, 1)),
				}, actor)
				if s.NoError(err) && s.Len(results, 1) {
					s.Equal(models.SyncApplied, results[0].Status, results[0].Message)
				}
			}(fmt.Sprintf("T%d", t+1), seq)
		}
	}
	wg.Wait()

	s.Equal(80, s.quantity(p.ID))
	svc.mu.Lock()
	defer svc.mu.Unlock()
	s.Empty(svc.locks)
}

func (s *engineSuite) TestSyncRefusesForeignTerminal() {
	_, err := s.engine.Sync.SyncTerminalQueue(s.ctx, "T2", []models.SyncOperationRequest{saleOp(1, "k", line(uuid.New(), 1))}, cashier)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	_, err = s.engine.Sync.SyncTerminalQueue(s.ctx, " ", nil, manager)
	s.Equal(common.CodeValidation, common.ErrorCode(err))
}
