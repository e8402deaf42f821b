package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

func (s *engineSuite) TestSaleThenVoidRestoresStock() {
	p := s.product("X", 100, 4)

	res, err := s.sell("T1-0001", cashier, line(p.ID, 10))
	s.Require().NoError(err)
	s.Equal(models.TransactionCompleted, res.Transaction.Status)
	s.Equal(90, s.quantity(p.ID))
	s.InDelta(80.0, res.Transaction.TotalAmount, 0.001, "falls back to base price")

	voided, err := s.engine.Transactions.VoidTransaction(s.ctx, VoidRequest{
		TransactionID:  res.Transaction.ID,
		Reason:         "customer changed mind",
		IdempotencyKey: "void-1",
		Actor:          cashier,
	})
	s.Require().NoError(err)
	s.Equal(models.TransactionVoided, voided.Transaction.Status)
	s.Equal(100, s.quantity(p.ID))
	s.assertLedgerConsistent()

	s.Len(s.recorder.OfType(events.TransactionCompleted), 1)
	s.Len(s.recorder.OfType(events.TransactionVoided), 1)
}

func (s *engineSuite) TestSaleConservationAcrossLines() {
	a := s.product("A", 20, 1)
	b := s.product("B", 20, 1)

	_, err := s.sell("T1-0001", cashier, line(a.ID, 2), line(b.ID, 3), line(a.ID, 4))
	s.Require().NoError(err)

	s.Equal(14, s.quantity(a.ID))
	s.Equal(17, s.quantity(b.ID))

	var total int
	for _, id := range []uuid.UUID{a.ID, b.ID} {
		history, err := s.engine.Ledger.History(s.ctx, id, 10, 0)
		s.Require().NoError(err)
		for _, adj := range history {
			if adj.Type == models.AdjustmentSale {
				total += adj.QuantityChange
			}
		}
	}
	s.Equal(-9, total)
}

func (s *engineSuite) TestSaleReplayAppliesOnce() {
	p := s.product("X", 10, 1)

	first, err := s.sell("T1-0001", cashier, line(p.ID, 3))
	s.Require().NoError(err)
	s.False(first.Replayed)

	for i := 0; i < 3; i++ {
		again, err := s.sell("T1-0001", cashier, line(p.ID, 3))
		s.Require().NoError(err)
		s.True(again.Replayed)
		s.Equal(first.Transaction.ID, again.Transaction.ID)
	}
	s.Equal(7, s.quantity(p.ID))
}

func (s *engineSuite) TestFailedSaleIsRecordedAndReplayed() {
	p := s.product("X", 1, 1)

	res, err := s.sell("T1-0001", cashier, line(p.ID, 2))
	s.Require().Error(err)
	s.Equal(common.CodeInsufficient, common.ErrorCode(err))
	s.Require().NotNil(res)
	s.Equal(models.TransactionFailed, res.Transaction.Status)
	s.Require().NotNil(res.Transaction.FailedProductID)
	s.Equal(p.ID, *res.Transaction.FailedProductID)
	s.Equal(1, s.quantity(p.ID))

	replay, err := s.sell("T1-0001", cashier, line(p.ID, 2))
	s.Equal(common.CodeInsufficient, common.ErrorCode(err))
	s.Require().NotNil(replay)
	s.True(replay.Replayed)
	s.Equal(res.Transaction.ID, replay.Transaction.ID)
	s.Len(s.recorder.OfType(events.TransactionFailed), 1)
}

func (s *engineSuite) TestDeclinedPaymentLeavesStockUntouched() {
	s.payments = PaymentConfirmerFunc(func(context.Context, *models.Transaction) error {
		return &common.PaymentDeclinedError{Reason: "card expired"}
	})
	s.build()
	p := s.product("X", 5, 1)

	res, err := s.sell("T1-0001", cashier, line(p.ID, 1))
	s.Equal(common.CodePaymentDeclined, common.ErrorCode(err))
	s.Require().NotNil(res)
	s.Equal(models.TransactionFailed, res.Transaction.Status)
	s.Equal(5, s.quantity(p.ID))
}

func (s *engineSuite) TestSaleValidation() {
	p := s.product("X", 5, 1)

	_, err := s.sell("", cashier, line(p.ID, 1))
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.sell("k1", cashier)
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.sell("k2", cashier, line(p.ID, 0))
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.sell("k3", counterA, line(p.ID, 1))
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	_, err = s.sell("k4", cashier, line(uuid.New(), 1))
	s.Equal(common.CodeValidation, common.ErrorCode(err))
	s.Equal(5, s.quantity(p.ID))
}

func (s *engineSuite) TestConcurrentSalesNeverOversell() {
	p := s.product("HOT", 10, 1)

	const buyers = 25
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		refused   int
	)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.sell(fmt.Sprintf("T1-%04d", i), cashier, line(p.ID, 1))
			mu.Lock()
			defer mu.Unlock()
			switch common.ErrorCode(err) {
			case "":
				completed++
			case common.CodeInsufficient:
				refused++
			}
		}(i)
	}
	wg.Wait()

	s.Equal(10, completed)
	s.Equal(buyers-10, refused)
	s.Equal(0, s.quantity(p.ID))
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestConcurrentReplaysOfOneSale() {
	p := s.product("X", 10, 1)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.sell("T1-SAME", cashier, line(p.ID, 2))
			s.NoError(err)
		}()
	}
	wg.Wait()
	s.Equal(8, s.quantity(p.ID))
}

func (s *engineSuite) TestVoidOnlyFromCompleted() {
	p := s.product("X", 10, 1)
	res, err := s.sell("T1-0001", cashier, line(p.ID, 1))
	s.Require().NoError(err)

	req := VoidRequest{TransactionID: res.Transaction.ID, Reason: "r", IdempotencyKey: "v1", Actor: cashier}
	_, err = s.engine.Transactions.VoidTransaction(s.ctx, req)
	s.Require().NoError(err)

	replay, err := s.engine.Transactions.VoidTransaction(s.ctx, req)
	s.Require().NoError(err)
	s.True(replay.Replayed)

	req.IdempotencyKey = "v2"
	_, err = s.engine.Transactions.VoidTransaction(s.ctx, req)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))
	s.Equal(10, s.quantity(p.ID))
}

func (s *engineSuite) TestIdempotencyKeyCannotCrossOperations() {
	p := s.product("X", 10, 1)
	res, err := s.sell("T1-0001", cashier, line(p.ID, 1))
	s.Require().NoError(err)

	_, err = s.engine.Transactions.VoidTransaction(s.ctx, VoidRequest{
		TransactionID: res.Transaction.ID, Reason: "r", IdempotencyKey: "shared", Actor: cashier,
	})
	s.Require().NoError(err)

	_, err = s.engine.Transactions.RefundTransaction(s.ctx, RefundRequest{
		TransactionID: res.Transaction.ID, Reason: "r", IdempotencyKey: "shared", Actor: cashier,
	})
	s.Equal(common.CodeIdempotencyReuse, common.ErrorCode(err))
}

func (s *engineSuite) TestPartialAndFullRefund() {
	p := s.product("X", 10, 1)
	res, err := s.sell("T1-0001", cashier, line(p.ID, 5))
	s.Require().NoError(err)
	id := res.Transaction.ID

	refund, err := s.engine.Transactions.RefundTransaction(s.ctx, RefundRequest{
		TransactionID: id, Lines: []models.LineItem{line(p.ID, 2)}, Reason: "damaged", IdempotencyKey: "r1", Actor: cashier,
	})
	s.Require().NoError(err)
	s.Equal(models.TransactionRefunded, refund.Transaction.Status)
	s.Equal(7, s.quantity(p.ID))

	_, err = s.engine.Transactions.RefundTransaction(s.ctx, RefundRequest{
		TransactionID: id, Lines: []models.LineItem{line(p.ID, 4)}, Reason: "too many", IdempotencyKey: "r2", Actor: cashier,
	})
	s.Equal(common.CodeValidation, common.ErrorCode(err))
	s.Equal(7, s.quantity(p.ID))

	_, err = s.engine.Transactions.RefundTransaction(s.ctx, RefundRequest{
		TransactionID: id, Reason: "rest", IdempotencyKey: "r3", Actor: cashier,
	})
	s.Require().NoError(err)
	s.Equal(10, s.quantity(p.ID))

	_, err = s.engine.Transactions.RefundTransaction(s.ctx, RefundRequest{
		TransactionID: id, Reason: "again", IdempotencyKey: "r4", Actor: cashier,
	})
	s.Equal(common.CodeValidation, common.ErrorCode(err))
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestDraftLifecycle() {
	p := s.product("X", 10, 1)
	req := CreateTransactionRequest{TerminalID: "T1", IdempotencyKey: "d1", Items: []models.LineItem{line(p.ID, 4)}, Actor: cashier}

	draft, err := s.engine.Transactions.CreateDraft(s.ctx, req)
	s.Require().NoError(err)
	s.Equal(models.TransactionDraft, draft.Transaction.Status)
	s.Equal(10, s.quantity(p.ID))

	done, err := s.engine.Transactions.ProcessDraft(s.ctx, draft.Transaction.ID, cashier)
	s.Require().NoError(err)
	s.Equal(models.TransactionCompleted, done.Transaction.Status)
	s.Equal(6, s.quantity(p.ID))

	again, err := s.engine.Transactions.ProcessDraft(s.ctx, draft.Transaction.ID, cashier)
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(6, s.quantity(p.ID))

	err = s.engine.Transactions.AbandonDraft(s.ctx, draft.Transaction.ID, cashier)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	req.IdempotencyKey = "d2"
	other, err := s.engine.Transactions.CreateDraft(s.ctx, req)
	s.Require().NoError(err)
	s.Require().NoError(s.engine.Transactions.AbandonDraft(s.ctx, other.Transaction.ID, cashier))
	_, err = s.engine.Transactions.GetTransaction(s.ctx, other.Transaction.ID)
	s.Equal(common.CodeNotFound, common.ErrorCode(err))
}

func (s *engineSuite) TestTransactionNumbersArePerTerminal() {
	p := s.product("X", 10, 1)
	first, err := s.sell("k1", cashier, line(p.ID, 1))
	s.Require().NoError(err)
	second, err := s.sell("k2", cashier, line(p.ID, 1))
	s.Require().NoError(err)

	s.Equal("T1-000001", first.Transaction.TransactionNumber)
	s.Equal("T1-000002", second.Transaction.TransactionNumber)
}

func (s *engineSuite) TestNoteLastWriterWins() {
	p := s.product("X", 10, 1)
	res, err := s.sell("k1", cashier, line(p.ID, 1))
	s.Require().NoError(err)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	txn, applied, err := s.engine.Transactions.UpdateNote(s.ctx, NoteRequest{TransactionID: res.Transaction.ID, Note: "newer", EditedAt: base.Add(time.Hour), Actor: cashier})
	s.Require().NoError(err)
	s.True(applied)
	s.Equal("newer", common.SafeString(txn.Note))

	txn, applied, err = s.engine.Transactions.UpdateNote(s.ctx, NoteRequest{TransactionID: res.Transaction.ID, Note: "older", EditedAt: base, Actor: cashier})
	s.Require().NoError(err)
	s.False(applied)
	s.Equal("newer", common.SafeString(txn.Note))
}
