package services

import (
	"time"

	"stockledger/internal/common"
	"stockledger/internal/events"
	"stockledger/internal/models"

	"github.com/google/uuid"
)

func (s *engineSuite) spotSession(ids ...uuid.UUID) *models.CountSession {
	s.T().Helper()
	session, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type:           models.CountSessionSpot,
		Scope:          models.CountScope{ProductIDs: ids},
		Counters:       []string{counterA.ID, counterB.ID},
		IdempotencyKey: uuid.NewString(),
		Actor:          manager,
	})
	s.Require().NoError(err)
	return session
}

func (s *engineSuite) count(session *models.CountSession, productID uuid.UUID, qty int, actor models.Actor) (*models.CountResult, error) {
	return s.engine.Counts.SubmitCount(s.ctx, SubmitCountRequest{
		SessionID:       session.ID,
		ProductID:       productID,
		CountedQuantity: qty,
		IdempotencyKey:  uuid.NewString(),
		Actor:           actor,
	})
}

func (s *engineSuite) submitReconciliation(session *models.CountSession) (*models.Reconciliation, error) {
	return s.engine.Reconciliations.Submit(s.ctx, SubmitReconciliationRequest{
		SessionID:      session.ID,
		IdempotencyKey: uuid.NewString(),
		Actor:          manager,
	})
}

func (s *engineSuite) approve(rec *models.Reconciliation, actor models.Actor) (*models.Reconciliation, error) {
	return s.engine.Reconciliations.Approve(s.ctx, DecisionRequest{
		ReconciliationID: rec.ID,
		IdempotencyKey:   uuid.NewString(),
		Actor:            actor,
	})
}

func (s *engineSuite) TestStartSessionFreezesScopeAndSnapshots() {
	a := s.product("A", 10, 1)
	s.product("B", 5, 1)

	session, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type:           models.CountSessionFull,
		Counters:       []string{counterA.ID},
		IdempotencyKey: "full-1",
		Actor:          manager,
	})
	s.Require().NoError(err)
	s.Equal(models.CountSessionInProgress, session.Status)
	s.True(session.Blind)
	s.Len(session.ScopeProductIDs, 2)
	s.Require().NotNil(session.SnapshotID)

	snapshot, err := s.engine.Snapshots.Get(s.ctx, *session.SnapshotID)
	s.Require().NoError(err)
	s.Equal(models.SnapshotSessionStart, snapshot.Kind)
	s.Len(snapshot.Items, 2)

	// products registered later stay out of the frozen scope
	c := s.product("C", 1, 1)
	s.False(session.InScope(c.ID))
	s.True(session.InScope(a.ID))
}

func (s *engineSuite) TestStartSessionValidation() {
	p := s.product("A", 10, 1)

	_, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type: models.CountSessionSpot, Scope: models.CountScope{ProductIDs: []uuid.UUID{p.ID}},
		Counters: []string{counterA.ID}, IdempotencyKey: "s1", Actor: cashier,
	})
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	_, err = s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type: models.CountSessionSpot, Counters: []string{counterA.ID}, IdempotencyKey: "s2", Actor: manager,
	})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type: models.CountSessionSpot, Scope: models.CountScope{ProductIDs: []uuid.UUID{p.ID}},
		Counters: []string{" "}, IdempotencyKey: "s3", Actor: manager,
	})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type: "weekly", Counters: []string{counterA.ID}, IdempotencyKey: "s4", Actor: manager,
	})
	s.Equal(common.CodeValidation, common.ErrorCode(err))
}

// A flagged count, a recount within tolerance, then approval.
func (s *engineSuite) TestRecountWithinToleranceThenApproval() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)

	first, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)
	s.Equal(models.CountNeedsRecount, first.Count.Status)

	recount, err := s.count(session, p.ID, 42, counterB)
	s.Require().NoError(err)
	s.Equal(models.CountRecounted, recount.Count.Status)
	s.Require().NotNil(recount.Count.RecountOf)
	s.Equal(first.Count.ID, *recount.Count.RecountOf)

	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)

	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationSubmitted, rec.Status)
	s.Equal(-58, rec.TotalVarianceUnits)
	s.Equal(58, rec.ShrinkageUnits)
	s.False(rec.RequiresSecondApproval)
	s.Equal(100, s.quantity(p.ID), "counting never moves stock")

	approved, err := s.approve(rec, manager)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationApproved, approved.Status)
	s.Equal(42, s.quantity(p.ID))

	history, err := s.engine.Ledger.History(s.ctx, p.ID, 1, 0)
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(models.AdjustmentReconciliation, history[0].Type)
	s.Equal(-58, history[0].QuantityChange)

	closed, err := s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Equal(models.CountSessionClosed, closed.Status)
	s.assertLedgerConsistent()
	s.Len(s.recorder.OfType(events.ReconciliationApproved), 1)
}

// An open dispute blocks both approval and closing.
func (s *engineSuite) TestDisputeBlocksApprovalAndClose() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)

	_, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)
	disputed, err := s.count(session, p.ID, 70, counterB)
	s.Require().NoError(err)
	s.Equal(models.CountDisputed, disputed.Count.Status)
	s.Len(s.recorder.OfType(events.CountDisputed), 1)

	_, err = s.count(session, p.ID, 71, counterA)
	s.Equal(common.CodeVarianceDispute, common.ErrorCode(err))

	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)

	_, err = s.approve(rec, manager)
	s.Equal(common.CodeVarianceDispute, common.ErrorCode(err))
	stored, err := s.engine.Reconciliations.Get(s.ctx, rec.ID)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationSubmitted, stored.Status)

	_, err = s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))
	s.Equal(100, s.quantity(p.ID))

	verified, err := s.engine.Counts.ResolveDispute(s.ctx, ResolveDisputeRequest{
		SessionID: session.ID, ProductID: p.ID, VerifiedQuantity: 45, IdempotencyKey: "verify-1", Actor: manager,
	})
	s.Require().NoError(err)
	s.Equal(models.CountVerified, verified.Count.Status)

	approved, err := s.approve(rec, manager)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationApproved, approved.Status)
	s.Equal(45, s.quantity(p.ID))

	_, err = s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
}

func (s *engineSuite) TestRecountRules() {
	p := s.product("X", 100, 1)
	q := s.product("Y", 10, 1)
	other := s.product("Z", 10, 1)
	session := s.spotSession(p.ID, q.ID)

	_, err := s.count(session, p.ID, 50, cashier)
	s.Equal(common.CodeForbidden, common.ErrorCode(err), "not assigned")

	_, err = s.count(session, other.ID, 10, counterA)
	s.Equal(common.CodeValidation, common.ErrorCode(err), "out of scope")

	_, err = s.count(session, p.ID, 50, counterA)
	s.Require().NoError(err)
	_, err = s.count(session, p.ID, 50, counterA)
	s.Equal(common.CodeForbidden, common.ErrorCode(err), "recount by the same counter")

	accepted, err := s.count(session, q.ID, 10, counterA)
	s.Require().NoError(err)
	s.Equal(models.CountAccepted, accepted.Count.Status)
	_, err = s.count(session, q.ID, 11, counterB)
	s.Equal(common.CodeValidation, common.ErrorCode(err), "already has a count of record")
}

func (s *engineSuite) TestFinishRequiresEveryProductCounted() {
	p := s.product("X", 10, 1)
	q := s.product("Y", 10, 1)
	session := s.spotSession(p.ID, q.ID)

	_, err := s.count(session, p.ID, 10, counterA)
	s.Require().NoError(err)

	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	_, err = s.count(session, q.ID, 10, counterB)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, counterA)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	finished, err := s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Equal(models.CountSessionPendingReview, finished.Status)

	_, err = s.count(session, q.ID, 9, counterA)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))
}

func (s *engineSuite) TestOutstandingRecountBlocksSubmit() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)

	_, err := s.count(session, p.ID, 60, counterA)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)

	_, err = s.submitReconciliation(session)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	// recounts are still taken after counting finished
	res, err := s.count(session, p.ID, 61, counterB)
	s.Require().NoError(err)
	s.Equal(models.CountRecounted, res.Count.Status)

	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	s.Equal(-39, rec.TotalVarianceUnits)

	_, err = s.submitReconciliation(session)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err), "one open reconciliation per session")
}

func (s *engineSuite) TestLargeVarianceNeedsTwoApprovers() {
	p := s.product("X", 100, 20)
	session := s.spotSession(p.ID)

	_, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)
	_, err = s.count(session, p.ID, 40, counterB)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)

	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	s.True(rec.RequiresSecondApproval)
	s.InDelta(-1200.0, rec.TotalCostImpact, 0.001)

	_, err = s.approve(rec, cashier)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	first, err := s.approve(rec, manager)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationSubmitted, first.Status)
	s.Len(first.Approvals, 1)
	s.Equal(100, s.quantity(p.ID))

	_, err = s.approve(rec, manager)
	s.Equal(common.CodeForbidden, common.ErrorCode(err), "same approver twice")

	second, err := s.approve(rec, manager2)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationApproved, second.Status)
	s.Len(second.Approvals, 2)
	s.Equal(40, s.quantity(p.ID))
}

func (s *engineSuite) TestApprovalPolicyIsConfigurable() {
	s.policy.Approval.ApproverRoles = []models.Role{models.RoleAdmin}
	s.policy.Approval.LargeVarianceUnits = 0
	s.policy.Approval.LargeVarianceCost = 0
	s.build()

	p := s.product("X", 100, 20)
	session := s.spotSession(p.ID)
	_, err := s.count(session, p.ID, 98, counterA)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	s.False(rec.RequiresSecondApproval)

	_, err = s.approve(rec, manager)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	approved, err := s.approve(rec, admin)
	s.Require().NoError(err)
	s.Equal(models.ReconciliationApproved, approved.Status)
	s.Equal(98, s.quantity(p.ID))
}

func (s *engineSuite) TestRejectedReconciliationLeavesStock() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)
	_, err := s.count(session, p.ID, 97, counterA)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)

	_, err = s.engine.Reconciliations.Reject(s.ctx, DecisionRequest{ReconciliationID: rec.ID, IdempotencyKey: "rej-0", Actor: manager})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	rejected, err := s.engine.Reconciliations.Reject(s.ctx, DecisionRequest{
		ReconciliationID: rec.ID, Reason: "recount the aisle", IdempotencyKey: "rej-1", Actor: manager,
	})
	s.Require().NoError(err)
	s.Equal(models.ReconciliationRejected, rejected.Status)
	s.Equal(100, s.quantity(p.ID))

	_, err = s.approve(rec, manager2)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	closed, err := s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Equal(models.CountSessionClosed, closed.Status)
}

// Sales between the count and the approval are not undone; the variance
// recorded at count time is what gets applied.
func (s *engineSuite) TestDisputeCanBeResolvedAfterReject() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)
	_, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)
	_, err = s.count(session, p.ID, 70, counterB)
	s.Require().NoError(err)
	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)

	_, err = s.engine.Reconciliations.Reject(s.ctx, DecisionRequest{
		ReconciliationID: rec.ID, Reason: "counts disagree", IdempotencyKey: "rej-d", Actor: manager,
	})
	s.Require().NoError(err)

	_, err = s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	verified, err := s.engine.Counts.ResolveDispute(s.ctx, ResolveDisputeRequest{
		SessionID: session.ID, ProductID: p.ID, VerifiedQuantity: 55, IdempotencyKey: "verify-rej", Actor: manager,
	})
	s.Require().NoError(err)
	s.Equal(models.CountVerified, verified.Count.Status)
	s.Equal(100, s.quantity(p.ID))

	closed, err := s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Equal(models.CountSessionClosed, closed.Status)

	_, err = s.engine.Counts.ResolveDispute(s.ctx, ResolveDisputeRequest{
		SessionID: session.ID, ProductID: p.ID, VerifiedQuantity: 56, IdempotencyKey: "verify-closed", Actor: manager,
	})
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))
}

func (s *engineSuite) TestManagerRecountsForSingleCounterSession() {
	p := s.product("X", 100, 1)
	session, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type:           models.CountSessionSpot,
		Scope:          models.CountScope{ProductIDs: []uuid.UUID{p.ID}},
		Counters:       []string{counterA.ID},
		IdempotencyKey: uuid.NewString(),
		Actor:          manager,
	})
	s.Require().NoError(err)

	first, err := s.count(session, p.ID, 40, counterA)
	s.Require().NoError(err)
	s.Equal(models.CountNeedsRecount, first.Count.Status)

	_, err = s.count(session, p.ID, 41, counterB)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))
	_, err = s.count(session, p.ID, 41, counterA)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	recount, err := s.count(session, p.ID, 40, manager)
	s.Require().NoError(err)
	s.Equal(models.CountRecounted, recount.Count.Status)
	s.Equal(manager.ID, recount.Count.Counter)

	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	_, err = s.approve(rec, manager)
	s.Require().NoError(err)
	_, err = s.engine.Counts.CloseSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
}

func (s *engineSuite) TestManagerCannotCountFirstPass() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)

	_, err := s.count(session, p.ID, 100, manager)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))
}

func (s *engineSuite) TestApprovalAppliesVarianceAsCounted() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)
	_, err := s.count(session, p.ID, 95, counterA)
	s.Require().NoError(err)

	_, err = s.sell("T1-0001", cashier, line(p.ID, 10))
	s.Require().NoError(err)

	_, err = s.engine.Counts.FinishCounting(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	rec, err := s.submitReconciliation(session)
	s.Require().NoError(err)
	_, err = s.approve(rec, manager)
	s.Require().NoError(err)

	s.Equal(85, s.quantity(p.ID))
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestBlindSessionHidesSystemQuantityFromCounters() {
	p := s.product("X", 100, 1)
	session := s.spotSession(p.ID)

	res, err := s.count(session, p.ID, 99, counterA)
	s.Require().NoError(err)
	s.Nil(res.Count.SystemQuantity)
	s.Nil(res.Count.Variance)

	counterView, err := s.engine.Counts.GetSession(s.ctx, session.ID, counterB)
	s.Require().NoError(err)
	s.Require().Len(counterView.Counts, 1)
	s.Nil(counterView.Counts[0].SystemQuantity)

	managerView, err := s.engine.Counts.GetSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Require().NotNil(managerView.Counts[0].SystemQuantity)
	s.Equal(100, *managerView.Counts[0].SystemQuantity)
	s.Equal(-1, *managerView.Counts[0].Variance)

	_, err = s.engine.Counts.GetSession(s.ctx, session.ID, cashier)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))
	_, err = s.engine.Counts.Summary(s.ctx, session.ID, counterA)
	s.Equal(common.CodeForbidden, common.ErrorCode(err))
}

func (s *engineSuite) TestOpenSessionShowsSystemQuantity() {
	p := s.product("X", 100, 1)
	blind := false
	session, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type:           models.CountSessionSpot,
		Scope:          models.CountScope{ProductIDs: []uuid.UUID{p.ID}},
		Blind:          &blind,
		Counters:       []string{counterA.ID},
		IdempotencyKey: "open-1",
		Actor:          manager,
	})
	s.Require().NoError(err)

	res, err := s.count(session, p.ID, 99, counterA)
	s.Require().NoError(err)
	s.Require().NotNil(res.Count.SystemQuantity)
	s.Equal(100, *res.Count.SystemQuantity)
}

func (s *engineSuite) TestScheduledSessionStartsWhenDue() {
	p := s.product("X", 10, 1)
	at := time.Now().UTC().Add(time.Hour)
	session, err := s.engine.Counts.StartCountSession(s.ctx, StartSessionRequest{
		Type:           models.CountSessionSpot,
		Scope:          models.CountScope{ProductIDs: []uuid.UUID{p.ID}},
		Counters:       []string{counterA.ID},
		ScheduledFor:   &at,
		IdempotencyKey: "sched-1",
		Actor:          manager,
	})
	s.Require().NoError(err)
	s.Equal(models.CountSessionScheduled, session.Status)
	s.Nil(session.SnapshotID)

	_, err = s.count(session, p.ID, 10, counterA)
	s.Equal(common.CodeInvalidState, common.ErrorCode(err))

	started, err := s.engine.Counts.StartDueSessions(s.ctx, time.Now().UTC())
	s.Require().NoError(err)
	s.Zero(started)

	started, err = s.engine.Counts.StartDueSessions(s.ctx, at.Add(time.Minute))
	s.Require().NoError(err)
	s.Equal(1, started)

	view, err := s.engine.Counts.GetSession(s.ctx, session.ID, manager)
	s.Require().NoError(err)
	s.Equal(models.CountSessionInProgress, view.Session.Status)
	s.NotNil(view.Session.SnapshotID)

	_, err = s.count(view.Session, p.ID, 10, counterA)
	s.Require().NoError(err)
}

func (s *engineSuite) TestSubmitCountReplay() {
	p := s.product("X", 10, 1)
	session := s.spotSession(p.ID)
	req := SubmitCountRequest{SessionID: session.ID, ProductID: p.ID, CountedQuantity: 10, IdempotencyKey: "c-1", Actor: counterA}

	first, err := s.engine.Counts.SubmitCount(s.ctx, req)
	s.Require().NoError(err)
	again, err := s.engine.Counts.SubmitCount(s.ctx, req)
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.Count.ID, again.Count.ID)
}
