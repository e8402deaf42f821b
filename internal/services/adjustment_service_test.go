package services

import (
	"stockledger/internal/common"
	"stockledger/internal/models"
)

func (s *engineSuite) adjust(req AdjustmentRequest) (*AdjustmentResult, error) {
	return s.engine.Adjustments.CreateAdjustment(s.ctx, req)
}

func (s *engineSuite) TestManualAdjustmentSigns() {
	p := s.product("X", 10, 1)

	cases := []struct {
		typ   models.AdjustmentType
		delta int
		ok    bool
	}{
		{models.AdjustmentDamage, -1, true},
		{models.AdjustmentDamage, 1, false},
		{models.AdjustmentTheft, -1, true},
		{models.AdjustmentTheft, 2, false},
		{models.AdjustmentFound, 3, true},
		{models.AdjustmentFound, -3, false},
		{models.AdjustmentCorrection, -2, true},
		{models.AdjustmentCorrection, 2, true},
	}
	for i, tc := range cases {
		_, err := s.adjust(AdjustmentRequest{
			ProductID:      p.ID,
			Type:           tc.typ,
			Delta:          tc.delta,
			Reason:         "shelf check",
			IdempotencyKey: string(tc.typ) + "-" + string(rune('a'+i)),
			Actor:          manager,
		})
		if tc.ok {
			s.NoError(err, "%s %d", tc.typ, tc.delta)
		} else {
			s.Equal(common.CodeValidation, common.ErrorCode(err), "%s %d", tc.typ, tc.delta)
		}
	}
	s.Equal(10-1-1+3-2+2, s.quantity(p.ID))
	s.assertLedgerConsistent()
}

func (s *engineSuite) TestManualAdjustmentRejectsSystemTypes() {
	p := s.product("X", 10, 1)
	for _, typ := range []models.AdjustmentType{models.AdjustmentSale, models.AdjustmentVoid, models.AdjustmentRefund, models.AdjustmentReconciliation} {
		_, err := s.adjust(AdjustmentRequest{
			ProductID: p.ID, Type: typ, Delta: 1, Reason: "r", IdempotencyKey: "sys-" + string(typ), Actor: admin,
		})
		s.Equal(common.CodeValidation, common.ErrorCode(err), string(typ))
	}

	_, err := s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: -1, IdempotencyKey: "no-reason", Actor: manager})
	s.Equal(common.CodeValidation, common.ErrorCode(err))

	_, err = s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: 0, Reason: "r", IdempotencyKey: "zero", Actor: manager})
	s.Equal(common.CodeValidation, common.ErrorCode(err))
}

func (s *engineSuite) TestManualAdjustmentRoles() {
	p := s.product("X", 10, 1)

	_, err := s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: -1, Reason: "dropped", IdempotencyKey: "r1", Actor: cashier})
	s.NoError(err)

	_, err = s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentCorrection, Delta: 1, Reason: "typo", IdempotencyKey: "r2", Actor: cashier})
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	_, err = s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentDamage, Delta: -1, Reason: "dropped", IdempotencyKey: "r3", Actor: counterA})
	s.Equal(common.CodeForbidden, common.ErrorCode(err))

	s.Equal(9, s.quantity(p.ID))
}

func (s *engineSuite) TestManualAdjustmentReplayAndKeyReuse() {
	p := s.product("X", 10, 1)
	req := AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentFound, Delta: 2, Reason: "back room", IdempotencyKey: "adj-1", Actor: manager}

	first, err := s.adjust(req)
	s.Require().NoError(err)
	s.False(first.Replayed)

	again, err := s.adjust(req)
	s.Require().NoError(err)
	s.True(again.Replayed)
	s.Equal(first.Adjustment.ID, again.Adjustment.ID)
	s.Equal(12, s.quantity(p.ID))

	res, err := s.sell("T1-0001", cashier, line(p.ID, 1))
	s.Require().NoError(err)
	_, err = s.engine.Transactions.VoidTransaction(s.ctx, VoidRequest{
		TransactionID: res.Transaction.ID, Reason: "r", IdempotencyKey: "adj-1", Actor: cashier,
	})
	s.Equal(common.CodeIdempotencyReuse, common.ErrorCode(err))
	s.Equal(11, s.quantity(p.ID))
}

func (s *engineSuite) TestManualAdjustmentCannotOverdraw() {
	p := s.product("X", 2, 1)
	_, err := s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentTheft, Delta: -3, Reason: "missing", IdempotencyKey: "t1", Actor: manager})
	s.Equal(common.CodeInsufficient, common.ErrorCode(err))
	s.Equal(2, s.quantity(p.ID))

	// the failed attempt released its key
	_, err = s.adjust(AdjustmentRequest{ProductID: p.ID, Type: models.AdjustmentTheft, Delta: -2, Reason: "missing", IdempotencyKey: "t1", Actor: manager})
	s.Require().NoError(err)
	s.Equal(0, s.quantity(p.ID))
}
