package services

import (
	"context"

	"stockledger/internal/models"
)

// PaymentConfirmer settles payment for a sale before stock is committed.
// A refusal is reported as *common.PaymentDeclinedError; any other error
// is treated as an infrastructure failure.
type PaymentConfirmer interface {
	Confirm(ctx context.Context, txn *models.Transaction) error
}

type PaymentConfirmerFunc func(ctx context.Context, txn *models.Transaction) error

func (f PaymentConfirmerFunc) Confirm(ctx context.Context, txn *models.Transaction) error {
	return f(ctx, txn)
}

// AcceptAllPayments is used when payment is taken outside the engine, as with
// cash tills.
var AcceptAllPayments PaymentConfirmer = PaymentConfirmerFunc(func(context.Context, *models.Transaction) error {
	return nil
})
