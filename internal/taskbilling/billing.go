// Package taskbilling bridges the task pipeline and the credit ledger:
// quote a task before accepting it, charge when it is dispatched, and
// re-credit automatically when it fails. Keys are derived from the task id
// so pipeline retries and watchdog requeues never double-charge or
// double-refund.
package taskbilling

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
)

// ErrTaskNotCharged is returned when a refund is requested for a task that
// never produced a charge transaction.
var ErrTaskNotCharged = errors.New("task was never charged")

// Biller wires task lifecycle events to ledger operations. The store is
// used for read-only lookups; every mutation goes through the service.
type Biller struct {
	service *credit.Service
	store   credit.Store
	logger  *zap.Logger
}

// NewBiller wires a Biller.
func NewBiller(service *credit.Service, store credit.Store, logger *zap.Logger) (*Biller, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: service dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", credit.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Biller{service: service, store: store, logger: logger}, nil
}

// Quote resolves the price a task would cost. Unknown services surface
// credit.ErrUnknownService so the pipeline can reject the task up front.
func (biller *Biller) Quote(serviceKey credit.ServiceKey, options credit.VariantOptions) (credit.Decimal2, error) {
	return biller.service.Quote(serviceKey, options)
}

// CheckAffordable reports whether the account can pay for the task right
// now, plus the quoted price. Advisory only: the balance can change between
// this check and ChargeTask, which re-checks atomically.
func (biller *Biller) CheckAffordable(ctx context.Context, accountID credit.AccountID, serviceKey credit.ServiceKey, options credit.VariantOptions) (bool, credit.Decimal2, error) {
	price, err := biller.service.Quote(serviceKey, options)
	if err != nil {
		return false, credit.Decimal2{}, err
	}
	balance, err := biller.service.Balance(ctx, accountID)
	if err != nil {
		return false, credit.Decimal2{}, err
	}
	return !balance.LessThan(price), price, nil
}

// ChargeTask debits the task's price. Retrying with the same taskID replays
// the original debit instead of charging twice.
func (biller *Biller) ChargeTask(ctx context.Context, accountID credit.AccountID, taskID string, serviceKey credit.ServiceKey, options credit.VariantOptions) (credit.Decimal2, error) {
	chargeKey, err := chargeKeyForTask(taskID)
	if err != nil {
		return credit.Decimal2{}, err
	}
	newBalance, err := biller.service.ChargeForService(ctx, accountID, serviceKey, options, taskID, &chargeKey)
	if err != nil {
		return credit.Decimal2{}, err
	}
	biller.logger.Info("task charged",
		zap.String("task_id", taskID),
		zap.String("account_id", accountID.String()),
		zap.String("service", string(serviceKey)),
	)
	return newBalance, nil
}

// RefundFailedTask re-credits exactly what the task's charge debited. The
// amount is read from the recorded charge transaction, never recomputed
// from the catalog, so later price changes cannot skew the refund.
func (biller *Biller) RefundFailedTask(ctx context.Context, accountID credit.AccountID, taskID string) (credit.Decimal2, error) {
	chargeKey, err := chargeKeyForTask(taskID)
	if err != nil {
		return credit.Decimal2{}, err
	}
	charge, found, err := biller.store.FindTransactionByIdempotencyKey(ctx, accountID, chargeKey)
	if err != nil {
		return credit.Decimal2{}, err
	}
	if !found {
		return credit.Decimal2{}, fmt.Errorf("%w: task %s", ErrTaskNotCharged, taskID)
	}
	refundKey, err := refundKeyForTask(taskID)
	if err != nil {
		return credit.Decimal2{}, err
	}
	refundAmount := charge.Delta.Neg()
	newBalance, err := biller.service.Grant(ctx, accountID, refundAmount, credit.KindRefundCredit, taskID, &refundKey)
	if err != nil {
		return credit.Decimal2{}, err
	}
	biller.logger.Info("failed task refunded",
		zap.String("task_id", taskID),
		zap.String("account_id", accountID.String()),
		zap.String("amount", refundAmount.String()),
	)
	return newBalance, nil
}

func chargeKeyForTask(taskID string) (credit.IdempotencyKey, error) {
	return credit.NewIdempotencyKey("task:" + taskID + ":charge")
}

func refundKeyForTask(taskID string) (credit.IdempotencyKey, error) {
	return credit.NewIdempotencyKey("task:" + taskID + ":refund")
}
