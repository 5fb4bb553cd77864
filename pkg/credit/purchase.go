package credit

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// PurchasePackage realizes a confirmed package payment: it credits the
// package's total credits (paid-in equivalent plus bonus) and records the
// MembershipGrant, all in one storage transaction. The payment
// notification id keys the grant, so a replayed webhook credits at most
// once.
func (service *Service) PurchasePackage(
	ctx context.Context,
	accountID AccountID,
	packageID PackageID,
	orderID string,
	paymentNotificationKey IdempotencyKey,
) (MembershipGrant, error) {
	var grant MembershipGrant
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		catalogPackage, err := txStore.GetPackage(ctx, packageID)
		if err != nil {
			return err
		}
		transaction, replayed, err := service.applyDelta(ctx, txStore, accountID, catalogPackage.TotalCredits, KindPurchaseCredit, &paymentNotificationKey, orderID, "package "+packageID.String())
		if err != nil {
			return err
		}
		if replayed {
			// Replayed webhook: the grant was written alongside the
			// original transaction. Return it without creating another.
			existing, found, err := txStore.FindMembershipGrantByOrderID(ctx, transaction.RelatedEntityID)
			if err != nil {
				return err
			}
			if !found {
				return WrapError(operationPurchase, "idempotency", "mismatch", ErrDuplicateIdempotencyKey)
			}
			grant = existing
			return nil
		}
		grantID, err := NewGrantID(uuid.NewString())
		if err != nil {
			return err
		}
		grant = MembershipGrant{
			GrantID:        grantID,
			AccountID:      accountID,
			PackageID:      packageID,
			CreditsGranted: catalogPackage.TotalCredits,
			PurchaseAmount: catalogPackage.Price,
			OrderID:        orderID,
			CreatedUnixUTC: transaction.CreatedUnixUTC,
		}
		return txStore.CreateMembershipGrant(ctx, grant)
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationPurchase,
		AccountID:       accountID,
		Kind:            KindPurchaseCredit,
		RelatedEntityID: orderID,
		IdempotencyKey:  &paymentNotificationKey,
		Error:           operationError,
	})
	if operationError != nil {
		return MembershipGrant{}, operationError
	}
	return grant, nil
}

// RefundPackage reverses a package purchase: the full originally granted
// credits (paid-in equivalent plus bonus) are revoked from the balance,
// and the cash refund amount — purchase_amount * (1 - deduction_rate),
// bonus excluded — is recorded on the grant for external payment
// reversal. It is not re-granted as credits.
//
// The revocation requires the full granted amount to still be present:
// the balance policy is >= 0, so an account that already spent below
// credits_granted is rejected with ErrInsufficientBalance.
func (service *Service) RefundPackage(
	ctx context.Context,
	accountID AccountID,
	grantID GrantID,
	reason string,
) (Decimal2, error) {
	var refundAmount Decimal2
	operationError := service.runTx(ctx, func(ctx context.Context, txStore Store) error {
		grant, err := txStore.GetMembershipGrantForUpdate(ctx, grantID)
		if err != nil {
			return err
		}
		if grant.AccountID != accountID {
			return fmt.Errorf("%w: grant %s does not belong to account %s", ErrUnknownGrant, grantID, accountID)
		}
		if grant.IsRefunded {
			return ErrAlreadyRefunded
		}
		catalogPackage, err := txStore.GetPackage(ctx, grant.PackageID)
		if err != nil {
			return err
		}
		if catalogPackage.RefundPolicy != RefundPolicyRefundable {
			return ErrNotRefundable
		}
		refundAmount = grant.PurchaseAmount.Mul(NewDecimal2FromInt(1).Sub(catalogPackage.DeductionRate))
		revocationKey, err := NewIdempotencyKey("refund:" + grantID.String())
		if err != nil {
			return err
		}
		if _, _, err := service.applyDelta(ctx, txStore, accountID, grant.CreditsGranted.Neg(), KindRefundCredit, &revocationKey, grantID.String(), reason); err != nil {
			return err
		}
		return txStore.MarkMembershipGrantRefunded(ctx, grantID, refundAmount)
	})
	service.logOperation(ctx, OperationLog{
		Operation:       operationRefund,
		AccountID:       accountID,
		Kind:            KindRefundCredit,
		Amount:          refundAmount,
		RelatedEntityID: grantID.String(),
		Error:           operationError,
	})
	if operationError != nil {
		return Decimal2{}, operationError
	}
	return refundAmount, nil
}
