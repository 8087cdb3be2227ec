package ledger

import (
	"context"
	"fmt"

	"estateledger/internal/common/events"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
)

// Bill payment methods recorded in transaction metadata.
const (
	MethodWallet    = "wallet"
	MethodDirect    = "direct"
	MethodRecurring = "recurring"
)

// SourceBillPayment marks cluster wallet credits that come from bill payments.
const SourceBillPayment = "bill_payment"

// PayBill moves amount from the locked wallet w to the locked bill b and credits
// the tenant's cluster wallet with the same amount. Callers lock w before b.
// Payability and bounds are checked before anything is written. extra is
// merged into the payment's metadata.
func (u *Unit) PayBill(ctx context.Context, w *domain.Wallet, b *domain.Bill, amount money.Amount, method string, extra domain.Metadata) (*domain.Transaction, error) {
	if w.TenantID != b.TenantID {
		return nil, domain.NotFoundf("bill %s", b.ID)
	}
	if err := b.ApplyPayment(amount, u.Now); err != nil {
		return nil, err
	}

	meta := extra.Clone().Merge(domain.Metadata{
		domain.MetaBillID:        b.ID,
		domain.MetaBillNumber:    b.BillNumber,
		domain.MetaBillType:      string(b.Type),
		domain.MetaPaymentMethod: method,
	})
	if b.UtilityProvider != "" {
		meta[domain.MetaUtilityProvider] = b.UtilityProvider
	}
	payment, err := u.Post(ctx, w, domain.TransactionBillPayment, amount, domain.ProviderWallet, "Payment for "+b.Title, meta)
	if err != nil {
		return nil, err
	}
	if err := u.Tx.UpdateBill(ctx, b); err != nil {
		return nil, fmt.Errorf("updating bill: %w", err)
	}

	cluster, err := u.EnsureClusterWallet(ctx, b.TenantID)
	if err != nil {
		return nil, err
	}
	_, err = u.Post(ctx, cluster, domain.TransactionDeposit, amount, domain.ProviderWallet, "Bill payment: "+b.BillNumber, domain.Metadata{
		domain.MetaSource:        SourceBillPayment,
		domain.MetaBillID:        b.ID,
		domain.MetaBillNumber:    b.BillNumber,
		domain.MetaBillType:      string(b.Type),
		domain.MetaOriginalTxnID: payment.TransactionID,
	})
	if err != nil {
		return nil, fmt.Errorf("crediting cluster wallet: %w", err)
	}

	u.Emit(events.EventBillPaid, b.TenantID, "bill", b.ID, events.BillData{
		BillID:     b.ID,
		BillNumber: b.BillNumber,
		UserID:     b.UserID,
		Type:       string(b.Type),
		Amount:     b.Amount.String(),
		PaidAmount: b.PaidAmount.String(),
		Status:     string(b.Status),
		ActorID:    w.UserID,
	})
	return payment, nil
}
