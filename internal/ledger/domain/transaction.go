package domain

import (
	"time"

	"estateledger/internal/common/money"
)

// TransactionType represents the kind of balance-affecting event
type TransactionType string

const (
	TransactionDeposit     TransactionType = "deposit"
	TransactionWithdrawal  TransactionType = "withdrawal"
	TransactionBillPayment TransactionType = "bill_payment"
	TransactionPayment     TransactionType = "payment"
	TransactionTransfer    TransactionType = "transfer"
)

// Valid reports whether t is a known transaction type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdrawal, TransactionBillPayment, TransactionPayment, TransactionTransfer:
		return true
	}
	return false
}

// IsCredit reports whether completing this type increases the wallet balance.
func (t TransactionType) IsCredit() bool {
	return t == TransactionDeposit
}

// TransactionStatus represents the lifecycle state of a transaction
type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// Provider names where the money for a transaction comes from or goes to.
type Provider string

const (
	ProviderPaystack     Provider = "paystack"
	ProviderFlutterwave  Provider = "flutterwave"
	ProviderMidtrans     Provider = "midtrans"
	ProviderWallet       Provider = "wallet"
	ProviderBankTransfer Provider = "bank_transfer"
	ProviderCash         Provider = "cash"
	ProviderManual       Provider = "manual"
)

// IsGateway reports whether the provider is reached through a gateway adapter.
func (p Provider) IsGateway() bool {
	switch p {
	case ProviderPaystack, ProviderFlutterwave, ProviderMidtrans:
		return true
	}
	return false
}

// Transaction is an append-only ledger entry owned by one wallet.
type Transaction struct {
	ID                string            `json:"id"`
	TransactionID     string            `json:"transaction_id"`
	TenantID          string            `json:"tenant_id"`
	WalletID          string            `json:"wallet_id"`
	UserID            string            `json:"user_id"`
	Type              TransactionType   `json:"type"`
	Amount            money.Amount      `json:"amount"`
	Currency          money.Currency    `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Provider          Provider          `json:"provider"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	AuthorizationURL  string            `json:"authorization_url,omitempty"`
	Description       string            `json:"description,omitempty"`
	Metadata          Metadata          `json:"metadata,omitempty"`
	ProcessedAt       *time.Time        `json:"processed_at,omitempty"`
	FailedAt          *time.Time        `json:"failed_at,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// NewTransaction creates a pending transaction against wallet.
func NewTransaction(id string, w *Wallet, txType TransactionType, amount money.Amount, provider Provider, description string, metadata Metadata, now time.Time) (*Transaction, error) {
	if !txType.Valid() {
		return nil, Validationf("unknown transaction type %q", txType)
	}
	if !amount.IsPositive() {
		return nil, Validationf("amount must be greater than zero")
	}
	if err := metadata.Validate(); err != nil {
		return nil, err
	}
	return &Transaction{
		ID:            id,
		TransactionID: "TXN-" + id,
		TenantID:      w.TenantID,
		WalletID:      w.ID,
		UserID:        w.UserID,
		Type:          txType,
		Amount:        amount,
		Currency:      w.Currency,
		Status:        TransactionPending,
		Provider:      provider,
		Description:   description,
		Metadata:      metadata.Clone(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// IsTerminal reports whether the transaction has settled either way.
func (t *Transaction) IsTerminal() bool {
	return t.Status == TransactionCompleted || t.Status == TransactionFailed
}

// MarkCompleted transitions a pending transaction to completed.
func (t *Transaction) MarkCompleted(now time.Time) error {
	if t.Status != TransactionPending {
		return Conflictf("transaction %s is %s", t.TransactionID, t.Status)
	}
	t.Status = TransactionCompleted
	t.ProcessedAt = &now
	t.UpdatedAt = now
	return nil
}

// MarkFailed transitions a pending transaction to failed.
func (t *Transaction) MarkFailed(reason string, now time.Time) error {
	if t.Status != TransactionPending {
		return Conflictf("transaction %s is %s", t.TransactionID, t.Status)
	}
	t.Status = TransactionFailed
	t.FailedAt = &now
	t.FailureReason = reason
	t.UpdatedAt = now
	return nil
}

// SignedAmount is the effect of a completed transaction on its wallet balance.
func (t *Transaction) SignedAmount() money.Amount {
	if t.Status != TransactionCompleted {
		return 0
	}
	if t.Type.IsCredit() {
		return t.Amount
	}
	return -t.Amount
}

// TransactionTotals aggregates completed transactions of one wallet.
type TransactionTotals struct {
	Deposits           money.Amount `json:"total_deposits"`
	Withdrawals        money.Amount `json:"total_withdrawals"`
	BillPaymentRevenue money.Amount `json:"bill_payment_revenue"`
	BillPaymentCount   int64        `json:"bill_payment_count"`
	Count              int64        `json:"total_transactions"`
}

// Receipt is the customer-facing proof of a completed transaction.
type Receipt struct {
	ReceiptNumber     string            `json:"receipt_number"`
	TransactionID     string            `json:"transaction_id"`
	Type              TransactionType   `json:"type"`
	Amount            money.Amount      `json:"amount"`
	Currency          money.Currency    `json:"currency"`
	Status            TransactionStatus `json:"status"`
	Description       string            `json:"description,omitempty"`
	Provider          Provider          `json:"provider"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	ProcessedAt       time.Time         `json:"processed_at"`
	BillNumber        string            `json:"bill_number,omitempty"`
}

// Receipt builds a receipt; only completed transactions have one.
func (t *Transaction) Receipt() (*Receipt, error) {
	if t.Status != TransactionCompleted || t.ProcessedAt == nil {
		return nil, Conflictf("transaction %s is %s, receipts exist only for completed transactions", t.TransactionID, t.Status)
	}
	return &Receipt{
		ReceiptNumber:     "RCP-" + t.TransactionID,
		TransactionID:     t.TransactionID,
		Type:              t.Type,
		Amount:            t.Amount,
		Currency:          t.Currency,
		Status:            t.Status,
		Description:       t.Description,
		Provider:          t.Provider,
		ProviderReference: t.ProviderReference,
		ProcessedAt:       *t.ProcessedAt,
		BillNumber:        t.Metadata.String(MetaBillNumber),
	}, nil
}
