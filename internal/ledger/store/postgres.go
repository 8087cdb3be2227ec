package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"estateledger/internal/common/database"
	"estateledger/internal/common/money"
	"estateledger/internal/ledger/domain"
)

// Postgres implements Store on PostgreSQL. Row locks use SELECT ... FOR UPDATE.
type Postgres struct {
	db      *database.DB
	q       database.Querier
	retries int
	inTx    bool
}

// NewPostgres creates a Postgres store. Atomic units are retried up to
// retries times on serialization failures and deadlocks.
func NewPostgres(db *database.DB, retries int) *Postgres {
	if retries < 1 {
		retries = 1
	}
	return &Postgres{db: db, q: db, retries: retries}
}

// Atomic runs fn in a read-committed transaction. Nested calls join the outer one.
func (s *Postgres) Atomic(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return database.Retry(ctx, s.retries, func() error {
		return s.db.WithTx(ctx, func(tx pgx.Tx) error {
			return fn(&Postgres{db: s.db, q: tx, retries: s.retries, inTx: true})
		})
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

// where accumulates AND-ed predicates with positional arguments.
type where struct {
	clauses []string
	args    []any
}

func (w *where) add(clause string, args ...any) {
	for _, a := range args {
		w.args = append(w.args, a)
		clause = strings.Replace(clause, "?", fmt.Sprintf("$%d", len(w.args)), 1)
	}
	w.clauses = append(w.clauses, clause)
}

func (w *where) String() string {
	if len(w.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.clauses, " AND ")
}

func (w *where) page(limit, offset int) string {
	return fmt.Sprintf(" LIMIT %d OFFSET %d", clampLimit(limit), max(offset, 0))
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func marshalMeta(m domain.Metadata) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}
	return b, nil
}

func unmarshalMeta(raw []byte) (domain.Metadata, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m domain.Metadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NotFoundf("%s", what)
	}
	return fmt.Errorf("scanning %s: %w", what, err)
}

// Wallets

const walletColumns = `id, tenant_id, user_id, balance, available_balance, currency, status,
	pin_hash, last_transaction_at, created_at, updated_at`

func scanWallet(row rowScanner) (*domain.Wallet, error) {
	var w domain.Wallet
	var pinHash *string
	err := row.Scan(
		&w.ID, &w.TenantID, &w.UserID, &w.Balance, &w.AvailableBalance, &w.Currency, &w.Status,
		&pinHash, &w.LastTransactionAt, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "wallet")
	}
	w.PINHash = deref(pinHash)
	w.PINSet = w.PINHash != ""
	return &w, nil
}

// CreateWallet inserts w; a wallet already present for the (tenant, user) pair yields ErrAlreadyExists.
func (s *Postgres) CreateWallet(ctx context.Context, w *domain.Wallet) error {
	tag, err := s.q.Exec(ctx, `
		INSERT INTO wallets (`+walletColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, user_id) DO NOTHING
	`,
		w.ID, w.TenantID, w.UserID, w.Balance, w.AvailableBalance, w.Currency, w.Status,
		nullStr(w.PINHash), w.LastTransactionAt, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("wallet for user %s: %w", w.UserID, ErrAlreadyExists)
	}
	return nil
}

func (s *Postgres) GetWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error) {
	return scanWallet(s.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND user_id = $2`, tenantID, userID))
}

func (s *Postgres) GetWalletByID(ctx context.Context, tenantID, walletID string) (*domain.Wallet, error) {
	return scanWallet(s.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND id = $2`, tenantID, walletID))
}

func (s *Postgres) LockWallet(ctx context.Context, tenantID, userID string) (*domain.Wallet, error) {
	return scanWallet(s.q.QueryRow(ctx,
		`SELECT `+walletColumns+` FROM wallets WHERE tenant_id = $1 AND user_id = $2 FOR UPDATE`, tenantID, userID))
}

func (s *Postgres) UpdateWallet(ctx context.Context, w *domain.Wallet) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE wallets
		SET balance = $2, available_balance = $3, status = $4, pin_hash = $5,
			last_transaction_at = $6, updated_at = $7
		WHERE id = $1
	`, w.ID, w.Balance, w.AvailableBalance, w.Status, nullStr(w.PINHash), w.LastTransactionAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating wallet: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("wallet %s", w.ID)
	}
	return nil
}

// Transactions

const transactionColumns = `id, transaction_id, tenant_id, wallet_id, user_id, type, amount, currency,
	status, provider, provider_reference, authorization_url, description, metadata,
	processed_at, failed_at, failure_reason, created_at, updated_at`

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var t domain.Transaction
	var reference, authURL, description, failureReason *string
	var meta []byte
	err := row.Scan(
		&t.ID, &t.TransactionID, &t.TenantID, &t.WalletID, &t.UserID, &t.Type, &t.Amount, &t.Currency,
		&t.Status, &t.Provider, &reference, &authURL, &description, &meta,
		&t.ProcessedAt, &t.FailedAt, &failureReason, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "transaction")
	}
	t.ProviderReference = deref(reference)
	t.AuthorizationURL = deref(authURL)
	t.Description = deref(description)
	t.FailureReason = deref(failureReason)
	if t.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Postgres) CreateTransaction(ctx context.Context, t *domain.Transaction) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`,
		t.ID, t.TransactionID, t.TenantID, t.WalletID, t.UserID, t.Type, t.Amount, t.Currency,
		t.Status, t.Provider, nullStr(t.ProviderReference), nullStr(t.AuthorizationURL), nullStr(t.Description), meta,
		t.ProcessedAt, t.FailedAt, nullStr(t.FailureReason), t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("transaction %s: %w", t.TransactionID, ErrAlreadyExists)
		}
		return fmt.Errorf("creating transaction: %w", err)
	}
	return nil
}

func (s *Postgres) GetTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	return scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = $1 AND transaction_id = $2`,
		tenantID, transactionID))
}

func (s *Postgres) LockTransaction(ctx context.Context, tenantID, transactionID string) (*domain.Transaction, error) {
	return scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE tenant_id = $1 AND transaction_id = $2 FOR UPDATE`,
		tenantID, transactionID))
}

func (s *Postgres) LockTransactionByReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	return scanTransaction(s.q.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE provider_reference = $1 FOR UPDATE`, reference))
}

func (s *Postgres) UpdateTransaction(ctx context.Context, t *domain.Transaction) error {
	meta, err := marshalMeta(t.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE transactions
		SET status = $2, provider_reference = $3, authorization_url = $4, metadata = $5,
			processed_at = $6, failed_at = $7, failure_reason = $8, updated_at = $9
		WHERE id = $1
	`, t.ID, t.Status, nullStr(t.ProviderReference), nullStr(t.AuthorizationURL), meta,
		t.ProcessedAt, t.FailedAt, nullStr(t.FailureReason), t.UpdatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("provider reference %s: %w", t.ProviderReference, ErrAlreadyExists)
		}
		return fmt.Errorf("updating transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("transaction %s", t.TransactionID)
	}
	return nil
}

func transactionWhere(f TransactionFilter) *where {
	w := &where{}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.WalletID != "" {
		w.add("wallet_id = ?", f.WalletID)
	}
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.Provider != "" {
		w.add("provider = ?", f.Provider)
	}
	if f.Source != "" {
		w.add("metadata->>'source' = ?", f.Source)
	}
	if f.From != nil {
		w.add("created_at >= ?", *f.From)
	}
	if f.To != nil {
		w.add("created_at <= ?", *f.To)
	}
	if f.MinAmount > 0 {
		w.add("amount >= ?", f.MinAmount)
	}
	if f.MaxAmount > 0 {
		w.add("amount <= ?", f.MaxAmount)
	}
	return w
}

func (s *Postgres) ListTransactions(ctx context.Context, f TransactionFilter) ([]*domain.Transaction, int64, error) {
	w := transactionWhere(f)

	var total int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM transactions`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting transactions: %w", err)
	}

	rows, err := s.q.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions`+w.String()+
			` ORDER BY created_at DESC, id DESC`+w.page(f.Limit, f.Offset), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing transactions: %w", err)
	}
	txns, err := collect(rows, scanTransaction)
	return txns, total, err
}

func (s *Postgres) ListPendingTransactions(ctx context.Context, createdBefore time.Time, limit int) ([]*domain.Transaction, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing pending transactions: %w", err)
	}
	return collect(rows, scanTransaction)
}

func (s *Postgres) TransactionTotals(ctx context.Context, walletID string) (domain.TransactionTotals, error) {
	var t domain.TransactionTotals
	var deposits, withdrawals, revenue int64
	err := s.q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(amount) FILTER (WHERE type = 'deposit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type <> 'deposit'), 0),
			COALESCE(SUM(amount) FILTER (WHERE type = 'deposit' AND metadata->>'source' = 'bill_payment'), 0),
			COUNT(*) FILTER (WHERE type = 'deposit' AND metadata->>'source' = 'bill_payment'),
			COUNT(*)
		FROM transactions
		WHERE wallet_id = $1 AND status = 'completed'
	`, walletID).Scan(&deposits, &withdrawals, &revenue, &t.BillPaymentCount, &t.Count)
	if err != nil {
		return t, fmt.Errorf("summing transactions: %w", err)
	}
	t.Deposits = money.Amount(deposits)
	t.Withdrawals = money.Amount(withdrawals)
	t.BillPaymentRevenue = money.Amount(revenue)
	return t, nil
}

// Bills

const billColumns = `id, bill_number, tenant_id, user_id, title, description, type, category, amount,
	paid_amount, currency, due_date, status, allow_payment_after_due, acknowledged_by, dispute_reason,
	disputed_by, disputed_at, cancelled_at, paid_at, utility_provider, customer_id, metadata,
	created_by, created_at, updated_at`

// billStatusExpr derives the bill status in SQL exactly like domain.Bill.DeriveStatus.
const billStatusExpr = `(CASE
	WHEN cancelled_at IS NOT NULL THEN 'cancelled'
	WHEN disputed_at IS NOT NULL THEN 'disputed'
	WHEN paid_amount >= amount THEN 'paid'
	WHEN due_date < ? THEN 'overdue'
	WHEN paid_amount > 0 THEN 'partially_paid'
	WHEN cardinality(acknowledged_by) > 0 THEN 'acknowledged'
	ELSE 'pending' END) = ?`

func scanBill(row rowScanner) (*domain.Bill, error) {
	var b domain.Bill
	var description, disputeReason, disputedBy, utilityProvider, customerID *string
	var meta []byte
	err := row.Scan(
		&b.ID, &b.BillNumber, &b.TenantID, &b.UserID, &b.Title, &description, &b.Type, &b.Category, &b.Amount,
		&b.PaidAmount, &b.Currency, &b.DueDate, &b.Status, &b.AllowPaymentAfterDue, &b.AcknowledgedBy, &disputeReason,
		&disputedBy, &b.DisputedAt, &b.CancelledAt, &b.PaidAt, &utilityProvider, &customerID, &meta,
		&b.CreatedBy, &b.CreatedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "bill")
	}
	b.Description = deref(description)
	b.DisputeReason = deref(disputeReason)
	b.DisputedBy = deref(disputedBy)
	b.UtilityProvider = deref(utilityProvider)
	b.CustomerID = deref(customerID)
	if b.AcknowledgedBy == nil {
		b.AcknowledgedBy = []string{}
	}
	if b.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Postgres) CreateBill(ctx context.Context, b *domain.Bill) error {
	meta, err := marshalMeta(b.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO bills (`+billColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26)
	`,
		b.ID, b.BillNumber, b.TenantID, b.UserID, b.Title, nullStr(b.Description), b.Type, b.Category, b.Amount,
		b.PaidAmount, b.Currency, b.DueDate, b.Status, b.AllowPaymentAfterDue, b.AcknowledgedBy, nullStr(b.DisputeReason),
		nullStr(b.DisputedBy), b.DisputedAt, b.CancelledAt, b.PaidAt, nullStr(b.UtilityProvider), nullStr(b.CustomerID), meta,
		b.CreatedBy, b.CreatedAt, b.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("bill %s: %w", b.BillNumber, ErrAlreadyExists)
		}
		return fmt.Errorf("creating bill: %w", err)
	}
	return nil
}

func (s *Postgres) GetBill(ctx context.Context, tenantID, billID string) (*domain.Bill, error) {
	return scanBill(s.q.QueryRow(ctx,
		`SELECT `+billColumns+` FROM bills WHERE tenant_id = $1 AND id = $2`, tenantID, billID))
}

func (s *Postgres) LockBill(ctx context.Context, tenantID, billID string) (*domain.Bill, error) {
	return scanBill(s.q.QueryRow(ctx,
		`SELECT `+billColumns+` FROM bills WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, billID))
}

func (s *Postgres) UpdateBill(ctx context.Context, b *domain.Bill) error {
	meta, err := marshalMeta(b.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE bills
		SET paid_amount = $2, status = $3, acknowledged_by = $4, dispute_reason = $5, disputed_by = $6,
			disputed_at = $7, cancelled_at = $8, paid_at = $9, metadata = $10, updated_at = $11
		WHERE id = $1
	`, b.ID, b.PaidAmount, b.Status, b.AcknowledgedBy, nullStr(b.DisputeReason), nullStr(b.DisputedBy),
		b.DisputedAt, b.CancelledAt, b.PaidAt, meta, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("bill %s", b.ID)
	}
	return nil
}

func (s *Postgres) ListBills(ctx context.Context, f BillFilter) ([]*domain.Bill, int64, error) {
	w := &where{}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.VisibleTo != "" {
		w.add("(user_id = '' OR user_id = ?)", f.VisibleTo)
	}
	if f.Type != "" {
		w.add("type = ?", f.Type)
	}
	if f.DueFrom != nil {
		w.add("due_date >= ?", *f.DueFrom)
	}
	if f.DueTo != nil {
		w.add("due_date <= ?", *f.DueTo)
	}
	if f.Status != "" {
		now := f.Now
		if now.IsZero() {
			now = time.Now().UTC()
		}
		w.add(billStatusExpr, now, f.Status)
	}

	var total int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM bills`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting bills: %w", err)
	}

	rows, err := s.q.Query(ctx,
		`SELECT `+billColumns+` FROM bills`+w.String()+` ORDER BY due_date, id`+w.page(f.Limit, f.Offset), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing bills: %w", err)
	}
	bills, err := collect(rows, scanBill)
	return bills, total, err
}

// Recurring payments

const recurringColumns = `id, tenant_id, user_id, wallet_id, title, description, amount, currency, frequency,
	start_date, end_date, next_payment_date, last_payment_date, status, total_payments, max_payments,
	failed_attempts, max_failed_attempts, spending_limit, payment_source, provider, bill_id,
	utility_provider, customer_id, metadata, created_at, updated_at`

func scanRecurring(row rowScanner) (*domain.RecurringPayment, error) {
	var r domain.RecurringPayment
	var description, provider, billID, utilityProvider, customerID *string
	var spendingLimit *int64
	var meta []byte
	err := row.Scan(
		&r.ID, &r.TenantID, &r.UserID, &r.WalletID, &r.Title, &description, &r.Amount, &r.Currency, &r.Frequency,
		&r.StartDate, &r.EndDate, &r.NextPaymentDate, &r.LastPaymentDate, &r.Status, &r.TotalPayments, &r.MaxPayments,
		&r.FailedAttempts, &r.MaxFailedAttempts, &spendingLimit, &r.PaymentSource, &provider, &billID,
		&utilityProvider, &customerID, &meta, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, notFound(err, "recurring payment")
	}
	r.Description = deref(description)
	r.Provider = domain.Provider(deref(provider))
	r.BillID = deref(billID)
	r.UtilityProvider = deref(utilityProvider)
	r.CustomerID = deref(customerID)
	if spendingLimit != nil {
		limit := money.Amount(*spendingLimit)
		r.SpendingLimit = &limit
	}
	if r.Metadata, err = unmarshalMeta(meta); err != nil {
		return nil, err
	}
	return &r, nil
}

func spendingLimitArg(r *domain.RecurringPayment) *int64 {
	if r.SpendingLimit == nil {
		return nil
	}
	v := r.SpendingLimit.Minor()
	return &v
}

func (s *Postgres) CreateRecurring(ctx context.Context, r *domain.RecurringPayment) error {
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return err
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO recurring_payments (`+recurringColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19,
			$20, $21, $22, $23, $24, $25, $26, $27)
	`,
		r.ID, r.TenantID, r.UserID, r.WalletID, r.Title, nullStr(r.Description), r.Amount, r.Currency, r.Frequency,
		r.StartDate, r.EndDate, r.NextPaymentDate, r.LastPaymentDate, r.Status, r.TotalPayments, r.MaxPayments,
		r.FailedAttempts, r.MaxFailedAttempts, spendingLimitArg(r), r.PaymentSource, nullStr(string(r.Provider)), nullStr(r.BillID),
		nullStr(r.UtilityProvider), nullStr(r.CustomerID), meta, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating recurring payment: %w", err)
	}
	return nil
}

func (s *Postgres) GetRecurring(ctx context.Context, tenantID, id string) (*domain.RecurringPayment, error) {
	return scanRecurring(s.q.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_payments WHERE tenant_id = $1 AND id = $2`, tenantID, id))
}

func (s *Postgres) LockRecurring(ctx context.Context, tenantID, id string) (*domain.RecurringPayment, error) {
	return scanRecurring(s.q.QueryRow(ctx,
		`SELECT `+recurringColumns+` FROM recurring_payments WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id))
}

func (s *Postgres) UpdateRecurring(ctx context.Context, r *domain.RecurringPayment) error {
	meta, err := marshalMeta(r.Metadata)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE recurring_payments
		SET title = $2, description = $3, amount = $4, frequency = $5, end_date = $6, next_payment_date = $7,
			last_payment_date = $8, status = $9, total_payments = $10, max_payments = $11,
			failed_attempts = $12, spending_limit = $13, metadata = $14, updated_at = $15
		WHERE id = $1
	`, r.ID, r.Title, nullStr(r.Description), r.Amount, r.Frequency, r.EndDate, r.NextPaymentDate,
		r.LastPaymentDate, r.Status, r.TotalPayments, r.MaxPayments,
		r.FailedAttempts, spendingLimitArg(r), meta, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating recurring payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NotFoundf("recurring payment %s", r.ID)
	}
	return nil
}

func (s *Postgres) ListRecurring(ctx context.Context, f RecurringFilter) ([]*domain.RecurringPayment, int64, error) {
	w := &where{}
	if f.TenantID != "" {
		w.add("tenant_id = ?", f.TenantID)
	}
	if f.UserID != "" {
		w.add("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		w.add("status = ?", f.Status)
	}
	if f.DueFrom != nil {
		w.add("next_payment_date >= ?", *f.DueFrom)
	}
	if f.DueTo != nil {
		w.add("next_payment_date <= ?", *f.DueTo)
	}

	var total int64
	if err := s.q.QueryRow(ctx, `SELECT COUNT(*) FROM recurring_payments`+w.String(), w.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting recurring payments: %w", err)
	}

	rows, err := s.q.Query(ctx,
		`SELECT `+recurringColumns+` FROM recurring_payments`+w.String()+
			` ORDER BY next_payment_date, id`+w.page(f.Limit, f.Offset), w.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing recurring payments: %w", err)
	}
	items, err := collect(rows, scanRecurring)
	return items, total, err
}

func (s *Postgres) ListDueRecurring(ctx context.Context, now time.Time, limit int) ([]*domain.RecurringPayment, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+recurringColumns+`
		FROM recurring_payments
		WHERE status = 'active' AND next_payment_date <= $1
		ORDER BY next_payment_date
		LIMIT $2
	`, now, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("listing due recurring payments: %w", err)
	}
	return collect(rows, scanRecurring)
}

func collect[T any](rows pgx.Rows, scan func(rowScanner) (*T, error)) ([]*T, error) {
	defer rows.Close()
	var out []*T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

var _ Store = (*Postgres)(nil)
