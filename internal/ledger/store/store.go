// Package store provides PostgreSQL persistence for the ledger.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"giftbridge/internal/common/database"
	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger"
	"giftbridge/internal/ledger/domain"
)

// Store provides ledger data access backed by PostgreSQL.
type Store struct {
	db *database.DB
}

// New creates a new ledger store.
func New(db *database.DB) *Store {
	return &Store{db: db}
}

var _ ledger.Store = (*Store)(nil)

const orderColumns = `id, user_id, card_ref, fulfillment, image_ref, e_code_pin, amount, status, created_at`

const withdrawalColumns = `id, user_id, amount, method,
	bank_name, account_name, account_number,
	mobile_provider, phone_number, crypto_asset, wallet_address,
	status, processed_by, processed_at, rejection_reason, admin_notes,
	transaction_reference, created_at, updated_at`

// GetOrder retrieves an order by ID.
func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

// GetWithdrawal retrieves a withdrawal by ID.
func (s *Store) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	row := s.db.QueryRow(ctx, `SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1`, id)
	return scanWithdrawal(row)
}

// ListOrders lists a user's orders, newest first.
func (s *Store) ListOrders(ctx context.Context, userID string, limit, offset int) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListWithdrawals lists a user's withdrawals, newest first.
func (s *Store) ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// WithSubject opens a transaction, locks the user's profile row FOR UPDATE
// and runs fn. The lock serializes concurrent units of work for the same
// user; it is released when the transaction commits or rolls back.
func (s *Store) WithSubject(ctx context.Context, userID string, fn func(tx ledger.SubjectTx) error) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT id, email, full_name, kyc_level, transaction_limit,
			       pending_balance, withdrawable_balance,
			       bank_name, account_name, account_number,
			       created_at, updated_at
			FROM profiles
			WHERE id = $1
			FOR UPDATE
		`, userID)

		subject, err := scanSubject(row)
		if err != nil {
			return err
		}

		return fn(&subjectTx{tx: tx, subject: subject})
	})
}

// subjectTx implements ledger.SubjectTx over one locked pgx transaction.
type subjectTx struct {
	tx      pgx.Tx
	subject *domain.Subject
}

func (t *subjectTx) Subject() *domain.Subject {
	return t.subject
}

func (t *subjectTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, card_ref, fulfillment, image_ref, e_code_pin, amount, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		o.ID, o.UserID, o.CardRef, o.Fulfillment,
		nullStr(o.ImageRef), nullStr(o.ECodePin),
		o.Amount, o.Status, o.CreatedAt,
	)
	return err
}

func (t *subjectTx) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE id = $1 AND user_id = $2
	`, id, t.subject.ID)
	return scanOrder(row)
}

func (t *subjectTx) UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE orders SET status = $1 WHERE id = $2 AND user_id = $3
	`, status, id, t.subject.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *subjectTx) DeleteOrder(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `
		DELETE FROM orders WHERE id = $1 AND user_id = $2
	`, id, t.subject.ID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *subjectTx) InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawals (
			id, user_id, amount, method,
			bank_name, account_name, account_number,
			mobile_provider, phone_number, crypto_asset, wallet_address,
			status, processed_by, processed_at, rejection_reason, admin_notes,
			transaction_reference, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19
		)
	`,
		w.ID, w.UserID, w.Amount, w.Destination.Method,
		nullStr(w.Destination.BankName), nullStr(w.Destination.AccountName), nullStr(w.Destination.AccountNumber),
		nullStr(w.Destination.MobileProvider), nullStr(w.Destination.PhoneNumber),
		nullStr(w.Destination.CryptoAsset), nullStr(w.Destination.WalletAddress),
		w.Status, nullStr(w.ProcessedBy), w.ProcessedAt, nullStr(w.RejectionReason), nullStr(w.AdminNotes),
		nullStr(w.TransactionReference), w.CreatedAt, w.UpdatedAt,
	)
	return err
}

func (t *subjectTx) GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error) {
	row := t.tx.QueryRow(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE id = $1 AND user_id = $2
	`, id, t.subject.ID)
	return scanWithdrawal(row)
}

func (t *subjectTx) UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE withdrawals SET
			status = $2, processed_by = $3, processed_at = $4,
			rejection_reason = $5, admin_notes = $6,
			transaction_reference = $7, updated_at = $8
		WHERE id = $1 AND user_id = $9
	`,
		w.ID, w.Status, nullStr(w.ProcessedBy), w.ProcessedAt,
		nullStr(w.RejectionReason), nullStr(w.AdminNotes),
		nullStr(w.TransactionReference), w.UpdatedAt, t.subject.ID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (t *subjectTx) InsertAuditLog(ctx context.Context, l *domain.WithdrawalAuditLog) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO withdrawal_audit_logs (
			id, withdrawal_id, action, performed_by, details,
			previous_status, new_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		l.ID, l.WithdrawalID, l.Action, nullStr(l.PerformedBy), l.Details,
		nullStr(l.PreviousStatus), nullStr(l.NewStatus), l.CreatedAt,
	)
	return err
}

func (t *subjectTx) SumOrders(ctx context.Context, statuses []domain.OrderStatus) (money.Amount, error) {
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}

	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM orders
		WHERE user_id = $1 AND status = ANY($2)
	`, t.subject.ID, set).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing orders: %w", err)
	}
	return money.FromMinor(total), nil
}

func (t *subjectTx) SumWithdrawals(ctx context.Context, statuses []domain.WithdrawalStatus) (money.Amount, error) {
	set := make([]string, len(statuses))
	for i, st := range statuses {
		set[i] = string(st)
	}

	var total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM withdrawals
		WHERE user_id = $1 AND status = ANY($2)
	`, t.subject.ID, set).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("summing withdrawals: %w", err)
	}
	return money.FromMinor(total), nil
}

func (t *subjectTx) SaveBalances(ctx context.Context, b domain.Balances) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE profiles
		SET pending_balance = $1, withdrawable_balance = $2, updated_at = now()
		WHERE id = $3
	`, b.Pending, b.Withdrawable, t.subject.ID)
	if err != nil {
		return err
	}
	t.subject.PendingBalance = b.Pending
	t.subject.WithdrawableBalance = b.Withdrawable
	return nil
}

// AllOrders returns a user's complete order history. Used by the
// recalculation CLI, which needs the full scan rather than a page.
func (s *Store) AllOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []*domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// AllWithdrawals returns a user's complete withdrawal history.
func (s *Store) AllWithdrawals(ctx context.Context, userID string) ([]*domain.Withdrawal, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+withdrawalColumns+` FROM withdrawals WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing withdrawals: %w", err)
	}
	defer rows.Close()

	var withdrawals []*domain.Withdrawal
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// ListSubjectIDs returns every profile ID. Used by the recalculation CLI.
func (s *Store) ListSubjectIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM profiles ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// GetSubject reads a profile without locking it.
func (s *Store) GetSubject(ctx context.Context, userID string) (*domain.Subject, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, email, full_name, kyc_level, transaction_limit,
		       pending_balance, withdrawable_balance,
		       bank_name, account_name, account_number,
		       created_at, updated_at
		FROM profiles
		WHERE id = $1
	`, userID)
	return scanSubject(row)
}

// Scan helpers

func scanSubject(row pgx.Row) (*domain.Subject, error) {
	var sub domain.Subject
	var fullName, bankName, accountName, accountNumber *string
	err := row.Scan(
		&sub.ID, &sub.Email, &fullName, &sub.KYCLevel, &sub.TransactionLimit,
		&sub.PendingBalance, &sub.WithdrawableBalance,
		&bankName, &accountName, &accountNumber,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	sub.FullName = deref(fullName)
	sub.BankName = deref(bankName)
	sub.AccountName = deref(accountName)
	sub.AccountNumber = deref(accountNumber)
	return &sub, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var o domain.Order
	var imageRef, eCodePin *string
	err := row.Scan(
		&o.ID, &o.UserID, &o.CardRef, &o.Fulfillment,
		&imageRef, &eCodePin, &o.Amount, &o.Status, &o.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	o.ImageRef = deref(imageRef)
	o.ECodePin = deref(eCodePin)
	return &o, nil
}

func scanWithdrawal(row pgx.Row) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var bankName, accountName, accountNumber *string
	var mobileProvider, phoneNumber, cryptoAsset, walletAddress *string
	var processedBy, rejectionReason, adminNotes, transactionReference *string
	err := row.Scan(
		&w.ID, &w.UserID, &w.Amount, &w.Destination.Method,
		&bankName, &accountName, &accountNumber,
		&mobileProvider, &phoneNumber, &cryptoAsset, &walletAddress,
		&w.Status, &processedBy, &w.ProcessedAt, &rejectionReason, &adminNotes,
		&transactionReference, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning withdrawal: %w", err)
	}
	w.Destination.BankName = deref(bankName)
	w.Destination.AccountName = deref(accountName)
	w.Destination.AccountNumber = deref(accountNumber)
	w.Destination.MobileProvider = deref(mobileProvider)
	w.Destination.PhoneNumber = deref(phoneNumber)
	w.Destination.CryptoAsset = deref(cryptoAsset)
	w.Destination.WalletAddress = deref(walletAddress)
	w.ProcessedBy = deref(processedBy)
	w.RejectionReason = deref(rejectionReason)
	w.AdminNotes = deref(adminNotes)
	w.TransactionReference = deref(transactionReference)
	return &w, nil
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
