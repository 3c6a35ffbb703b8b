// Package account manages user profiles: KYC level, transaction limits,
// saved bank details and the transaction PIN.
package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"giftbridge/internal/common/database"
	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger/domain"
)

// Profile is the account-facing view of a user record.
type Profile struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	FullName         string       `json:"full_name,omitempty"`
	KYCLevel         string       `json:"kyc_level"`
	TransactionLimit money.Amount `json:"transaction_limit"`

	BankName      string `json:"bank_name,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`

	HasPin bool `json:"has_pin"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store provides profile persistence backed by PostgreSQL.
type Store struct {
	db *database.DB
}

// NewStore creates a profile store.
func NewStore(db *database.DB) *Store {
	return &Store{db: db}
}

// Create inserts a new profile at the default KYC level.
func (s *Store) Create(ctx context.Context, p *Profile) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO profiles (id, email, full_name, kyc_level, transaction_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, p.ID, p.Email, p.FullName, p.KYCLevel, p.TransactionLimit, p.CreatedAt, p.UpdatedAt)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// Get retrieves a profile by ID.
func (s *Store) Get(ctx context.Context, id string) (*Profile, error) {
	var p Profile
	var pinHash *string
	err := s.db.QueryRow(ctx, `
		SELECT id, email, full_name, kyc_level, transaction_limit,
		       COALESCE(bank_name, ''), COALESCE(account_name, ''), COALESCE(account_number, ''),
		       pin_hash, created_at, updated_at
		FROM profiles
		WHERE id = $1
	`, id).Scan(
		&p.ID, &p.Email, &p.FullName, &p.KYCLevel, &p.TransactionLimit,
		&p.BankName, &p.AccountName, &p.AccountNumber,
		&pinHash, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("scanning profile: %w", err)
	}
	p.HasPin = pinHash != nil && *pinHash != ""
	return &p, nil
}

// GetPinHash returns the stored PIN hash, or empty when none is set.
func (s *Store) GetPinHash(ctx context.Context, id string) (string, error) {
	var hash *string
	err := s.db.QueryRow(ctx, `SELECT pin_hash FROM profiles WHERE id = $1`, id).Scan(&hash)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

// SetPinHash stores a new PIN hash.
func (s *Store) SetPinHash(ctx context.Context, id, hash string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE profiles SET pin_hash = $1, updated_at = now() WHERE id = $2
	`, hash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateBankDetails saves the default payout bank account.
func (s *Store) UpdateBankDetails(ctx context.Context, id, bankName, accountName, accountNumber string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE profiles
		SET bank_name = $1, account_name = $2, account_number = $3, updated_at = now()
		WHERE id = $4
	`, bankName, accountName, accountNumber, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateKYC writes a new KYC level together with its transaction limit.
func (s *Store) UpdateKYC(ctx context.Context, id, level string, limit money.Amount) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE profiles
		SET kyc_level = $1, transaction_limit = $2, updated_at = now()
		WHERE id = $3
	`, level, limit, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
