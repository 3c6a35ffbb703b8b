package account

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/crypto/bcrypt"

	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger/domain"
	"giftbridge/internal/notify"
)

// KYC levels and the transaction limit each one grants. Level 1 is the
// default at registration; higher levels are granted by credential review.
const (
	KYCLevel1 = "Level 1"
	KYCLevel2 = "Level 2"
	KYCLevel3 = "Level 3"
)

var kycLimits = map[string]money.Amount{
	KYCLevel1: money.FromMajor(50_000),
	KYCLevel2: money.FromMajor(200_000),
	KYCLevel3: money.FromMajor(1_000_000),
}

// KYCLimit returns the transaction limit for a level, zero when the level
// is unknown.
func KYCLimit(level string) money.Amount {
	return kycLimits[level]
}

// Service provides profile operations.
type Service struct {
	store      *Store
	dispatcher notify.Dispatcher
	logger     *slog.Logger
}

// NewService creates an account service.
func NewService(store *Store, dispatcher notify.Dispatcher, logger *slog.Logger) *Service {
	return &Service{store: store, dispatcher: dispatcher, logger: logger}
}

// CreateProfileRequest is the command to register a profile.
type CreateProfileRequest struct {
	Email    string
	FullName string
}

// CreateProfile registers a new user at Level 1.
func (s *Service) CreateProfile(ctx context.Context, req CreateProfileRequest) (*Profile, error) {
	now := time.Now().UTC()
	p := &Profile{
		ID:               ulid.Make().String(),
		Email:            req.Email,
		FullName:         req.FullName,
		KYCLevel:         KYCLevel1,
		TransactionLimit: KYCLimit(KYCLevel1),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("creating profile: %w", err)
	}

	s.logger.Info("profile created", "user_id", p.ID, "email", p.Email)
	return p, nil
}

// GetProfile returns one profile.
func (s *Service) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	return s.store.Get(ctx, userID)
}

// SetPin hashes and stores the transaction PIN. A 4 to 6 digit numeric PIN
// is required.
func (s *Service) SetPin(ctx context.Context, userID, pin string) error {
	if len(pin) < 4 || len(pin) > 6 {
		return domain.Validation("transaction_pin", "must be 4 to 6 digits")
	}
	for _, c := range pin {
		if c < '0' || c > '9' {
			return domain.Validation("transaction_pin", "must be numeric")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing pin: %w", err)
	}
	return s.store.SetPinHash(ctx, userID, string(hash))
}

// VerifyPin checks the transaction PIN against the stored hash. A user with
// no PIN set always fails verification.
func (s *Service) VerifyPin(ctx context.Context, userID, pin string) error {
	hash, err := s.store.GetPinHash(ctx, userID)
	if err != nil {
		return err
	}
	if hash == "" {
		return domain.ErrPinRequired
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)); err != nil {
		return domain.Validation("transaction_pin", "incorrect transaction pin")
	}
	return nil
}

// UpdateBankDetails saves the default payout account used to auto-fill
// bank withdrawals.
func (s *Service) UpdateBankDetails(ctx context.Context, userID, bankName, accountName, accountNumber string) error {
	if bankName == "" || accountName == "" || accountNumber == "" {
		return domain.Validation("bank_details", "bank name, account name and account number are required")
	}
	return s.store.UpdateBankDetails(ctx, userID, bankName, accountName, accountNumber)
}

// ApproveKYC grants a user a higher KYC level and the transaction limit
// that comes with it.
func (s *Service) ApproveKYC(ctx context.Context, userID, level, adminID string) (*Profile, error) {
	limit, ok := kycLimits[level]
	if !ok {
		return nil, domain.Validation("level", "unknown kyc level")
	}

	if err := s.store.UpdateKYC(ctx, userID, level, limit); err != nil {
		return nil, err
	}

	if s.dispatcher != nil {
		if err := s.dispatcher.Dispatch(ctx, userID, notify.KindKYCStatusChanged, notify.Payload{
			Status: level,
		}); err != nil {
			s.logger.Warn("notification dispatch failed", "kind", notify.KindKYCStatusChanged, "user_id", userID, "error", err)
		}
	}

	s.logger.Info("kyc level updated",
		"user_id", userID,
		"level", level,
		"transaction_limit", limit.String(),
		"actor", adminID,
	)
	return s.store.Get(ctx, userID)
}
