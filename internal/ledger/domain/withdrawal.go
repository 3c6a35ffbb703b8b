package domain

import (
	"time"

	"giftbridge/internal/common/money"
)

// WithdrawalStatus is the status of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "Pending"
	WithdrawalApproved   WithdrawalStatus = "Approved"
	WithdrawalRejected   WithdrawalStatus = "Rejected"
	WithdrawalCancelled  WithdrawalStatus = "Cancelled"
	WithdrawalProcessing WithdrawalStatus = "Processing"
	WithdrawalCompleted  WithdrawalStatus = "Completed"
	WithdrawalFailed     WithdrawalStatus = "Failed"
)

// ReservedWithdrawalStatuses are the statuses whose amounts are treated as
// already deducted from the gross withdrawable pool. Funds are reserved at
// request time, not at approval time; rejection or cancellation releases
// the reservation.
var ReservedWithdrawalStatuses = []WithdrawalStatus{
	WithdrawalPending, WithdrawalProcessing, WithdrawalApproved, WithdrawalCompleted,
}

// Method is a destination payment method family.
type Method string

const (
	MethodBank        Method = "bank"
	MethodMobileMoney Method = "mobile_money"
	MethodCrypto      Method = "crypto"
)

// Destination holds the payout details for one method family. Only the
// sub-fields of the selected method are populated.
type Destination struct {
	Method Method `json:"method"`

	// bank
	BankName      string `json:"bank_name,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`

	// mobile_money
	MobileProvider string `json:"mobile_provider,omitempty"`
	PhoneNumber    string `json:"phone_number,omitempty"`

	// crypto
	CryptoAsset   string `json:"crypto_asset,omitempty"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Validate checks that the method-specific required sub-fields are present.
func (d Destination) Validate() error {
	switch d.Method {
	case MethodBank:
		if d.BankName == "" {
			return Validation("bank_name", "required")
		}
		if d.AccountName == "" {
			return Validation("account_name", "required")
		}
		if d.AccountNumber == "" {
			return Validation("account_number", "required")
		}
	case MethodMobileMoney:
		if d.MobileProvider == "" {
			return Validation("mobile_provider", "required")
		}
		if d.PhoneNumber == "" {
			return Validation("phone_number", "required")
		}
	case MethodCrypto:
		if d.CryptoAsset == "" {
			return Validation("crypto_asset", "required")
		}
		if d.WalletAddress == "" {
			return Validation("wallet_address", "required")
		}
	default:
		return Validation("method", "must be bank, mobile_money or crypto")
	}
	return nil
}

// Withdrawal is one request to cash out withdrawable balance.
type Withdrawal struct {
	ID          string           `json:"id"`
	UserID      string           `json:"user_id"`
	Amount      money.Amount     `json:"amount"`
	Destination Destination      `json:"destination"`
	Status      WithdrawalStatus `json:"status"`

	ProcessedBy          string     `json:"processed_by,omitempty"`
	ProcessedAt          *time.Time `json:"processed_at,omitempty"`
	RejectionReason      string     `json:"rejection_reason,omitempty"`
	AdminNotes           string     `json:"admin_notes,omitempty"`
	TransactionReference string     `json:"transaction_reference,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewWithdrawal creates a Pending withdrawal.
func NewWithdrawal(id, userID string, amount money.Amount, dest Destination) (*Withdrawal, error) {
	if userID == "" {
		return nil, Validation("user_id", "required")
	}
	if !amount.IsPositive() {
		return nil, Validation("amount", "must be greater than zero")
	}
	if err := dest.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Withdrawal{
		ID:          id,
		UserID:      userID,
		Amount:      amount,
		Destination: dest,
		Status:      WithdrawalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Approve transitions the withdrawal to Approved. Only Pending withdrawals
// may be approved.
func (w *Withdrawal) Approve(adminID, transactionReference, notes string) error {
	if w.Status != WithdrawalPending {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	w.Status = WithdrawalApproved
	w.ProcessedBy = adminID
	w.ProcessedAt = &now
	w.TransactionReference = transactionReference
	if notes != "" {
		w.AdminNotes = notes
	}
	w.UpdatedAt = now
	return nil
}

// Reject transitions the withdrawal to Rejected. A non-empty reason is
// required and only Pending withdrawals may be rejected.
func (w *Withdrawal) Reject(adminID, reason string) error {
	if reason == "" {
		return Validation("reason", "required")
	}
	if w.Status != WithdrawalPending {
		return ErrInvalidState
	}
	now := time.Now().UTC()
	w.Status = WithdrawalRejected
	w.ProcessedBy = adminID
	w.ProcessedAt = &now
	w.RejectionReason = reason
	w.UpdatedAt = now
	return nil
}

// Cancel transitions the withdrawal to Cancelled. Only the owner may cancel
// and only while Pending.
func (w *Withdrawal) Cancel(actorID string) error {
	if actorID != w.UserID {
		return ErrForbidden
	}
	if w.Status != WithdrawalPending {
		return ErrInvalidState
	}
	w.Status = WithdrawalCancelled
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// AuditAction tags an audit log entry.
type AuditAction string

const (
	AuditCreated   AuditAction = "created"
	AuditApproved  AuditAction = "approved"
	AuditRejected  AuditAction = "rejected"
	AuditCancelled AuditAction = "cancelled"
	AuditUpdated   AuditAction = "updated"
)

// WithdrawalAuditLog is an immutable record of one withdrawal transition.
// Entries are written synchronously in the same transaction as the
// transition and never mutated afterwards.
type WithdrawalAuditLog struct {
	ID             string      `json:"id"`
	WithdrawalID   string      `json:"withdrawal_id"`
	Action         AuditAction `json:"action"`
	PerformedBy    string      `json:"performed_by,omitempty"`
	Details        string      `json:"details"`
	PreviousStatus string      `json:"previous_status,omitempty"`
	NewStatus      string      `json:"new_status,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}
