package domain

import (
	"time"

	"giftbridge/internal/common/money"
)

// Subject is a user's ledger record: the owner of orders and withdrawals
// and the holder of the two derived balance fields. The balances are a
// cache of a full re-scan of the source tables, never a source of truth.
type Subject struct {
	ID               string       `json:"id"`
	Email            string       `json:"email"`
	FullName         string       `json:"full_name,omitempty"`
	KYCLevel         string       `json:"kyc_level"`
	TransactionLimit money.Amount `json:"transaction_limit"`

	PendingBalance      money.Amount `json:"pending_balance"`
	WithdrawableBalance money.Amount `json:"withdrawable_balance"`

	// Saved bank details, used to auto-fill withdrawal destinations.
	BankName      string `json:"bank_name,omitempty"`
	AccountName   string `json:"account_name,omitempty"`
	AccountNumber string `json:"account_number,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Balances is the pair of derived balance fields.
type Balances struct {
	Pending      money.Amount `json:"pending_balance"`
	Withdrawable money.Amount `json:"withdrawable_balance"`
}

// ComputeBalances derives both balances from the full order and withdrawal
// history of one user:
//
//	pending      = Σ orders in {Pending, Processing}
//	withdrawable = max(0, Σ orders in {Approved, Completed} − Σ withdrawals in reserved statuses)
//
// The derivation is idempotent and self-healing: rerunning it over the same
// history always yields the same result.
func ComputeBalances(orders []*Order, withdrawals []*Withdrawal) Balances {
	var pending, gross, reserved money.Amount

	for _, o := range orders {
		if statusIn(o.Status, PendingOrderStatuses) {
			pending = pending.Add(o.Amount)
		}
		if statusIn(o.Status, WithdrawableOrderStatuses) {
			gross = gross.Add(o.Amount)
		}
	}
	for _, w := range withdrawals {
		for _, s := range ReservedWithdrawalStatuses {
			if w.Status == s {
				reserved = reserved.Add(w.Amount)
				break
			}
		}
	}

	return Balances{
		Pending:      pending.ClampZero(),
		Withdrawable: gross.Sub(reserved).ClampZero(),
	}
}

func statusIn(s OrderStatus, set []OrderStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
