// Package notify defines the notification dispatch boundary. Dispatch is
// best effort: failures are logged by callers and never block or roll back
// the transaction that produced the event.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"giftbridge/internal/common/money"
)

// Kind identifies a notification event.
type Kind string

const (
	KindOrderCreated            Kind = "order_created"
	KindOrderStatusChanged      Kind = "order_status_changed"
	KindWithdrawalCreated       Kind = "withdrawal_created"
	KindWithdrawalStatusChanged Kind = "withdrawal_status_changed"
	KindKYCStatusChanged        Kind = "kyc_status_changed"
	KindBalanceUpdated          Kind = "balance_updated"
)

// Payload carries the event details.
type Payload struct {
	Amount         money.Amount `json:"amount,omitempty"`
	Status         string       `json:"status,omitempty"`
	PreviousStatus string       `json:"previous_status,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Reference      string       `json:"reference,omitempty"`

	PendingBalance      money.Amount `json:"pending_balance,omitempty"`
	WithdrawableBalance money.Amount `json:"withdrawable_balance,omitempty"`
}

// Dispatcher delivers notifications to users.
type Dispatcher interface {
	Dispatch(ctx context.Context, userID string, kind Kind, p Payload) error
}

// Envelope wraps a dispatched event with common metadata.
type Envelope struct {
	ID         string          `json:"id"`
	Kind       Kind            `json:"kind"`
	UserID     string          `json:"user_id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// NewEnvelope creates an envelope for a payload.
func NewEnvelope(kind Kind, userID string, p Payload) (*Envelope, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		ID:         ulid.Make().String(),
		Kind:       kind,
		UserID:     userID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}, nil
}

// LogDispatcher logs events instead of delivering them. It stands in when
// no broker is configured.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a logging dispatcher.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	return &LogDispatcher{logger: logger}
}

// Dispatch logs the event.
func (d *LogDispatcher) Dispatch(_ context.Context, userID string, kind Kind, p Payload) error {
	d.logger.Info("notification",
		"kind", kind,
		"user_id", userID,
		"status", p.Status,
		"amount", p.Amount.String(),
	)
	return nil
}
