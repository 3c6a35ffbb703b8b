// Package ledger implements the balance reconciliation engine and the
// order and withdrawal state machines.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger/domain"
	"giftbridge/internal/notify"
)

// Store persists orders, withdrawals and derived balances.
type Store interface {
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error)
	ListOrders(ctx context.Context, userID string, limit, offset int) ([]*domain.Order, error)
	ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error)

	// WithSubject runs fn inside one transaction holding an exclusive lock
	// on the user's profile row. The lock is released on commit, so two
	// concurrent units of work for the same user serialize while different
	// users proceed in parallel. Returns domain.ErrNotFound when the user
	// does not exist.
	WithSubject(ctx context.Context, userID string, fn func(tx SubjectTx) error) error
}

// SubjectTx is the transaction scope opened by Store.WithSubject. Every
// mutation of a user's ledger rows goes through it, so the status write and
// the reconciliation that follows commit or roll back together.
type SubjectTx interface {
	// Subject returns the locked profile row as read at lock acquisition.
	Subject() *domain.Subject

	InsertOrder(ctx context.Context, o *domain.Order) error
	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrderStatus(ctx context.Context, id string, status domain.OrderStatus) error
	DeleteOrder(ctx context.Context, id string) error

	InsertWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	GetWithdrawal(ctx context.Context, id string) (*domain.Withdrawal, error)
	UpdateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	InsertAuditLog(ctx context.Context, l *domain.WithdrawalAuditLog) error

	SumOrders(ctx context.Context, statuses []domain.OrderStatus) (money.Amount, error)
	SumWithdrawals(ctx context.Context, statuses []domain.WithdrawalStatus) (money.Amount, error)
	SaveBalances(ctx context.Context, b domain.Balances) error
}

// PinVerifier checks a user's transaction PIN. Withdrawal creation requires
// a successful challenge before anything is persisted.
type PinVerifier interface {
	VerifyPin(ctx context.Context, userID, pin string) error
}

// Service provides the ledger operations.
type Service struct {
	store      Store
	dispatcher notify.Dispatcher
	pins       PinVerifier
	logger     *slog.Logger
}

// NewService creates a ledger service.
func NewService(store Store, dispatcher notify.Dispatcher, pins PinVerifier, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		pins:       pins,
		logger:     logger,
	}
}

// reconcile recomputes both balances from the source tables inside the
// locked transaction and persists them. This is the only code path that
// writes pending_balance or withdrawable_balance: every other operation
// calls through here. It is a derivation, not a validation, so it never
// fails on surprising intermediate sums; negative results clamp to zero.
func (s *Service) reconcile(ctx context.Context, tx SubjectTx) (domain.Balances, error) {
	pending, err := tx.SumOrders(ctx, domain.PendingOrderStatuses)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("summing pending orders: %w", err)
	}
	gross, err := tx.SumOrders(ctx, domain.WithdrawableOrderStatuses)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("summing withdrawable orders: %w", err)
	}
	reserved, err := tx.SumWithdrawals(ctx, domain.ReservedWithdrawalStatuses)
	if err != nil {
		return domain.Balances{}, fmt.Errorf("summing reserved withdrawals: %w", err)
	}

	balances := domain.Balances{
		Pending:      pending.ClampZero(),
		Withdrawable: gross.Sub(reserved).ClampZero(),
	}
	if err := tx.SaveBalances(ctx, balances); err != nil {
		return domain.Balances{}, fmt.Errorf("saving balances: %w", err)
	}
	return balances, nil
}

// BalanceView is the read model returned by GetBalances.
type BalanceView struct {
	PendingBalance      money.Amount `json:"pending_balance"`
	WithdrawableBalance money.Amount `json:"withdrawable_balance"`
	TotalBalance        money.Amount `json:"total_balance"`
	TransactionLimit    money.Amount `json:"transaction_limit"`
}

// GetBalances re-derives the user's balances before returning them. Clients
// never see a stale cached number.
func (s *Service) GetBalances(ctx context.Context, userID string) (BalanceView, error) {
	var view BalanceView
	err := s.store.WithSubject(ctx, userID, func(tx SubjectTx) error {
		balances, err := s.reconcile(ctx, tx)
		if err != nil {
			return err
		}
		view = BalanceView{
			PendingBalance:      balances.Pending,
			WithdrawableBalance: balances.Withdrawable,
			TotalBalance:        balances.Pending.Add(balances.Withdrawable),
			TransactionLimit:    tx.Subject().TransactionLimit,
		}
		return nil
	})
	if err != nil {
		return BalanceView{}, err
	}
	return view, nil
}

// CreateOrderRequest is the command to create a gift card order.
type CreateOrderRequest struct {
	UserID      string
	CardRef     string
	Fulfillment domain.Fulfillment
	ImageRef    string
	ECodePin    string
	Amount      money.Amount
}

// CreateOrder persists a Pending order and reconciles the owner's balances
// in the same transaction.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	order, err := domain.NewOrder(
		ulid.Make().String(),
		req.UserID,
		req.CardRef,
		req.Fulfillment,
		req.ImageRef,
		req.ECodePin,
		req.Amount,
	)
	if err != nil {
		return nil, err
	}

	var balances domain.Balances
	err = s.store.WithSubject(ctx, req.UserID, func(tx SubjectTx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return fmt.Errorf("inserting order: %w", err)
		}
		balances, err = s.reconcile(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, req.UserID, notify.KindOrderCreated, notify.Payload{
		Amount: order.Amount,
		Status: string(order.Status),
	})
	s.dispatchBalances(ctx, req.UserID, balances)

	s.logger.Info("order created",
		"order_id", order.ID,
		"user_id", order.UserID,
		"amount", order.Amount.String(),
	)
	return order, nil
}

// TransitionOrder moves an order to a new status. Illegal transitions fail
// with ErrInvalidTransition and leave the status and balances untouched.
func (s *Service) TransitionOrder(ctx context.Context, orderID string, newStatus domain.OrderStatus, actorID string) error {
	if !newStatus.Valid() {
		return domain.Validation("status", "unknown status")
	}

	ref, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	var previous domain.OrderStatus
	var amount money.Amount
	var balances domain.Balances
	err = s.store.WithSubject(ctx, ref.UserID, func(tx SubjectTx) error {
		// Re-read under the lock: the pre-lock snapshot may be stale.
		order, err := tx.GetOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanTransition(newStatus) {
			return fmt.Errorf("%s to %s: %w", order.Status, newStatus, domain.ErrInvalidTransition)
		}
		previous = order.Status
		amount = order.Amount

		if err := tx.UpdateOrderStatus(ctx, orderID, newStatus); err != nil {
			return fmt.Errorf("updating order status: %w", err)
		}
		balances, err = s.reconcile(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, ref.UserID, notify.KindOrderStatusChanged, notify.Payload{
		Amount:         amount,
		Status:         string(newStatus),
		PreviousStatus: string(previous),
	})
	s.dispatchBalances(ctx, ref.UserID, balances)

	s.logger.Info("order transitioned",
		"order_id", orderID,
		"from", previous,
		"to", newStatus,
		"actor", actorID,
	)
	return nil
}

// DeleteOrder removes an order and reconciles the owner so no orphaned
// balance contribution survives the deletion.
func (s *Service) DeleteOrder(ctx context.Context, orderID string) error {
	ref, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return err
	}

	var balances domain.Balances
	err = s.store.WithSubject(ctx, ref.UserID, func(tx SubjectTx) error {
		if err := tx.DeleteOrder(ctx, orderID); err != nil {
			return fmt.Errorf("deleting order: %w", err)
		}
		balances, err = s.reconcile(ctx, tx)
		return err
	})
	if err != nil {
		return err
	}

	s.dispatchBalances(ctx, ref.UserID, balances)

	s.logger.Info("order deleted", "order_id", orderID, "user_id", ref.UserID)
	return nil
}

// GetOrder returns one order; only the owner may read it.
func (s *Service) GetOrder(ctx context.Context, orderID, actorID string) (*domain.Order, error) {
	order, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != actorID {
		return nil, domain.ErrForbidden
	}
	return order, nil
}

// ListOrders returns a user's orders, newest first.
func (s *Service) ListOrders(ctx context.Context, userID string, limit, offset int) ([]*domain.Order, error) {
	return s.store.ListOrders(ctx, userID, clampLimit(limit), offset)
}

// CreateWithdrawalRequest is the command to request a withdrawal.
type CreateWithdrawalRequest struct {
	UserID      string
	Amount      money.Amount
	Destination domain.Destination
	Pin         string
}

// CreateWithdrawal validates the PIN challenge and destination, re-derives
// the balance under the lock before checking it, and persists the Pending
// withdrawal in the same transaction as the reconciliation that reserves
// its amount.
func (s *Service) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (*domain.Withdrawal, error) {
	if !req.Amount.IsPositive() {
		return nil, domain.Validation("amount", "must be greater than zero")
	}
	if s.pins != nil {
		if req.Pin == "" {
			return nil, domain.ErrPinRequired
		}
		if err := s.pins.VerifyPin(ctx, req.UserID, req.Pin); err != nil {
			return nil, err
		}
	}

	var withdrawal *domain.Withdrawal
	var balances domain.Balances
	err := s.store.WithSubject(ctx, req.UserID, func(tx SubjectTx) error {
		subject := tx.Subject()

		// Fill missing bank details from the saved profile default.
		dest := req.Destination
		if dest.Method == domain.MethodBank {
			if dest.BankName == "" {
				dest.BankName = subject.BankName
			}
			if dest.AccountName == "" {
				dest.AccountName = subject.AccountName
			}
			if dest.AccountNumber == "" {
				dest.AccountNumber = subject.AccountNumber
			}
		}

		w, err := domain.NewWithdrawal(ulid.Make().String(), req.UserID, req.Amount, dest)
		if err != nil {
			return err
		}

		if subject.TransactionLimit.IsPositive() && req.Amount.GreaterThan(subject.TransactionLimit) {
			return fmt.Errorf("%s exceeds limit %s: %w",
				req.Amount, subject.TransactionLimit, domain.ErrLimitExceeded)
		}

		// Never trust the cached number for this check: re-derive first.
		fresh, err := s.reconcile(ctx, tx)
		if err != nil {
			return err
		}
		if req.Amount.GreaterThan(fresh.Withdrawable) {
			return fmt.Errorf("requested %s, available %s: %w",
				req.Amount, fresh.Withdrawable, domain.ErrInsufficientBalance)
		}

		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("inserting withdrawal: %w", err)
		}

		// Reconcile again so the new reservation is reflected immediately.
		balances, err = s.reconcile(ctx, tx)
		if err != nil {
			return err
		}

		if err := tx.InsertAuditLog(ctx, &domain.WithdrawalAuditLog{
			ID:           ulid.Make().String(),
			WithdrawalID: w.ID,
			Action:       domain.AuditCreated,
			PerformedBy:  req.UserID,
			Details:      fmt.Sprintf("withdrawal requested for %s", w.Amount),
			NewStatus:    string(domain.WithdrawalPending),
			CreatedAt:    w.CreatedAt,
		}); err != nil {
			return fmt.Errorf("writing audit log: %w", err)
		}

		withdrawal = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, req.UserID, notify.KindWithdrawalCreated, notify.Payload{
		Amount: withdrawal.Amount,
		Status: string(withdrawal.Status),
	})
	s.dispatchBalances(ctx, req.UserID, balances)

	s.logger.Info("withdrawal created",
		"withdrawal_id", withdrawal.ID,
		"user_id", withdrawal.UserID,
		"amount", withdrawal.Amount.String(),
	)
	return withdrawal, nil
}

// ApproveWithdrawal approves a Pending withdrawal. The reconciliation that
// follows is numerically a no-op because the amount was reserved at
// creation, but it still runs: the recomputation is the single source of
// truth, never an incremental adjustment.
func (s *Service) ApproveWithdrawal(ctx context.Context, withdrawalID, adminID, transactionReference, notes string) error {
	return s.transitionWithdrawal(ctx, withdrawalID, domain.AuditApproved,
		func(w *domain.Withdrawal) error {
			return w.Approve(adminID, transactionReference, notes)
		},
		adminID,
		fmt.Sprintf("approved with reference %q", transactionReference),
	)
}

// RejectWithdrawal rejects a Pending withdrawal, releasing its reservation
// back to the withdrawable balance.
func (s *Service) RejectWithdrawal(ctx context.Context, withdrawalID, adminID, reason string) error {
	return s.transitionWithdrawal(ctx, withdrawalID, domain.AuditRejected,
		func(w *domain.Withdrawal) error {
			return w.Reject(adminID, reason)
		},
		adminID,
		fmt.Sprintf("rejected: %s", reason),
	)
}

// CancelWithdrawal cancels a Pending withdrawal on behalf of its owner,
// releasing the reservation.
func (s *Service) CancelWithdrawal(ctx context.Context, withdrawalID, actorID string) error {
	return s.transitionWithdrawal(ctx, withdrawalID, domain.AuditCancelled,
		func(w *domain.Withdrawal) error {
			return w.Cancel(actorID)
		},
		actorID,
		"withdrawal cancelled by user",
	)
}

// transitionWithdrawal applies one state change atomically with the
// reconciliation and audit entry it triggers.
func (s *Service) transitionWithdrawal(
	ctx context.Context,
	withdrawalID string,
	action domain.AuditAction,
	apply func(w *domain.Withdrawal) error,
	actorID, details string,
) error {
	ref, err := s.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return err
	}

	var previous domain.WithdrawalStatus
	var updated *domain.Withdrawal
	var balances domain.Balances
	err = s.store.WithSubject(ctx, ref.UserID, func(tx SubjectTx) error {
		w, err := tx.GetWithdrawal(ctx, withdrawalID)
		if err != nil {
			return err
		}
		previous = w.Status

		if err := apply(w); err != nil {
			return err
		}
		if err := tx.UpdateWithdrawal(ctx, w); err != nil {
			return fmt.Errorf("updating withdrawal: %w", err)
		}

		balances, err = s.reconcile(ctx, tx)
		if err != nil {
			return err
		}

		if err := tx.InsertAuditLog(ctx, &domain.WithdrawalAuditLog{
			ID:             ulid.Make().String(),
			WithdrawalID:   w.ID,
			Action:         action,
			PerformedBy:    actorID,
			Details:        details,
			PreviousStatus: string(previous),
			NewStatus:      string(w.Status),
			CreatedAt:      w.UpdatedAt,
		}); err != nil {
			return fmt.Errorf("writing audit log: %w", err)
		}

		updated = w
		return nil
	})
	if err != nil {
		return err
	}

	s.dispatch(ctx, ref.UserID, notify.KindWithdrawalStatusChanged, notify.Payload{
		Amount:         updated.Amount,
		Status:         string(updated.Status),
		PreviousStatus: string(previous),
		Reason:         updated.RejectionReason,
		Reference:      updated.TransactionReference,
	})
	s.dispatchBalances(ctx, ref.UserID, balances)

	s.logger.Info("withdrawal transitioned",
		"withdrawal_id", withdrawalID,
		"from", previous,
		"to", updated.Status,
		"actor", actorID,
	)
	return nil
}

// GetWithdrawal returns one withdrawal; only the owner may read it.
func (s *Service) GetWithdrawal(ctx context.Context, withdrawalID, actorID string) (*domain.Withdrawal, error) {
	w, err := s.store.GetWithdrawal(ctx, withdrawalID)
	if err != nil {
		return nil, err
	}
	if w.UserID != actorID {
		return nil, domain.ErrForbidden
	}
	return w, nil
}

// ListWithdrawals returns a user's withdrawals, newest first.
func (s *Service) ListWithdrawals(ctx context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	return s.store.ListWithdrawals(ctx, userID, clampLimit(limit), offset)
}

// dispatch delivers one notification, best effort. Failures are logged and
// swallowed: dispatch runs after the balance transaction has committed and
// must never surface to the caller.
func (s *Service) dispatch(ctx context.Context, userID string, kind notify.Kind, p notify.Payload) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, userID, kind, p); err != nil {
		s.logger.Warn("notification dispatch failed",
			"kind", kind,
			"user_id", userID,
			"error", err,
		)
	}
}

func (s *Service) dispatchBalances(ctx context.Context, userID string, b domain.Balances) {
	s.dispatch(ctx, userID, notify.KindBalanceUpdated, notify.Payload{
		PendingBalance:      b.Pending,
		WithdrawableBalance: b.Withdrawable,
	})
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

// IsRetryable reports whether an operation failed for a transient
// transactional reason rather than a business rule, and may be retried.
func IsRetryable(err error) bool {
	return err != nil &&
		!errors.Is(err, domain.ErrNotFound) &&
		!errors.Is(err, domain.ErrInvalidTransition) &&
		!errors.Is(err, domain.ErrInvalidState) &&
		!errors.Is(err, domain.ErrForbidden) &&
		!errors.Is(err, domain.ErrInsufficientBalance) &&
		!errors.Is(err, domain.ErrLimitExceeded) &&
		!errors.Is(err, domain.ErrPinRequired) &&
		!domain.IsValidation(err)
}
