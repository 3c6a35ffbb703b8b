// Package domain contains the ledger's core types: orders, withdrawals,
// their status machines and the balance derivation rules.
package domain

import (
	"time"

	"giftbridge/internal/common/money"
)

// Fulfillment is how a gift card order is redeemed.
type Fulfillment string

const (
	FulfillmentPhysical Fulfillment = "physical"
	FulfillmentECode    Fulfillment = "e_code"
)

// OrderStatus is the status of a gift card order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "Pending"
	OrderProcessing OrderStatus = "Processing"
	OrderApproved   OrderStatus = "Approved"
	OrderRejected   OrderStatus = "Rejected"
	OrderCompleted  OrderStatus = "Completed"
	OrderCancelled  OrderStatus = "Cancelled"
)

// PendingOrderStatuses are the statuses counted toward pending_balance.
// Processing counts as still-pending: the value is not yet available.
var PendingOrderStatuses = []OrderStatus{OrderPending, OrderProcessing}

// WithdrawableOrderStatuses are the statuses counted toward the gross
// withdrawable pool. Approved and Completed are equivalent for balances.
var WithdrawableOrderStatuses = []OrderStatus{OrderApproved, OrderCompleted}

// orderTransitions is the set of legal status transitions. Approved,
// Rejected, Completed and Cancelled are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderApproved, OrderRejected, OrderCancelled},
	OrderProcessing: {OrderApproved, OrderRejected, OrderCompleted, OrderCancelled},
}

// CanTransition reports whether an order may move from one status to another.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, t := range orderTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return len(orderTransitions[s]) == 0
}

// Valid reports whether s is a known order status.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderPending, OrderProcessing, OrderApproved, OrderRejected, OrderCompleted, OrderCancelled:
		return true
	}
	return false
}

// Order is one gift card redemption request.
type Order struct {
	ID          string       `json:"id"`
	UserID      string       `json:"user_id"`
	CardRef     string       `json:"card_ref"`
	Fulfillment Fulfillment  `json:"fulfillment"`
	ImageRef    string       `json:"image_ref,omitempty"`
	ECodePin    string       `json:"e_code_pin,omitempty"`
	Amount      money.Amount `json:"amount"`
	Status      OrderStatus  `json:"status"`
	CreatedAt   time.Time    `json:"created_at"`
}

// NewOrder creates a Pending order, validating the proof requirement:
// physical orders carry an image, e-code orders carry a PIN, exactly one.
func NewOrder(id, userID, cardRef string, fulfillment Fulfillment, imageRef, eCodePin string, amount money.Amount) (*Order, error) {
	if userID == "" {
		return nil, Validation("user_id", "required")
	}
	if cardRef == "" {
		return nil, Validation("card_ref", "required")
	}
	if !amount.IsPositive() {
		return nil, Validation("amount", "must be greater than zero")
	}

	switch fulfillment {
	case FulfillmentPhysical:
		if imageRef == "" {
			return nil, Validation("image_ref", "required for physical cards")
		}
		if eCodePin != "" {
			return nil, Validation("e_code_pin", "not allowed for physical cards")
		}
	case FulfillmentECode:
		if eCodePin == "" {
			return nil, Validation("e_code_pin", "required for e-code cards")
		}
		if imageRef != "" {
			return nil, Validation("image_ref", "not allowed for e-code cards")
		}
	default:
		return nil, Validation("fulfillment", "must be physical or e_code")
	}

	return &Order{
		ID:          id,
		UserID:      userID,
		CardRef:     cardRef,
		Fulfillment: fulfillment,
		ImageRef:    imageRef,
		ECodePin:    eCodePin,
		Amount:      amount,
		Status:      OrderPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}
