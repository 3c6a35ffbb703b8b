package domain

import (
	"errors"
	"testing"

	"giftbridge/internal/common/money"
)

func TestOrderTransitions(t *testing.T) {
	allowed := []struct{ from, to OrderStatus }{
		{OrderPending, OrderProcessing},
		{OrderPending, OrderApproved},
		{OrderPending, OrderRejected},
		{OrderPending, OrderCancelled},
		{OrderProcessing, OrderApproved},
		{OrderProcessing, OrderRejected},
		{OrderProcessing, OrderCompleted},
		{OrderProcessing, OrderCancelled},
	}
	for _, c := range allowed {
		if !c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be allowed", c.from, c.to)
		}
	}

	denied := []struct{ from, to OrderStatus }{
		{OrderPending, OrderCompleted},
		{OrderPending, OrderPending},
		{OrderApproved, OrderCompleted},
		{OrderApproved, OrderPending},
		{OrderRejected, OrderApproved},
		{OrderCompleted, OrderPending},
		{OrderCancelled, OrderProcessing},
	}
	for _, c := range denied {
		if c.from.CanTransition(c.to) {
			t.Errorf("%s -> %s should be denied", c.from, c.to)
		}
	}
}

func TestOrderTerminalStatuses(t *testing.T) {
	for _, s := range []OrderStatus{OrderApproved, OrderRejected, OrderCompleted, OrderCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []OrderStatus{OrderPending, OrderProcessing} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestNewOrderProofRules(t *testing.T) {
	amount := money.MustParse("500.00")

	// physical requires an image and forbids a PIN
	if _, err := NewOrder("o1", "u1", "amazon-50", FulfillmentPhysical, "img-1", "", amount); err != nil {
		t.Errorf("physical with image: %v", err)
	}
	if _, err := NewOrder("o2", "u1", "amazon-50", FulfillmentPhysical, "", "", amount); err == nil {
		t.Error("physical without image should fail")
	}
	if _, err := NewOrder("o3", "u1", "amazon-50", FulfillmentPhysical, "img-1", "1234", amount); err == nil {
		t.Error("physical with pin should fail")
	}

	// e_code requires a PIN and forbids an image
	if _, err := NewOrder("o4", "u1", "amazon-50", FulfillmentECode, "", "ABCD-1234", amount); err != nil {
		t.Errorf("e_code with pin: %v", err)
	}
	if _, err := NewOrder("o5", "u1", "amazon-50", FulfillmentECode, "", "", amount); err == nil {
		t.Error("e_code without pin should fail")
	}
	if _, err := NewOrder("o6", "u1", "amazon-50", FulfillmentECode, "img-1", "ABCD-1234", amount); err == nil {
		t.Error("e_code with image should fail")
	}
}

func TestNewOrderRejectsNonPositiveAmount(t *testing.T) {
	for _, a := range []money.Amount{money.Zero, money.FromMinor(-100)} {
		if _, err := NewOrder("o1", "u1", "card", FulfillmentPhysical, "img", "", a); err == nil {
			t.Errorf("amount %v should be rejected", a)
		} else if !IsValidation(err) {
			t.Errorf("amount %v: want validation error, got %v", a, err)
		}
	}
}

func TestNewOrderStartsPending(t *testing.T) {
	o, err := NewOrder("o1", "u1", "card", FulfillmentPhysical, "img", "", money.MustParse("100.00"))
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != OrderPending {
		t.Errorf("new order starts %s, want %s", o.Status, OrderPending)
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := Validation("amount", "must be greater than zero")
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatal("not a ValidationError")
	}
	if ve.Field != "amount" {
		t.Errorf("field = %q", ve.Field)
	}
}
