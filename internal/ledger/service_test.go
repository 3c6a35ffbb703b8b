package ledger_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"

	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger"
	"giftbridge/internal/ledger/domain"
	"giftbridge/internal/notify"
)

// memStore is an in-memory Store with the same locking discipline as the
// Postgres implementation: one exclusive lock per user, held for the whole
// unit of work.
type memStore struct {
	mu          sync.Mutex
	locks       map[string]*sync.Mutex
	subjects    map[string]*domain.Subject
	orders      map[string]*domain.Order
	withdrawals map[string]*domain.Withdrawal
	audits      []*domain.WithdrawalAuditLog
}

func newMemStore() *memStore {
	return &memStore{
		locks:       make(map[string]*sync.Mutex),
		subjects:    make(map[string]*domain.Subject),
		orders:      make(map[string]*domain.Order),
		withdrawals: make(map[string]*domain.Withdrawal),
	}
}

func (m *memStore) addSubject(sub *domain.Subject) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects[sub.ID] = sub
}

func (m *memStore) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *memStore) GetWithdrawal(_ context.Context, id string) (*domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.withdrawals[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *memStore) ListOrders(_ context.Context, userID string, limit, offset int) ([]*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Order
	for _, o := range m.orders {
		if o.UserID == userID {
			cp := *o
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func (m *memStore) ListWithdrawals(_ context.Context, userID string, limit, offset int) ([]*domain.Withdrawal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Withdrawal
	for _, w := range m.withdrawals {
		if w.UserID == userID {
			cp := *w
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return page(out, limit, offset), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *memStore) WithSubject(_ context.Context, userID string, fn func(tx ledger.SubjectTx) error) error {
	m.mu.Lock()
	lock, ok := m.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[userID] = lock
	}
	m.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sub, ok := m.subjects[userID]
	m.mu.Unlock()
	if !ok {
		return domain.ErrNotFound
	}

	return fn(&memTx{store: m, subject: sub})
}

type memTx struct {
	store   *memStore
	subject *domain.Subject
}

func (t *memTx) Subject() *domain.Subject { return t.subject }

func (t *memTx) InsertOrder(_ context.Context, o *domain.Order) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *o
	t.store.orders[o.ID] = &cp
	return nil
}

func (t *memTx) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	o, ok := t.store.orders[id]
	if !ok || o.UserID != t.subject.ID {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (t *memTx) UpdateOrderStatus(_ context.Context, id string, status domain.OrderStatus) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	o, ok := t.store.orders[id]
	if !ok || o.UserID != t.subject.ID {
		return domain.ErrNotFound
	}
	o.Status = status
	return nil
}

func (t *memTx) DeleteOrder(_ context.Context, id string) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	o, ok := t.store.orders[id]
	if !ok || o.UserID != t.subject.ID {
		return domain.ErrNotFound
	}
	delete(t.store.orders, id)
	return nil
}

func (t *memTx) InsertWithdrawal(_ context.Context, w *domain.Withdrawal) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *w
	t.store.withdrawals[w.ID] = &cp
	return nil
}

func (t *memTx) GetWithdrawal(_ context.Context, id string) (*domain.Withdrawal, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	w, ok := t.store.withdrawals[id]
	if !ok || w.UserID != t.subject.ID {
		return nil, domain.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (t *memTx) UpdateWithdrawal(_ context.Context, w *domain.Withdrawal) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.withdrawals[w.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *w
	t.store.withdrawals[w.ID] = &cp
	return nil
}

func (t *memTx) InsertAuditLog(_ context.Context, l *domain.WithdrawalAuditLog) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	cp := *l
	t.store.audits = append(t.store.audits, &cp)
	return nil
}

func (t *memTx) SumOrders(_ context.Context, statuses []domain.OrderStatus) (money.Amount, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var total money.Amount
	for _, o := range t.store.orders {
		if o.UserID != t.subject.ID {
			continue
		}
		for _, s := range statuses {
			if o.Status == s {
				total = total.Add(o.Amount)
				break
			}
		}
	}
	return total, nil
}

func (t *memTx) SumWithdrawals(_ context.Context, statuses []domain.WithdrawalStatus) (money.Amount, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	var total money.Amount
	for _, w := range t.store.withdrawals {
		if w.UserID != t.subject.ID {
			continue
		}
		for _, s := range statuses {
			if w.Status == s {
				total = total.Add(w.Amount)
				break
			}
		}
	}
	return total, nil
}

func (t *memTx) SaveBalances(_ context.Context, b domain.Balances) error {
	t.subject.PendingBalance = b.Pending
	t.subject.WithdrawableBalance = b.Withdrawable
	return nil
}

// staticPins accepts exactly one PIN for every user.
type staticPins struct{ pin string }

func (p staticPins) VerifyPin(_ context.Context, _, pin string) error {
	if pin != p.pin {
		return domain.Validation("transaction_pin", "incorrect transaction pin")
	}
	return nil
}

const testPin = "1234"

func newTestService(t *testing.T) (*ledger.Service, *memStore) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := newMemStore()
	svc := ledger.NewService(store, notify.NewLogDispatcher(logger), staticPins{pin: testPin}, logger)
	return svc, store
}

func seedUser(store *memStore, id string, limit money.Amount) {
	store.addSubject(&domain.Subject{
		ID:               id,
		Email:            id + "@example.com",
		KYCLevel:         "Level 2",
		TransactionLimit: limit,
	})
}

func mustCreateOrder(t *testing.T, svc *ledger.Service, userID, amount string) *domain.Order {
	t.Helper()
	o, err := svc.CreateOrder(context.Background(), ledger.CreateOrderRequest{
		UserID:      userID,
		CardRef:     "amazon-100",
		Fulfillment: domain.FulfillmentPhysical,
		ImageRef:    "upload-1",
		Amount:      money.MustParse(amount),
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func mustTransition(t *testing.T, svc *ledger.Service, orderID string, to domain.OrderStatus) {
	t.Helper()
	if err := svc.TransitionOrder(context.Background(), orderID, to, "admin1"); err != nil {
		t.Fatalf("transition to %s: %v", to, err)
	}
}

func mustWithdraw(t *testing.T, svc *ledger.Service, userID, amount string) *domain.Withdrawal {
	t.Helper()
	w, err := svc.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalRequest{
		UserID: userID,
		Amount: money.MustParse(amount),
		Pin:    testPin,
		Destination: domain.Destination{
			Method:        domain.MethodBank,
			BankName:      "GTBank",
			AccountName:   "Ada Obi",
			AccountNumber: "0123456789",
		},
	})
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	return w
}

func checkBalances(t *testing.T, svc *ledger.Service, userID, pending, withdrawable string) {
	t.Helper()
	view, err := svc.GetBalances(context.Background(), userID)
	if err != nil {
		t.Fatalf("get balances: %v", err)
	}
	if view.PendingBalance != money.MustParse(pending) {
		t.Errorf("pending = %s, want %s", view.PendingBalance, pending)
	}
	if view.WithdrawableBalance != money.MustParse(withdrawable) {
		t.Errorf("withdrawable = %s, want %s", view.WithdrawableBalance, withdrawable)
	}
}

func TestBalancesEmptyHistory(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	view, err := svc.GetBalances(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if !view.PendingBalance.IsZero() || !view.WithdrawableBalance.IsZero() || !view.TotalBalance.IsZero() {
		t.Errorf("empty history: %+v", view)
	}
}

func TestBalancesUnknownUser(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.GetBalances(context.Background(), "ghost")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	first, err := svc.GetBalances(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.GetBalances(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("rederivation differs: %+v vs %+v", first, second)
	}
}

func TestRetriedTransitionDoesNotDoubleCount(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	// the retry is rejected and the balances stay put
	err := svc.TransitionOrder(context.Background(), o.ID, domain.OrderApproved, "admin1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("retry: %v", err)
	}
	checkBalances(t, svc, "u1", "0.00", "100.00")
}

func TestCreateOrderAddsPending(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	mustCreateOrder(t, svc, "u1", "100.00")
	checkBalances(t, svc, "u1", "100.00", "0.00")
}

func TestOrderApprovalMovesValueToWithdrawable(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	checkBalances(t, svc, "u1", "0.00", "100.00")
}

func TestProcessingOrderStaysPending(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "80.00")
	mustTransition(t, svc, o.ID, domain.OrderProcessing)
	checkBalances(t, svc, "u1", "80.00", "0.00")

	mustTransition(t, svc, o.ID, domain.OrderCompleted)
	checkBalances(t, svc, "u1", "0.00", "80.00")
}

func TestRejectedOrderYieldsNothing(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderRejected)
	checkBalances(t, svc, "u1", "0.00", "0.00")
}

func TestInvalidOrderTransitionLeavesStateUntouched(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	err := svc.TransitionOrder(context.Background(), o.ID, domain.OrderPending, "admin1")
	if !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}

	got, err := svc.GetOrder(context.Background(), o.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.OrderApproved {
		t.Errorf("status mutated to %s", got.Status)
	}
	checkBalances(t, svc, "u1", "0.00", "100.00")
}

func TestCreateWithdrawalReservesImmediately(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	w := mustWithdraw(t, svc, "u1", "200.00")
	if w.Status != domain.WithdrawalPending {
		t.Errorf("status = %s", w.Status)
	}
	checkBalances(t, svc, "u1", "0.00", "300.00")

	// audit trail records the creation
	if len(store.audits) != 1 || store.audits[0].Action != domain.AuditCreated {
		t.Errorf("audit log = %+v", store.audits)
	}
}

func TestCreateWithdrawalInsufficientBalance(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	mustWithdraw(t, svc, "u1", "400.00")

	_, err := svc.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalRequest{
		UserID:      "u1",
		Amount:      money.MustParse("200.00"),
		Pin:         testPin,
		Destination: domain.Destination{Method: domain.MethodBank, BankName: "GTBank", AccountName: "Ada Obi", AccountNumber: "0123456789"},
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	checkBalances(t, svc, "u1", "0.00", "100.00")
}

func TestCreateWithdrawalPinChallenge(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	req := ledger.CreateWithdrawalRequest{
		UserID:      "u1",
		Amount:      money.MustParse("50.00"),
		Destination: domain.Destination{Method: domain.MethodBank, BankName: "GTBank", AccountName: "Ada Obi", AccountNumber: "0123456789"},
	}

	_, err := svc.CreateWithdrawal(context.Background(), req)
	if !errors.Is(err, domain.ErrPinRequired) {
		t.Fatalf("missing pin: %v", err)
	}

	req.Pin = "9999"
	_, err = svc.CreateWithdrawal(context.Background(), req)
	if !domain.IsValidation(err) {
		t.Fatalf("wrong pin: %v", err)
	}
}

func TestCreateWithdrawalTransactionLimit(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.MustParse("100.00"))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	_, err := svc.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalRequest{
		UserID:      "u1",
		Amount:      money.MustParse("200.00"),
		Pin:         testPin,
		Destination: domain.Destination{Method: domain.MethodBank, BankName: "GTBank", AccountName: "Ada Obi", AccountNumber: "0123456789"},
	})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("want ErrLimitExceeded, got %v", err)
	}
}

func TestRejectWithdrawalReleasesReservation(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	w := mustWithdraw(t, svc, "u1", "200.00")
	checkBalances(t, svc, "u1", "0.00", "300.00")

	if err := svc.RejectWithdrawal(context.Background(), w.ID, "admin1", "account name mismatch"); err != nil {
		t.Fatal(err)
	}
	checkBalances(t, svc, "u1", "0.00", "500.00")

	got, _ := store.GetWithdrawal(context.Background(), w.ID)
	if got.Status != domain.WithdrawalRejected || got.RejectionReason != "account name mismatch" {
		t.Errorf("withdrawal = %+v", got)
	}
}

func TestCancelWithdrawal(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	w := mustWithdraw(t, svc, "u1", "200.00")

	if err := svc.CancelWithdrawal(context.Background(), w.ID, "someone-else"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("stranger cancel: %v", err)
	}
	if err := svc.CancelWithdrawal(context.Background(), w.ID, "u1"); err != nil {
		t.Fatal(err)
	}
	checkBalances(t, svc, "u1", "0.00", "500.00")

	// a second cancel finds it no longer pending
	if err := svc.CancelWithdrawal(context.Background(), w.ID, "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("re-cancel: %v", err)
	}
}

func TestApproveWithdrawalKeepsReservation(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	w := mustWithdraw(t, svc, "u1", "200.00")

	if err := svc.ApproveWithdrawal(context.Background(), w.ID, "admin1", "TXN-42", "paid via transfer"); err != nil {
		t.Fatal(err)
	}
	checkBalances(t, svc, "u1", "0.00", "300.00")

	got, _ := store.GetWithdrawal(context.Background(), w.ID)
	if got.TransactionReference != "TXN-42" || got.ProcessedBy != "admin1" {
		t.Errorf("withdrawal = %+v", got)
	}

	// 2 audit entries: created + approved
	if len(store.audits) != 2 || store.audits[1].Action != domain.AuditApproved {
		t.Errorf("audit log = %+v", store.audits)
	}
}

func TestDeleteOrderClampsOverdrawnBalance(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "300.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)
	w := mustWithdraw(t, svc, "u1", "300.00")
	if err := svc.ApproveWithdrawal(context.Background(), w.ID, "admin1", "TXN-1", ""); err != nil {
		t.Fatal(err)
	}

	// deleting the funding order leaves the reservation exceeding the pool
	if err := svc.DeleteOrder(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}
	checkBalances(t, svc, "u1", "0.00", "0.00")
}

func TestWithdrawalBankDetailsAutofill(t *testing.T) {
	svc, store := newTestService(t)
	store.addSubject(&domain.Subject{
		ID:               "u1",
		Email:            "u1@example.com",
		TransactionLimit: money.FromMajor(10_000),
		BankName:         "GTBank",
		AccountName:      "Ada Obi",
		AccountNumber:    "0123456789",
	})

	o := mustCreateOrder(t, svc, "u1", "500.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	w, err := svc.CreateWithdrawal(context.Background(), ledger.CreateWithdrawalRequest{
		UserID:      "u1",
		Amount:      money.MustParse("100.00"),
		Pin:         testPin,
		Destination: domain.Destination{Method: domain.MethodBank},
	})
	if err != nil {
		t.Fatal(err)
	}
	if w.Destination.BankName != "GTBank" || w.Destination.AccountNumber != "0123456789" {
		t.Errorf("destination not filled: %+v", w.Destination)
	}
}

func TestGetBalancesHealsStaleValues(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")
	mustTransition(t, svc, o.ID, domain.OrderApproved)

	// corrupt the cached columns behind the service's back
	store.mu.Lock()
	store.subjects["u1"].PendingBalance = money.MustParse("999.00")
	store.subjects["u1"].WithdrawableBalance = money.MustParse("1.00")
	store.mu.Unlock()

	checkBalances(t, svc, "u1", "0.00", "100.00")
}

func TestGetOrderOwnership(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(10_000))

	o := mustCreateOrder(t, svc, "u1", "100.00")

	if _, err := svc.GetOrder(context.Background(), o.ID, "u2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("foreign read: %v", err)
	}
}

func TestConcurrentOrdersConverge(t *testing.T) {
	svc, store := newTestService(t)
	seedUser(store, "u1", money.FromMajor(100_000))

	const n = 20
	errCh := make(chan error, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.CreateOrder(context.Background(), ledger.CreateOrderRequest{
				UserID:      "u1",
				CardRef:     "amazon-100",
				Fulfillment: domain.FulfillmentPhysical,
				ImageRef:    "upload-1",
				Amount:      money.MustParse("10.00"),
			})
			errCh <- err
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			t.Fatalf("create order: %v", err)
		}
	}

	checkBalances(t, svc, "u1", "200.00", "0.00")
}
