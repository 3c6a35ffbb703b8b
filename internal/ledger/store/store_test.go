package store_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"giftbridge/internal/common/database"
	"giftbridge/internal/common/money"
	"giftbridge/internal/ledger"
	"giftbridge/internal/ledger/domain"
	"giftbridge/internal/ledger/store"
)

func setupStore(t *testing.T) (*store.Store, *database.DB) {
	t.Helper()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL is not set")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := database.Migrate(dbURL, logger); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := database.New(ctx, database.Config{URL: dbURL, MaxConns: 5, MinConns: 1}, logger)
	if err != nil {
		t.Fatalf("db connection: %v", err)
	}
	t.Cleanup(db.Close)

	return store.New(db), db
}

func seedProfile(t *testing.T, db *database.DB) string {
	t.Helper()
	id := ulid.Make().String()
	_, err := db.Exec(context.Background(), `
		INSERT INTO profiles (id, email, kyc_level, transaction_limit)
		VALUES ($1, $2, 'Level 2', $3)
	`, id, id+"@example.com", money.FromMajor(200_000))
	if err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	return id
}

func TestWithSubjectUnknownUser(t *testing.T) {
	st, _ := setupStore(t)

	err := st.WithSubject(context.Background(), "no-such-user", func(tx ledger.SubjectTx) error {
		t.Error("fn called for missing user")
		return nil
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestOrderRoundTrip(t *testing.T) {
	st, db := setupStore(t)
	userID := seedProfile(t, db)
	ctx := context.Background()

	order, err := domain.NewOrder(ulid.Make().String(), userID, "steam-50", domain.FulfillmentECode, "", "ABCD-99", money.MustParse("150.00"))
	if err != nil {
		t.Fatal(err)
	}

	err = st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := st.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Amount != order.Amount || got.ECodePin != "ABCD-99" || got.Status != domain.OrderPending {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestSumsAndBalancePersistence(t *testing.T) {
	st, db := setupStore(t)
	userID := seedProfile(t, db)
	ctx := context.Background()

	mkOrder := func(status domain.OrderStatus, amount string) {
		o, err := domain.NewOrder(ulid.Make().String(), userID, "card", domain.FulfillmentPhysical, "img", "", money.MustParse(amount))
		if err != nil {
			t.Fatal(err)
		}
		o.Status = status
		err = st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
			return tx.InsertOrder(ctx, o)
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	mkOrder(domain.OrderPending, "100.00")
	mkOrder(domain.OrderProcessing, "40.00")
	mkOrder(domain.OrderApproved, "300.00")
	mkOrder(domain.OrderRejected, "999.00")

	err := st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
		pending, err := tx.SumOrders(ctx, domain.PendingOrderStatuses)
		if err != nil {
			return err
		}
		if pending != money.MustParse("140.00") {
			t.Errorf("pending sum = %s", pending)
		}

		gross, err := tx.SumOrders(ctx, domain.WithdrawableOrderStatuses)
		if err != nil {
			return err
		}
		if gross != money.MustParse("300.00") {
			t.Errorf("gross sum = %s", gross)
		}

		return tx.SaveBalances(ctx, domain.Balances{
			Pending:      pending,
			Withdrawable: gross,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	err = st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
		sub := tx.Subject()
		if sub.PendingBalance != money.MustParse("140.00") || sub.WithdrawableBalance != money.MustParse("300.00") {
			t.Errorf("persisted balances: %+v", sub)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWithdrawalRoundTripAndAudit(t *testing.T) {
	st, db := setupStore(t)
	userID := seedProfile(t, db)
	ctx := context.Background()

	w, err := domain.NewWithdrawal(ulid.Make().String(), userID, money.MustParse("75.00"), domain.Destination{
		Method:        domain.MethodCrypto,
		CryptoAsset:   "USDT",
		WalletAddress: "T9yD2k",
	})
	if err != nil {
		t.Fatal(err)
	}

	err = st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
		if err := tx.InsertWithdrawal(ctx, w); err != nil {
			return err
		}
		return tx.InsertAuditLog(ctx, &domain.WithdrawalAuditLog{
			ID:           ulid.Make().String(),
			WithdrawalID: w.ID,
			Action:       domain.AuditCreated,
			PerformedBy:  userID,
			NewStatus:    string(domain.WithdrawalPending),
			CreatedAt:    w.CreatedAt,
		})
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := st.GetWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Destination.WalletAddress != "T9yD2k" || got.Status != domain.WithdrawalPending {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// transition and persist
	if err := got.Approve("admin1", "TXN-77", "ok"); err != nil {
		t.Fatal(err)
	}
	err = st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
		return tx.UpdateWithdrawal(ctx, got)
	})
	if err != nil {
		t.Fatal(err)
	}

	again, err := st.GetWithdrawal(ctx, w.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != domain.WithdrawalApproved || again.TransactionReference != "TXN-77" {
		t.Errorf("update not persisted: %+v", again)
	}
}

func TestRowLockSerializesSameUser(t *testing.T) {
	st, db := setupStore(t)
	userID := seedProfile(t, db)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		done <- st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered

	second := make(chan error, 1)
	go func() {
		second <- st.WithSubject(ctx, userID, func(tx ledger.SubjectTx) error {
			return nil
		})
	}()

	// the second unit of work must block on the row lock
	select {
	case err := <-second:
		t.Fatalf("second WithSubject finished while lock held: %v", err)
	case <-time.After(300 * time.Millisecond):
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if err := <-second; err != nil {
		t.Fatal(err)
	}
}
