//go:build integration

package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"kraken-manager/internal/core"
	"kraken-manager/internal/store"
)

var (
	testStore *Store
	setupErr  error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "kraken"},
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	setupErr = initialise(ctx, container)
	code := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	} else {
		code = m.Run()
	}
	if testStore != nil {
		_ = testStore.Close()
	}
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func initialise(ctx context.Context, container testcontainers.Container) error {
	host, err := container.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/kraken?sslmode=disable", host, port.Port())

	// Postgres restarts once after init; retry the first connection.
	deadline := time.Now().Add(30 * time.Second)
	for {
		err = Migrate(ctx, dsn, nil)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		return err
	}
	if err := Migrate(ctx, dsn, nil); err != nil {
		return fmt.Errorf("second migrate: %w", err)
	}
	testStore, err = Open(ctx, dsn)
	return err
}

func TestPostgresLedgerRoundTrip(t *testing.T) {
	ctx := context.Background()
	order := core.LocalOrder{
		Exchange: "kraken", Market: "BTC_USD", Side: core.Bid, State: core.OrderOpen,
		OrderID: "kraken|OINT1",
		Price:   decimal.RequireFromString("30000.5"), Amount: decimal.RequireFromString("0.25"),
	}
	trade := core.Trade{RefID: "kraken|TINT1", Exchange: "kraken", Market: "BTC_USD", Side: core.Bid,
		Amount: decimal.RequireFromString("0.25"), Price: decimal.RequireFromString("30000.5"),
		Time: time.Unix(1700000000, 0).UTC()}

	err := store.WithTx(ctx, testStore, func(tx store.Tx) error {
		if err := tx.InsertOrder(ctx, &order); err != nil {
			return err
		}
		if err := tx.InsertRecord(ctx, trade); err != nil {
			return err
		}
		if err := tx.UpsertBalance(ctx, core.BalanceEntry{Commodity: "BTC",
			Total: decimal.RequireFromString("1"), Available: decimal.RequireFromString("0.75")}); err != nil {
			return err
		}
		return tx.SetCheckpoint(ctx, core.KindTrade, 50)
	})
	if err != nil {
		t.Fatalf("WithTx() error = %v", err)
	}

	got, err := testStore.OrderByOrderID(ctx, "kraken|OINT1")
	if err != nil || got.ID != order.ID || !got.Price.Equal(order.Price) {
		t.Fatalf("OrderByOrderID() = %+v, %v", got, err)
	}
	if off, ok, err := testStore.Checkpoint(ctx, core.KindTrade); err != nil || !ok || off != 50 {
		t.Fatalf("Checkpoint() = %d, %v, %v", off, ok, err)
	}

	err = store.WithTx(ctx, testStore, func(tx store.Tx) error {
		return tx.InsertRecord(ctx, trade)
	})
	if !errors.Is(err, core.ErrDuplicateRecord) {
		t.Fatalf("duplicate InsertRecord() error = %v, want %v", err, core.ErrDuplicateRecord)
	}

	got.State = core.OrderClosed
	got.ExecAmount = got.Amount
	if err := store.WithTx(ctx, testStore, func(tx store.Tx) error {
		if err := tx.UpdateOrder(ctx, got); err != nil {
			return err
		}
		return tx.ClearCheckpoint(ctx, core.KindTrade)
	}); err != nil {
		t.Fatalf("update WithTx() error = %v", err)
	}
	closed, err := testStore.Orders(ctx, store.OrderFilter{Exchange: "kraken", States: []core.OrderState{core.OrderClosed}})
	if err != nil || len(closed) != 1 || !closed[0].ExecAmount.Equal(order.Amount) {
		t.Fatalf("Orders(closed) = %+v, %v", closed, err)
	}
	if _, ok, _ := testStore.Checkpoint(ctx, core.KindTrade); ok {
		t.Fatalf("Checkpoint() present after clear")
	}
	bals, err := testStore.Balances(ctx)
	if err != nil || len(bals) != 1 || !bals[0].Available.Equal(decimal.RequireFromString("0.75")) {
		t.Fatalf("Balances() = %+v, %v", bals, err)
	}
}
