package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coinpilot/tradegate/internal/store"

	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "tradegate"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "store contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/tradegate?sslmode=disable", host, port.Port())

	if err := applyMigrations(testDSN); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := store.Connect(ctx, testDSN)
	if err != nil {
		return fmt.Errorf("connect store: %w", err)
	}
	testPool = pool
	return nil
}

func applyMigrations(dsn string) error {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return fmt.Errorf("runtime caller lookup failed")
	}
	root := filepath.Clean(filepath.Join(filepath.Dir(file), "..", "..", ".."))
	migrationsDir := filepath.Join(root, "db", "migrations")
	sourceURL := fmt.Sprintf("file://%s", migrationsDir)

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("open sql connection: %w", err)
	}
	defer sqlDB.Close()

	driver, err := pgxmigrate.WithInstance(sqlDB, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("postgres driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate instance: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func TestWalletReader(t *testing.T) {
	if setupErr != nil {
		t.Skipf("store contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	seed := []string{
		`INSERT INTO wallets (user_id, fiat_balance) VALUES ('user-1', 2500.75) ON CONFLICT (user_id) DO UPDATE SET fiat_balance = EXCLUDED.fiat_balance`,
		`INSERT INTO wallets (user_id, fiat_balance) VALUES ('user-2', 0) ON CONFLICT (user_id) DO UPDATE SET fiat_balance = EXCLUDED.fiat_balance`,
		`INSERT INTO crypto_holdings (user_id, symbol, amount, avg_buy_price) VALUES ('user-1', 'BTC', 0.5, 48000.00) ON CONFLICT (user_id, symbol) DO UPDATE SET amount = EXCLUDED.amount, avg_buy_price = EXCLUDED.avg_buy_price`,
		`INSERT INTO crypto_holdings (user_id, symbol, amount, avg_buy_price) VALUES ('user-1', 'ETH', 4, 3200.00) ON CONFLICT (user_id, symbol) DO UPDATE SET amount = EXCLUDED.amount, avg_buy_price = EXCLUDED.avg_buy_price`,
	}
	for _, stmt := range seed {
		if _, err := testPool.Exec(ctx, stmt); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	reader := store.NewReader(testPool)

	wallet, err := reader.Wallet(ctx, "user-1")
	if err != nil {
		t.Fatalf("wallet: %v", err)
	}
	if wallet.UserID != "user-1" {
		t.Fatalf("unexpected user id %s", wallet.UserID)
	}
	if !wallet.FiatBalance.Equal(decimal.RequireFromString("2500.75")) {
		t.Fatalf("unexpected balance %s", wallet.FiatBalance)
	}

	holdings, err := reader.Holdings(ctx, "user-1")
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if len(holdings) != 2 {
		t.Fatalf("expected 2 holdings, got %d", len(holdings))
	}
	if holdings[0].Symbol != "BTC" || holdings[1].Symbol != "ETH" {
		t.Fatalf("holdings not ordered by symbol: %+v", holdings)
	}
	if !holdings[0].Amount.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("unexpected BTC amount %s", holdings[0].Amount)
	}
	if !holdings[1].AvgBuyPrice.Equal(decimal.RequireFromString("3200")) {
		t.Fatalf("unexpected ETH avg buy price %s", holdings[1].AvgBuyPrice)
	}

	snapshot, err := reader.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snapshot.Holdings) != 2 || !snapshot.Wallet.FiatBalance.Equal(wallet.FiatBalance) {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}

	empty, err := reader.Holdings(ctx, "user-2")
	if err != nil {
		t.Fatalf("holdings for empty user: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected no holdings, got %+v", empty)
	}

	if _, err := reader.Wallet(ctx, "nobody"); err == nil {
		t.Fatal("expected error for missing wallet")
	}
}

func TestConnect_BadURL(t *testing.T) {
	if _, err := store.Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty URL")
	}
	if _, err := store.Connect(context.Background(), "://not-a-url"); err == nil {
		t.Fatal("expected error for malformed URL")
	}
}
