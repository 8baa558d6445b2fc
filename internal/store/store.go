// Package store reads the externally owned wallet and holdings records.
// The surrounding system owns this schema and all writes; the gateway only
// reads balances and the holdings ledger for display.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/tradegate/errs"
)

// WalletFeeRate is the surrounding product's wallet trade fee (2.9%),
// applied by the system that owns these records. It is a different fee than
// the gateway's order preview estimate and must stay a distinct constant.
var WalletFeeRate = decimal.NewFromFloat(0.029)

// Wallet is one user's fiat balance record.
type Wallet struct {
	UserID      string          `json:"userId"`
	FiatBalance decimal.Decimal `json:"fiatBalance"`
}

// Holding is one row of the crypto holdings ledger.
type Holding struct {
	Symbol      string          `json:"symbol"`
	Amount      decimal.Decimal `json:"amount"`
	AvgBuyPrice decimal.Decimal `json:"avgBuyPrice"`
}

// Snapshot combines a wallet with its holdings ledger.
type Snapshot struct {
	Wallet   Wallet    `json:"wallet"`
	Holdings []Holding `json:"holdings"`
}

// Reader queries wallet and holdings records from PostgreSQL.
type Reader struct {
	pool *pgxpool.Pool
}

// NewReader constructs a Reader backed by the provided pool.
func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// Connect opens a pool against url and verifies connectivity, retrying the
// ping with exponential backoff. This is the only retried operation in the
// gateway: it precedes any trading call.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	if url == "" {
		return nil, errs.Config("missing database URL")
	}
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	operation := func() (struct{}, error) {
		return struct{}{}, pool.Ping(ctx)
	}
	if _, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

const walletSelectSQL = `
SELECT user_id, fiat_balance
FROM wallets
WHERE user_id = @user_id;
`

// Wallet fetches one user's wallet record.
func (r *Reader) Wallet(ctx context.Context, userID string) (Wallet, error) {
	row := r.pool.QueryRow(ctx, walletSelectSQL, pgx.NamedArgs{"user_id": userID})

	var (
		wallet  Wallet
		balance string
	)
	if err := row.Scan(&wallet.UserID, &balance); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, errs.New(errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("no wallet for user %s", userID)))
		}
		return Wallet{}, fmt.Errorf("query wallet: %w", err)
	}
	wallet.FiatBalance = mustDecimal(balance)
	return wallet, nil
}

const holdingsSelectSQL = `
SELECT symbol, amount, avg_buy_price
FROM crypto_holdings
WHERE user_id = @user_id
ORDER BY symbol;
`

// Holdings fetches one user's crypto holdings ledger.
func (r *Reader) Holdings(ctx context.Context, userID string) ([]Holding, error) {
	rows, err := r.pool.Query(ctx, holdingsSelectSQL, pgx.NamedArgs{"user_id": userID})
	if err != nil {
		return nil, fmt.Errorf("query holdings: %w", err)
	}
	defer rows.Close()

	var holdings []Holding
	for rows.Next() {
		var (
			holding Holding
			amount  string
			avg     string
		)
		if err := rows.Scan(&holding.Symbol, &amount, &avg); err != nil {
			return nil, fmt.Errorf("scan holding: %w", err)
		}
		holding.Amount = mustDecimal(amount)
		holding.AvgBuyPrice = mustDecimal(avg)
		holdings = append(holdings, holding)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate holdings: %w", err)
	}
	return holdings, nil
}

// Snapshot fetches a user's wallet and holdings in one call.
func (r *Reader) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	wallet, err := r.Wallet(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	holdings, err := r.Holdings(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Wallet: wallet, Holdings: holdings}, nil
}

func mustDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return value
}
