package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/tradegate/internal/orders"
)

func TestWalletFeeRateStaysDistinct(t *testing.T) {
	if !WalletFeeRate.Equal(decimal.NewFromFloat(0.029)) {
		t.Fatalf("wallet fee rate = %s, want 0.029", WalletFeeRate)
	}
	if WalletFeeRate.Equal(orders.PreviewFeeRate) {
		t.Fatal("wallet fee rate must stay independent of the preview fee estimate")
	}
}

func TestMustDecimal(t *testing.T) {
	if got := mustDecimal("12.50"); !got.Equal(decimal.RequireFromString("12.5")) {
		t.Fatalf("mustDecimal = %s", got)
	}
	if got := mustDecimal("not-a-number"); !got.IsZero() {
		t.Fatalf("mustDecimal on garbage = %s, want 0", got)
	}
}
