package marketdata

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpilot/tradegate/config"
	"github.com/coinpilot/tradegate/internal/ratelimit"
)

// newFixtureServer serves canned market endpoints. Symbols listed in
// noStats fail the stats endpoint; symbols in noTicker fail ticker too,
// forcing the spot fallback.
func newFixtureServer(t *testing.T, noStats, noTicker map[string]bool, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		path := r.URL.Path
		switch {
		case path == "/products":
			_, _ = w.Write([]byte(`[
				{"id":"BTC-USD","base_currency":"BTC","quote_currency":"USD","base_name":"Bitcoin","base_min_size":"0.0001","status":"online"},
				{"id":"ETH-USD","base_currency":"ETH","quote_currency":"USD","base_name":"Ethereum","status":"online"},
				{"id":"ETH-EUR","base_currency":"ETH","quote_currency":"EUR","status":"online"},
				{"id":"OLD-USD","base_currency":"OLD","quote_currency":"USD","status":"delisted"},
				{"id":"HLT-USD","base_currency":"HLT","quote_currency":"USD","status":"online","trading_disabled":true}
			]`))
		case strings.HasSuffix(path, "/stats"):
			symbol := strings.TrimSuffix(strings.TrimPrefix(path, "/products/"), "-USD/stats")
			if noStats[symbol] {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(`{"open":"40000","high":"51000","low":"39000","volume":"120","last":"50000"}`))
		case strings.HasSuffix(path, "/ticker"):
			symbol := strings.TrimSuffix(strings.TrimPrefix(path, "/products/"), "-USD/ticker")
			if noTicker[symbol] {
				http.NotFound(w, r)
				return
			}
			_, _ = w.Write([]byte(`{"price":"50000","volume":"120","open_24h":"40000"}`))
		case strings.HasPrefix(path, "/v2/prices/"):
			_, _ = w.Write([]byte(`{"data":{"amount":"50000","currency":"USD"}}`))
		case path == "/v2/exchange-rates":
			_, _ = w.Write([]byte(`{"data":{"currency":"USD","rates":{"EUR":"0.92","BRL":"5.43"}}}`))
		case path == "/v2/currencies":
			_, _ = w.Write([]byte(`{"data":[{"id":"USD","name":"US Dollar","min_size":"0.01"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func newTestService(t *testing.T, server *httptest.Server) *Service {
	t.Helper()
	settings := config.ExchangeSettings{
		BrokerageBaseURL: server.URL,
		MarketBaseURL:    server.URL,
		HTTPTimeout:      2 * time.Second,
	}
	return New(settings, ratelimit.New(time.Millisecond))
}

func TestGetPrices_FullStats(t *testing.T) {
	server := newFixtureServer(t, nil, nil, nil)
	defer server.Close()
	service := newTestService(t, server)

	prices, err := service.GetPrices(context.Background(), []string{"BTC"})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	info, ok := prices["BTC"]
	if !ok {
		t.Fatal("BTC missing from result")
	}
	if !info.Price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("price = %s", info.Price)
	}
	// (50000-40000)/40000*100 = 25
	if !info.ChangePercent24h.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("change = %s, want 25", info.ChangePercent24h)
	}
	// volume 120 BTC * 50000 = 6,000,000 quoted
	if !info.Volume24h.Equal(decimal.NewFromInt(6_000_000)) {
		t.Fatalf("volume = %s", info.Volume24h)
	}
	// 50000 * 19.6M supply
	wantCap := decimal.NewFromInt(50000).Mul(decimal.NewFromInt(19_600_000))
	if !info.MarketCap.Equal(wantCap) {
		t.Fatalf("market cap = %s, want %s", info.MarketCap, wantCap)
	}
}

func TestGetPrices_TickerFallback(t *testing.T) {
	server := newFixtureServer(t, map[string]bool{"ETH": true}, nil, nil)
	defer server.Close()
	service := newTestService(t, server)

	prices, err := service.GetPrices(context.Background(), []string{"ETH"})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	info, ok := prices["ETH"]
	if !ok {
		t.Fatal("ETH missing from result")
	}
	if !info.ChangePercent24h.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("change from ticker open = %s, want 25", info.ChangePercent24h)
	}
}

func TestGetPrices_SpotFallback(t *testing.T) {
	server := newFixtureServer(t, map[string]bool{"XYZ": true}, map[string]bool{"XYZ": true}, nil)
	defer server.Close()
	service := newTestService(t, server)

	prices, err := service.GetPrices(context.Background(), []string{"XYZ"})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	info, ok := prices["XYZ"]
	if !ok {
		t.Fatal("XYZ missing from result")
	}
	if !info.Price.Equal(decimal.NewFromInt(50000)) {
		t.Fatalf("spot price = %s", info.Price)
	}
	// Spot carries no 24h open: change is explicitly zero, not an error.
	if !info.ChangePercent24h.IsZero() {
		t.Fatalf("change = %s, want 0", info.ChangePercent24h)
	}
	// Unknown symbol uses the default supply constant.
	wantCap := decimal.NewFromInt(50000).Mul(decimal.NewFromInt(defaultSupply))
	if !info.MarketCap.Equal(wantCap) {
		t.Fatalf("market cap = %s, want %s", info.MarketCap, wantCap)
	}
}

func TestGetPrices_PartialResults(t *testing.T) {
	// BAD fails every strategy; the spot endpoint only serves /v2/prices/,
	// so point it somewhere that 404s by failing ticker and stats and using
	// a separate failing spot base.
	server := newFixtureServer(t, map[string]bool{"BTC": false, "BAD": true}, map[string]bool{"BAD": true}, nil)
	defer server.Close()

	spotDown := httptest.NewServer(http.HandlerFunc(http.NotFound))
	defer spotDown.Close()

	settings := config.ExchangeSettings{
		BrokerageBaseURL: spotDown.URL,
		MarketBaseURL:    server.URL,
		HTTPTimeout:      2 * time.Second,
	}
	service := New(settings, ratelimit.New(time.Millisecond))

	prices, err := service.GetPrices(context.Background(), []string{"BTC", "BAD"})
	if err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	if _, ok := prices["BTC"]; !ok {
		t.Fatal("BTC should resolve")
	}
	if _, ok := prices["BAD"]; ok {
		t.Fatal("BAD should be omitted, not failing the batch")
	}
}

func TestProducts_FiltersOnlineUSD(t *testing.T) {
	server := newFixtureServer(t, nil, nil, nil)
	defer server.Close()
	service := newTestService(t, server)

	products, err := service.Products(context.Background())
	if err != nil {
		t.Fatalf("Products: %v", err)
	}
	if len(products) != 2 {
		t.Fatalf("got %d products, want 2 (online USD only): %+v", len(products), products)
	}
	if products[0].Symbol != "BTC" || products[1].Symbol != "ETH" {
		t.Fatalf("unexpected product symbols: %+v", products)
	}
	if products[0].Name != "Bitcoin" || products[0].MinSize != "0.0001" {
		t.Fatalf("product metadata not carried: %+v", products[0])
	}
}

func TestExchangeRatesAndCurrencies(t *testing.T) {
	server := newFixtureServer(t, nil, nil, nil)
	defer server.Close()
	service := newTestService(t, server)

	rates, err := service.ExchangeRates(context.Background())
	if err != nil {
		t.Fatalf("ExchangeRates: %v", err)
	}
	if rates["BRL"] != "5.43" {
		t.Fatalf("rates = %v", rates)
	}

	currencies, err := service.Currencies(context.Background())
	if err != nil {
		t.Fatalf("Currencies: %v", err)
	}
	if len(currencies) != 1 || currencies[0].ID != "USD" {
		t.Fatalf("currencies = %+v", currencies)
	}
}

func TestGetPrices_EveryCallRateLimited(t *testing.T) {
	var calls int64
	server := newFixtureServer(t, nil, nil, &calls)
	defer server.Close()

	const interval = 10 * time.Millisecond
	settings := config.ExchangeSettings{
		BrokerageBaseURL: server.URL,
		MarketBaseURL:    server.URL,
		HTTPTimeout:      2 * time.Second,
	}
	service := New(settings, ratelimit.New(interval))

	start := time.Now()
	// Two symbols, stats+ticker each: four rate-limited calls even though
	// the fan-out is concurrent.
	if _, err := service.GetPrices(context.Background(), []string{"BTC", "ETH"}); err != nil {
		t.Fatalf("GetPrices: %v", err)
	}
	elapsed := time.Since(start)

	total := atomic.LoadInt64(&calls)
	if total != 4 {
		t.Fatalf("upstream calls = %d, want 4", total)
	}
	if min := time.Duration(total-1) * interval; elapsed < min {
		t.Fatalf("batch finished in %s, want at least %s under the shared limiter", elapsed, min)
	}
}
