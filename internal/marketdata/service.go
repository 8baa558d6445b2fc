// Package marketdata aggregates current prices, 24h statistics, and derived
// market capitalization for display. Lookups are a best-effort aggregation:
// symbols that cannot be resolved are omitted rather than failing the batch.
package marketdata

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coinpilot/tradegate/config"
	"github.com/coinpilot/tradegate/internal/ratelimit"
)

// defaultSymbols is the lookup set when the caller does not name symbols.
var defaultSymbols = []string{"BTC", "ETH", "SOL", "ADA", "XRP", "DOT", "AVAX", "MATIC", "LINK", "UNI"}

// fanOutLimit bounds lookup concurrency. Wall-clock throughput is still
// capped by the shared rate limiter regardless of this value.
const fanOutLimit = 8

// PriceInfo is the per-symbol price snapshot returned to callers.
type PriceInfo struct {
	Symbol           string          `json:"symbol"`
	Price            decimal.Decimal `json:"price"`
	Currency         string          `json:"currency"`
	Open24h          decimal.Decimal `json:"open24h"`
	High24h          decimal.Decimal `json:"high24h"`
	Low24h           decimal.Decimal `json:"low24h"`
	Volume24h        decimal.Decimal `json:"volume24h"`
	ChangePercent24h decimal.Decimal `json:"changePercent24h"`
	MarketCap        decimal.Decimal `json:"marketCap"`
}

// Product describes one online USD spot trading pair.
type Product struct {
	ID          string `json:"id"`
	Symbol      string `json:"symbol"`
	DisplayName string `json:"displayName"`
	Name        string `json:"name"`
	MinSize     string `json:"minSize"`
	MaxSize     string `json:"maxSize"`
	Status      string `json:"status"`
}

// Service fetches market data through an ordered strategy chain. Every
// network call, including unauthenticated ones, passes through the shared
// rate limiter.
type Service struct {
	marketBaseURL string
	spotBaseURL   string
	http          *http.Client
	limiter       *ratelimit.Limiter
}

// Option configures a Service.
type Option func(*Service)

// WithHTTPClient overrides the transport. Used in tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(s *Service) {
		if httpClient != nil {
			s.http = httpClient
		}
	}
}

// New constructs a market data Service.
func New(settings config.ExchangeSettings, limiter *ratelimit.Limiter, opts ...Option) *Service {
	timeout := settings.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	s := &Service{
		marketBaseURL: strings.TrimRight(settings.MarketBaseURL, "/"),
		spotBaseURL:   strings.TrimRight(settings.BrokerageBaseURL, "/"),
		http:          &http.Client{Timeout: timeout},
		limiter:       limiter,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// GetPrices resolves a snapshot per symbol, fanning lookups out concurrently.
// A symbol that fails every strategy is omitted from the result.
func (s *Service) GetPrices(ctx context.Context, symbols []string) (map[string]PriceInfo, error) {
	if len(symbols) == 0 {
		symbols = defaultSymbols
	}

	var (
		mu     sync.Mutex
		prices = make(map[string]PriceInfo, len(symbols))
	)
	workers := pool.New().WithMaxGoroutines(fanOutLimit)
	for _, symbol := range symbols {
		symbol := strings.ToUpper(strings.TrimSpace(symbol))
		if symbol == "" {
			continue
		}
		workers.Go(func() {
			info, err := s.lookup(ctx, symbol)
			if err != nil {
				return
			}
			mu.Lock()
			prices[symbol] = info
			mu.Unlock()
		})
	}
	workers.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prices, nil
}

// lookup tries the ordered strategy chain for one symbol; first success wins.
func (s *Service) lookup(ctx context.Context, symbol string) (PriceInfo, error) {
	productID := symbol + "-USD"
	var lastErr error
	for _, strat := range s.strategies() {
		info, err := strat(ctx, productID)
		if err != nil {
			lastErr = err
			continue
		}
		info.Symbol = symbol
		info.MarketCap = EstimateMarketCap(symbol, info.Price)
		return info, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no strategy resolved %s", symbol)
	}
	return PriceInfo{}, lastErr
}

// PricesAndProducts discovers every online USD product and resolves a price
// snapshot for each, returning both the snapshots and the catalog.
func (s *Service) PricesAndProducts(ctx context.Context) (map[string]PriceInfo, []Product, error) {
	products, err := s.Products(ctx)
	if err != nil {
		return nil, nil, err
	}
	symbols := make([]string, 0, len(products))
	for _, p := range products {
		symbols = append(symbols, p.Symbol)
	}
	prices, err := s.GetPrices(ctx, symbols)
	if err != nil {
		return nil, nil, err
	}
	return prices, products, nil
}

type productRecord struct {
	ID                string `json:"id"`
	BaseCurrency      string `json:"base_currency"`
	QuoteCurrency     string `json:"quote_currency"`
	BaseDisplaySymbol string `json:"base_display_symbol"`
	BaseName          string `json:"base_name"`
	BaseMinSize       string `json:"base_min_size"`
	BaseMaxSize       string `json:"base_max_size"`
	Status            string `json:"status"`
	TradingDisabled   bool   `json:"trading_disabled"`
}

// Products lists the online USD spot trading pairs.
func (s *Service) Products(ctx context.Context) ([]Product, error) {
	var records []productRecord
	if err := s.getJSON(ctx, s.marketBaseURL+"/products", &records); err != nil {
		return nil, fmt.Errorf("fetch products: %w", err)
	}

	products := make([]Product, 0, len(records))
	for _, record := range records {
		if !strings.EqualFold(record.QuoteCurrency, "USD") {
			continue
		}
		if !strings.EqualFold(record.Status, "online") || record.TradingDisabled {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(record.BaseCurrency))
		if symbol == "" {
			continue
		}
		display := strings.TrimSpace(record.BaseDisplaySymbol)
		if display == "" {
			display = symbol
		}
		name := strings.TrimSpace(record.BaseName)
		if name == "" {
			name = symbol
		}
		products = append(products, Product{
			ID:          strings.TrimSpace(record.ID),
			Symbol:      symbol,
			DisplayName: display,
			Name:        name,
			MinSize:     strings.TrimSpace(record.BaseMinSize),
			MaxSize:     strings.TrimSpace(record.BaseMaxSize),
			Status:      strings.ToLower(strings.TrimSpace(record.Status)),
		})
	}
	sort.Slice(products, func(i, j int) bool { return products[i].Symbol < products[j].Symbol })
	return products, nil
}

// ExchangeRates returns USD exchange rates keyed by currency code.
func (s *Service) ExchangeRates(ctx context.Context) (map[string]string, error) {
	params := url.Values{}
	params.Set("currency", "USD")
	var payload struct {
		Data struct {
			Currency string            `json:"currency"`
			Rates    map[string]string `json:"rates"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, s.spotBaseURL+"/v2/exchange-rates?"+params.Encode(), &payload); err != nil {
		return nil, fmt.Errorf("fetch exchange rates: %w", err)
	}
	return payload.Data.Rates, nil
}

// Currency describes one currency supported by the upstream exchange.
type Currency struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	MinSize string `json:"min_size"`
}

// Currencies lists the currencies supported by the upstream exchange.
func (s *Service) Currencies(ctx context.Context) ([]Currency, error) {
	var payload struct {
		Data []Currency `json:"data"`
	}
	if err := s.getJSON(ctx, s.spotBaseURL+"/v2/currencies", &payload); err != nil {
		return nil, fmt.Errorf("fetch currencies: %w", err)
	}
	return payload.Data, nil
}

// getJSON performs one rate-limited unauthenticated GET and decodes the body.
func (s *Service) getJSON(ctx context.Context, endpoint string, out any) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", endpoint, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

// changePercent computes the 24h percent change from the open; when the open
// is unknown or zero the change is zero, not an error.
func changePercent(price, open decimal.Decimal) decimal.Decimal {
	if open.IsZero() {
		return decimal.Zero
	}
	return price.Sub(open).Div(open).Mul(decimal.NewFromInt(100))
}
