package marketdata

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// strategy resolves a price snapshot for one product, or fails so the next
// strategy in the chain can try. Each invocation issues its own
// rate-limited network calls.
type strategy func(ctx context.Context, productID string) (PriceInfo, error)

// strategies returns the ordered fallback chain: full stats, ticker-only,
// bare spot price.
func (s *Service) strategies() []strategy {
	return []strategy{
		s.statsAndTicker,
		s.tickerOnly,
		s.spotPrice,
	}
}

type statsRecord struct {
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Volume string `json:"volume"`
	Last   string `json:"last"`
}

type tickerRecord struct {
	Price  string `json:"price"`
	Volume string `json:"volume"`
	Open   string `json:"open_24h"`
	High   string `json:"high_24h"`
	Low    string `json:"low_24h"`
}

// statsAndTicker combines the 24h stats endpoint with the latest ticker.
func (s *Service) statsAndTicker(ctx context.Context, productID string) (PriceInfo, error) {
	var stats statsRecord
	if err := s.getJSON(ctx, s.marketBaseURL+"/products/"+productID+"/stats", &stats); err != nil {
		return PriceInfo{}, err
	}
	var ticker tickerRecord
	if err := s.getJSON(ctx, s.marketBaseURL+"/products/"+productID+"/ticker", &ticker); err != nil {
		return PriceInfo{}, err
	}

	price, err := parsePositive(ticker.Price)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("ticker price for %s: %w", productID, err)
	}
	open := parseOrZero(stats.Open)
	volumeBase := parseOrZero(stats.Volume)

	return PriceInfo{
		Price:            price,
		Currency:         "USD",
		Open24h:          open,
		High24h:          parseOrZero(stats.High),
		Low24h:           parseOrZero(stats.Low),
		Volume24h:        volumeBase.Mul(price),
		ChangePercent24h: changePercent(price, open),
	}, nil
}

// tickerOnly resolves the snapshot from the ticker alone.
func (s *Service) tickerOnly(ctx context.Context, productID string) (PriceInfo, error) {
	var ticker tickerRecord
	if err := s.getJSON(ctx, s.marketBaseURL+"/products/"+productID+"/ticker", &ticker); err != nil {
		return PriceInfo{}, err
	}
	price, err := parsePositive(ticker.Price)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("ticker price for %s: %w", productID, err)
	}
	open := parseOrZero(ticker.Open)

	return PriceInfo{
		Price:            price,
		Currency:         "USD",
		Open24h:          open,
		High24h:          parseOrZero(ticker.High),
		Low24h:           parseOrZero(ticker.Low),
		Volume24h:        parseOrZero(ticker.Volume).Mul(price),
		ChangePercent24h: changePercent(price, open),
	}, nil
}

// spotPrice resolves a bare spot price with no 24h statistics.
func (s *Service) spotPrice(ctx context.Context, productID string) (PriceInfo, error) {
	var payload struct {
		Data struct {
			Amount   string `json:"amount"`
			Currency string `json:"currency"`
		} `json:"data"`
	}
	if err := s.getJSON(ctx, s.spotBaseURL+"/v2/prices/"+productID+"/spot", &payload); err != nil {
		return PriceInfo{}, err
	}
	price, err := parsePositive(payload.Data.Amount)
	if err != nil {
		return PriceInfo{}, fmt.Errorf("spot price for %s: %w", productID, err)
	}
	currency := strings.TrimSpace(payload.Data.Currency)
	if currency == "" {
		currency = "USD"
	}
	return PriceInfo{
		Price:            price,
		Currency:         currency,
		ChangePercent24h: decimal.Zero,
	}, nil
}

func parsePositive(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	if value.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("non-positive value %q", raw)
	}
	return value, nil
}

func parseOrZero(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}
