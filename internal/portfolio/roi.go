// Package portfolio reconstructs per-asset cost basis and return on
// investment from the authoritative exchange fill history.
package portfolio

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/tradegate/errs"
	"github.com/coinpilot/tradegate/internal/marketdata"
	"github.com/coinpilot/tradegate/internal/orders"
)

const (
	accountsPath = "/api/v3/brokerage/accounts"
	fillsPath    = "/api/v3/brokerage/orders/historical/fills"
	pageLimit    = 250
)

// Account is a read-only snapshot of one exchange account; fetched per
// request, never cached.
type Account struct {
	ID               string          `json:"id"`
	DisplayName      string          `json:"displayName"`
	CurrencyCode     string          `json:"currencyCode"`
	AvailableBalance decimal.Decimal `json:"availableBalance"`
	HeldBalance      decimal.Decimal `json:"heldBalance"`
	USDValue         decimal.Decimal `json:"usdValue"`
}

// Fill is one executed trade leg reported by the exchange.
type Fill struct {
	ProductID  string
	Side       orders.Side
	Size       decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	TradeTime  time.Time
}

// AssetROI is the per-asset breakdown of the ROI report.
type AssetROI struct {
	Symbol       string          `json:"symbol"`
	Balance      decimal.Decimal `json:"balance"`
	Invested     decimal.Decimal `json:"invested"`
	CurrentPrice decimal.Decimal `json:"currentPrice"`
	CurrentValue decimal.Decimal `json:"currentValue"`
	ProfitLoss   decimal.Decimal `json:"profitLoss"`
	ROIPercent   decimal.Decimal `json:"roiPercent"`
}

// Report aggregates ROI across all currently held assets.
type Report struct {
	Assets            []AssetROI      `json:"assets"`
	TotalInvested     decimal.Decimal `json:"totalInvested"`
	TotalCurrentValue decimal.Decimal `json:"totalCurrentValue"`
	TotalProfitLoss   decimal.Decimal `json:"totalProfitLoss"`
	TotalROIPercent   decimal.Decimal `json:"totalRoiPercent"`
}

// Requester issues authenticated exchange calls.
type Requester interface {
	Do(ctx context.Context, method, path string, body any) ([]byte, error)
}

// PriceSource resolves current prices per base symbol.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]marketdata.PriceInfo, error)
}

// Calculator replays fill history into cost basis and ROI. The aggregate is
// recomputed from the full history on every request; nothing is cached, so
// the report always reflects the latest authoritative history.
type Calculator struct {
	client Requester
	prices PriceSource
}

// New constructs a Calculator.
func New(client Requester, prices PriceSource) *Calculator {
	return &Calculator{client: client, prices: prices}
}

type aggregate struct {
	invested decimal.Decimal
	quantity decimal.Decimal
}

// replay folds fills, in ascending chronological order, into per-symbol
// invested capital and quantity. Sells reduce invested by the cost basis of
// the sold quantity, not by sale proceeds: realized cash stays isolated
// from the remaining position's cost basis.
func replay(fills []Fill) map[string]aggregate {
	aggregates := make(map[string]aggregate)
	for _, fill := range fills {
		symbol := baseSymbol(fill.ProductID)
		if symbol == "" {
			continue
		}
		agg := aggregates[symbol]
		switch fill.Side {
		case orders.SideBuy:
			agg.invested = agg.invested.Add(fill.Size.Mul(fill.Price)).Add(fill.Commission)
			agg.quantity = agg.quantity.Add(fill.Size)
		case orders.SideSell:
			avgCost := decimal.Zero
			if agg.quantity.Sign() > 0 {
				avgCost = agg.invested.Div(agg.quantity)
			}
			agg.invested = agg.invested.Sub(fill.Size.Mul(avgCost))
			agg.quantity = agg.quantity.Sub(fill.Size)
		}
		aggregates[symbol] = agg
	}
	return aggregates
}

// ComputeROI fetches the full fill history and live balances, replays the
// history, and prices the currently held assets. Assets with a zero live
// balance are excluded from the breakdown even when residual invested
// bookkeeping exists.
func (c *Calculator) ComputeROI(ctx context.Context) (Report, error) {
	fills, err := c.fetchFills(ctx)
	if err != nil {
		return Report{}, err
	}
	accounts, err := c.fetchAccounts(ctx)
	if err != nil {
		return Report{}, err
	}

	aggregates := replay(fills)

	held := make(map[string]decimal.Decimal)
	symbols := make([]string, 0, len(accounts))
	for _, account := range accounts {
		code := strings.ToUpper(account.CurrencyCode)
		if code == "" || code == "USD" {
			continue
		}
		balance := account.AvailableBalance.Add(account.HeldBalance)
		if balance.Sign() == 0 {
			continue
		}
		if _, seen := held[code]; !seen {
			symbols = append(symbols, code)
		}
		held[code] = held[code].Add(balance)
	}

	prices, err := c.prices.GetPrices(ctx, symbols)
	if err != nil {
		return Report{}, err
	}

	report := Report{Assets: make([]AssetROI, 0, len(held))}
	for _, symbol := range symbols {
		info, ok := prices[symbol]
		if !ok {
			continue
		}
		balance := held[symbol]
		invested := aggregates[symbol].invested
		currentValue := balance.Mul(info.Price)
		profitLoss := currentValue.Sub(invested)
		roiPercent := decimal.Zero
		if invested.Sign() > 0 {
			roiPercent = profitLoss.Div(invested).Mul(decimal.NewFromInt(100))
		}
		report.Assets = append(report.Assets, AssetROI{
			Symbol:       symbol,
			Balance:      balance,
			Invested:     invested,
			CurrentPrice: info.Price,
			CurrentValue: currentValue,
			ProfitLoss:   profitLoss,
			ROIPercent:   roiPercent,
		})
		report.TotalInvested = report.TotalInvested.Add(invested)
		report.TotalCurrentValue = report.TotalCurrentValue.Add(currentValue)
		report.TotalProfitLoss = report.TotalProfitLoss.Add(profitLoss)
	}
	if report.TotalInvested.Sign() > 0 {
		report.TotalROIPercent = report.TotalProfitLoss.Div(report.TotalInvested).Mul(decimal.NewFromInt(100))
	}
	sort.Slice(report.Assets, func(i, j int) bool {
		return report.Assets[i].CurrentValue.GreaterThan(report.Assets[j].CurrentValue)
	})
	return report, nil
}

type accountRecord struct {
	UUID             string `json:"uuid"`
	Name             string `json:"name"`
	Currency         string `json:"currency"`
	AvailableBalance struct {
		Value string `json:"value"`
	} `json:"available_balance"`
	Hold struct {
		Value string `json:"value"`
	} `json:"hold"`
}

// Accounts returns the exchange account snapshots with USD valuations.
func (c *Calculator) Accounts(ctx context.Context) ([]Account, error) {
	accounts, err := c.fetchAccounts(ctx)
	if err != nil {
		return nil, err
	}

	symbols := make([]string, 0, len(accounts))
	for _, account := range accounts {
		code := strings.ToUpper(account.CurrencyCode)
		if code != "" && code != "USD" {
			symbols = append(symbols, code)
		}
	}
	prices := map[string]marketdata.PriceInfo{}
	if len(symbols) > 0 {
		prices, err = c.prices.GetPrices(ctx, symbols)
		if err != nil {
			return nil, err
		}
	}

	for i := range accounts {
		code := strings.ToUpper(accounts[i].CurrencyCode)
		total := accounts[i].AvailableBalance.Add(accounts[i].HeldBalance)
		switch {
		case code == "USD":
			accounts[i].USDValue = total
		default:
			if info, ok := prices[code]; ok {
				accounts[i].USDValue = total.Mul(info.Price)
			}
		}
	}
	return accounts, nil
}

func (c *Calculator) fetchAccounts(ctx context.Context) ([]Account, error) {
	params := url.Values{}
	params.Set("limit", strconv.Itoa(pageLimit))
	payload, err := c.client.Do(ctx, http.MethodGet, accountsPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var response struct {
		Accounts []accountRecord `json:"accounts"`
	}
	if err := json.Unmarshal(payload, &response); err != nil {
		return nil, errs.New(errs.CodeExchange, errs.WithMessage("unparseable accounts response"), errs.WithCause(err))
	}

	accounts := make([]Account, 0, len(response.Accounts))
	for _, record := range response.Accounts {
		accounts = append(accounts, Account{
			ID:               strings.TrimSpace(record.UUID),
			DisplayName:      strings.TrimSpace(record.Name),
			CurrencyCode:     strings.ToUpper(strings.TrimSpace(record.Currency)),
			AvailableBalance: parseDecimal(record.AvailableBalance.Value),
			HeldBalance:      parseDecimal(record.Hold.Value),
		})
	}
	return accounts, nil
}

type fillRecord struct {
	ProductID  string `json:"product_id"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price"`
	Commission string `json:"commission"`
	TradeTime  string `json:"trade_time"`
}

// fetchFills pages through the complete fill history and returns it in
// ascending chronological order.
func (c *Calculator) fetchFills(ctx context.Context) ([]Fill, error) {
	var fills []Fill
	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", strconv.Itoa(pageLimit))
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		payload, err := c.client.Do(ctx, http.MethodGet, fillsPath+"?"+params.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var response struct {
			Fills  []fillRecord `json:"fills"`
			Cursor string       `json:"cursor"`
		}
		if err := json.Unmarshal(payload, &response); err != nil {
			return nil, errs.New(errs.CodeExchange, errs.WithMessage("unparseable fills response"), errs.WithCause(err))
		}
		for _, record := range response.Fills {
			fill := Fill{
				ProductID:  strings.ToUpper(strings.TrimSpace(record.ProductID)),
				Side:       orders.Side(strings.ToUpper(strings.TrimSpace(record.Side))),
				Size:       parseDecimal(record.Size),
				Price:      parseDecimal(record.Price),
				Commission: parseDecimal(record.Commission),
			}
			if ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(record.TradeTime)); err == nil {
				fill.TradeTime = ts
			}
			fills = append(fills, fill)
		}
		cursor = strings.TrimSpace(response.Cursor)
		if cursor == "" || len(response.Fills) == 0 {
			break
		}
	}
	sort.SliceStable(fills, func(i, j int) bool { return fills[i].TradeTime.Before(fills[j].TradeTime) })
	return fills, nil
}

func baseSymbol(productID string) string {
	productID = strings.TrimSpace(productID)
	if idx := strings.Index(productID, "-"); idx > 0 {
		return productID[:idx]
	}
	return productID
}

func parseDecimal(raw string) decimal.Decimal {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return value
}
