// Package orders computes order previews and places market orders.
package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpilot/tradegate/errs"
	"github.com/coinpilot/tradegate/internal/marketdata"
)

// PreviewFeeRate is this gateway's own fee estimate (0.5%) used for order
// previews. It is deliberately independent of the wallet trade fee applied
// elsewhere in the surrounding product; the two must never be unified.
var PreviewFeeRate = decimal.NewFromFloat(0.005)

// Minimum order thresholds, below which placement is rejected before any
// network call.
var (
	MinQuoteOrder = decimal.NewFromFloat(0.01)
	MinBaseOrder  = decimal.NewFromFloat(0.00000001)
)

const ordersPath = "/api/v3/brokerage/orders"

// Side distinguishes buys from sells.
type Side string

const (
	// SideBuy spends quote currency to acquire base.
	SideBuy Side = "BUY"
	// SideSell disposes base currency for quote.
	SideSell Side = "SELL"
)

// Preview is a pure computed view of an order before placement.
type Preview struct {
	ProductID         string          `json:"productId"`
	Side              Side            `json:"side"`
	QuoteAmount       decimal.Decimal `json:"quoteAmount"`
	BaseAmount        decimal.Decimal `json:"baseAmount"`
	EstimatedFee      decimal.Decimal `json:"estimatedFee"`
	NetAmount         decimal.Decimal `json:"netAmount"`
	EstimatedQuantity decimal.Decimal `json:"estimatedQuantity"`
	CurrentPrice      decimal.Decimal `json:"currentPrice"`
}

// Result is the outcome of a placement attempt.
type Result struct {
	Success      bool   `json:"success"`
	OrderID      string `json:"orderId,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// Requester issues authenticated exchange calls.
type Requester interface {
	Do(ctx context.Context, method, path string, body any) ([]byte, error)
}

// PriceSource resolves current prices per base symbol.
type PriceSource interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]marketdata.PriceInfo, error)
}

// Service previews and places market orders.
type Service struct {
	client Requester
	prices PriceSource
	// newIdempotencyKey yields a fresh key per placement. Never reused
	// across retries: a retried placement is a brand-new order.
	newIdempotencyKey func() string
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotencyKeySource overrides key generation. Used in tests.
func WithIdempotencyKeySource(gen func() string) Option {
	return func(s *Service) {
		if gen != nil {
			s.newIdempotencyKey = gen
		}
	}
}

// New constructs an order Service.
func New(client Requester, prices PriceSource, opts ...Option) *Service {
	s := &Service{
		client:            client,
		prices:            prices,
		newIdempotencyKey: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// PreviewOrder computes fees and net proceeds for a prospective market
// order. BUY amounts are denominated in quote currency, SELL amounts in
// base currency. The only network call is the current price lookup.
func (s *Service) PreviewOrder(ctx context.Context, productID string, side Side, amount string) (Preview, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	value, err := parseAmount(amount)
	if err != nil {
		return Preview{}, err
	}

	price, err := s.currentPrice(ctx, productID)
	if err != nil {
		return Preview{}, err
	}

	preview := Preview{ProductID: productID, Side: side, CurrentPrice: price}
	switch side {
	case SideBuy:
		preview.QuoteAmount = value
		preview.EstimatedFee = value.Mul(PreviewFeeRate)
		preview.NetAmount = value.Sub(preview.EstimatedFee)
		preview.EstimatedQuantity = preview.NetAmount.Div(price)
	case SideSell:
		preview.BaseAmount = value
		preview.QuoteAmount = value.Mul(price)
		preview.EstimatedFee = preview.QuoteAmount.Mul(PreviewFeeRate)
		preview.NetAmount = preview.QuoteAmount.Sub(preview.EstimatedFee)
	default:
		return Preview{}, errs.Invalid(fmt.Sprintf("unknown side %q", side))
	}
	return preview, nil
}

// PlaceBuy submits a market buy spending quoteFunds of quote currency.
func (s *Service) PlaceBuy(ctx context.Context, productID, quoteFunds string) (Result, error) {
	funds, err := parseAmount(quoteFunds)
	if err != nil {
		return Result{}, err
	}
	if funds.LessThan(MinQuoteOrder) {
		return Result{}, errs.Invalid(fmt.Sprintf("quote amount %s below minimum %s", funds, MinQuoteOrder))
	}
	return s.place(ctx, productID, SideBuy, orderConfiguration{
		MarketIOC: &marketIOC{QuoteSize: funds.String()},
	})
}

// PlaceSell submits a market sell of baseSize units of base currency.
func (s *Service) PlaceSell(ctx context.Context, productID, baseSize string) (Result, error) {
	size, err := parseAmount(baseSize)
	if err != nil {
		return Result{}, err
	}
	if size.LessThan(MinBaseOrder) {
		return Result{}, errs.Invalid(fmt.Sprintf("base size %s below minimum %s", size, MinBaseOrder))
	}
	return s.place(ctx, productID, SideSell, orderConfiguration{
		MarketIOC: &marketIOC{BaseSize: size.String()},
	})
}

type marketIOC struct {
	QuoteSize string `json:"quote_size,omitempty"`
	BaseSize  string `json:"base_size,omitempty"`
}

type orderConfiguration struct {
	MarketIOC *marketIOC `json:"market_market_ioc,omitempty"`
}

type orderRequest struct {
	ClientOrderID string             `json:"client_order_id"`
	ProductID     string             `json:"product_id"`
	Side          Side               `json:"side"`
	Configuration orderConfiguration `json:"order_configuration"`
}

type orderResponse struct {
	Success         bool `json:"success"`
	SuccessResponse struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse struct {
		Message       string `json:"message"`
		Error         string `json:"error"`
		FailureReason string `json:"preview_failure_reason"`
	} `json:"error_response"`
	OrderID string `json:"order_id"`
}

func (s *Service) place(ctx context.Context, productID string, side Side, cfg orderConfiguration) (Result, error) {
	productID = strings.ToUpper(strings.TrimSpace(productID))
	if productID == "" {
		return Result{}, errs.Invalid("product id is required")
	}

	request := orderRequest{
		ClientOrderID: s.newIdempotencyKey(),
		ProductID:     productID,
		Side:          side,
		Configuration: cfg,
	}

	payload, err := s.client.Do(ctx, http.MethodPost, ordersPath, request)
	if err != nil {
		switch errs.CodeOf(err) {
		case errs.CodeExchange:
			// Upstream rejected the order: a definitive failure the caller
			// may re-initiate explicitly.
			return Result{Success: false, ErrorMessage: upstreamMessage(err)}, nil
		case errs.CodeTimeout:
			// The order may have been accepted server-side; the outcome is
			// unknown and must never be reinterpreted as failure.
			return Result{}, errs.New(errs.CodeTimeout,
				errs.WithMessage(fmt.Sprintf("order outcome unknown for %s %s: no response within deadline", side, productID)),
				errs.WithCause(err))
		default:
			return Result{}, err
		}
	}

	var response orderResponse
	if err := json.Unmarshal(payload, &response); err != nil {
		return Result{}, errs.New(errs.CodeExchange,
			errs.WithMessage("unparseable order response"),
			errs.WithCause(err))
	}

	orderID := strings.TrimSpace(response.SuccessResponse.OrderID)
	if orderID == "" {
		orderID = strings.TrimSpace(response.OrderID)
	}
	if !response.Success && orderID == "" {
		message := firstNonEmpty(
			response.ErrorResponse.Message,
			response.ErrorResponse.Error,
			response.ErrorResponse.FailureReason,
			"order rejected",
		)
		return Result{Success: false, ErrorMessage: message}, nil
	}
	return Result{Success: true, OrderID: orderID}, nil
}

func (s *Service) currentPrice(ctx context.Context, productID string) (decimal.Decimal, error) {
	symbol := productID
	if idx := strings.Index(productID, "-"); idx > 0 {
		symbol = productID[:idx]
	}
	prices, err := s.prices.GetPrices(ctx, []string{symbol})
	if err != nil {
		return decimal.Zero, err
	}
	info, ok := prices[symbol]
	if !ok {
		return decimal.Zero, errs.New(errs.CodeExchange,
			errs.WithMessage(fmt.Sprintf("no current price for %s", productID)))
	}
	return info.Price, nil
}

// parseAmount validates a caller-supplied amount: numeric and positive.
func parseAmount(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, errs.Invalid(fmt.Sprintf("amount %q is not numeric", raw))
	}
	if value.Sign() <= 0 {
		return decimal.Zero, errs.Invalid(fmt.Sprintf("amount %s must be positive", value))
	}
	return value, nil
}

func upstreamMessage(err error) string {
	var e *errs.E
	if errors.As(err, &e) && strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	return "exchange rejected the order"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
