// Package httpserver exposes the gateway's action-dispatch HTTP surface.
// Every operation is a POST to /rpc carrying {"action": ..., ...params};
// responses are {"success": true, "data": ...} or {"success": false,
// "error": ...}.
package httpserver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/coinpilot/tradegate/errs"
	"github.com/coinpilot/tradegate/internal/marketdata"
	"github.com/coinpilot/tradegate/internal/orders"
	"github.com/coinpilot/tradegate/internal/portfolio"
	"github.com/coinpilot/tradegate/internal/store"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	rpcPath    = "/rpc"
	healthPath = "/healthz"
)

// MarketData is the market-data surface the server dispatches to.
type MarketData interface {
	GetPrices(ctx context.Context, symbols []string) (map[string]marketdata.PriceInfo, error)
	PricesAndProducts(ctx context.Context) (map[string]marketdata.PriceInfo, []marketdata.Product, error)
	Products(ctx context.Context) ([]marketdata.Product, error)
	ExchangeRates(ctx context.Context) (map[string]string, error)
	Currencies(ctx context.Context) ([]marketdata.Currency, error)
}

// Trading previews and places orders.
type Trading interface {
	PreviewOrder(ctx context.Context, productID string, side orders.Side, amount string) (orders.Preview, error)
	PlaceBuy(ctx context.Context, productID, quoteFunds string) (orders.Result, error)
	PlaceSell(ctx context.Context, productID, baseSize string) (orders.Result, error)
}

// Portfolio reports accounts and ROI.
type Portfolio interface {
	Accounts(ctx context.Context) ([]portfolio.Account, error)
	ComputeROI(ctx context.Context) (portfolio.Report, error)
}

// WalletReader reads the externally owned wallet records. Nil when no
// database is configured; get-wallet then reports an error.
type WalletReader interface {
	Snapshot(ctx context.Context, userID string) (store.Snapshot, error)
}

type httpServer struct {
	market    MarketData
	trading   Trading
	portfolio Portfolio
	wallets   WalletReader
}

// NewHandler creates the HTTP handler for the action-dispatch surface.
func NewHandler(market MarketData, trading Trading, pf Portfolio, wallets WalletReader) http.Handler {
	server := &httpServer{market: market, trading: trading, portfolio: pf, wallets: wallets}
	mux := http.NewServeMux()
	mux.Handle(rpcPath, http.HandlerFunc(server.handleRPC))
	mux.Handle(healthPath, http.HandlerFunc(server.handleHealth))
	return withCORS(mux)
}

type actionRequest struct {
	Action    string   `json:"action"`
	Symbols   []string `json:"symbols"`
	Symbol    string   `json:"symbol"`
	ProductID string   `json:"productId"`
	Side      string   `json:"side"`
	Amount    string   `json:"amount"`
	UserID    string   `json:"userId"`
}

func (s *httpServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var request actionRequest
	body := io.LimitReader(r.Body, maxJSONBodyBytes)
	if err := json.NewDecoder(body).Decode(&request); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decode request: %v", err))
		return
	}

	data, err := s.dispatch(r.Context(), request)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": data})
}

func (s *httpServer) dispatch(ctx context.Context, request actionRequest) (any, error) {
	switch strings.TrimSpace(request.Action) {
	case "get-prices":
		symbols := request.Symbols
		if len(symbols) == 0 && request.Symbol != "" {
			symbols = []string{request.Symbol}
		}
		if len(symbols) == 0 {
			return nil, errs.Invalid("symbols are required")
		}
		return s.market.GetPrices(ctx, symbols)
	case "get-all-prices":
		prices, products, err := s.market.PricesAndProducts(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"prices": prices, "products": products}, nil
	case "get-products":
		return s.market.Products(ctx)
	case "get-exchange-rates":
		return s.market.ExchangeRates(ctx)
	case "get-currencies":
		return s.market.Currencies(ctx)
	case "get-accounts":
		return s.portfolio.Accounts(ctx)
	case "get-roi":
		return s.portfolio.ComputeROI(ctx)
	case "order-preview":
		side := orders.Side(strings.ToUpper(strings.TrimSpace(request.Side)))
		return s.trading.PreviewOrder(ctx, request.ProductID, side, request.Amount)
	case "buy":
		return s.trading.PlaceBuy(ctx, request.ProductID, request.Amount)
	case "sell":
		return s.trading.PlaceSell(ctx, request.ProductID, request.Amount)
	case "get-wallet":
		if s.wallets == nil {
			return nil, errs.New(errs.CodeConfig, errs.WithMessage("wallet store is not configured"))
		}
		if strings.TrimSpace(request.UserID) == "" {
			return nil, errs.Invalid("userId is required")
		}
		snapshot, err := s.wallets.Snapshot(ctx, request.UserID)
		if err != nil {
			return nil, err
		}
		return walletView(snapshot), nil
	case "":
		return nil, errs.Invalid("action is required")
	default:
		return nil, errs.Invalid(fmt.Sprintf("unknown action %q", request.Action))
	}
}

// walletView augments the raw snapshot with the wallet fee rate so clients
// can render fee estimates without hard-coding it.
func walletView(snapshot store.Snapshot) map[string]any {
	return map[string]any{
		"wallet":   snapshot.Wallet,
		"holdings": snapshot.Holdings,
		"feeRate":  store.WalletFeeRate,
	}
}

func (s *httpServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch errs.CodeOf(err) {
	case errs.CodeInvalid:
		return http.StatusBadRequest
	case errs.CodeConfig:
		return http.StatusServiceUnavailable
	case errs.CodeTimeout:
		return http.StatusGatewayTimeout
	case errs.CodeExchange, errs.CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
