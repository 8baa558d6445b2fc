// Command gateway launches the trading gateway entrypoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coinpilot/tradegate/config"
	"github.com/coinpilot/tradegate/internal/exchange"
	httpserver "github.com/coinpilot/tradegate/internal/infra/server/http"
	"github.com/coinpilot/tradegate/internal/marketdata"
	"github.com/coinpilot/tradegate/internal/orders"
	"github.com/coinpilot/tradegate/internal/portfolio"
	"github.com/coinpilot/tradegate/internal/ratelimit"
	"github.com/coinpilot/tradegate/internal/store"
	"github.com/coinpilot/tradegate/lib/telemetry"
)

const (
	defaultConfigPath         = "config/gateway.yaml"
	gatewayLoggerPrefix       = "gateway "
	shutdownTimeout           = 30 * time.Second
	serverShutdownTimeout     = 5 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	databaseConnectionTimeout = 30 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newGatewayLogger()

	configPath := resolveConfigPath(cfgPathFlag)
	settings, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s, exchange=%s",
		settings.Environment, settings.Exchange.BrokerageBaseURL)

	_, telemetryShutdown, err := telemetry.Init(ctx, settings.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	if settings.Telemetry.OTLPEndpoint != "" {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s",
			settings.Telemetry.OTLPEndpoint, settings.Telemetry.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}

	limiter := ratelimit.New(settings.Exchange.MinRequestInterval)

	client, err := exchange.New(settings.Exchange, settings.Credentials, limiter)
	if err != nil {
		logger.Fatalf("initialise exchange client: %v", err)
	}

	market := marketdata.New(settings.Exchange, limiter)
	trading := orders.New(client, market)
	calculator := portfolio.New(client, market)

	wallets, walletPool, err := initWalletStore(ctx, logger, settings.Database)
	if err != nil {
		logger.Fatalf("initialise wallet store: %v", err)
	}

	var lifecycle conc.WaitGroup

	apiServer := buildAPIServer(settings.Server, market, trading, calculator, wallets)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("gateway API listening on %s", apiServer.Addr)

	logger.Print("gateway started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:     apiServer,
		mainCancel: cancel,
		lifecycle:  &lifecycle,
		walletPool: walletPool,
		telemetry:  telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to gateway configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newGatewayLogger() *log.Logger {
	return log.New(os.Stdout, gatewayLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

// initWalletStore connects the read-only wallet store when a database URL is
// configured. Without one the gateway still serves every exchange-backed
// action; only get-wallet reports the store as unconfigured.
func initWalletStore(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (httpserver.WalletReader, *pgxpool.Pool, error) {
	if cfg.URL == "" {
		logger.Print("no database configured; wallet reads disabled")
		return nil, nil, nil
	}
	connectCtx, cancel := context.WithTimeout(ctx, databaseConnectionTimeout)
	defer cancel()
	pool, err := store.Connect(connectCtx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect wallet store: %w", err)
	}
	logger.Print("wallet store connected")
	return store.NewReader(pool), pool, nil
}

func buildAPIServer(cfg config.ServerConfig, market httpserver.MarketData, trading httpserver.Trading, pf httpserver.Portfolio, wallets httpserver.WalletReader) *http.Server {
	handler := httpserver.NewHandler(market, trading, pf, wallets)
	return &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("api server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server     *http.Server
	mainCancel context.CancelFunc
	lifecycle  *conc.WaitGroup
	walletPool *pgxpool.Pool
	telemetry  func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping api server", serverShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.walletPool != nil {
		logger.Print("shutdown: closing wallet store pool")
		cfg.walletPool.Close()
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetry)
	}
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}
