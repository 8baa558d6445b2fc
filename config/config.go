// Package config centralises runtime configuration for the trading gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/coinpilot/tradegate/errs"
)

// Environment identifies the runtime environment where the gateway operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Environment variable names for secrets and overrides.
const (
	EnvAPIKeyID      = "COINBASE_API_KEY_ID"
	EnvPrivateKey    = "COINBASE_PRIVATE_KEY"
	EnvDatabaseURL   = "DATABASE_URL"
	EnvOTLPEndpoint  = "GATEWAY_OTLP_ENDPOINT"
	EnvListenAddress = "GATEWAY_LISTEN_ADDR"
)

// Credentials captures the API key identifier and PEM private key used for
// authenticated exchange requests. Absence is reported at first use, not at
// startup.
type Credentials struct {
	APIKeyID      string `yaml:"apiKeyId"`
	PrivateKeyPEM string `yaml:"privateKeyPem"`
}

// Validate reports a config error when either secret is missing.
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.APIKeyID) == "" {
		return errs.Config("missing API key identifier (" + EnvAPIKeyID + ")")
	}
	if strings.TrimSpace(c.PrivateKeyPEM) == "" {
		return errs.Config("missing PEM private key (" + EnvPrivateKey + ")")
	}
	return nil
}

// ExchangeSettings aggregates upstream endpoint and transport configuration.
type ExchangeSettings struct {
	// BrokerageBaseURL hosts the authenticated brokerage API (orders,
	// accounts, fills) and the unauthenticated v2 spot/rates endpoints.
	BrokerageBaseURL string `yaml:"brokerageBaseUrl"`
	// MarketBaseURL hosts the unauthenticated market data API (products,
	// tickers, 24h stats).
	MarketBaseURL string        `yaml:"marketBaseUrl"`
	HTTPTimeout   time.Duration `yaml:"httpTimeout"`
	// MinRequestInterval bounds outbound call frequency; the process never
	// issues two upstream calls closer together than this.
	MinRequestInterval time.Duration `yaml:"minRequestInterval"`
}

// UnmarshalYAML decodes duration fields from strings like "250ms".
func (e *ExchangeSettings) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		BrokerageBaseURL   string `yaml:"brokerageBaseUrl"`
		MarketBaseURL      string `yaml:"marketBaseUrl"`
		HTTPTimeout        string `yaml:"httpTimeout"`
		MinRequestInterval string `yaml:"minRequestInterval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.BrokerageBaseURL != "" {
		e.BrokerageBaseURL = raw.BrokerageBaseURL
	}
	if raw.MarketBaseURL != "" {
		e.MarketBaseURL = raw.MarketBaseURL
	}
	var err error
	if e.HTTPTimeout, err = parseDuration(raw.HTTPTimeout, e.HTTPTimeout); err != nil {
		return fmt.Errorf("httpTimeout: %w", err)
	}
	if e.MinRequestInterval, err = parseDuration(raw.MinRequestInterval, e.MinRequestInterval); err != nil {
		return fmt.Errorf("minRequestInterval: %w", err)
	}
	return nil
}

func parseDuration(raw string, fallback time.Duration) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback, nil
	}
	return time.ParseDuration(trimmed)
}

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// DatabaseConfig locates the externally owned wallet/holdings record store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig configures the inbound HTTP surface.
type ServerConfig struct {
	ListenAddress     string        `yaml:"listenAddress"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
}

// UnmarshalYAML decodes the read header timeout from strings like "5s".
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		ListenAddress     string `yaml:"listenAddress"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.ListenAddress != "" {
		s.ListenAddress = raw.ListenAddress
	}
	var err error
	if s.ReadHeaderTimeout, err = parseDuration(raw.ReadHeaderTimeout, s.ReadHeaderTimeout); err != nil {
		return fmt.Errorf("readHeaderTimeout: %w", err)
	}
	return nil
}

// Settings contains the gateway configuration tree loaded from defaults,
// optional yaml overrides, and environment secrets.
type Settings struct {
	Environment Environment      `yaml:"environment"`
	Exchange    ExchangeSettings `yaml:"exchange"`
	Credentials Credentials      `yaml:"credentials"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Database    DatabaseConfig   `yaml:"database"`
	Server      ServerConfig     `yaml:"server"`
}

// Default returns the default gateway configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Exchange: ExchangeSettings{
			BrokerageBaseURL:   "https://api.coinbase.com",
			MarketBaseURL:      "https://api.exchange.coinbase.com",
			HTTPTimeout:        10 * time.Second,
			MinRequestInterval: 100 * time.Millisecond,
		},
		Credentials: Credentials{APIKeyID: "", PrivateKeyPEM: ""},
		Telemetry: TelemetryConfig{
			OTLPEndpoint: "",
			ServiceName:  "tradegate",
		},
		Database: DatabaseConfig{URL: ""},
		Server: ServerConfig{
			ListenAddress:     ":8080",
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// LoadOrDefault reads settings from the yaml file at path when it exists,
// falling back to defaults otherwise, then applies environment overrides.
// The second return reports whether a file was loaded.
func LoadOrDefault(path string) (Settings, bool, error) {
	settings := Default()
	loaded := false
	if trimmed := strings.TrimSpace(path); trimmed != "" {
		raw, err := os.ReadFile(trimmed)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(raw, &settings); err != nil {
				return Settings{}, false, fmt.Errorf("parse config %s: %w", trimmed, err)
			}
			loaded = true
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return Settings{}, false, fmt.Errorf("read config %s: %w", trimmed, err)
		}
	}
	settings.applyEnv()
	if err := settings.normalise(); err != nil {
		return Settings{}, false, err
	}
	return settings, loaded, nil
}

func (s *Settings) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIKeyID)); v != "" {
		s.Credentials.APIKeyID = v
	}
	if v := os.Getenv(EnvPrivateKey); strings.TrimSpace(v) != "" {
		s.Credentials.PrivateKeyPEM = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		s.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		s.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvListenAddress)); v != "" {
		s.Server.ListenAddress = v
	}
}

func (s *Settings) normalise() error {
	defaults := Default()
	if strings.TrimSpace(string(s.Environment)) == "" {
		s.Environment = defaults.Environment
	}
	if strings.TrimSpace(s.Exchange.BrokerageBaseURL) == "" {
		s.Exchange.BrokerageBaseURL = defaults.Exchange.BrokerageBaseURL
	}
	if strings.TrimSpace(s.Exchange.MarketBaseURL) == "" {
		s.Exchange.MarketBaseURL = defaults.Exchange.MarketBaseURL
	}
	s.Exchange.BrokerageBaseURL = strings.TrimRight(s.Exchange.BrokerageBaseURL, "/")
	s.Exchange.MarketBaseURL = strings.TrimRight(s.Exchange.MarketBaseURL, "/")
	if s.Exchange.HTTPTimeout <= 0 {
		s.Exchange.HTTPTimeout = defaults.Exchange.HTTPTimeout
	}
	if s.Exchange.MinRequestInterval <= 0 {
		s.Exchange.MinRequestInterval = defaults.Exchange.MinRequestInterval
	}
	if strings.TrimSpace(s.Telemetry.ServiceName) == "" {
		s.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if strings.TrimSpace(s.Server.ListenAddress) == "" {
		s.Server.ListenAddress = defaults.Server.ListenAddress
	}
	if s.Server.ReadHeaderTimeout <= 0 {
		s.Server.ReadHeaderTimeout = defaults.Server.ReadHeaderTimeout
	}
	return nil
}
