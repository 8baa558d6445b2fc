// Package exchange performs authorized calls against the upstream exchange.
package exchange

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coinpilot/tradegate/config"
	"github.com/coinpilot/tradegate/errs"
	"github.com/coinpilot/tradegate/internal/keyimport"
	"github.com/coinpilot/tradegate/internal/ratelimit"
	"github.com/coinpilot/tradegate/internal/signing"
)

const maxErrorBodyBytes = 4 << 10

// Signer abstracts token creation for a single outbound call.
type Signer interface {
	Sign(method, host, path string) (string, error)
}

// Client issues authenticated requests to the brokerage API. Every call is
// signed with a fresh single-use token bound to the exact request target and
// gated through the shared rate limiter. Non-2xx responses surface to the
// caller unretried: placing an order twice must never happen implicitly.
type Client struct {
	baseURL string
	host    string
	creds   config.Credentials
	http    *http.Client
	limiter *ratelimit.Limiter

	signerOnce sync.Once
	signer     Signer
	signerErr  error

	requests metric.Int64Counter
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the transport. Used in tests.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithSigner overrides the token signer, bypassing key import. Used in tests.
func WithSigner(signer Signer) Option {
	return func(c *Client) {
		if signer != nil {
			c.signer = signer
		}
	}
}

// New constructs a Client for the given endpoint and credentials. The
// private key is imported lazily on first use and cached for the process
// lifetime; missing credentials surface as a config error at that point.
func New(settings config.ExchangeSettings, creds config.Credentials, limiter *ratelimit.Limiter, opts ...Option) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(settings.BrokerageBaseURL), "/")
	parsed, err := url.Parse(base)
	if err != nil || parsed.Host == "" {
		return nil, errs.Config(fmt.Sprintf("invalid brokerage base URL %q", settings.BrokerageBaseURL))
	}
	if limiter == nil {
		return nil, errs.Config("rate limiter is required")
	}

	timeout := settings.HTTPTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	meter := otel.Meter("github.com/coinpilot/tradegate/internal/exchange")
	requests, err := meter.Int64Counter("gateway.exchange.requests",
		metric.WithDescription("Outbound exchange requests by outcome."))
	if err != nil {
		return nil, fmt.Errorf("create request counter: %w", err)
	}

	c := &Client{
		baseURL:  base,
		host:     parsed.Host,
		creds:    creds,
		http:     &http.Client{Timeout: timeout},
		limiter:  limiter,
		requests: requests,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Host returns the upstream host tokens are bound to.
func (c *Client) Host() string { return c.host }

func (c *Client) tokenSigner() (Signer, error) {
	c.signerOnce.Do(func() {
		if c.signer != nil {
			return
		}
		if err := c.creds.Validate(); err != nil {
			c.signerErr = err
			return
		}
		key, err := keyimport.Import(c.creds.PrivateKeyPEM)
		if err != nil {
			c.signerErr = err
			return
		}
		c.signer = signing.New(c.creds.APIKeyID, key)
	})
	return c.signer, c.signerErr
}

// Do issues an authenticated call. path is the literal request target,
// query string included. A non-nil body is encoded as JSON. The raw
// response body is returned on 2xx; non-2xx responses become exchange
// errors carrying the upstream status and message.
func (c *Client) Do(ctx context.Context, method, path string, body any) ([]byte, error) {
	signer, err := c.tokenSigner()
	if err != nil {
		return nil, err
	}
	token, err := signer.Sign(method, c.host, path)
	if err != nil {
		c.record(ctx, method, "signing_error")
		return nil, err
	}

	if err := c.limiter.Wait(ctx); err != nil {
		c.record(ctx, method, "cancelled")
		return nil, classifyTransport(err)
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, errs.Invalid(fmt.Sprintf("encode request body: %v", err))
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, errs.Invalid(fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		outcome := "network_error"
		classified := classifyTransport(err)
		if errs.IsTimeout(classified) {
			outcome = "timeout"
		}
		c.record(ctx, method, outcome)
		return nil, classified
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.record(ctx, method, "exchange_error")
		return nil, errs.New(errs.CodeExchange,
			errs.WithHTTP(resp.StatusCode),
			errs.WithMessage(UpstreamMessage(raw)),
			errs.WithRawBody(strings.TrimSpace(string(raw))))
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(ctx, method, "network_error")
		return nil, classifyTransport(err)
	}
	c.record(ctx, method, "ok")
	return payload, nil
}

func (c *Client) record(ctx context.Context, method, outcome string) {
	c.requests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("outcome", outcome),
		))
}

// classifyTransport distinguishes deadline expiry from other transport
// failures. Timeouts propagate distinctly so that callers can report an
// order placement as "unknown outcome" rather than coercing it to failure.
func classifyTransport(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return errs.New(errs.CodeTimeout, errs.WithMessage("no response within deadline"), errs.WithCause(err))
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return errs.New(errs.CodeTimeout, errs.WithMessage("no response within deadline"), errs.WithCause(err))
	}
	if errors.Is(err, context.Canceled) {
		return errs.New(errs.CodeTimeout, errs.WithMessage("request cancelled"), errs.WithCause(err))
	}
	return errs.New(errs.CodeNetwork, errs.WithMessage("transport failure"), errs.WithCause(err))
}

// UpstreamMessage extracts the human-readable message from a non-2xx
// exchange body; bodies carry a message or error field when available.
func UpstreamMessage(raw []byte) string {
	var payload struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil {
		if msg := strings.TrimSpace(payload.Message); msg != "" {
			return msg
		}
		if msg := strings.TrimSpace(payload.Error); msg != "" {
			return msg
		}
	}
	return "exchange rejected the request"
}
