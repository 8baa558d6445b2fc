// Package signing builds short-lived signed authorization tokens for
// outbound exchange calls.
package signing

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/coinpilot/tradegate/errs"
)

// TokenTTL is the fixed token validity window. It is intentionally not
// configurable: tokens are single-call credentials and the exchange rejects
// anything presented outside this window.
const TokenTTL = 120 * time.Second

const tokenIssuer = "cdp"

// Signer produces ES256 tokens bound to an exact request target.
type Signer struct {
	keyID string
	key   *ecdsa.PrivateKey
	clock func() time.Time
	nonce func() string
}

// Option configures a Signer.
type Option func(*Signer)

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Signer) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithNonceSource overrides nonce generation. Used in tests.
func WithNonceSource(nonce func() string) Option {
	return func(s *Signer) {
		if nonce != nil {
			s.nonce = nonce
		}
	}
}

// New constructs a Signer for the given key identifier and imported key.
func New(keyID string, key *ecdsa.PrivateKey, opts ...Option) *Signer {
	s := &Signer{
		keyID: strings.TrimSpace(keyID),
		key:   key,
		clock: time.Now,
		nonce: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

type tokenHeader struct {
	Alg   string `json:"alg"`
	Kid   string `json:"kid"`
	Typ   string `json:"typ"`
	Nonce string `json:"nonce"`
}

type tokenClaims struct {
	Sub string `json:"sub"`
	Iss string `json:"iss"`
	Nbf int64  `json:"nbf"`
	Exp int64  `json:"exp"`
	URI string `json:"uri"`
}

// RequestURI renders the request-target claim for a method, host, and path.
// The path keeps its query string: the token is bound to the literal target.
func RequestURI(method, host, path string) string {
	return strings.ToUpper(strings.TrimSpace(method)) + " " + strings.TrimSpace(host) + path
}

// Sign produces a compact three-segment token authorising a single call to
// the given request target. Each token carries a fresh nonce and expires
// TokenTTL after its not-before instant.
func (s *Signer) Sign(method, host, path string) (string, error) {
	if s.key == nil {
		return "", errs.New(errs.CodeSigning, errs.WithMessage("signing key not configured"))
	}

	now := s.clock().UTC()
	header := tokenHeader{
		Alg:   "ES256",
		Kid:   s.keyID,
		Typ:   "JWT",
		Nonce: s.nonce(),
	}
	claims := tokenClaims{
		Sub: s.keyID,
		Iss: tokenIssuer,
		Nbf: now.Unix(),
		Exp: now.Add(TokenTTL).Unix(),
		URI: RequestURI(method, host, path),
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", errs.New(errs.CodeSigning, errs.WithMessage("encode token header"), errs.WithCause(err))
	}
	claimsJSON, err := json.Marshal(claims)
	if err != nil {
		return "", errs.New(errs.CodeSigning, errs.WithMessage("encode token claims"), errs.WithCause(err))
	}

	signingInput := base64.RawURLEncoding.EncodeToString(headerJSON) +
		"." + base64.RawURLEncoding.EncodeToString(claimsJSON)

	digest := sha256.Sum256([]byte(signingInput))
	r, sVal, err := ecdsa.Sign(rand.Reader, s.key, digest[:])
	if err != nil {
		return "", errs.New(errs.CodeSigning, errs.WithMessage("sign token"), errs.WithCause(err))
	}

	// Fixed-width r||s signature, 32 bytes each.
	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	sVal.FillBytes(sig[32:])

	return signingInput + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}
