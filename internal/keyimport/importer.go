// Package keyimport normalises PEM-encoded EC private keys into signing keys.
//
// Two encodings are accepted: PKCS#8 (the self-describing container) and
// SEC1/RFC 5915 (a curve-specific container holding a raw 32-byte scalar).
// The SEC1 path extracts the scalar by byte-offset scanning and re-wraps it
// into a minimal PKCS#8 structure so that a single import primitive handles
// both encodings; the conversion must be byte-exact because an offset error
// would import the wrong scalar.
package keyimport

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/coinpilot/tradegate/errs"
)

// scalarSize is the P-256 private scalar length in bytes.
const scalarSize = 32

// Tag-length markers that precede the private scalar inside a SEC1 EC
// private key. Producers vary in how they emit the optional version field,
// so both observed variants are tried in order.
var scalarMarkers = [][]byte{
	// INTEGER 1 (ECPrivateKey version) followed by OCTET STRING of 32 bytes.
	{0x02, 0x01, 0x01, 0x04, 0x20},
	// Bare OCTET STRING of 32 bytes.
	{0x04, 0x20},
}

// pkcs8Template is a minimal well-formed PKCS#8 container for a P-256 key:
// version 0, the ecPublicKey/prime256v1 algorithm identifier, and an inner
// ECPrivateKey with a zeroed scalar spliced in at pkcs8ScalarOffset.
var pkcs8Template = []byte{
	0x30, 0x41, // SEQUENCE (65)
	0x02, 0x01, 0x00, // INTEGER 0
	0x30, 0x13, // SEQUENCE (19) AlgorithmIdentifier
	0x06, 0x07, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x02, 0x01, // OID 1.2.840.10045.2.1 (ecPublicKey)
	0x06, 0x08, 0x2a, 0x86, 0x48, 0xce, 0x3d, 0x03, 0x01, 0x07, // OID 1.2.840.10045.3.1.7 (prime256v1)
	0x04, 0x27, // OCTET STRING (39)
	0x30, 0x25, // SEQUENCE (37) ECPrivateKey
	0x02, 0x01, 0x01, // INTEGER 1
	0x04, 0x20, // OCTET STRING (32)
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
}

const pkcs8ScalarOffset = 35

// Import parses a PEM-encoded P-256 private key supplied in either PKCS#8
// or SEC1 encoding. The returned key is never serialized back out.
func Import(pemData string) (*ecdsa.PrivateKey, error) {
	der, err := decodeArmor(pemData)
	if err != nil {
		return nil, err
	}

	if key, err := parsePKCS8(der); err == nil {
		return key, nil
	}

	scalar, ok := extractScalar(der)
	if !ok {
		return nil, errs.New(errs.CodeKeyFormat,
			errs.WithMessage(fmt.Sprintf("no P-256 private scalar found in %d bytes of key material", len(der))))
	}

	wrapped := make([]byte, len(pkcs8Template))
	copy(wrapped, pkcs8Template)
	copy(wrapped[pkcs8ScalarOffset:pkcs8ScalarOffset+scalarSize], scalar)

	key, err := parsePKCS8(wrapped)
	if err != nil {
		return nil, errs.New(errs.CodeKeyFormat,
			errs.WithMessage(fmt.Sprintf("re-wrapped scalar rejected (%d bytes of key material)", len(der))),
			errs.WithCause(err))
	}
	return key, nil
}

// decodeArmor strips PEM headers/footers, whitespace, and escaped-newline
// artifacts, returning the raw DER bytes.
func decodeArmor(pemData string) ([]byte, error) {
	normalised := strings.ReplaceAll(pemData, `\n`, "\n")
	normalised = strings.TrimSpace(normalised)
	if normalised == "" {
		return nil, errs.New(errs.CodeKeyFormat, errs.WithMessage("empty key material"))
	}

	if block, _ := pem.Decode([]byte(normalised)); block != nil {
		return block.Bytes, nil
	}

	// Armor may have been mangled in transit (folded lines, stray spaces);
	// strip the BEGIN/END markers by hand and base64-decode what remains.
	cleaned := normalised
	for {
		start := strings.Index(cleaned, "-----")
		if start < 0 {
			break
		}
		rest := cleaned[start+5:]
		end := strings.Index(rest, "-----")
		if end < 0 {
			cleaned = cleaned[:start]
			break
		}
		cleaned = cleaned[:start] + rest[end+5:]
	}
	cleaned = strings.Join(strings.Fields(cleaned), "")
	der, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		return nil, errs.New(errs.CodeKeyFormat,
			errs.WithMessage("key material is not valid PEM or base64"),
			errs.WithCause(err))
	}
	if len(der) == 0 {
		return nil, errs.New(errs.CodeKeyFormat, errs.WithMessage("empty key material"))
	}
	return der, nil
}

func parsePKCS8(der []byte) (*ecdsa.PrivateKey, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("expected EC private key, got %T", parsed)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("expected P-256 curve, got %s", key.Curve.Params().Name)
	}
	return key, nil
}

// extractScalar scans DER bytes for the first tag-length marker preceding a
// 32-byte octet string and returns the scalar that follows it.
func extractScalar(der []byte) ([]byte, bool) {
	for _, marker := range scalarMarkers {
		idx := bytes.Index(der, marker)
		if idx < 0 {
			continue
		}
		start := idx + len(marker)
		if start+scalarSize > len(der) {
			continue
		}
		scalar := der[start : start+scalarSize]
		if allZero(scalar) {
			continue
		}
		return scalar, true
	}
	return nil, false
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
