package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"payment-webhook-service/internal/apperr"
	"payment-webhook-service/internal/config"
)

// gatewayPublicKey is published by the gateway and shared by every merchant,
// so it proves nothing about the sender. Only used when explicitly enabled.
const gatewayPublicKey = "t9dXRhHHo3yDEj5pVDYz0frf7q6bMKyMRmxxCPIPp3RCplBfXRxqlC6ZpiWmOqj4L63qEaeUOtrCI8P0VMUgo6iIga2ri9ogaHFs0WIIywSMg0q7RmBfybe1E5XJcfC4IW3alNqym0tXoAKkzvfEjZxV6bE0oG2zJrNNYmUCKZyV0KZ3JS8Votf9EAWWYdiDkMkpbMdPggfh1EqHlVkMiTady6jOR3hyzGEHrIz2Ret0xHKMbiqkr9HS1JhNH"

// Verify checks an HMAC-SHA256 of raw against header, which may be hex or
// base64 encoded and may carry a "sha256=" prefix.
func Verify(raw []byte, header string, secret []byte) bool {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" || len(secret) == 0 {
		return false
	}

	expected := sum(raw, secret)

	for _, decoded := range decodings(sig) {
		if hmac.Equal(expected, decoded) {
			return true
		}
	}
	return false
}

// Sign returns the lowercase hex signature for raw.
func Sign(raw, secret []byte) string {
	return hex.EncodeToString(sum(raw, secret))
}

func sum(raw, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	return mac.Sum(nil)
}

func decodings(sig string) [][]byte {
	var out [][]byte
	if b, err := hex.DecodeString(strings.ToLower(sig)); err == nil && len(b) == sha256.Size {
		out = append(out, b)
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if b, err := enc.DecodeString(sig); err == nil && len(b) == sha256.Size {
			out = append(out, b)
		}
	}
	return out
}

type Verifier struct {
	secret        []byte
	usingFallback bool
	permissive    bool
}

func NewVerifier(cfg config.Webhook) *Verifier {
	v := &Verifier{permissive: cfg.Permissive}

	switch secret := strings.TrimSpace(cfg.Secret); {
	case secret != "":
		v.secret = []byte(secret)
	case cfg.AllowPublicKeyFallback:
		v.secret = []byte(gatewayPublicKey)
		v.usingFallback = true
	}
	return v
}

func (v *Verifier) HasKey() bool {
	return len(v.secret) > 0
}

func (v *Verifier) UsingFallback() bool {
	return v.usingFallback
}

// Skips reports whether unsigned deliveries are accepted because no key is configured.
func (v *Verifier) Skips() bool {
	return !v.HasKey() && v.permissive
}

// Check authenticates a delivery. A configured key always requires a valid
// signature; without a key only permissive mode lets the delivery through.
func (v *Verifier) Check(raw []byte, header string) error {
	if !v.HasKey() {
		if v.permissive {
			return nil
		}
		return apperr.New(apperr.Authentication, "webhook secret not configured")
	}

	if strings.TrimSpace(header) == "" {
		return apperr.New(apperr.Authentication, "missing signature header")
	}

	if !Verify(raw, header, v.secret) {
		return apperr.New(apperr.Authentication, "signature mismatch")
	}
	return nil
}
