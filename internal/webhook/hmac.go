package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

// SignBody computes the HMAC-SHA256 signature of body under secret, in the
// "sha256=<hex>" form carried by SignatureHeader.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies an HMAC-SHA256 signature against a request body.
//
// Comparison is constant-time (crypto/subtle). Accepted formats:
//   - "sha256=<hex>"
//   - "<hex>" (plain hex)
//
// All errors are generic to prevent information leakage.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return fmt.Errorf("webhook verification failed")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expectedMAC := mac.Sum(nil)

	actualMAC, err := parseSignature(signature)
	if err != nil {
		return fmt.Errorf("webhook verification failed")
	}

	if subtle.ConstantTimeCompare(expectedMAC, actualMAC) != 1 {
		return fmt.Errorf("webhook verification failed")
	}

	return nil
}

// parseSignature extracts and decodes the HMAC signature from its header form.
func parseSignature(signature string) ([]byte, error) {
	hexPart := strings.TrimPrefix(signature, "sha256=")
	raw, err := hex.DecodeString(hexPart)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding")
	}
	if len(raw) != sha256.Size {
		return nil, fmt.Errorf("invalid signature length")
	}
	return raw, nil
}
