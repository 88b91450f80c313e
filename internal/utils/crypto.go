// internal/utils/crypto.go
package utils

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"math/big"
	"strings"
)

func GenerateRandomString(length int) (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)

	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		b[i] = charset[n.Int64()]
	}

	return string(b), nil
}

// GeneratePaymentReference returns the order reference handed to a provider
// for one payment attempt, e.g. PA7K2Q9...
func GeneratePaymentReference() (string, error) {
	randomPart, err := GenerateRandomString(18)
	if err != nil {
		return "", err
	}
	return "PA" + randomPart, nil
}

// SignHMAC returns the lowercase hex HMAC-SHA256 of the message parts joined
// with ".".
func SignHMAC(secret string, parts ...[]byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	for i, part := range parts {
		if i > 0 {
			mac.Write([]byte("."))
		}
		mac.Write(part)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC compares a hex signature against the expected HMAC in constant
// time. Case of the hex digits is ignored.
func VerifyHMAC(secret, signature string, parts ...[]byte) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := SignHMAC(secret, parts...)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}

// SecretsEqual compares two shared secrets in constant time.
func SecretsEqual(expected, given string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}
