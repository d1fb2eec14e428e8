package util

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

const (
	PairingCodeLen  = 6
	pairingCodeMaxN = 1_000_000
)

// HashToken returns the hex SHA-256 of token, used to reference tokens in logs.
func HashToken(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:])
}

// GeneratePairingCode returns a uniformly distributed 6-digit code, zero padded.
func GeneratePairingCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(pairingCodeMaxN))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ConstantTimeEqual compares two strings without leaking where they differ.
// A length mismatch still returns early; callers validate length first.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func MaskCode(code string) string {
	if len(code) <= 2 {
		return "****"
	}
	return code[:2] + "****"
}
