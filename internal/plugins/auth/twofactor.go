package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// codeDigits is the length of the emailed one-time code.
const codeDigits = 6

// codeSpace is the number of possible codes (10^codeDigits).
var codeSpace = big.NewInt(1_000_000)

// codeSaltLen is the salt length for stored code hashes.
const codeSaltLen = 16

// generateCode returns a uniformly random 6-digit decimal code,
// zero-padded. crypto/rand.Int performs the rejection sampling needed for
// a uniform draw.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", fmt.Errorf("generating one-time code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

// hashCode computes a salted SHA-256 digest of a one-time code, encoded as
// "<hex salt>$<hex digest>". The plaintext code is never persisted; the
// per-challenge salt keeps a leaked database dump from being a 10^6-entry
// rainbow-table lookup.
func hashCode(code string) (string, error) {
	salt := make([]byte, codeSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating code salt: %w", err)
	}

	digest := sha256.Sum256(append(salt, []byte(code)...))
	return hex.EncodeToString(salt) + "$" + hex.EncodeToString(digest[:]), nil
}

// verifyCode checks a submitted code against a stored "<salt>$<digest>"
// value in constant time. Malformed stored values fail verification.
func verifyCode(code, encoded string) bool {
	saltHex, digestHex, ok := strings.Cut(encoded, "$")
	if !ok {
		return false
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(digestHex)
	if err != nil {
		return false
	}

	computed := sha256.Sum256(append(salt, []byte(code)...))
	return subtle.ConstantTimeCompare(expected, computed[:]) == 1
}

// validCodeShape reports whether the submitted string even looks like a
// one-time code. Checked before any store access.
func validCodeShape(code string) bool {
	if len(code) != codeDigits {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
