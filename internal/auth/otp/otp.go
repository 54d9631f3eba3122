// Package otp generates the short numeric codes sent for OTP challenges.
//
// Every code is an HOTP value derived from a fresh random secret and counter,
// so codes are independent of each other. Only the hash of a code is stored.
package otp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/hotp"
)

// DefaultDigits is the code length used when none is configured.
const DefaultDigits = 6

const secretSize = 20

// Generator issues codes of a fixed length.
type Generator struct {
	digits otp.Digits
}

// NewGenerator accepts 4 to 10 digits; anything else falls back to DefaultDigits.
func NewGenerator(digits int) *Generator {
	if digits < 4 || digits > 10 {
		digits = DefaultDigits
	}
	return &Generator{digits: otp.Digits(digits)}
}

// Digits returns the code length.
func (g *Generator) Digits() int { return g.digits.Length() }

// Generate returns a new code and the hash to store for it.
func (g *Generator) Generate() (code, hash string, err error) {
	buf := make([]byte, secretSize+8)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to read random bytes for otp: %w", err)
	}
	secret := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(buf[:secretSize])
	counter := binary.BigEndian.Uint64(buf[secretSize:])

	code, err = hotp.GenerateCodeCustom(secret, counter, hotp.ValidateOpts{
		Digits:    g.digits,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to generate otp code: %w", err)
	}
	return code, Hash(code), nil
}

// Hash returns the storage form of a code.
func Hash(code string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

// Verify compares a submitted code with a stored hash in constant time.
func Verify(storedHash, code string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(Hash(code))) == 1
}
