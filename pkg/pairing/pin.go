package pairing

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// PIN constants.
const (
	// PINLength is the number of digits in a pairing PIN.
	PINLength = 6

	// ComparisonCodeLength is the number of digits in a comparison code.
	ComparisonCodeLength = 6

	// TokenSize is the byte length of a QR pairing token.
	TokenSize = 16

	comparisonInfo = "cribcall comparison code"
)

// ErrInvalidPIN is returned for PINs that are not six decimal digits.
var ErrInvalidPIN = errors.New("invalid PIN")

var pinModulus = big.NewInt(1_000_000)

// GeneratePIN returns a cryptographically random six-digit PIN.
func GeneratePIN() (string, error) {
	n, err := rand.Int(rand.Reader, pinModulus)
	if err != nil {
		return "", fmt.Errorf("failed to generate random PIN: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// ParsePIN normalizes user input ("123 456", "123-456") to six digits.
func ParsePIN(s string) (string, error) {
	s = strings.NewReplacer(" ", "", "-", "").Replace(strings.TrimSpace(s))
	if len(s) != PINLength {
		return "", fmt.Errorf("%w: must be %d digits", ErrInvalidPIN, PINLength)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: must be digits only", ErrInvalidPIN)
		}
	}
	return s, nil
}

// GenerateToken returns a random 128-bit token for QR pairing, hex encoded.
func GenerateToken() (string, error) {
	b := make([]byte, TokenSize)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate pairing token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// ComparisonCode derives the six-digit code both operators compare from the
// PAKE shared secret.
func ComparisonCode(sharedSecret []byte) (string, error) {
	b, err := expand(sharedSecret, comparisonInfo, 4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", binary.BigEndian.Uint32(b)%1_000_000), nil
}

// transcriptKeys derives separate tag keys for the two roles so neither side
// can answer with the other's tag.
func transcriptKeys(sharedSecret []byte) (monitorKey, listenerKey []byte, err error) {
	if monitorKey, err = expand(sharedSecret, "cribcall transcript monitor", SharedSecretSize); err != nil {
		return nil, nil, err
	}
	if listenerKey, err = expand(sharedSecret, "cribcall transcript listener", SharedSecretSize); err != nil {
		return nil, nil, err
	}
	return monitorKey, listenerKey, nil
}

func expand(secret []byte, info string, n int) ([]byte, error) {
	if len(secret) != SharedSecretSize {
		return nil, ErrNotFinished
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return out, nil
}
