package listen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"unicode"
)

// ErrInvalidAlphabet is returned for alphabets codes cannot be drawn from.
var ErrInvalidAlphabet = errors.New("invalid session code alphabet")

// ValidateCodeSpec checks a code alphabet and length. Codes are compared
// upper-cased, so lower-case letters are rejected, as are characters the
// text wire format reserves.
func ValidateCodeSpec(alphabet string, length int) error {
	if length <= 0 {
		return fmt.Errorf("session code length must be positive, got %d", length)
	}
	runes := []rune(alphabet)
	if len(runes) < 2 {
		return fmt.Errorf("%w: need at least 2 symbols", ErrInvalidAlphabet)
	}
	seen := make(map[rune]bool, len(runes))
	for _, r := range runes {
		switch {
		case seen[r]:
			return fmt.Errorf("%w: duplicate %q", ErrInvalidAlphabet, r)
		case unicode.IsLower(r):
			return fmt.Errorf("%w: lower-case %q", ErrInvalidAlphabet, r)
		case unicode.IsSpace(r) || !unicode.IsPrint(r) || strings.ContainsRune("|,%/#+", r):
			return fmt.Errorf("%w: reserved %q", ErrInvalidAlphabet, r)
		}
		seen[r] = true
	}
	return nil
}

// GenerateCode draws a uniformly random code. No registry is consulted;
// see CollisionProbability.
func GenerateCode(alphabet string, length int) (string, error) {
	if err := ValidateCodeSpec(alphabet, length); err != nil {
		return "", err
	}
	runes := []rune(alphabet)
	n := big.NewInt(int64(len(runes)))

	var b strings.Builder
	for i := 0; i < length; i++ {
		idx, err := rand.Int(rand.Reader, n)
		if err != nil {
			return "", fmt.Errorf("generate session code: %w", err)
		}
		b.WriteRune(runes[idx.Int64()])
	}
	return b.String(), nil
}

// NormalizeCode trims and upper-cases a user-entered code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// CodeSpace is the number of distinct codes.
func CodeSpace(alphabet string, length int) float64 {
	return math.Pow(float64(len([]rune(alphabet))), float64(length))
}

// CollisionProbability estimates the chance that at least two of active
// concurrent sessions share a code (birthday bound).
func CollisionProbability(alphabet string, length, active int) float64 {
	if active < 2 {
		return 0
	}
	space := CodeSpace(alphabet, length)
	if space <= 0 {
		return 1
	}
	n := float64(active)
	return -math.Expm1(-n * (n - 1) / (2 * space))
}
