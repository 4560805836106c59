// Package token issues short completion codes handed to participants
// when their task closes.
package token

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const (
	alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	// Length of every issued token.
	Length = 8
)

// Generate returns a fresh completion token: uppercase letters and
// digits, drawn from a CSPRNG. Tokens are opaque; uniqueness is
// probabilistic, collisions are acceptable for this use.
func Generate() (string, error) {
	buf := make([]byte, Length)
	max := big.NewInt(int64(len(alphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate token: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
