package security

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"strings"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// CodeIssuer mints redemption codes of the form <prefix><n random chars>.
// Uniqueness is ultimately enforced by storage; callers retry on collision.
type CodeIssuer struct {
	prefix string
	length int
	rand   io.Reader
}

func NewCodeIssuer(prefix string, length int) *CodeIssuer {
	return &CodeIssuer{prefix: prefix, length: length, rand: rand.Reader}
}

// NewCodeIssuerWithReader is for tests that need a deterministic source.
func NewCodeIssuerWithReader(prefix string, length int, r io.Reader) *CodeIssuer {
	return &CodeIssuer{prefix: prefix, length: length, rand: r}
}

func (c *CodeIssuer) Issue() (string, error) {
	if c.length <= 0 {
		return "", fmt.Errorf("%w: length must be positive", ErrCodeGeneration)
	}

	var sb strings.Builder
	sb.Grow(len(c.prefix) + c.length)
	sb.WriteString(c.prefix)

	max := big.NewInt(int64(len(codeAlphabet)))
	for i := 0; i < c.length; i++ {
		n, err := rand.Int(c.rand, max)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrCodeGeneration, err)
		}
		sb.WriteByte(codeAlphabet[n.Int64()])
	}
	return sb.String(), nil
}
