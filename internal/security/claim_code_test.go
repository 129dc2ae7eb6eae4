package security_test

import (
	"bytes"
	"errors"
	"regexp"
	"testing"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var codeRe = regexp.MustCompile(`^DROPSPOT-[A-Z0-9]{9}$`)

func TestCodeIssuer_Format(t *testing.T) {
	iss := security.NewCodeIssuer("DROPSPOT-", 9)

	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		code, err := iss.Issue()
		require.NoError(t, err)
		assert.Regexp(t, codeRe, code)
		seen[code] = struct{}{}
	}
	// 36^9 space; 500 draws colliding would mean a broken source
	assert.Len(t, seen, 500)
}

func TestCodeIssuer_DeterministicReader(t *testing.T) {
	src := bytes.Repeat([]byte{0x00}, 256)
	a := security.NewCodeIssuerWithReader("X-", 6, bytes.NewReader(src))
	b := security.NewCodeIssuerWithReader("X-", 6, bytes.NewReader(src))

	ca, err := a.Issue()
	require.NoError(t, err)
	cb, err := b.Issue()
	require.NoError(t, err)
	assert.Equal(t, ca, cb)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy gone") }

func TestCodeIssuer_ReaderFailure(t *testing.T) {
	iss := security.NewCodeIssuerWithReader("DROPSPOT-", 9, failingReader{})
	_, err := iss.Issue()
	assert.ErrorIs(t, err, security.ErrCodeGeneration)
}

func TestCodeIssuer_RejectsZeroLength(t *testing.T) {
	_, err := security.NewCodeIssuer("DROPSPOT-", 0).Issue()
	assert.ErrorIs(t, err, security.ErrCodeGeneration)
}
