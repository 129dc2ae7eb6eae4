package rest

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
)

var errBadCursor = errors.New("bad cursor")

// cursor = base64url("<score>|<seq>"); the score is printed with full precision
// so the keyset comparison is exact.
func encodeCursor(c *domain.RankCursor) string {
	if c == nil {
		return ""
	}
	raw := strconv.FormatFloat(c.Score, 'g', -1, 64) + "|" + strconv.FormatInt(c.Seq, 10)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(s string) (*domain.RankCursor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, errBadCursor
	}
	parts := strings.Split(string(b), "|")
	if len(parts) != 2 {
		return nil, errBadCursor
	}
	score, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, errBadCursor
	}
	seq, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, errBadCursor
	}
	return &domain.RankCursor{Score: score, Seq: seq}, nil
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 20
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 20
	}
	if n < 1 {
		return 1
	}
	if n > 100 {
		return 100
	}
	return n
}
