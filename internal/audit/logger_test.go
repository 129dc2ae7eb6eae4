package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	appctx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimIssued_WritesAuditLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(zerolog.New(&buf))

	ctx := appctx.WithRequestID(context.Background(), "req-9")
	dropID, userID := uuid.New(), uuid.New()
	l.ClaimIssued(ctx, dropID, userID, "DROPSPOT-ABCDEFGHJ", time.Unix(0, 0).UTC(), 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, true, line["audit"])
	assert.Equal(t, "claim_issued", line["action"])
	assert.Equal(t, dropID.String(), line["drop_id"])
	assert.Equal(t, "req-9", line["trace_id"])
	assert.EqualValues(t, 3, line["claimed_count"])
}
