package security

import (
	"time"

	"github.com/google/uuid"
)

// Identity is what the drop service needs from an access token: who is
// calling. Account metadata is resolved separately.
type Identity struct {
	UserID uuid.UUID
	Role   string
	Exp    time.Time
	Issuer string
}
