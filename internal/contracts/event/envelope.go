package event

import (
	"time"

	"github.com/google/uuid"
)

// Routing keys produced by this service (via the outbox).
const (
	RKWaitlistJoined = "drop.waitlist.joined"
	RKWaitlistLeft   = "drop.waitlist.left"
	RKDropClaimed    = "drop.claimed"
)

// Routing keys consumed from the drop catalog.
const (
	RKDropPublished = "drop.published"
	RKDropUpdated   = "drop.updated"
	RKDropCanceled  = "drop.canceled"
	RKDropCompleted = "drop.completed"
)

const Producer = "drop-service"

// DomainEventEnvelope is the canonical envelope consumed across services.
// message_id is optional for older producers.
type DomainEventEnvelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// DropSnapshotPayload is the catalog's view of a drop. Unknown fields are ignored.
// Status is optional on published/updated; canceled/completed only need the id.
type DropSnapshotPayload struct {
	DropID           string     `json:"drop_id" validate:"required,uuid"`
	Name             string     `json:"name,omitempty" validate:"max=200"`
	TotalStock       *int       `json:"total_stock,omitempty" validate:"omitempty,gt=0"`
	ClaimWindowStart *time.Time `json:"claim_window_start,omitempty"`
	ClaimWindowEnd   *time.Time `json:"claim_window_end,omitempty"`
	Status           string     `json:"status,omitempty" validate:"omitempty,oneof=active completed cancelled canceled"`
}

type WaitlistJoinedPayload struct {
	DropID        uuid.UUID `json:"drop_id"`
	UserID        uuid.UUID `json:"user_id"`
	EntryID       uuid.UUID `json:"entry_id"`
	PriorityScore float64   `json:"priority_score"`
}

type WaitlistLeftPayload struct {
	DropID  uuid.UUID `json:"drop_id"`
	UserID  uuid.UUID `json:"user_id"`
	EntryID uuid.UUID `json:"entry_id"`
}

type DropClaimedPayload struct {
	DropID    uuid.UUID `json:"drop_id"`
	UserID    uuid.UUID `json:"user_id"`
	EntryID   uuid.UUID `json:"entry_id"`
	ExpiresAt time.Time `json:"expires_at"`
}
