package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/baechuer/real-time-ressys/services/drop-service/internal/domain"
	appCtx "github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/context"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/pkg/logger"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/service"
	"github.com/baechuer/real-time-ressys/services/drop-service/internal/transport/rest/response"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

type Handler struct {
	svc *service.DropService
}

func NewHandler(svc *service.DropService) *Handler {
	return &Handler{svc: svc}
}

type joinRequest struct {
	// client-side send time in unix ms, used for the signup latency signal
	RequestTimeMs *int64 `json:"request_time_ms" validate:"omitempty,gt=0"`
}

type waitlistItem struct {
	EntryID       uuid.UUID          `json:"entry_id"`
	UserID        uuid.UUID          `json:"user_id"`
	PriorityScore float64            `json:"priority_score"`
	Status        domain.EntryStatus `json:"status"`
	ClaimedAt     *time.Time         `json:"claimed_at,omitempty"`
	JoinedAt      time.Time          `json:"joined_at"`
}

func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	dropID, auth, ok := dropAndAuth(w, r)
	if !ok {
		return
	}

	var req joinRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if err := validate.Struct(req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid request_time_ms", map[string]string{
			"request_time_ms": "must be a positive unix millisecond timestamp",
		})
		return
	}

	res, err := h.svc.Join(r.Context(), dropID, auth.UserID, req.RequestTimeMs)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) Leave(w http.ResponseWriter, r *http.Request) {
	dropID, auth, ok := dropAndAuth(w, r)
	if !ok {
		return
	}
	if err := h.svc.Leave(r.Context(), dropID, auth.UserID); err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"message": "Successfully left waitlist"})
}

func (h *Handler) Claim(w http.ResponseWriter, r *http.Request) {
	dropID, auth, ok := dropAndAuth(w, r)
	if !ok {
		return
	}
	res, err := h.svc.Claim(r.Context(), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, res)
}

func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	dropID, auth, ok := dropAndAuth(w, r)
	if !ok {
		return
	}
	e, err := h.svc.MyEntry(r.Context(), dropID, auth.UserID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, e)
}

func (h *Handler) Waitlist(w http.ResponseWriter, r *http.Request) {
	dropID, _, ok := dropAndAuth(w, r)
	if !ok {
		return
	}

	limit := parseLimit(r.URL.Query().Get("limit"))
	cur, err := decodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid cursor", nil)
		return
	}

	entries, next, err := h.svc.ListWaitlist(r.Context(), dropID, limit, cur)
	if err != nil {
		handleErr(w, r, err)
		return
	}

	items := make([]waitlistItem, 0, len(entries))
	for _, e := range entries {
		items = append(items, waitlistItem{
			EntryID:       e.ID,
			UserID:        e.UserID,
			PriorityScore: e.PriorityScore,
			Status:        e.Status,
			ClaimedAt:     e.ClaimedAt,
			JoinedAt:      e.CreatedAt,
		})
	}
	response.Data(w, http.StatusOK, map[string]any{
		"items":       items,
		"next_cursor": encodeCursor(next),
	})
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	dropID, _, ok := dropAndAuth(w, r)
	if !ok {
		return
	}
	s, err := h.svc.Stats(r.Context(), dropID)
	if err != nil {
		handleErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, s)
}

func dropAndAuth(w http.ResponseWriter, r *http.Request) (uuid.UUID, AuthContext, bool) {
	dropID, err := uuid.Parse(chi.URLParam(r, "dropID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid dropID", map[string]string{
			"drop_id": "must be a valid uuid",
		})
		return uuid.Nil, AuthContext{}, false
	}
	auth, ok := GetAuth(r.Context())
	if !ok {
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
		return uuid.Nil, AuthContext{}, false
	}
	return dropID, auth, true
}

func handleErr(w http.ResponseWriter, r *http.Request, err error) {
	var already *domain.AlreadyJoinedError
	if errors.As(err, &already) {
		fail(w, r, http.StatusConflict, "waitlist.already_joined", err.Error(), map[string]string{
			"position":       strconv.Itoa(already.Position),
			"priority_score": strconv.FormatFloat(already.PriorityScore, 'f', -1, 64),
		})
		return
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyJoined):
		fail(w, r, http.StatusConflict, "waitlist.already_joined", err.Error(), nil)
	case errors.Is(err, domain.ErrDropNotFound):
		fail(w, r, http.StatusNotFound, "drop.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrNotJoined):
		fail(w, r, http.StatusNotFound, "waitlist.not_joined", err.Error(), nil)
	case errors.Is(err, domain.ErrNotInWaitlist):
		fail(w, r, http.StatusNotFound, "claim.not_in_waitlist", err.Error(), nil)
	case errors.Is(err, domain.ErrDropNotActive):
		fail(w, r, http.StatusBadRequest, "drop.not_active", err.Error(), nil)
	case errors.Is(err, domain.ErrCannotLeaveAfterClaim):
		fail(w, r, http.StatusBadRequest, "waitlist.already_claimed", err.Error(), nil)
	case errors.Is(err, domain.ErrOutOfStock):
		fail(w, r, http.StatusBadRequest, "claim.out_of_stock", err.Error(), nil)
	case errors.Is(err, domain.ErrWindowClosed):
		fail(w, r, http.StatusTooManyRequests, "claim.window_closed", err.Error(), nil)
	case errors.Is(err, domain.ErrInvalidDrop):
		fail(w, r, http.StatusBadRequest, "drop.invalid", err.Error(), nil)
	case domain.KindOf(err) == domain.KindUnauthenticated:
		fail(w, r, http.StatusUnauthorized, "auth.unauthorized", "unauthorized", nil)
	case domain.KindOf(err) == domain.KindTransient:
		w.Header().Set("Retry-After", "1")
		fail(w, r, http.StatusServiceUnavailable, "unavailable", "temporarily unavailable, retry", nil)

	default:
		// Do not leak internal details.
		logger.WithCtx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("unhandled error")
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	response.Fail(w, status, code, message, meta, appCtx.TraceID(r.Context()))
}
