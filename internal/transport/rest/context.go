package rest

import (
	"context"

	"github.com/google/uuid"
)

type authKey struct{}

// AuthContext is the verified caller, set by AuthMiddleware.
type AuthContext struct {
	UserID uuid.UUID
	Role   string
}

func withAuth(ctx context.Context, a AuthContext) context.Context {
	return context.WithValue(ctx, authKey{}, a)
}

func GetAuth(ctx context.Context) (AuthContext, bool) {
	a, ok := ctx.Value(authKey{}).(AuthContext)
	if !ok || a.UserID == uuid.Nil {
		return AuthContext{}, false
	}
	return a, true
}
