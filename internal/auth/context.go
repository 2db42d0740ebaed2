package auth

import (
	"context"

	"github.com/forgehq/agentrun/pkg/models"
)

type userContextKey struct{}

// WithUser attaches the authenticated caller to the request context.
func WithUser(ctx context.Context, user *models.User) context.Context {
	if user == nil {
		return ctx
	}
	return context.WithValue(ctx, userContextKey{}, user)
}

// UserFromContext retrieves the authenticated caller from the context.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(userContextKey{}).(*models.User)
	return user, ok
}

// AccountFromContext returns the account id the request is scoped to —
// the value stamped onto every project, thread, and run row a
// control-plane operation creates.
func AccountFromContext(ctx context.Context) (string, bool) {
	user, ok := UserFromContext(ctx)
	if !ok {
		return "", false
	}
	return user.Account(), true
}
