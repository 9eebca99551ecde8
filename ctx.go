package auth

import (
	"context"
)

var userCtxKey = &contextKey{"user"}

type contextKey struct {
	name string
}

// WithContext sets the acting User in the given context
func WithContext(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userCtxKey, user)
}

// FromContext finds the acting user from the context.
func FromContext(ctx context.Context) (*User, bool) {
	raw, ok := ctx.Value(userCtxKey).(*User)
	return raw, ok && raw != nil
}

// ActorFromContext returns the actor stored in ctx, or SystemActor.
func ActorFromContext(ctx context.Context) ActorRef {
	user, ok := FromContext(ctx)
	if !ok {
		return SystemActor
	}
	return ActorFromUser(user)
}

// CanFromContext checks flag against the acting user in ctx.
func CanFromContext(ctx context.Context, flag Permission) bool {
	user, _ := FromContext(ctx)
	return Can(user, flag)
}
