package auth_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextUser(t *testing.T) {
	ctx := context.Background()

	_, ok := auth.FromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, auth.SystemActor, auth.ActorFromContext(ctx))
	assert.False(t, auth.CanFromContext(ctx, auth.PermissionRead))

	var nilUser *auth.User
	_, ok = auth.FromContext(auth.WithContext(ctx, nilUser))
	assert.False(t, ok)

	user := &auth.User{ID: uuid.New(), Role: auth.NewRole("Reader", "", auth.PermissionRead)}
	ctx = auth.WithContext(ctx, user)

	got, ok := auth.FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, user, got)
	assert.Equal(t, auth.ActorRef{ID: user.ID.String(), Type: auth.ActorTypeUser}, auth.ActorFromContext(ctx))
	assert.True(t, auth.CanFromContext(ctx, auth.PermissionRead))
	assert.False(t, auth.CanFromContext(ctx, auth.PermissionEdit))
}

func TestPreregisterTakesActorFromContext(t *testing.T) {
	f := newFixture(t)
	admin := f.admin(t)
	ctx := auth.WithContext(context.Background(), admin)

	user, err := f.lifecycle.Preregister(ctx, auth.ActorRef{}, auth.PreregisterInput{Email: "invitee@example.com"})
	require.NoError(t, err)

	records := f.history(t, auth.EntityTypeUser, user.ID.String())
	require.Len(t, records, 1)
	assert.Equal(t, admin.ID.String(), records[0].ActorID)
	assert.Equal(t, auth.ActorTypeUser, records[0].ActorType)
}
