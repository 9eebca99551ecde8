package auth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/stretchr/testify/assert"
)

func TestUserState(t *testing.T) {
	tests := []struct {
		name string
		user auth.User
		want auth.CredentialState
	}{
		{"no password", auth.User{Confirmed: true}, auth.StatePreregistered},
		{"password unconfirmed", auth.User{PasswordHash: "hash"}, auth.StateUnconfirmed},
		{"password confirmed", auth.User{PasswordHash: "hash", Confirmed: true}, auth.StateActive},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.user.State())
		})
	}

	assert.True(t, (&auth.User{}).IsDisabled())
	assert.False(t, (&auth.User{Active: true}).IsDisabled())
}

func TestUserDisplayHelpers(t *testing.T) {
	u := &auth.User{Email: "ada@example.com", FirstName: "ada", LastName: "lovelace"}
	assert.Equal(t, "ada lovelace", u.Name())
	assert.Equal(t, "AL", u.Initials())
	assert.Equal(t, "55502f40dc8b7c769880b10874abc9d0", (&auth.User{Email: "test@example.com"}).EmailHash())

	anonymous := &auth.User{Email: "x@example.com"}
	assert.Equal(t, "x@example.com", anonymous.Name())
	assert.Equal(t, "", anonymous.Initials())
}

func TestUserHistorySnapshot(t *testing.T) {
	roleID := uuid.New()
	confirmedAt := time.Date(2026, 1, 1, 10, 0, 0, 0, time.FixedZone("X", 3600))
	u := &auth.User{
		ID:           uuid.New(),
		Email:        "ada@example.com",
		PasswordHash: "hash",
		Confirmed:    true,
		ConfirmedAt:  &confirmedAt,
		Active:       true,
		RoleID:       &roleID,
		Version:      4,
	}

	snapshot := u.HistorySnapshot()
	assert.Equal(t, "ada@example.com", snapshot["email"])
	assert.Equal(t, true, snapshot["confirmed"])
	assert.Equal(t, "2026-01-01T09:00:00Z", snapshot["confirmed_at"])
	assert.Equal(t, roleID.String(), snapshot["role_id"])
	assert.Equal(t, "", snapshot["last_seen"])

	assert.Equal(t, auth.EntityTypeUser, u.HistoryEntityType())
	assert.Equal(t, u.ID.String(), u.HistoryEntityID())
	assert.Equal(t, int64(4), u.HistoryVersion())
}

func TestRoleHistorySnapshot(t *testing.T) {
	role := auth.NewRole("Admin", "Full access", auth.AllPermissions)
	snapshot := role.HistorySnapshot()

	assert.Equal(t, "Admin", snapshot["name"])
	assert.Equal(t, "4611686018427387919", snapshot["permissions"])
	assert.Equal(t, auth.EntityTypeRole, role.HistoryEntityType())
}

func TestHistoryRecordHelpers(t *testing.T) {
	record := &auth.HistoryRecord{
		ActorID:   "user-1",
		ActorType: auth.ActorTypeUser,
		Previous:  map[string]any{"email": "a@example.com"},
		Current:   map[string]any{"email": "b@example.com", "confirmed": true},
	}

	assert.Equal(t, auth.ActorRef{ID: "user-1", Type: auth.ActorTypeUser}, record.Actor())
	assert.Equal(t, []string{"confirmed", "email"}, record.ChangedFields())
}
