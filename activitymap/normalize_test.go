package activitymap_test

import (
	"testing"
	"time"

	auth "github.com/plinthio/go-auth"
	"github.com/plinthio/go-auth/activitymap"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := auth.ActivityEvent{
		EventType:  auth.ActivityEventUserStateChanged,
		Actor:      auth.ActorRef{ID: "admin-42", Type: "admin"},
		UserID:     "user-100",
		FromState:  auth.StatePreregistered,
		ToState:    auth.StateActive,
		Metadata: map[string]any{
			"ticket": "SEC-204",
		},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	if out.ActorID != "admin-42" {
		t.Fatalf("expected actor_id admin-42, got %q", out.ActorID)
	}
	if out.Verb != string(auth.ActivityEventUserStateChanged) {
		t.Fatalf("expected verb %q, got %q", auth.ActivityEventUserStateChanged, out.Verb)
	}
	if out.ObjectType != "user" {
		t.Fatalf("expected object_type user, got %q", out.ObjectType)
	}
	if out.ObjectID != "user-100" {
		t.Fatalf("expected object_id user-100, got %q", out.ObjectID)
	}
	if out.Channel != "auth" {
		t.Fatalf("expected channel auth, got %q", out.Channel)
	}
	if !out.OccurredAt.Equal(ts) {
		t.Fatalf("expected occurred_at %v, got %v", ts, out.OccurredAt)
	}

	if out.Metadata["ticket"] != "SEC-204" {
		t.Fatalf("expected metadata ticket SEC-204, got %#v", out.Metadata["ticket"])
	}
	if out.Metadata[activitymap.MetadataKeyActorType] != "admin" {
		t.Fatalf("expected metadata actor_type admin, got %#v", out.Metadata[activitymap.MetadataKeyActorType])
	}
	if out.Metadata[activitymap.MetadataKeyFromState] != string(auth.StatePreregistered) {
		t.Fatalf("expected metadata from_state preregistered, got %#v", out.Metadata[activitymap.MetadataKeyFromState])
	}
	if out.Metadata[activitymap.MetadataKeyToState] != string(auth.StateActive) {
		t.Fatalf("expected metadata to_state active, got %#v", out.Metadata[activitymap.MetadataKeyToState])
	}

	if len(event.Metadata) != 1 {
		t.Fatalf("expected source metadata to remain unchanged, got %+v", event.Metadata)
	}
}

func TestNormalizeOptionOverrides(t *testing.T) {
	t.Parallel()

	event := auth.ActivityEvent{
		EventType: auth.ActivityEventPasswordResetSuccess,
		Actor:     auth.ActorRef{Type: "user"},
		UserID:    "user-200",
		Metadata: map[string]any{
			"password_reset_id":              "reset-1",
			activitymap.MetadataKeyActorType: "existing",
		},
	}

	out := activitymap.Normalize(
		event,
		activitymap.WithDefaultChannel("security"),
		activitymap.WithDefaultObjectType("account"),
		activitymap.WithObjectIDResolver(func(e auth.ActivityEvent) string {
			if v, ok := e.Metadata["password_reset_id"].(string); ok {
				return v
			}
			return ""
		}),
	)

	if out.Channel != "security" {
		t.Fatalf("expected channel security, got %q", out.Channel)
	}
	if out.ObjectType != "account" {
		t.Fatalf("expected object_type account, got %q", out.ObjectType)
	}
	if out.ObjectID != "reset-1" {
		t.Fatalf("expected object_id reset-1, got %q", out.ObjectID)
	}
	if out.Metadata[activitymap.MetadataKeyActorType] != "existing" {
		t.Fatalf("expected existing actor_type preserved, got %#v", out.Metadata[activitymap.MetadataKeyActorType])
	}
	if out.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be set when input is zero")
	}
}

func TestNormalizeActorFallbackChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		event  auth.ActivityEvent
		opts   []activitymap.Option
		expect string
	}{
		{
			name:   "uses actor id when present",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{ID: "actor-1"}, UserID: "user-1"},
			expect: "actor-1",
		},
		{
			name:   "uses user id when actor id missing",
			event:  auth.ActivityEvent{Actor: auth.ActorRef{ID: ""}, UserID: "user-2"},
			expect: "user-2",
		},
		{
			name:   "uses default fallback when actor and user missing",
			event:  auth.ActivityEvent{},
			expect: "system",
		},
		{
			name:   "uses configured fallback when actor and user missing",
			event:  auth.ActivityEvent{},
			opts:   []activitymap.Option{activitymap.WithActorFallback("job")},
			expect: "job",
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out := activitymap.Normalize(tc.event, tc.opts...)
			if out.ActorID != tc.expect {
				t.Fatalf("expected actor_id %q, got %q", tc.expect, out.ActorID)
			}
		})
	}
}

func TestNormalizeHistory(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	record := &auth.HistoryRecord{
		ID:         "01J00000000000000000000000",
		EntityType: auth.EntityTypeRole,
		EntityID:   "role-7",
		Version:    3,
		Operation:  auth.OperationUpdate,
		ActorID:    "admin-1",
		ActorType:  auth.ActorTypeUser,
		Previous:   map[string]any{"permissions": "1"},
		Current:    map[string]any{"permissions": "3"},
		RecordedAt: ts,
	}

	out := activitymap.NormalizeHistory(record, activitymap.WithDefaultChannel("audit"))

	if out.Verb != "role.update" {
		t.Fatalf("expected verb role.update, got %q", out.Verb)
	}
	if out.ActorID != "admin-1" {
		t.Fatalf("expected actor_id admin-1, got %q", out.ActorID)
	}
	if out.ObjectType != auth.EntityTypeRole || out.ObjectID != "role-7" {
		t.Fatalf("unexpected object %q/%q", out.ObjectType, out.ObjectID)
	}
	if out.Channel != "audit" {
		t.Fatalf("expected channel audit, got %q", out.Channel)
	}
	if out.Metadata[activitymap.MetadataKeyVersion] != int64(3) {
		t.Fatalf("expected version 3, got %#v", out.Metadata[activitymap.MetadataKeyVersion])
	}
	fields, ok := out.Metadata[activitymap.MetadataKeyChangedFields].([]string)
	if !ok || len(fields) != 1 || fields[0] != "permissions" {
		t.Fatalf("expected changed_fields [permissions], got %#v", out.Metadata[activitymap.MetadataKeyChangedFields])
	}
	if !out.OccurredAt.Equal(ts) {
		t.Fatalf("expected occurred_at %v, got %v", ts, out.OccurredAt)
	}
}

func TestNormalizeHistorySystemActor(t *testing.T) {
	t.Parallel()

	out := activitymap.NormalizeHistory(&auth.HistoryRecord{
		EntityType: auth.EntityTypeUser,
		EntityID:   "user-1",
		Version:    1,
		Operation:  auth.OperationCreate,
		ActorType:  auth.ActorTypeSystem,
	})

	if out.ActorID != "system" {
		t.Fatalf("expected system actor fallback, got %q", out.ActorID)
	}
	if out.Verb != "user.create" {
		t.Fatalf("expected verb user.create, got %q", out.Verb)
	}
	if out.Metadata[activitymap.MetadataKeyActorType] != auth.ActorTypeSystem {
		t.Fatalf("expected actor_type system, got %#v", out.Metadata[activitymap.MetadataKeyActorType])
	}
	if _, ok := out.Metadata[activitymap.MetadataKeyChangedFields]; ok {
		t.Fatalf("expected no changed_fields for an empty record")
	}

	if got := activitymap.NormalizeHistory(nil); got.Verb != "" {
		t.Fatalf("expected empty result for nil record, got %+v", got)
	}
}
