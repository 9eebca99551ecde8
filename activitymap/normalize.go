// Package activitymap converts auth activity events and history records into
// a flat shape for activity feeds and downstream consumers.
package activitymap

import (
	"strings"
	"time"

	auth "github.com/plinthio/go-auth"
)

const (
	// MetadataKeyActorType stores the actor type derived from auth.ActorRef.Type.
	MetadataKeyActorType = "actor_type"
	// MetadataKeyFromState stores the credential state before a transition.
	MetadataKeyFromState = "from_state"
	// MetadataKeyToState stores the credential state after a transition.
	MetadataKeyToState = "to_state"
	// MetadataKeyVersion stores the entity version of a history record.
	MetadataKeyVersion = "version"
	// MetadataKeyChangedFields lists the fields a history record touched.
	MetadataKeyChangedFields = "changed_fields"
)

const (
	defaultChannel    = "auth"
	defaultObjectType = auth.EntityTypeUser
	defaultActorID    = auth.ActorTypeSystem
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel          string
	objectType       string
	actorFallback    string
	objectIDResolver func(auth.ActivityEvent) string
}

// Normalize converts an auth.ActivityEvent into the normalized shape.
func Normalize(event auth.ActivityEvent, opts ...Option) Normalized {
	options := buildOptions(opts)

	actorID := firstNonEmpty(
		strings.TrimSpace(event.Actor.ID),
		strings.TrimSpace(event.UserID),
		options.actorFallback,
	)

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		ObjectType: options.objectType,
		ObjectID:   resolveObjectID(event, options.objectIDResolver),
		Channel:    options.channel,
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt(event.OccurredAt),
	}
}

// NormalizeHistory converts a history record. The verb is
// "<entity_type>.<operation>" and the object is the versioned entity.
// Object type and resolver options do not apply, the record carries both.
func NormalizeHistory(record *auth.HistoryRecord, opts ...Option) Normalized {
	if record == nil {
		return Normalized{}
	}
	options := buildOptions(opts)

	metadata := map[string]any{
		MetadataKeyVersion: record.Version,
	}
	if actorType := strings.TrimSpace(record.ActorType); actorType != "" {
		metadata[MetadataKeyActorType] = actorType
	}
	if fields := record.ChangedFields(); len(fields) > 0 {
		metadata[MetadataKeyChangedFields] = fields
	}

	return Normalized{
		ActorID:    firstNonEmpty(strings.TrimSpace(record.ActorID), options.actorFallback),
		Verb:       record.EntityType + "." + string(record.Operation),
		ObjectType: record.EntityType,
		ObjectID:   record.EntityID,
		Channel:    options.channel,
		Metadata:   metadata,
		OccurredAt: occurredAt(record.RecordedAt),
	}
}

// WithDefaultChannel sets the default channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the object type of normalized activity events.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithObjectIDResolver overrides object-id extraction from ActivityEvent.
func WithObjectIDResolver(resolver func(auth.ActivityEvent) string) Option {
	return func(opts *normalizeOptions) {
		opts.objectIDResolver = resolver
	}
}

// WithActorFallback sets the final actor-id fallback when actor/user ids are empty.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

func buildOptions(opts []Option) normalizeOptions {
	options := normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	return options
}

func occurredAt(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func resolveObjectID(event auth.ActivityEvent, resolver func(auth.ActivityEvent) string) string {
	if resolver != nil {
		return strings.TrimSpace(resolver(event))
	}
	return strings.TrimSpace(event.UserID)
}

func normalizeMetadata(event auth.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)
	set := func(key string, value any, overwrite bool) {
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, exists := metadata[key]; exists && !overwrite {
			return
		}
		metadata[key] = value
	}

	if actorType := strings.TrimSpace(event.Actor.Type); actorType != "" {
		set(MetadataKeyActorType, actorType, false)
	}
	if event.FromState != "" {
		set(MetadataKeyFromState, string(event.FromState), true)
	}
	if event.ToState != "" {
		set(MetadataKeyToState, string(event.ToState), true)
	}

	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
