package auth

import (
	"context"
	"reflect"
	"sort"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// RedactedValue replaces the value of hidden fields in history records.
const RedactedValue = "[redacted]"

// Versioned is implemented by entities whose mutations are recorded.
type Versioned interface {
	HistoryEntityType() string
	HistoryEntityID() string
	// HistoryVersion is the entity version after the mutation.
	HistoryVersion() int64
	// HistorySnapshot returns the candidate field values keyed by column name.
	HistorySnapshot() map[string]any
}

// EntityConfig classifies the fields of an entity type. Untracked fields never
// appear in history. Hidden fields appear with their value redacted.
type EntityConfig struct {
	Type      string
	Untracked []string
	Hidden    []string
}

type entityRules struct {
	untracked map[string]struct{}
	hidden    map[string]struct{}
}

func (r entityRules) tracked(field string) bool {
	_, skip := r.untracked[field]
	return !skip
}

func (r entityRules) isHidden(field string) bool {
	_, ok := r.hidden[field]
	return ok
}

// DefaultEntityConfigs returns the configuration for users and roles.
func DefaultEntityConfigs() []EntityConfig {
	return []EntityConfig{
		{
			Type:      EntityTypeUser,
			Untracked: []string{"last_seen", "updated_at"},
			Hidden:    []string{"password_hash", "api_key"},
		},
		{
			Type:      EntityTypeRole,
			Untracked: []string{"updated_at"},
		},
	}
}

// AuditTrail computes and persists history records alongside entity writes.
type AuditTrail struct {
	mu             sync.RWMutex
	rules          map[string]entityRules
	store          HistoryStore
	clock          func() time.Time
	logger         Logger
	metrics        *Metrics
	viewPermission Permission
}

type AuditOption func(*AuditTrail)

func WithAuditClock(clock func() time.Time) AuditOption {
	return func(a *AuditTrail) {
		if clock != nil {
			a.clock = clock
		}
	}
}

func WithAuditLogger(logger Logger) AuditOption {
	return func(a *AuditTrail) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func WithAuditMetrics(metrics *Metrics) AuditOption {
	return func(a *AuditTrail) {
		a.metrics = metrics
	}
}

// WithAuditViewPermission sets the flag a viewer needs to read history.
func WithAuditViewPermission(flag Permission) AuditOption {
	return func(a *AuditTrail) {
		a.viewPermission = flag
	}
}

// WithEntityConfigs replaces the default entity configuration.
func WithEntityConfigs(configs ...EntityConfig) AuditOption {
	return func(a *AuditTrail) {
		a.rules = map[string]entityRules{}
		for _, cfg := range configs {
			if err := a.Register(cfg); err != nil {
				a.logger.Warn("audit trail skipped entity config: %v", err)
			}
		}
	}
}

// NewAuditTrail creates an audit trail writing to store.
func NewAuditTrail(store HistoryStore, opts ...AuditOption) *AuditTrail {
	a := &AuditTrail{
		rules:          map[string]entityRules{},
		store:          store,
		clock:          time.Now,
		logger:         defLogger{},
		viewPermission: PermissionAdmin,
	}

	for _, cfg := range DefaultEntityConfigs() {
		_ = a.Register(cfg)
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// Register adds or replaces the configuration of an entity type.
func (a *AuditTrail) Register(cfg EntityConfig) error {
	if cfg.Type == "" {
		return goerrors.New("entity config requires a type", goerrors.CategoryBadInput)
	}

	rules := entityRules{
		untracked: make(map[string]struct{}, len(cfg.Untracked)),
		hidden:    make(map[string]struct{}, len(cfg.Hidden)),
	}
	for _, f := range cfg.Untracked {
		rules.untracked[f] = struct{}{}
	}
	for _, f := range cfg.Hidden {
		rules.hidden[f] = struct{}{}
	}

	a.mu.Lock()
	a.rules[cfg.Type] = rules
	a.mu.Unlock()
	return nil
}

func (a *AuditTrail) rulesFor(entityType string) (entityRules, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rules, ok := a.rules[entityType]
	if !ok {
		return entityRules{}, goerrors.New("entity type is not registered for history", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"entity_type": entityType})
	}
	return rules, nil
}

// TrackedSnapshot returns the tracked fields of entity with hidden values redacted.
// It is the shape Reconstruct produces.
func (a *AuditTrail) TrackedSnapshot(entity Versioned) (map[string]any, error) {
	rules, err := a.rulesFor(entity.HistoryEntityType())
	if err != nil {
		return nil, err
	}
	return rules.filter(entity.HistorySnapshot()), nil
}

func (r entityRules) filter(snapshot map[string]any) map[string]any {
	out := make(map[string]any, len(snapshot))
	for field, value := range snapshot {
		if !r.tracked(field) {
			continue
		}
		if r.isHidden(field) {
			value = RedactedValue
		}
		out[field] = value
	}
	return out
}

// RecordMutation writes the history record of a mutation using tx, the same
// handle that performed the entity write. previous holds the entity snapshot
// before the mutation and is ignored for creates.
func (a *AuditTrail) RecordMutation(ctx context.Context, tx bun.IDB, entity Versioned, op HistoryOperation, actor ActorRef, previous map[string]any) (*HistoryRecord, error) {
	if entity == nil {
		return nil, goerrors.New("entity is required", goerrors.CategoryBadInput)
	}

	record, err := a.buildRecord(entity, op, actor, previous)
	if err != nil {
		return nil, err
	}

	if err := a.store.AppendTx(ctx, tx, record); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to append history record")
	}

	a.metrics.HistoryRecorded(record.EntityType, record.Operation)
	return record, nil
}

func (a *AuditTrail) buildRecord(entity Versioned, op HistoryOperation, actor ActorRef, previous map[string]any) (*HistoryRecord, error) {
	rules, err := a.rulesFor(entity.HistoryEntityType())
	if err != nil {
		return nil, err
	}

	record := &HistoryRecord{
		EntityType: entity.HistoryEntityType(),
		EntityID:   entity.HistoryEntityID(),
		Version:    entity.HistoryVersion(),
		Operation:  op,
		ActorID:    actor.ID,
		ActorType:  actor.Type,
		RecordedAt: storedTime(a.clock()),
	}
	if record.ActorType == "" {
		record.ActorType = ActorTypeSystem
	}

	switch op {
	case OperationCreate:
		record.Current = rules.filter(entity.HistorySnapshot())
	case OperationDelete:
		if previous == nil {
			previous = entity.HistorySnapshot()
		}
		record.Previous = rules.filter(previous)
	case OperationUpdate:
		prev, curr := rules.diff(previous, entity.HistorySnapshot())
		if len(curr) == 0 {
			return nil, ErrNoTrackedChanges
		}
		record.Previous = prev
		record.Current = curr
	default:
		return nil, goerrors.New("unknown history operation", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"operation": string(op)})
	}

	record.ID = NewRecordID(record.RecordedAt)
	return record, nil
}

func (r entityRules) diff(previous, current map[string]any) (map[string]any, map[string]any) {
	prev := map[string]any{}
	curr := map[string]any{}
	for _, field := range sortedKeys(previous, current) {
		if !r.tracked(field) {
			continue
		}
		before, after := previous[field], current[field]
		if reflect.DeepEqual(before, after) {
			continue
		}
		if r.isHidden(field) {
			before, after = RedactedValue, RedactedValue
		}
		prev[field] = before
		curr[field] = after
	}
	return prev, curr
}

// HistoryFor returns the records of an entity oldest first.
func (a *AuditTrail) HistoryFor(ctx context.Context, entityType, entityID string) ([]*HistoryRecord, error) {
	return a.store.ListByEntity(ctx, entityType, entityID)
}

// HistoryForViewer is HistoryFor guarded by the view permission.
func (a *AuditTrail) HistoryForViewer(ctx context.Context, viewer *User, entityType, entityID string) ([]*HistoryRecord, error) {
	if err := Authorize(viewer, a.viewPermission); err != nil {
		return nil, err
	}
	return a.HistoryFor(ctx, entityType, entityID)
}

// Reconstruct folds records oldest to newest starting from an empty state and
// returns the resulting tracked field values.
func Reconstruct(records []*HistoryRecord) map[string]any {
	state := map[string]any{}
	for _, r := range records {
		if r.Operation == OperationDelete {
			state = map[string]any{}
			continue
		}
		for field, value := range r.Current {
			state[field] = value
		}
	}
	return state
}

// PriorStates folds records onto current newest to oldest. The result is
// index aligned with records: states[i] is the state right after records[i].
func PriorStates(current map[string]any, records []*HistoryRecord) []map[string]any {
	states := make([]map[string]any, len(records))
	state := copyState(current)
	for i := len(records) - 1; i >= 0; i-- {
		states[i] = copyState(state)
		r := records[i]
		for field := range r.Current {
			if value, ok := r.Previous[field]; ok {
				state[field] = value
			} else {
				delete(state, field)
			}
		}
		if r.Operation == OperationDelete {
			for field, value := range r.Previous {
				state[field] = value
			}
		}
	}
	return states
}

func copyState(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func sortedKeys(maps ...map[string]any) []string {
	seen := map[string]struct{}{}
	for _, m := range maps {
		for k := range m {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
