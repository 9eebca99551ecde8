package auth

import (
	"context"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// RoleValidator defines the capability checks of a principal
type RoleValidator interface {
	Can(flag Permission) bool
	CanRead() bool
	CanEdit() bool
	CanCreate() bool
	CanDelete() bool
	IsAdministrator() bool
}

var _ RoleValidator = (*User)(nil)

// Can reports whether the principal holds flag. Safe on a nil user.
func (u *User) Can(flag Permission) bool { return Can(u, flag) }

func (u *User) CanRead() bool { return Can(u, PermissionRead) }

func (u *User) CanEdit() bool { return Can(u, PermissionEdit) }

func (u *User) CanCreate() bool { return Can(u, PermissionCreate) }

func (u *User) CanDelete() bool { return Can(u, PermissionDelete) }

func (u *User) IsAdministrator() bool { return IsAdministrator(u) }

const (
	RoleAdministrator = "Administrator"
	RoleEmployee      = "Employee"
)

// DefaultRoles are the roles created by SeedDefaultRoles.
func DefaultRoles() []*Role {
	return []*Role{
		NewRole(RoleAdministrator, "Full access", AllPermissions),
		NewRole(RoleEmployee, "No permissions until granted"),
	}
}

// RoleManager edits role masks. Every edit requires PermissionAdmin, is
// guarded by the optimistic lock and recorded in history.
type RoleManager struct {
	repo    RepositoryManager
	audit   *AuditTrail
	logger  Logger
	metrics *Metrics
	now     func() time.Time
	sink    ActivitySink
}

type RoleManagerOption func(*RoleManager)

func WithRoleManagerLogger(logger Logger) RoleManagerOption {
	return func(m *RoleManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithRoleManagerMetrics(metrics *Metrics) RoleManagerOption {
	return func(m *RoleManager) {
		m.metrics = metrics
	}
}

func WithRoleManagerClock(clock func() time.Time) RoleManagerOption {
	return func(m *RoleManager) {
		if clock != nil {
			m.now = clock
		}
	}
}

func WithRoleManagerActivitySink(sink ActivitySink) RoleManagerOption {
	return func(m *RoleManager) {
		m.sink = normalizeActivitySink(sink)
	}
}

// NewRoleManager builds a manager writing history through audit.
func NewRoleManager(repo RepositoryManager, audit *AuditTrail, opts ...RoleManagerOption) *RoleManager {
	m := &RoleManager{
		repo:   repo,
		audit:  audit,
		logger: defLogger{},
		now:    time.Now,
		sink:   noopActivitySink{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.audit == nil {
		m.audit = NewAuditTrail(repo.History(), WithAuditLogger(m.logger), WithAuditMetrics(m.metrics))
	}
	return m
}

// GetRole loads a role by id.
func (m *RoleManager) GetRole(ctx context.Context, id uuid.UUID) (*Role, error) {
	return m.repo.Roles().Get(ctx, id.String())
}

// GetRoleByName loads a role by its unique name.
func (m *RoleManager) GetRoleByName(ctx context.Context, name string) (*Role, error) {
	return m.repo.Roles().FindByName(ctx, name)
}

// ListRoles returns every role ordered by name.
func (m *RoleManager) ListRoles(ctx context.Context) ([]*Role, error) {
	return m.repo.Roles().List(ctx)
}

// CreateRole inserts a role on behalf of an administrator.
func (m *RoleManager) CreateRole(ctx context.Context, actor *User, name, description string, mask Permission) (*Role, error) {
	if err := Authorize(actor, PermissionAdmin); err != nil {
		return nil, err
	}
	return m.createRole(ctx, ActorFromUser(actor), NewRole(name, description, mask))
}

func (m *RoleManager) createRole(ctx context.Context, actor ActorRef, role *Role) (*Role, error) {
	if role.Name == "" {
		return nil, goerrors.New("role name is required", goerrors.CategoryBadInput)
	}
	now := storedTime(m.now())
	role.Version = 1
	role.CreatedAt = now
	role.UpdatedAt = now

	err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := m.repo.Roles().FindByNameTx(ctx, tx, role.Name); err == nil {
			return ErrUniquenessConflict
		} else if !IsNotFound(err) {
			return err
		}

		if err := m.repo.Roles().InsertTx(ctx, tx, role); err != nil {
			return err
		}
		_, err := m.audit.RecordMutation(ctx, tx, role, OperationCreate, actor, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return role, nil
}

// SeedDefaultRoles creates the missing default roles as the system actor.
func (m *RoleManager) SeedDefaultRoles(ctx context.Context) ([]*Role, error) {
	var created []*Role
	for _, role := range DefaultRoles() {
		if _, err := m.repo.Roles().FindByName(ctx, role.Name); err == nil {
			continue
		} else if !IsNotFound(err) {
			return created, err
		}

		r, err := m.createRole(ctx, SystemActor, role)
		if err != nil {
			return created, err
		}
		m.logger.Info("seeded role %s (%s)", r.Name, r.Mask())
		created = append(created, r)
	}
	return created, nil
}

// GrantPermission ORs flag into the role mask.
func (m *RoleManager) GrantPermission(ctx context.Context, actor *User, roleID uuid.UUID, flag Permission) (*Role, error) {
	return m.editMask(ctx, "grant_permission", actor, roleID, func(r *Role) { r.AddPermission(flag) })
}

// RevokePermission clears flag from the role mask.
func (m *RoleManager) RevokePermission(ctx context.Context, actor *User, roleID uuid.UUID, flag Permission) (*Role, error) {
	return m.editMask(ctx, "revoke_permission", actor, roleID, func(r *Role) { r.RemovePermission(flag) })
}

// ResetPermissions clears the whole mask.
func (m *RoleManager) ResetPermissions(ctx context.Context, actor *User, roleID uuid.UUID) (*Role, error) {
	return m.editMask(ctx, "reset_permissions", actor, roleID, func(r *Role) { r.ResetPermissions() })
}

func (m *RoleManager) editMask(ctx context.Context, op string, actor *User, roleID uuid.UUID, edit func(*Role)) (*Role, error) {
	if err := Authorize(actor, PermissionAdmin); err != nil {
		return nil, err
	}

	attempt := func() (*Role, error) {
		var result *Role
		err := m.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			role, err := m.repo.Roles().FindByIDTx(ctx, tx, roleID)
			if err != nil {
				return err
			}

			before := role.Mask()
			previous := role.HistorySnapshot()
			edit(role)
			if role.Mask() == before {
				result = role
				return nil
			}

			role.Version++
			role.UpdatedAt = storedTime(m.now())
			if err := m.repo.Roles().UpdateMaskTx(ctx, tx, role); err != nil {
				return err
			}
			if _, err := m.audit.RecordMutation(ctx, tx, role, OperationUpdate, ActorFromUser(actor), previous); err != nil {
				return err
			}
			result = role
			return nil
		})
		return result, err
	}

	role, err := attempt()
	if IsStorageConflict(err) {
		m.metrics.StorageConflict(op)
		m.logger.Warn("%s lost optimistic lock for role %s, retrying", op, roleID)
		role, err = attempt()
		if IsStorageConflict(err) {
			m.metrics.StorageConflict(op)
		}
	}
	if err != nil {
		return nil, err
	}

	if serr := m.sink.Record(ctx, ActivityEvent{
		EventType:  ActivityEventRolePermissions,
		Actor:      ActorFromUser(actor),
		Metadata:   map[string]any{"role_id": role.ID.String(), "operation": op, "permissions": role.Mask().String()},
		OccurredAt: m.now(),
	}); serr != nil {
		m.logger.Warn("role manager activity sink error: %v", serr)
	}

	return role, nil
}
