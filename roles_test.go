package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeedDefaultRolesIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	created, err := f.roles.SeedDefaultRoles(ctx)
	require.NoError(t, err)
	require.Len(t, created, 2)

	again, err := f.roles.SeedDefaultRoles(ctx)
	require.NoError(t, err)
	assert.Empty(t, again)

	roles, err := f.roles.ListRoles(ctx)
	require.NoError(t, err)
	require.Len(t, roles, 2)
	assert.Equal(t, auth.RoleAdministrator, roles[0].Name)
	assert.Equal(t, auth.AllPermissions, roles[0].Mask())
	assert.Equal(t, auth.RoleEmployee, roles[1].Name)
	assert.Equal(t, auth.Permission(0), roles[1].Mask())

	records := f.history(t, auth.EntityTypeRole, roles[0].ID.String())
	require.Len(t, records, 1)
	assert.Equal(t, auth.OperationCreate, records[0].Operation)
	assert.Equal(t, auth.ActorTypeSystem, records[0].ActorType)
}

func TestCreateRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	role, err := f.roles.CreateRole(ctx, admin, "Editor", "Edits content", auth.PermissionRead|auth.PermissionEdit)
	require.NoError(t, err)
	assert.Equal(t, int64(1), role.Version)
	assert.NotEqual(t, uuid.Nil, role.ID)

	loaded, err := f.roles.GetRole(ctx, role.ID)
	require.NoError(t, err)
	assert.Equal(t, "Editor", loaded.Name)
	assert.True(t, loaded.HasPermission(auth.PermissionEdit))
	assert.False(t, loaded.HasPermission(auth.PermissionDelete))

	records := f.history(t, auth.EntityTypeRole, role.ID.String())
	require.Len(t, records, 1)
	assert.Equal(t, admin.ID.String(), records[0].ActorID)
	assert.Equal(t, "3", records[0].Current["permissions"])

	_, err = f.roles.CreateRole(ctx, admin, "Editor", "", auth.PermissionRead)
	assert.True(t, errors.Is(err, auth.ErrUniquenessConflict))

	_, err = f.roles.CreateRole(ctx, admin, "", "", auth.PermissionRead)
	assert.Error(t, err)
}

func TestCreateRoleRequiresAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.admin(t)

	employee, err := f.roles.GetRoleByName(ctx, auth.RoleEmployee)
	require.NoError(t, err)
	user := f.register(t, "clerk@example.com", "clerk-password")
	user.Role = employee

	_, err = f.roles.CreateRole(ctx, user, "Editor", "", auth.PermissionRead)
	assert.True(t, errors.Is(err, auth.ErrPermissionDenied))

	_, err = f.roles.CreateRole(ctx, nil, "Editor", "", auth.PermissionRead)
	assert.True(t, errors.Is(err, auth.ErrPermissionDenied))

	_, err = f.roles.GrantPermission(ctx, user, employee.ID, auth.PermissionRead)
	assert.True(t, errors.Is(err, auth.ErrPermissionDenied))
}

func TestGrantRevokeResetPermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	employee, err := f.roles.GetRoleByName(ctx, auth.RoleEmployee)
	require.NoError(t, err)

	role, err := f.roles.GrantPermission(ctx, admin, employee.ID, auth.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, int64(2), role.Version)
	assert.Equal(t, auth.PermissionRead, role.Mask())

	role, err = f.roles.GrantPermission(ctx, admin, employee.ID, auth.PermissionEdit)
	require.NoError(t, err)
	assert.Equal(t, int64(3), role.Version)
	assert.Equal(t, auth.PermissionRead|auth.PermissionEdit, role.Mask())

	role, err = f.roles.RevokePermission(ctx, admin, employee.ID, auth.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, int64(4), role.Version)
	assert.Equal(t, auth.PermissionEdit, role.Mask())

	role, err = f.roles.ResetPermissions(ctx, admin, employee.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), role.Version)
	assert.Equal(t, auth.Permission(0), role.Mask())

	stored, err := f.roles.GetRole(ctx, employee.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stored.Version)
	assert.Equal(t, int64(0), stored.Permissions)

	records := f.history(t, auth.EntityTypeRole, employee.ID.String())
	require.Len(t, records, 5)
	for i, r := range records {
		assert.Equal(t, int64(i+1), r.Version)
	}
	assert.Equal(t, []string{"permissions"}, records[1].ChangedFields())
	assert.Equal(t, "0", records[1].Previous["permissions"])
	assert.Equal(t, "1", records[1].Current["permissions"])

	assert.Equal(t, "0", auth.Reconstruct(records)["permissions"])
}

func TestGrantExistingPermissionWritesNoHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	role, err := f.roles.GetRoleByName(ctx, auth.RoleAdministrator)
	require.NoError(t, err)

	same, err := f.roles.GrantPermission(ctx, admin, role.ID, auth.PermissionRead)
	require.NoError(t, err)
	assert.Equal(t, role.Version, same.Version)

	records := f.history(t, auth.EntityTypeRole, role.ID.String())
	assert.Len(t, records, 1)
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.HistoryRecords(auth.EntityTypeRole, auth.OperationUpdate)))
}

func TestRoleLookupNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	_, err := f.roles.GetRole(ctx, uuid.New())
	assert.True(t, errors.Is(err, auth.ErrRoleNotFound))
	assert.True(t, auth.IsNotFound(err))

	_, err = f.roles.GetRoleByName(ctx, "Ghost")
	assert.True(t, errors.Is(err, auth.ErrRoleNotFound))

	_, err = f.roles.GrantPermission(ctx, admin, uuid.New(), auth.PermissionRead)
	assert.True(t, errors.Is(err, auth.ErrRoleNotFound))
}

func TestAssignRole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)
	user := f.register(t, "grace@example.com", "grace-password")

	employee, err := f.roles.GetRoleByName(ctx, auth.RoleEmployee)
	require.NoError(t, err)

	updated, err := f.lifecycle.AssignRole(ctx, admin, user.ID, &employee.ID)
	require.NoError(t, err)
	require.NotNil(t, updated.RoleID)
	assert.Equal(t, employee.ID, *updated.RoleID)
	assert.Equal(t, user.Version+1, updated.Version)

	again, err := f.lifecycle.AssignRole(ctx, admin, user.ID, &employee.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Version, again.Version)

	cleared, err := f.lifecycle.AssignRole(ctx, admin, user.ID, nil)
	require.NoError(t, err)
	assert.Nil(t, cleared.RoleID)

	records := f.history(t, auth.EntityTypeUser, user.ID.String())
	require.Len(t, records, 3)
	assert.Equal(t, []string{"role_id"}, records[1].ChangedFields())
	assert.Equal(t, employee.ID.String(), records[1].Current["role_id"])
	assert.Equal(t, "", records[2].Current["role_id"])

	missing := uuid.New()
	_, err = f.lifecycle.AssignRole(ctx, admin, user.ID, &missing)
	assert.True(t, errors.Is(err, auth.ErrRoleNotFound))

	_, err = f.lifecycle.AssignRole(ctx, user, admin.ID, nil)
	assert.True(t, errors.Is(err, auth.ErrPermissionDenied))
}

func TestGrantRollsBackRoleWhenHistoryInsertFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.admin(t)

	employee, err := f.roles.GetRoleByName(ctx, auth.RoleEmployee)
	require.NoError(t, err)
	before := employee.Version

	plantHistoryRecord(t, f, auth.EntityTypeRole, employee.ID.String(), before+1)

	role, err := f.roles.GrantPermission(ctx, admin, employee.ID, auth.PermissionRead)
	require.Error(t, err)
	assert.Nil(t, role)

	stored, err := f.roles.GetRoleByName(ctx, auth.RoleEmployee)
	require.NoError(t, err)
	assert.Equal(t, auth.Permission(0), stored.Mask())
	assert.Equal(t, before, stored.Version)
}
