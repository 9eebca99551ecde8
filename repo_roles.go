package auth

import (
	"context"
	"database/sql"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Roles is the role store.
type Roles interface {
	// Get loads a role by its string id through the generic repository.
	Get(ctx context.Context, id string) (*Role, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error)
	FindByName(ctx context.Context, name string) (*Role, error)
	FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error)
	InsertTx(ctx context.Context, tx bun.IDB, role *Role) error
	UpdateMaskTx(ctx context.Context, tx bun.IDB, role *Role) error
	List(ctx context.Context) ([]*Role, error)
}

type roles struct {
	generic repository.Repository[*Role]
	db      *bun.DB
}

var _ Roles = (*roles)(nil)

func NewRolesRepository(db *bun.DB) Roles {
	generic := repository.NewRepository[*Role](db, repository.ModelHandlers[*Role]{
		NewRecord: func() *Role { return &Role{} },
		GetID: func(r *Role) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			return r.ID
		},
		SetID: func(r *Role, id uuid.UUID) {
			if r != nil {
				r.ID = id
			}
		},
		GetIdentifier: func() string {
			return "name"
		},
	})

	return &roles{generic: generic, db: db}
}

func (r *roles) Get(ctx context.Context, id string) (*Role, error) {
	role, err := r.generic.GetByID(ctx, id)
	if err != nil {
		return nil, roleLookupError(err)
	}
	return role, nil
}

func (r *roles) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Role, error) {
	role := &Role{}
	err := tx.NewSelect().Model(role).Where("?TableAlias.id = ?", id).Limit(1).Scan(ctx)
	if err != nil {
		return nil, roleLookupError(err)
	}
	return role, nil
}

func (r *roles) FindByName(ctx context.Context, name string) (*Role, error) {
	return r.FindByNameTx(ctx, r.db, name)
}

func (r *roles) FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*Role, error) {
	role := &Role{}
	err := tx.NewSelect().Model(role).Where("?TableAlias.name = ?", name).Limit(1).Scan(ctx)
	if err != nil {
		return nil, roleLookupError(err)
	}
	return role, nil
}

func (r *roles) InsertTx(ctx context.Context, tx bun.IDB, role *Role) error {
	if role.ID == uuid.Nil {
		role.ID = uuid.New()
	}
	role.Permissions = role.Mask().Int64()
	if role.Version == 0 {
		role.Version = 1
	}
	now := storedTime(time.Now())
	if role.CreatedAt.IsZero() {
		role.CreatedAt = now
	}
	if role.UpdatedAt.IsZero() {
		role.UpdatedAt = role.CreatedAt
	}

	if _, err := tx.NewInsert().Model(role).Exec(ctx); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to insert role")
	}
	return nil
}

// UpdateMaskTx writes the mask with the same optimistic lock as users.
func (r *roles) UpdateMaskTx(ctx context.Context, tx bun.IDB, role *Role) error {
	role.Permissions = role.Mask().Int64()
	res, err := tx.NewUpdate().
		Model(role).
		Column("permissions", "version", "updated_at").
		Where("?TableAlias.id = ?", role.ID).
		Where("?TableAlias.version = ?", role.Version-1).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update role")
	}
	return expectOneRow(res)
}

func (r *roles) List(ctx context.Context) ([]*Role, error) {
	var records []*Role
	if err := r.db.NewSelect().Model(&records).Order("rol.name ASC").Scan(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list roles")
	}
	return records, nil
}

func roleLookupError(err error) error {
	if goerrors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return ErrRoleNotFound
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load role")
}
