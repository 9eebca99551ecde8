package auth

import (
	"context"
	"database/sql"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/uptrace/bun"
)

const pgErrUniqueViolation = "23505"

// Users is the principal store. Methods with a Tx suffix run on the given
// handle so they can share a transaction with the history write.
type Users interface {
	FindByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error)
	EmailTakenTx(ctx context.Context, tx bun.IDB, email string, except uuid.UUID) (bool, error)
	InsertTx(ctx context.Context, tx bun.IDB, user *User) error
	UpdateTrackedTx(ctx context.Context, tx bun.IDB, user *User, columns ...string) error
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, limit, offset int) ([]*User, error)
}

type users struct {
	db *bun.DB
}

var _ Users = (*users)(nil)

func NewUsersRepository(db *bun.DB) Users {
	return &users{db: db}
}

// NormalizeEmail lower cases and trims an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *users) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	return a.FindByIDTx(ctx, a.db, id)
}

func (a *users) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Relation("Role").
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, userLookupError(err)
	}
	return detachEmptyRole(record), nil
}

func (a *users) FindByEmail(ctx context.Context, email string) (*User, error) {
	return a.FindByEmailTx(ctx, a.db, email)
}

func (a *users) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*User, error) {
	record := &User{}
	err := tx.NewSelect().
		Model(record).
		Relation("Role").
		Where("?TableAlias.email = ?", NormalizeEmail(email)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, userLookupError(err)
	}
	return detachEmptyRole(record), nil
}

func (a *users) EmailTakenTx(ctx context.Context, tx bun.IDB, email string, except uuid.UUID) (bool, error) {
	q := tx.NewSelect().
		Model((*User)(nil)).
		Where("?TableAlias.email = ?", NormalizeEmail(email))
	if except != uuid.Nil {
		q = q.Where("?TableAlias.id != ?", except)
	}
	exists, err := q.Exists(ctx)
	if err != nil {
		return false, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to check email uniqueness")
	}
	return exists, nil
}

func (a *users) InsertTx(ctx context.Context, tx bun.IDB, user *User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = NormalizeEmail(user.Email)
	if user.Version == 0 {
		user.Version = 1
	}
	now := storedTime(time.Now())
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = user.CreatedAt
	}

	if _, err := tx.NewInsert().Model(user).Exec(ctx); err != nil {
		if isEmailViolation(err) {
			return ErrUniquenessConflict
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to insert user")
	}
	return nil
}

// UpdateTrackedTx writes the given columns guarded by the optimistic lock.
// user.Version must already hold the new version, the row must still be at
// user.Version-1 or ErrStorageConflict is returned.
func (a *users) UpdateTrackedTx(ctx context.Context, tx bun.IDB, user *User, columns ...string) error {
	cols := append([]string{"version", "updated_at"}, columns...)
	res, err := tx.NewUpdate().
		Model(user).
		Column(cols...).
		Where("?TableAlias.id = ?", user.ID).
		Where("?TableAlias.version = ?", user.Version-1).
		Exec(ctx)
	if err != nil {
		if isEmailViolation(err) {
			return ErrUniquenessConflict
		}
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update user")
	}
	return expectOneRow(res)
}

// TouchLastSeen only writes the liveness column, it never bumps the version.
func (a *users) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := a.db.NewUpdate().
		Model((*User)(nil)).
		Set("last_seen = ?", at.UTC()).
		Where("?TableAlias.id = ?", id).
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to update last seen")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (a *users) List(ctx context.Context, limit, offset int) ([]*User, error) {
	var records []*User
	q := a.db.NewSelect().
		Model(&records).
		Relation("Role").
		Order("usr.created_at ASC")
	if limit > 0 {
		q = q.Limit(limit).Offset(offset)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to list users")
	}
	for _, r := range records {
		detachEmptyRole(r)
	}
	return records, nil
}

// a LEFT JOIN on a null role_id may still allocate a zero Role
func detachEmptyRole(u *User) *User {
	if u != nil && u.RoleID == nil {
		u.Role = nil
	}
	return u
}

func userLookupError(err error) error {
	if goerrors.Is(err, sql.ErrNoRows) {
		return ErrUserNotFound
	}
	return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load user")
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read affected rows")
	}
	if n == 0 {
		return ErrStorageConflict
	}
	return nil
}

// isEmailViolation reports whether err is the database rejecting a second
// row with the same email, which happens when two writers both passed the
// EmailTakenTx check.
func isEmailViolation(err error) bool {
	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return pgErr.Code == pgErrUniqueViolation && strings.Contains(pgErr.ConstraintName, "email")
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed: users.email")
}
