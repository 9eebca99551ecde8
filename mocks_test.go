package auth_test

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/stretchr/testify/mock"
	"github.com/uptrace/bun"
)

// MockRepositoryManager implements auth.RepositoryManager
type MockRepositoryManager struct {
	mock.Mock
	// ExecTx makes RunInTx run the callback with a zero bun.Tx and return its error.
	ExecTx bool
}

func (m *MockRepositoryManager) Validate() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockRepositoryManager) MustValidate() {
	m.Called()
}

func (m *MockRepositoryManager) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	args := m.Called(ctx, opts, f)
	if err := args.Error(0); err != nil || !m.ExecTx {
		return err
	}
	var tx bun.Tx
	return f(ctx, tx)
}

func (m *MockRepositoryManager) Users() auth.Users {
	args := m.Called()
	return args.Get(0).(auth.Users)
}

func (m *MockRepositoryManager) Roles() auth.Roles {
	args := m.Called()
	return args.Get(0).(auth.Roles)
}

func (m *MockRepositoryManager) History() auth.HistoryStore {
	args := m.Called()
	return args.Get(0).(auth.HistoryStore)
}

// MockUsers implements auth.Users
type MockUsers struct {
	mock.Mock
}

func (m *MockUsers) FindByID(ctx context.Context, id uuid.UUID) (*auth.User, error) {
	args := m.Called(ctx, id)
	return userOrNil(args.Get(0)), args.Error(1)
}

func (m *MockUsers) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*auth.User, error) {
	args := m.Called(ctx, tx, id)
	return userOrNil(args.Get(0)), args.Error(1)
}

func (m *MockUsers) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	args := m.Called(ctx, email)
	return userOrNil(args.Get(0)), args.Error(1)
}

func (m *MockUsers) FindByEmailTx(ctx context.Context, tx bun.IDB, email string) (*auth.User, error) {
	args := m.Called(ctx, tx, email)
	return userOrNil(args.Get(0)), args.Error(1)
}

func (m *MockUsers) EmailTakenTx(ctx context.Context, tx bun.IDB, email string, except uuid.UUID) (bool, error) {
	args := m.Called(ctx, tx, email, except)
	return args.Bool(0), args.Error(1)
}

func (m *MockUsers) InsertTx(ctx context.Context, tx bun.IDB, user *auth.User) error {
	args := m.Called(ctx, tx, user)
	return args.Error(0)
}

func (m *MockUsers) UpdateTrackedTx(ctx context.Context, tx bun.IDB, user *auth.User, columns ...string) error {
	args := m.Called(ctx, tx, user, columns)
	return args.Error(0)
}

func (m *MockUsers) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	args := m.Called(ctx, id, at)
	return args.Error(0)
}

func (m *MockUsers) List(ctx context.Context, limit, offset int) ([]*auth.User, error) {
	args := m.Called(ctx, limit, offset)
	records, _ := args.Get(0).([]*auth.User)
	return records, args.Error(1)
}

func userOrNil(v any) *auth.User {
	u, _ := v.(*auth.User)
	return u
}

// MockRoles implements auth.Roles
type MockRoles struct {
	mock.Mock
}

func (m *MockRoles) Get(ctx context.Context, id string) (*auth.Role, error) {
	args := m.Called(ctx, id)
	return roleOrNil(args.Get(0)), args.Error(1)
}

func (m *MockRoles) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*auth.Role, error) {
	args := m.Called(ctx, tx, id)
	return roleOrNil(args.Get(0)), args.Error(1)
}

func (m *MockRoles) FindByName(ctx context.Context, name string) (*auth.Role, error) {
	args := m.Called(ctx, name)
	return roleOrNil(args.Get(0)), args.Error(1)
}

func (m *MockRoles) FindByNameTx(ctx context.Context, tx bun.IDB, name string) (*auth.Role, error) {
	args := m.Called(ctx, tx, name)
	return roleOrNil(args.Get(0)), args.Error(1)
}

func (m *MockRoles) InsertTx(ctx context.Context, tx bun.IDB, role *auth.Role) error {
	args := m.Called(ctx, tx, role)
	return args.Error(0)
}

func (m *MockRoles) UpdateMaskTx(ctx context.Context, tx bun.IDB, role *auth.Role) error {
	args := m.Called(ctx, tx, role)
	return args.Error(0)
}

func (m *MockRoles) List(ctx context.Context) ([]*auth.Role, error) {
	args := m.Called(ctx)
	records, _ := args.Get(0).([]*auth.Role)
	return records, args.Error(1)
}

func roleOrNil(v any) *auth.Role {
	r, _ := v.(*auth.Role)
	return r
}

// MockHistory implements auth.HistoryStore
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) AppendTx(ctx context.Context, tx bun.IDB, record *auth.HistoryRecord) error {
	args := m.Called(ctx, tx, record)
	return args.Error(0)
}

func (m *MockHistory) ListByEntity(ctx context.Context, entityType, entityID string) ([]*auth.HistoryRecord, error) {
	args := m.Called(ctx, entityType, entityID)
	records, _ := args.Get(0).([]*auth.HistoryRecord)
	return records, args.Error(1)
}

func (m *MockHistory) ListByEntityTx(ctx context.Context, tx bun.IDB, entityType, entityID string) ([]*auth.HistoryRecord, error) {
	args := m.Called(ctx, tx, entityType, entityID)
	records, _ := args.Get(0).([]*auth.HistoryRecord)
	return records, args.Error(1)
}

// MockActivitySink implements auth.ActivitySink
type MockActivitySink struct {
	mock.Mock
}

func (m *MockActivitySink) Record(ctx context.Context, event auth.ActivityEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// MockNotifier implements auth.Notifier
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) Deliver(ctx context.Context, n auth.Notification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

type testLogger struct{}

func (testLogger) Debug(string, ...any) {}
func (testLogger) Info(string, ...any)  {}
func (testLogger) Warn(string, ...any)  {}
func (testLogger) Error(string, ...any) {}
