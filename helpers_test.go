package auth_test

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	auth "github.com/plinthio/go-auth"
	"github.com/plinthio/go-auth/repository"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"
)

const testSigningKey = "0123456789abcdef0123456789abcdef"

// newTestDB returns a migrated in-memory SQLite database.
func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() { _ = db.Close() })

	_, err = repository.Migrate(context.Background(), db)
	require.NoError(t, err)
	return db
}

// testClock is a settable clock. It starts on a whole second.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// recordingNotifier keeps every delivered notification.
type recordingNotifier struct {
	mu   sync.Mutex
	sent []auth.Notification
}

func (r *recordingNotifier) Deliver(_ context.Context, n auth.Notification) error {
	r.mu.Lock()
	r.sent = append(r.sent, n)
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) Last() auth.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return auth.Notification{}
	}
	return r.sent[len(r.sent)-1]
}

type fixture struct {
	db        *bun.DB
	repo      auth.RepositoryManager
	tokens    *auth.TokenServiceImpl
	lifecycle *auth.CredentialLifecycle
	roles     *auth.RoleManager
	metrics   *auth.Metrics
	clock     *testClock
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := newTestDB(t)
	repo := auth.NewRepositoryManager(db)
	clock := newTestClock()

	metrics, err := auth.NewMetrics(nil)
	require.NoError(t, err)

	tokens, err := auth.NewTokenService([]byte(testSigningKey),
		auth.WithTokenClock(clock.Now),
		auth.WithTokenMetrics(metrics),
		auth.WithTokenLogger(testLogger{}),
	)
	require.NoError(t, err)

	audit := auth.NewAuditTrail(repo.History(),
		auth.WithAuditClock(clock.Now),
		auth.WithAuditLogger(testLogger{}),
		auth.WithAuditMetrics(metrics),
	)

	notifier := &recordingNotifier{}
	lifecycle := auth.NewCredentialLifecycle(repo, tokens,
		auth.WithLifecycleClock(clock.Now),
		auth.WithLifecycleLogger(testLogger{}),
		auth.WithLifecycleMetrics(metrics),
		auth.WithLifecycleAuditTrail(audit),
		auth.WithLifecycleNotifier(notifier),
		auth.WithLifecycleHasher(auth.NewBcryptHasher(bcrypt.MinCost)),
		auth.WithLinkBaseURL("https://app.example.com"),
	)

	roles := auth.NewRoleManager(repo, audit,
		auth.WithRoleManagerClock(clock.Now),
		auth.WithRoleManagerLogger(testLogger{}),
		auth.WithRoleManagerMetrics(metrics),
	)

	return &fixture{
		db:        db,
		repo:      repo,
		tokens:    tokens,
		lifecycle: lifecycle,
		roles:     roles,
		metrics:   metrics,
		clock:     clock,
		notifier:  notifier,
	}
}

// admin seeds the default roles and registers an administrator.
func (f *fixture) admin(t *testing.T) *auth.User {
	t.Helper()
	ctx := context.Background()

	_, err := f.roles.SeedDefaultRoles(ctx)
	require.NoError(t, err)

	in := auth.RegisterInput{Password: "admin-password"}
	in.Email = "admin@example.com"
	in.RoleName = auth.RoleAdministrator
	user, err := f.lifecycle.Register(ctx, in)
	require.NoError(t, err)
	require.True(t, user.IsAdministrator())
	return user
}

func (f *fixture) register(t *testing.T, email, password string) *auth.User {
	t.Helper()
	in := auth.RegisterInput{Password: password}
	in.Email = email
	user, err := f.lifecycle.Register(context.Background(), in)
	require.NoError(t, err)
	return user
}

func (f *fixture) history(t *testing.T, entityType, id string) []*auth.HistoryRecord {
	t.Helper()
	records, err := f.lifecycle.AuditTrail().HistoryFor(context.Background(), entityType, id)
	require.NoError(t, err)
	return records
}
