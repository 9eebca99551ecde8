// Command authctl administers the auth store: migrations, role seeding,
// preregistration, role grants and history inspection.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-print"
	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/plinthio/go-auth/activitymap"
	amqpnotifier "github.com/plinthio/go-auth/notifier/amqp"
	"github.com/plinthio/go-auth/repository"
	"github.com/spf13/pflag"
	"github.com/uptrace/bun"
)

const usage = `authctl administers the auth store.

Usage:
  authctl [--config file] [--env file] <command> [flags]

Commands:
  migrate       apply the embedded schema migrations
  rollback      revert the last applied migration group
  seed-roles    create the default roles
  roles         list roles and their permissions
  preregister   create a principal without a password and send an invite
  grant         add a permission to a role
  revoke        remove a permission from a role
  history       print the history of a user or role
`

type app struct {
	settings  *auth.Settings
	db        *bun.DB
	repo      auth.RepositoryManager
	lifecycle *auth.CredentialLifecycle
	roles     *auth.RoleManager
	logger    auth.Logger
	closers   []func() error
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var richErr *goerrors.Error
		if goerrors.As(err, &richErr) && len(richErr.Metadata) > 0 {
			fmt.Fprintln(os.Stderr, print.MaybePrettyJSON(richErr.Metadata))
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	var configPath string
	var envFiles []string

	flagSet := pflag.NewFlagSet("authctl", pflag.ContinueOnError)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&configPath, "config", "", "path to a YAML settings file")
	flagSet.StringSliceVar(&envFiles, "env", nil, "dotenv files to load before reading the environment")
	flagSet.Usage = func() { fmt.Fprint(os.Stderr, usage) }

	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return nil
	}

	settings, err := auth.LoadSettings(configPath, envFiles...)
	if err != nil {
		return err
	}

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "migrate":
		return runMigrate(ctx, settings, false)
	case "rollback":
		return runMigrate(ctx, settings, true)
	}

	a, err := newApp(ctx, settings)
	if err != nil {
		return err
	}
	defer a.close()

	switch command {
	case "seed-roles":
		return a.seedRoles(ctx)
	case "roles":
		return a.listRoles(ctx)
	case "preregister":
		return a.preregister(ctx, cmdArgs)
	case "grant":
		return a.editPermission(ctx, cmdArgs, true)
	case "revoke":
		return a.editPermission(ctx, cmdArgs, false)
	case "history":
		return a.history(ctx, cmdArgs)
	default:
		flagSet.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runMigrate(ctx context.Context, settings *auth.Settings, rollback bool) error {
	db, err := repository.Open(ctx, settings.Database, auth.NopLogger{})
	if err != nil {
		return err
	}
	defer db.Close()

	run, verb := repository.Migrate, "applied"
	if rollback {
		run, verb = repository.Rollback, "reverted"
	}

	names, err := run(ctx, db)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("no migrations " + verb)
		return nil
	}
	for _, name := range names {
		fmt.Printf("%s %s\n", verb, name)
	}
	return nil
}

func newApp(ctx context.Context, settings *auth.Settings) (*app, error) {
	logger := auth.Logger(auth.NopLogger{})
	if settings.Database.Debug {
		logger = auth.NewDefaultLogger()
	}

	repo, db, err := repository.NewManager(ctx, settings.Database, logger)
	if err != nil {
		return nil, err
	}
	a := &app{settings: settings, db: db, repo: repo, logger: logger}
	a.closers = append(a.closers, db.Close)

	metrics, err := auth.NewMetrics(nil)
	if err != nil {
		a.close()
		return nil, err
	}

	tokens, err := auth.NewTokenServiceFromConfig(settings, auth.WithTokenMetrics(metrics), auth.WithTokenLogger(logger))
	if err != nil {
		a.close()
		return nil, err
	}

	var notifier auth.Notifier = auth.LogNotifier{Out: os.Stdout}
	var sink auth.ActivitySink
	if settings.AMQP.URL != "" {
		n, conn, err := amqpnotifier.Dial(settings.AMQP.URL, settings.AMQP,
			amqpnotifier.WithActivityOptions(activitymap.WithDefaultChannel("authctl")))
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		notifier, sink = n, n
	}

	audit := auth.NewAuditTrail(repo.History(), auth.WithAuditLogger(logger), auth.WithAuditMetrics(metrics))
	a.lifecycle = auth.NewCredentialLifecycleFromConfig(settings, repo, tokens,
		auth.WithLifecycleLogger(logger),
		auth.WithLifecycleMetrics(metrics),
		auth.WithLifecycleAuditTrail(audit),
		auth.WithLifecycleNotifier(notifier),
		auth.WithLifecycleActivitySink(sink),
	)
	a.roles = auth.NewRoleManager(repo, audit,
		auth.WithRoleManagerLogger(logger),
		auth.WithRoleManagerMetrics(metrics),
		auth.WithRoleManagerActivitySink(sink),
	)
	return a, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

func (a *app) seedRoles(ctx context.Context) error {
	created, err := a.roles.SeedDefaultRoles(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("created %d role(s)\n", len(created))
	return nil
}

func (a *app) listRoles(ctx context.Context) error {
	roles, err := a.roles.ListRoles(ctx)
	if err != nil {
		return err
	}
	out := make([]map[string]any, 0, len(roles))
	for _, r := range roles {
		out = append(out, map[string]any{
			"id":          r.ID,
			"name":        r.Name,
			"permissions": r.Mask().Names(),
			"version":     r.Version,
		})
	}
	fmt.Println(print.MaybePrettyJSON(out))
	return nil
}

func (a *app) preregister(ctx context.Context, args []string) error {
	var in auth.PreregisterInput
	var invite bool
	var actorEmail string

	flagSet := pflag.NewFlagSet("preregister", pflag.ContinueOnError)
	flagSet.StringVar(&in.Email, "email", "", "email address (required)")
	flagSet.StringVar(&in.FirstName, "first-name", "", "first name")
	flagSet.StringVar(&in.LastName, "last-name", "", "last name")
	flagSet.StringVar(&in.Phone, "phone", "", "phone number")
	flagSet.StringVar(&in.RoleName, "role", auth.RoleEmployee, "role name")
	flagSet.BoolVar(&in.DeterministicID, "hashid", false, "derive the id from the email")
	flagSet.BoolVar(&invite, "invite", true, "send an invite link")
	flagSet.StringVar(&actorEmail, "as", "", "email of the user recorded as the actor, defaults to system")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	if actorEmail != "" {
		actor, err := a.repo.Users().FindByEmail(ctx, actorEmail)
		if err != nil {
			return err
		}
		ctx = auth.WithContext(ctx, actor)
	}

	user, err := a.lifecycle.Preregister(ctx, auth.ActorRef{}, in)
	if err != nil {
		return err
	}

	if invite {
		if _, err := a.lifecycle.Invite(ctx, user); err != nil {
			return err
		}
	}

	fmt.Println(print.MaybePrettyJSON(user))
	return nil
}

func (a *app) editPermission(ctx context.Context, args []string, grant bool) error {
	var roleName, permission, actorEmail string

	flagSet := pflag.NewFlagSet("permission", pflag.ContinueOnError)
	flagSet.StringVar(&roleName, "role", "", "role name (required)")
	flagSet.StringVar(&permission, "permission", "", "read, edit, create, delete or admin (required)")
	flagSet.StringVar(&actorEmail, "as", "", "email of the administrator performing the change (required)")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	flag, ok := auth.ParsePermission(permission)
	if !ok {
		return goerrors.New("unknown permission", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"permission": permission})
	}

	actor, err := a.repo.Users().FindByEmail(ctx, actorEmail)
	if err != nil {
		return err
	}

	role, err := a.roles.GetRoleByName(ctx, roleName)
	if err != nil {
		return err
	}

	if grant {
		role, err = a.roles.GrantPermission(ctx, actor, role.ID, flag)
	} else {
		role, err = a.roles.RevokePermission(ctx, actor, role.ID, flag)
	}
	if err != nil {
		return err
	}

	fmt.Printf("%s: %s (version %d)\n", role.Name, role.Mask(), role.Version)
	return nil
}

func (a *app) history(ctx context.Context, args []string) error {
	var entityType, id string
	var reconstruct bool

	flagSet := pflag.NewFlagSet("history", pflag.ContinueOnError)
	flagSet.StringVar(&entityType, "entity", auth.EntityTypeUser, "user or role")
	flagSet.StringVar(&id, "id", "", "entity id, or email for users (required)")
	flagSet.BoolVar(&reconstruct, "reconstruct", false, "print the state rebuilt from history")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	entityID, err := a.resolveEntityID(ctx, entityType, id)
	if err != nil {
		return err
	}

	records, err := a.lifecycle.AuditTrail().HistoryFor(ctx, entityType, entityID)
	if err != nil {
		return err
	}

	if reconstruct {
		fmt.Println(print.MaybePrettyJSON(auth.Reconstruct(records)))
		return nil
	}

	feed := make([]activitymap.Normalized, 0, len(records))
	for _, record := range records {
		feed = append(feed, activitymap.NormalizeHistory(record))
	}
	fmt.Println(print.MaybePrettyJSON(feed))
	return nil
}

func (a *app) resolveEntityID(ctx context.Context, entityType, id string) (string, error) {
	if entityType == auth.EntityTypeRole {
		if _, err := uuid.Parse(id); err == nil {
			return id, nil
		}
		role, err := a.roles.GetRoleByName(ctx, id)
		if err != nil {
			return "", err
		}
		return role.ID.String(), nil
	}

	if strings.Contains(id, "@") {
		user, err := a.repo.Users().FindByEmail(ctx, id)
		if err != nil {
			return "", err
		}
		return user.ID.String(), nil
	}
	return id, nil
}
