package auth

import (
	"context"
	"net/url"
	"strconv"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Lifecycle operation names, used in metrics and logs.
const (
	OpPreregister          = "preregister"
	OpRegister             = "register"
	OpRequestConfirmation  = "request_confirmation"
	OpInvite               = "invite"
	OpConfirm              = "confirm"
	OpRequestPasswordReset = "request_password_reset"
	OpResetPassword        = "reset_password"
	OpRequestEmailChange   = "request_email_change"
	OpChangeEmail          = "change_email"
	OpAuthenticate         = "authenticate"
	OpDeactivate           = "deactivate"
	OpReactivate           = "reactivate"
	OpAssignRole           = "assign_role"
)

const (
	resultSuccess  = "success"
	resultRejected = "rejected"
	resultConflict = "conflict"
	resultInvalid  = "invalid"
	resultError    = "error"
)

var purposePaths = map[TokenPurpose]string{
	PurposeConfirm:     "confirm",
	PurposeReset:       "reset",
	PurposeChangeEmail: "change-email",
	PurposeInvite:      "invite",
}

// TransitionMetadata captures extra context for an administrative transition.
type TransitionMetadata struct {
	Reason   string
	Metadata map[string]any
}

// TransitionOption customizes an administrative transition.
type TransitionOption func(*TransitionMetadata)

// WithTransitionReason sets the human-readable reason for the transition.
func WithTransitionReason(reason string) TransitionOption {
	return func(meta *TransitionMetadata) {
		meta.Reason = reason
	}
}

// WithTransitionMetadata merges metadata into the transition context.
func WithTransitionMetadata(metadata map[string]any) TransitionOption {
	return func(meta *TransitionMetadata) {
		if len(metadata) == 0 {
			return
		}
		if meta.Metadata == nil {
			meta.Metadata = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			meta.Metadata[k] = v
		}
	}
}

// CredentialLifecycle drives a principal through preregistration,
// confirmation, password and email changes. Every committed change of a
// tracked field is written together with its history record.
type CredentialLifecycle struct {
	repo         RepositoryManager
	tokens       TokenService
	audit        *AuditTrail
	hasher       PasswordAuthenticator
	notifier     Notifier
	activitySink ActivitySink
	logger       Logger
	metrics      *Metrics
	now          func() time.Time
	baseURL      string
	ttls         map[TokenPurpose]time.Duration
	phoneRegion  string
}

// LifecycleOption customizes CredentialLifecycle construction.
type LifecycleOption func(*CredentialLifecycle)

// WithLifecycleClock injects a custom clock (useful for tests).
func WithLifecycleClock(clock func() time.Time) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if clock != nil {
			l.now = clock
		}
	}
}

func WithLifecycleLogger(logger Logger) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

func WithLifecycleNotifier(n Notifier) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if n != nil {
			l.notifier = n
		}
	}
}

// WithLifecycleActivitySink sets the ActivitySink used to publish lifecycle events.
func WithLifecycleActivitySink(sink ActivitySink) LifecycleOption {
	return func(l *CredentialLifecycle) {
		l.activitySink = normalizeActivitySink(sink)
	}
}

func WithLifecycleMetrics(m *Metrics) LifecycleOption {
	return func(l *CredentialLifecycle) {
		l.metrics = m
	}
}

func WithLifecycleAuditTrail(a *AuditTrail) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if a != nil {
			l.audit = a
		}
	}
}

func WithLifecycleHasher(h PasswordAuthenticator) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if h != nil {
			l.hasher = h
		}
	}
}

// WithLinkBaseURL sets the origin used for emailed links.
func WithLinkBaseURL(base string) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if base != "" {
			l.baseURL = base
		}
	}
}

// WithPurposeTTL overrides the TTL of one token purpose.
func WithPurposeTTL(purpose TokenPurpose, ttl time.Duration) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if ttl > 0 {
			l.ttls[purpose] = ttl
		}
	}
}

func WithPhoneRegion(region string) LifecycleOption {
	return func(l *CredentialLifecycle) {
		if region != "" {
			l.phoneRegion = region
		}
	}
}

// NewCredentialLifecycle wires the lifecycle to its storage and token service.
func NewCredentialLifecycle(repo RepositoryManager, tokens TokenService, opts ...LifecycleOption) *CredentialLifecycle {
	l := &CredentialLifecycle{
		repo:         repo,
		tokens:       tokens,
		hasher:       NewBcryptHasher(0),
		notifier:     noopNotifier{},
		activitySink: noopActivitySink{},
		logger:       defLogger{},
		now:          time.Now,
		baseURL:      "http://localhost:8000",
		ttls:         map[TokenPurpose]time.Duration{},
		phoneRegion:  "US",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	if l.audit == nil {
		l.audit = NewAuditTrail(repo.History(), WithAuditLogger(l.logger), WithAuditMetrics(l.metrics))
	}

	return l
}

// NewCredentialLifecycleFromConfig applies the TTLs, link origin, phone region
// and password cost of cfg before opts.
func NewCredentialLifecycleFromConfig(cfg Config, repo RepositoryManager, tokens TokenService, opts ...LifecycleOption) *CredentialLifecycle {
	base := []LifecycleOption{
		WithLinkBaseURL(cfg.GetLinkBaseURL()),
		WithPhoneRegion(cfg.GetPhoneRegion()),
		WithLifecycleHasher(NewBcryptHasher(cfg.GetPasswordCost())),
	}
	for _, purpose := range Purposes {
		base = append(base, WithPurposeTTL(purpose, cfg.GetPurposeExpiration(purpose)))
	}
	return NewCredentialLifecycle(repo, tokens, append(base, opts...)...)
}

// AuditTrail returns the audit trail the lifecycle writes to.
func (l *CredentialLifecycle) AuditTrail() *AuditTrail {
	return l.audit
}

// Preregister creates a principal with no usable password. A zero actor is
// taken from ctx, see WithContext.
func (l *CredentialLifecycle) Preregister(ctx context.Context, actor ActorRef, in PreregisterInput) (*User, error) {
	started := l.now()
	if actor == (ActorRef{}) {
		actor = ActorFromContext(ctx)
	}
	user, err := l.createUser(ctx, actor, in, "")
	l.observe(OpPreregister, err, started)
	if err != nil {
		return nil, err
	}

	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventPreregistered,
		Actor:     actor,
		UserID:    user.ID.String(),
		ToState:   user.State(),
	})
	return user, nil
}

// Register creates a principal with a password. The account stays
// unconfirmed until Confirm succeeds.
func (l *CredentialLifecycle) Register(ctx context.Context, in RegisterInput) (*User, error) {
	started := l.now()
	if err := in.Validate(); err != nil {
		l.observe(OpRegister, err, started)
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid registration")
	}

	hash, err := l.hasher.HashPassword(in.Password)
	if err != nil {
		l.observe(OpRegister, err, started)
		return nil, err
	}

	user, err := l.createUser(ctx, ActorRef{}, in.PreregisterInput, hash)
	l.observe(OpRegister, err, started)
	if err != nil {
		return nil, err
	}

	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventRegistered,
		Actor:     ActorFromUser(user),
		UserID:    user.ID.String(),
		ToState:   user.State(),
	})
	return user, nil
}

func (l *CredentialLifecycle) createUser(ctx context.Context, actor ActorRef, in PreregisterInput, passwordHash string) (*User, error) {
	if err := in.Validate(); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "invalid principal")
	}

	phone, err := NormalizePhone(in.Phone, l.phoneRegion)
	if err != nil {
		return nil, err
	}

	id, err := NewUserID(in.Email, in.DeterministicID)
	if err != nil {
		return nil, err
	}

	apiKey, err := NewAPIKey()
	if err != nil {
		return nil, err
	}

	now := storedTime(l.now())
	user := &User{
		ID:           id,
		Email:        NormalizeEmail(in.Email),
		PasswordHash: passwordHash,
		Active:       true,
		APIKey:       apiKey,
		FirstName:    in.FirstName,
		LastName:     in.LastName,
		Phone:        phone,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if actor == (ActorRef{}) {
		actor = ActorFromUser(user)
	}

	err = l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		taken, err := l.repo.Users().EmailTakenTx(ctx, tx, user.Email, uuid.Nil)
		if err != nil {
			return err
		}
		if taken {
			return ErrUniquenessConflict
		}

		if err := l.resolveRole(ctx, tx, user, in); err != nil {
			return err
		}

		if err := l.repo.Users().InsertTx(ctx, tx, user); err != nil {
			return err
		}

		_, err = l.audit.RecordMutation(ctx, tx, user, OperationCreate, actor, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	return user, nil
}

func (l *CredentialLifecycle) resolveRole(ctx context.Context, tx bun.IDB, user *User, in PreregisterInput) error {
	var (
		role *Role
		err  error
	)
	switch {
	case in.RoleID != nil:
		role, err = l.repo.Roles().FindByIDTx(ctx, tx, *in.RoleID)
	case in.RoleName != "":
		role, err = l.repo.Roles().FindByNameTx(ctx, tx, in.RoleName)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	user.RoleID = &role.ID
	user.Role = role
	return nil
}

// RequestConfirmation mints a confirm token and hands the link to the notifier.
func (l *CredentialLifecycle) RequestConfirmation(ctx context.Context, user *User) (string, error) {
	return l.request(ctx, OpRequestConfirmation, user, PurposeConfirm, user.emailOrEmpty(), nil)
}

// Invite mints an invite token. Redeeming it through ResetPassword sets the
// first password and confirms the address.
func (l *CredentialLifecycle) Invite(ctx context.Context, user *User) (string, error) {
	return l.request(ctx, OpInvite, user, PurposeInvite, user.emailOrEmpty(), nil)
}

// RequestPasswordReset mints a reset token regardless of confirmation state.
func (l *CredentialLifecycle) RequestPasswordReset(ctx context.Context, user *User) (string, error) {
	return l.request(ctx, OpRequestPasswordReset, user, PurposeReset, user.emailOrEmpty(), nil)
}

// RequestEmailChange mints a change_email token bound to newEmail. The link
// goes to the new address so redeeming it proves ownership.
func (l *CredentialLifecycle) RequestEmailChange(ctx context.Context, user *User, newEmail string) (string, error) {
	email, err := ValidateEmail(newEmail)
	if err != nil {
		return "", err
	}
	return l.request(ctx, OpRequestEmailChange, user, PurposeChangeEmail, email, map[string]string{ClaimNewEmail: email})
}

func (u *User) emailOrEmpty() string {
	if u == nil {
		return ""
	}
	return u.Email
}

func (l *CredentialLifecycle) request(ctx context.Context, op string, user *User, purpose TokenPurpose, recipient string, extra map[string]string) (string, error) {
	started := l.now()
	if user == nil || user.ID == uuid.Nil {
		err := goerrors.New("user is required", goerrors.CategoryBadInput)
		l.observe(op, err, started)
		return "", err
	}

	claims := map[string]string{ClaimTokenVersion: strconv.FormatInt(user.TokenVersion, 10)}
	for k, v := range extra {
		claims[k] = v
	}

	token, err := l.tokens.Issue(user.ID.String(), purpose, claims, l.ttls[purpose])
	if err != nil {
		l.observe(op, err, started)
		return "", err
	}

	link, err := l.Link(purpose, token)
	if err != nil {
		l.observe(op, err, started)
		return "", err
	}

	l.notify(ctx, Notification{
		Recipient: recipient,
		Purpose:   purpose,
		URL:       link,
		SubjectID: user.ID.String(),
	})

	l.observe(op, nil, started)
	return token, nil
}

// Link builds the URL a token is redeemed at.
func (l *CredentialLifecycle) Link(purpose TokenPurpose, token string) (string, error) {
	segment, ok := purposePaths[purpose]
	if !ok {
		return "", goerrors.New("unknown token purpose", goerrors.CategoryBadInput).
			WithMetadata(map[string]any{"purpose": string(purpose)})
	}
	link, err := url.JoinPath(l.baseURL, "auth", segment, token)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to build link")
	}
	return link, nil
}

// Confirm marks the address of user as verified. Token failures return false
// with a nil error, infrastructure failures return the error.
func (l *CredentialLifecycle) Confirm(ctx context.Context, user *User, token, sourceIP string) (bool, error) {
	started := l.now()
	if user == nil {
		return false, nil
	}

	claims, err := l.tokens.VerifyForSubjectAndPurpose(token, user.ID.String(), PurposeConfirm)
	if err != nil {
		return l.reject(ctx, OpConfirm, user.ID.String(), err, started)
	}

	updated, err := l.mutateUser(ctx, OpConfirm, user.ID, ActorFromUser(user), func(ctx context.Context, tx bun.Tx, u *User) ([]string, error) {
		if err := checkTokenVersion(claims, u); err != nil {
			return nil, err
		}
		if u.Confirmed {
			return nil, nil
		}
		now := storedTime(l.now())
		u.Confirmed = true
		u.ConfirmedAt = &now
		u.ConfirmedIP = sourceIP
		return []string{"confirmed", "confirmed_at", "confirmed_ip"}, nil
	})

	return l.finish(ctx, OpConfirm, user, updated, err, started, ActivityEvent{
		EventType: ActivityEventConfirmed,
		Metadata:  map[string]any{"ip": sourceIP},
	})
}

// ResetPassword resolves the principal from a reset or invite token and
// stores a new verifier. All outstanding tokens of the principal die.
func (l *CredentialLifecycle) ResetPassword(ctx context.Context, token, newPassword string) (bool, error) {
	started := l.now()

	claims, err := l.tokens.Verify(token)
	if err == nil && claims.Purpose != PurposeReset && claims.Purpose != PurposeInvite {
		err = ErrTokenPurposeMismatch
	}
	if err != nil {
		return l.reject(ctx, OpResetPassword, "", err, started)
	}

	id, ok := ParseSubjectID(claims.SubjectID())
	if !ok {
		return l.reject(ctx, OpResetPassword, claims.SubjectID(), ErrTokenSubjectMismatch, started)
	}

	if err := ValidatePassword(newPassword); err != nil {
		l.logger.Debug("reset password rejected new password: %v", err)
		l.observe(OpResetPassword, ErrWeakPassword, started)
		return false, nil
	}

	hash, err := l.hasher.HashPassword(newPassword)
	if err != nil {
		l.observe(OpResetPassword, err, started)
		return false, err
	}

	actor := ActorRef{ID: id.String(), Type: ActorTypeUser}
	var fromState CredentialState
	updated, err := l.mutateUser(ctx, OpResetPassword, id, actor, func(ctx context.Context, tx bun.Tx, u *User) ([]string, error) {
		if err := checkTokenVersion(claims, u); err != nil {
			return nil, err
		}
		fromState = u.State()
		columns := []string{"password_hash", "token_version"}
		u.PasswordHash = hash
		u.TokenVersion++
		if claims.Purpose == PurposeInvite && !u.Confirmed {
			now := storedTime(l.now())
			u.Confirmed = true
			u.ConfirmedAt = &now
			columns = append(columns, "confirmed", "confirmed_at")
		}
		return columns, nil
	})

	return l.finish(ctx, OpResetPassword, &User{ID: id}, updated, err, started, ActivityEvent{
		EventType: ActivityEventPasswordResetSuccess,
		FromState: fromState,
		Metadata:  map[string]any{"purpose": string(claims.Purpose)},
	})
}

// ChangeEmail moves user to newEmail. An address owned by another principal
// returns false with ErrUniquenessConflict and leaves no trace.
func (l *CredentialLifecycle) ChangeEmail(ctx context.Context, user *User, token, newEmail string) (bool, error) {
	started := l.now()
	if user == nil {
		return false, nil
	}

	claims, err := l.tokens.VerifyForSubjectAndPurpose(token, user.ID.String(), PurposeChangeEmail)
	if err != nil {
		return l.reject(ctx, OpChangeEmail, user.ID.String(), err, started)
	}

	email, err := ValidateEmail(newEmail)
	if err != nil {
		l.logger.Debug("change email rejected address: %v", err)
		l.observe(OpChangeEmail, err, started)
		return false, nil
	}

	if bound, ok := claims.Claim(ClaimNewEmail); ok && NormalizeEmail(bound) != email {
		l.logger.Debug("change email token was requested for another address")
		l.observe(OpChangeEmail, ErrTokenInvalid, started)
		return false, nil
	}

	previousEmail := user.Email
	updated, err := l.mutateUser(ctx, OpChangeEmail, user.ID, ActorFromUser(user), func(ctx context.Context, tx bun.Tx, u *User) ([]string, error) {
		if err := checkTokenVersion(claims, u); err != nil {
			return nil, err
		}
		if u.Email == email {
			return nil, nil
		}
		taken, err := l.repo.Users().EmailTakenTx(ctx, tx, email, u.ID)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, ErrUniquenessConflict
		}
		u.Email = email
		u.TokenVersion++
		return []string{"email", "token_version"}, nil
	})

	return l.finish(ctx, OpChangeEmail, user, updated, err, started, ActivityEvent{
		EventType: ActivityEventEmailChanged,
		Metadata:  map[string]any{"from": previousEmail, "to": email},
	})
}

// Ping updates the liveness timestamp. It is not a historical fact so it
// neither bumps the version nor writes history.
func (l *CredentialLifecycle) Ping(ctx context.Context, user *User) error {
	if user == nil {
		return nil
	}
	now := storedTime(l.now())
	if err := l.repo.Users().TouchLastSeen(ctx, user.ID, now); err != nil {
		return err
	}
	user.LastSeen = &now
	return nil
}

// Authenticate checks a password login. Every mismatch is ErrInvalidCredentials.
func (l *CredentialLifecycle) Authenticate(ctx context.Context, email, password string) (*User, error) {
	started := l.now()
	user, err := l.repo.Users().FindByEmail(ctx, email)
	if err != nil {
		if IsNotFound(err) {
			err = ErrInvalidCredentials
		}
		l.loginFailed(ctx, "", err, started)
		return nil, err
	}

	if err := l.hasher.ComparePasswordAndHash(password, user.PasswordHash); err != nil {
		l.loginFailed(ctx, user.ID.String(), ErrInvalidCredentials, started)
		return nil, ErrInvalidCredentials
	}

	if user.IsDisabled() {
		l.loginFailed(ctx, user.ID.String(), ErrAccountDisabled, started)
		return nil, ErrAccountDisabled
	}

	l.observe(OpAuthenticate, nil, started)
	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		Actor:     ActorFromUser(user),
		UserID:    user.ID.String(),
	})
	return user, nil
}

func (l *CredentialLifecycle) loginFailed(ctx context.Context, userID string, err error, started time.Time) {
	l.observe(OpAuthenticate, err, started)
	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventLoginFailure,
		UserID:    userID,
		Metadata:  map[string]any{"reason": errorTextCode(err)},
	})
}

// Deactivate disables a principal and kills its outstanding tokens.
func (l *CredentialLifecycle) Deactivate(ctx context.Context, actor *User, userID uuid.UUID, opts ...TransitionOption) (*User, error) {
	return l.setActive(ctx, OpDeactivate, actor, userID, false, opts...)
}

// Reactivate lifts an administrative deactivation.
func (l *CredentialLifecycle) Reactivate(ctx context.Context, actor *User, userID uuid.UUID, opts ...TransitionOption) (*User, error) {
	return l.setActive(ctx, OpReactivate, actor, userID, true, opts...)
}

func (l *CredentialLifecycle) setActive(ctx context.Context, op string, actor *User, userID uuid.UUID, active bool, opts ...TransitionOption) (*User, error) {
	started := l.now()
	if err := Authorize(actor, PermissionAdmin); err != nil {
		l.observe(op, err, started)
		return nil, err
	}

	updated, err := l.mutateUser(ctx, op, userID, ActorFromUser(actor), func(ctx context.Context, tx bun.Tx, u *User) ([]string, error) {
		if u.Active == active {
			return nil, nil
		}
		u.Active = active
		if active {
			return []string{"active"}, nil
		}
		u.TokenVersion++
		return []string{"active", "token_version"}, nil
	})
	l.observe(op, err, started)
	if err != nil {
		return nil, err
	}

	meta := buildTransitionMetadata(opts...)
	meta["active"] = active
	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventUserStateChanged,
		Actor:     ActorFromUser(actor),
		UserID:    updated.ID.String(),
		FromState: updated.State(),
		ToState:   updated.State(),
		Metadata:  meta,
	})
	return updated, nil
}

// AssignRole sets or clears (nil roleID) the role of a principal.
func (l *CredentialLifecycle) AssignRole(ctx context.Context, actor *User, userID uuid.UUID, roleID *uuid.UUID, opts ...TransitionOption) (*User, error) {
	started := l.now()
	if err := Authorize(actor, PermissionAdmin); err != nil {
		l.observe(OpAssignRole, err, started)
		return nil, err
	}

	updated, err := l.mutateUser(ctx, OpAssignRole, userID, ActorFromUser(actor), func(ctx context.Context, tx bun.Tx, u *User) ([]string, error) {
		if roleID == nil {
			if u.RoleID == nil {
				return nil, nil
			}
			u.RoleID = nil
			u.Role = nil
			return []string{"role_id"}, nil
		}
		if u.RoleID != nil && *u.RoleID == *roleID {
			return nil, nil
		}
		role, err := l.repo.Roles().FindByIDTx(ctx, tx, *roleID)
		if err != nil {
			return nil, err
		}
		u.RoleID = &role.ID
		u.Role = role
		return []string{"role_id"}, nil
	})
	l.observe(OpAssignRole, err, started)
	if err != nil {
		return nil, err
	}

	meta := buildTransitionMetadata(opts...)
	if roleID != nil {
		meta["role_id"] = roleID.String()
	}
	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventRoleAssigned,
		Actor:     ActorFromUser(actor),
		UserID:    updated.ID.String(),
		Metadata:  meta,
	})
	return updated, nil
}

// userMutation edits u in place and returns the changed columns. No columns
// means nothing to write.
type userMutation func(ctx context.Context, tx bun.Tx, u *User) ([]string, error)

// mutateUser loads the principal inside a transaction, applies fn, writes the
// row under the optimistic lock and records history with the same tx. A lost
// lock is retried once against a fresh read.
func (l *CredentialLifecycle) mutateUser(ctx context.Context, op string, id uuid.UUID, actor ActorRef, fn userMutation) (*User, error) {
	attempt := func() (*User, error) {
		var result *User
		err := l.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
			user, err := l.repo.Users().FindByIDTx(ctx, tx, id)
			if err != nil {
				return err
			}

			previous := user.HistorySnapshot()
			columns, err := fn(ctx, tx, user)
			if err != nil {
				return err
			}
			if len(columns) == 0 {
				result = user
				return nil
			}

			user.Version++
			user.UpdatedAt = storedTime(l.now())
			if err := l.repo.Users().UpdateTrackedTx(ctx, tx, user, columns...); err != nil {
				return err
			}

			if _, err := l.audit.RecordMutation(ctx, tx, user, OperationUpdate, actor, previous); err != nil {
				return err
			}

			result = user
			return nil
		})
		return result, err
	}

	user, err := attempt()
	if IsStorageConflict(err) {
		l.metrics.StorageConflict(op)
		l.logger.Warn("%s lost optimistic lock for user %s, retrying", op, id)
		user, err = attempt()
		if IsStorageConflict(err) {
			l.metrics.StorageConflict(op)
		}
	}
	return user, err
}

// finish maps the outcome of a token redeeming operation to the boolean
// contract and emits the activity event on success.
func (l *CredentialLifecycle) finish(ctx context.Context, op string, user *User, updated *User, err error, started time.Time, event ActivityEvent) (bool, error) {
	if err != nil {
		if IsTokenError(err) || IsNotFound(err) {
			return l.reject(ctx, op, user.ID.String(), err, started)
		}
		l.observe(op, err, started)
		if goerrors.Is(err, ErrUniquenessConflict) {
			return false, ErrUniquenessConflict
		}
		return false, err
	}

	from := user.State()
	if user != updated && updated != nil {
		*user = *updated
	}

	l.observe(op, nil, started)
	event.Actor = ActorFromUser(user)
	event.UserID = user.ID.String()
	if event.FromState == "" {
		event.FromState = from
	}
	event.ToState = user.State()
	l.recordActivity(ctx, event)
	return true, nil
}

func (l *CredentialLifecycle) reject(ctx context.Context, op, subject string, err error, started time.Time) (bool, error) {
	kind := TokenFailureKind(err)
	if kind == "" {
		kind = errorTextCode(err)
	}
	l.logger.Debug("%s rejected for subject %q: %s", op, subject, kind)
	l.observe(op, ErrTokenInvalid, started)
	l.recordActivity(ctx, ActivityEvent{
		EventType: ActivityEventTokenRejected,
		UserID:    subject,
		Metadata:  map[string]any{"operation": op, "reason": kind},
	})
	return false, nil
}

func (l *CredentialLifecycle) notify(ctx context.Context, n Notification) {
	if err := l.notifier.Deliver(ctx, n); err != nil {
		l.logger.Warn("notification hand-off failed for %s (%s): %v", n.SubjectID, n.Purpose, err)
	}
}

func (l *CredentialLifecycle) observe(op string, err error, started time.Time) {
	result := resultSuccess
	switch {
	case err == nil:
	case IsStorageConflict(err):
		result = resultConflict
	case IsTokenError(err), goerrors.Is(err, ErrTokenInvalid), goerrors.Is(err, ErrInvalidCredentials),
		goerrors.Is(err, ErrAccountDisabled), goerrors.Is(err, ErrPermissionDenied):
		result = resultRejected
	case goerrors.IsValidation(err):
		result = resultInvalid
	default:
		result = resultError
	}
	l.metrics.LifecycleOperation(op, result, started)
}

func (l *CredentialLifecycle) recordActivity(ctx context.Context, event ActivityEvent) {
	if event.Actor == (ActorRef{}) {
		event.Actor = SystemActor
	}

	if event.OccurredAt.IsZero() {
		event.OccurredAt = l.now()
	}

	sink := normalizeActivitySink(l.activitySink)
	if err := sink.Record(ctx, event); err != nil {
		l.logger.Warn("lifecycle activity sink error: %v", err)
	}
}

func checkTokenVersion(claims *TokenClaims, u *User) error {
	if claims.TokenVersion() != u.TokenVersion {
		return ErrTokenRevoked
	}
	return nil
}

func buildTransitionMetadata(opts ...TransitionOption) map[string]any {
	meta := &TransitionMetadata{}
	for _, opt := range opts {
		if opt != nil {
			opt(meta)
		}
	}

	result := map[string]any{}
	if meta.Reason != "" {
		result["reason"] = meta.Reason
	}
	for k, v := range meta.Metadata {
		result[k] = v
	}
	return result
}

func errorTextCode(err error) string {
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	if err != nil {
		return "UNKNOWN"
	}
	return ""
}
