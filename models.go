package auth

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	EntityTypeUser = "user"
	EntityTypeRole = "role"
)

// CredentialState is derived from the persisted user row.
type CredentialState string

const (
	// StatePreregistered is a record with no usable password.
	StatePreregistered CredentialState = "preregistered"
	// StateUnconfirmed has a password but the email is not verified.
	StateUnconfirmed CredentialState = "unconfirmed"
	// StateActive is a confirmed account.
	StateActive CredentialState = "active"
)

// User is the principal model. Users are never hard deleted, Active=false
// disables them so their history stays resolvable.
type User struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	Email         string     `bun:"email,notnull,unique" json:"email"`
	PasswordHash  string     `bun:"password_hash" json:"-"`
	Confirmed     bool       `bun:"confirmed,notnull" json:"confirmed"`
	ConfirmedAt   *time.Time `bun:"confirmed_at,nullzero" json:"confirmed_at,omitempty"`
	ConfirmedIP   string     `bun:"confirmed_ip" json:"confirmed_ip,omitempty"`
	Active        bool       `bun:"active,notnull" json:"active"`
	APIKey        string     `bun:"api_key,unique,nullzero" json:"-"`
	FirstName     string     `bun:"first_name" json:"first_name,omitempty"`
	LastName      string     `bun:"last_name" json:"last_name,omitempty"`
	Phone         string     `bun:"phone_number" json:"phone_number,omitempty"`
	RoleID        *uuid.UUID `bun:"role_id,type:uuid,nullzero" json:"role_id,omitempty"`
	Role          *Role      `bun:"rel:belongs-to,join:role_id=id" json:"role,omitempty"`
	LastSeen      *time.Time `bun:"last_seen,nullzero" json:"last_seen,omitempty"`
	TokenVersion  int64      `bun:"token_version,notnull" json:"-"`
	Version       int64      `bun:"version,notnull" json:"version"`
	CreatedAt     time.Time  `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull" json:"updated_at"`
}

// State returns the credential lifecycle state. Disabled is orthogonal, see IsDisabled.
func (u *User) State() CredentialState {
	switch {
	case u.PasswordHash == "":
		return StatePreregistered
	case !u.Confirmed:
		return StateUnconfirmed
	default:
		return StateActive
	}
}

// IsDisabled reports an administrative deactivation.
func (u *User) IsDisabled() bool {
	return !u.Active
}

// HasPassword reports whether the user can authenticate with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Name returns the display name, falling back to the email.
func (u *User) Name() string {
	if u.FirstName == "" {
		return u.Email
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Initials returns the first letter of the first and last name.
func (u *User) Initials() string {
	initials := ""
	if u.FirstName != "" {
		initials += u.FirstName[:1]
	}
	if u.LastName != "" {
		initials += u.LastName[:1]
	}
	return strings.ToUpper(initials)
}

// EmailHash is the md5 hex digest of the email, as used by avatar services.
func (u *User) EmailHash() string {
	sum := md5.Sum([]byte(u.Email))
	return hex.EncodeToString(sum[:])
}

func (u *User) HistoryEntityType() string { return EntityTypeUser }
func (u *User) HistoryEntityID() string   { return u.ID.String() }
func (u *User) HistoryVersion() int64     { return u.Version }

// HistorySnapshot returns every candidate field. The audit trail decides which
// ones are untracked or hidden.
func (u *User) HistorySnapshot() map[string]any {
	roleID := ""
	if u.RoleID != nil {
		roleID = u.RoleID.String()
	}
	return map[string]any{
		"email":         u.Email,
		"password_hash": u.PasswordHash,
		"confirmed":     u.Confirmed,
		"confirmed_at":  formatTime(u.ConfirmedAt),
		"confirmed_ip":  u.ConfirmedIP,
		"active":        u.Active,
		"api_key":       u.APIKey,
		"first_name":    u.FirstName,
		"last_name":     u.LastName,
		"phone_number":  u.Phone,
		"role_id":       roleID,
		"last_seen":     formatTime(u.LastSeen),
		"updated_at":    formatTime(&u.UpdatedAt),
	}
}

// Role is a named bundle of capability bits shared by many users.
type Role struct {
	bun.BaseModel `bun:"table:roles,alias:rol"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	Name          string    `bun:"name,notnull,unique" json:"name"`
	Description   string    `bun:"description" json:"description,omitempty"`
	Permissions   int64     `bun:"permissions,notnull" json:"permissions"`
	Version       int64     `bun:"version,notnull" json:"version"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,notnull" json:"updated_at"`
}

// NewRole builds a role granting the given flags.
func NewRole(name, description string, flags ...Permission) *Role {
	r := &Role{Name: name, Description: description}
	for _, f := range flags {
		r.AddPermission(f)
	}
	return r
}

// Mask returns the normalized permission mask.
func (r *Role) Mask() Permission {
	if r == nil {
		return NoPermissions
	}
	return NormalizeMask(r.Permissions)
}

func (r *Role) HasPermission(flag Permission) bool {
	return r.Mask().Has(flag)
}

func (r *Role) AddPermission(flag Permission) {
	r.Permissions = r.Mask().Add(flag).Int64()
}

func (r *Role) RemovePermission(flag Permission) {
	r.Permissions = r.Mask().Remove(flag).Int64()
}

func (r *Role) ResetPermissions() {
	r.Permissions = 0
}

func (r *Role) HistoryEntityType() string { return EntityTypeRole }
func (r *Role) HistoryEntityID() string   { return r.ID.String() }
func (r *Role) HistoryVersion() int64     { return r.Version }

func (r *Role) HistorySnapshot() map[string]any {
	return map[string]any{
		"name":        r.Name,
		"description": r.Description,
		"permissions": strconv.FormatInt(r.Mask().Int64(), 10),
		"updated_at":  formatTime(&r.UpdatedAt),
	}
}

// HistoryOperation is the kind of mutation a record describes.
type HistoryOperation string

const (
	OperationCreate HistoryOperation = "create"
	OperationUpdate HistoryOperation = "update"
	OperationDelete HistoryOperation = "delete"
)

// HistoryRecord is an append-only description of one committed mutation.
// Previous and Current only hold the tracked fields that changed.
type HistoryRecord struct {
	bun.BaseModel `bun:"table:history_records,alias:hst"`
	ID            string           `bun:"id,pk" json:"id"`
	EntityType    string           `bun:"entity_type,notnull" json:"entity_type"`
	EntityID      string           `bun:"entity_id,notnull" json:"entity_id"`
	Version       int64            `bun:"version,notnull" json:"version"`
	Operation     HistoryOperation `bun:"operation,notnull" json:"operation"`
	ActorID       string           `bun:"actor_id,nullzero" json:"actor_id,omitempty"`
	ActorType     string           `bun:"actor_type,notnull" json:"actor_type"`
	Previous      map[string]any   `bun:"previous,type:jsonb" json:"previous,omitempty"`
	Current       map[string]any   `bun:"current,type:jsonb" json:"current,omitempty"`
	RecordedAt    time.Time        `bun:"recorded_at,notnull" json:"recorded_at"`
}

// Actor returns the actor reference stored on the record.
func (h *HistoryRecord) Actor() ActorRef {
	return ActorRef{ID: h.ActorID, Type: h.ActorType}
}

// ChangedFields lists the field names touched by the mutation, sorted.
func (h *HistoryRecord) ChangedFields() []string {
	return sortedKeys(h.Current, h.Previous)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return storedTime(*t).Format(time.RFC3339Nano)
}

// storedTime drops what sqlite and postgres do not keep: timestamps round
// trip through both at microsecond precision.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
