package auth

import (
	"fmt"
	"time"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetTokenExpiration() time.Duration
	GetPurposeExpiration(purpose TokenPurpose) time.Duration
	GetLinkBaseURL() string
	GetPasswordCost() int
	GetPhoneRegion() string
}

// PasswordAuthenticator authenticates passwords
type PasswordAuthenticator interface {
	HashPassword(password string) (string, error)
	ComparePasswordAndHash(password, hash string) error
}

// ActorRef identifies who/what triggered a mutation.
type ActorRef struct {
	ID   string
	Type string
}

const (
	ActorTypeUser   = "user"
	ActorTypeSystem = "system"
)

// SystemActor is used for mutations with no acting principal.
var SystemActor = ActorRef{Type: ActorTypeSystem}

// ActorFromUser returns the actor reference for a principal, or SystemActor when nil.
func ActorFromUser(u *User) ActorRef {
	if u == nil {
		return SystemActor
	}
	return ActorRef{ID: u.ID.String(), Type: ActorTypeUser}
}

// IsSystem reports whether the actor carries no principal.
func (a ActorRef) IsSystem() bool {
	return a.ID == ""
}

type defLogger struct{}

// NewDefaultLogger returns the stdout logger used when no Logger is configured.
func NewDefaultLogger() Logger { return defLogger{} }

func (d defLogger) Error(format string, args ...any) {
	fmt.Printf("[ERR] AUTH "+newline(format), args...)
}

func (d defLogger) Warn(format string, args ...any) {
	fmt.Printf("[WRN] AUTH "+newline(format), args...)
}

func (d defLogger) Info(format string, args ...any) {
	fmt.Printf("[INF] AUTH "+newline(format), args...)
}

func (d defLogger) Debug(format string, args ...any) {
	fmt.Printf("[DBG] AUTH "+newline(format), args...)
}

func newline(s string) string {
	if len(s) > 0 && s[len(s)-1] != '\n' {
		s += "\n"
	}
	return s
}

// NopLogger discards every message.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
