package auth

import (
	"database/sql"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
)

const (
	TextCodeTokenInvalidSignature = "TOKEN_INVALID_SIGNATURE"
	TextCodeTokenExpired          = "TOKEN_EXPIRED"
	TextCodeTokenSubjectMismatch  = "TOKEN_SUBJECT_MISMATCH"
	TextCodeTokenPurposeMismatch  = "TOKEN_PURPOSE_MISMATCH"
	TextCodeTokenRevoked          = "TOKEN_REVOKED"
	TextCodeTokenInvalid          = "TOKEN_INVALID"
	TextCodePermissionDenied      = "PERMISSION_DENIED"
	TextCodeUniquenessConflict    = "UNIQUENESS_CONFLICT"
	TextCodeStorageConflict       = "STORAGE_CONFLICT"
	TextCodeConfigurationFatal    = "CONFIGURATION_FATAL"
	TextCodeInvalidCredentials    = "INVALID_CREDENTIALS"
	TextCodeAccountDisabled       = "ACCOUNT_DISABLED"
	TextCodeNoTrackedChanges      = "NO_TRACKED_CHANGES"
	TextCodeUserNotFound          = "USER_NOT_FOUND"
	TextCodeRoleNotFound          = "ROLE_NOT_FOUND"
	TextCodeWeakPassword          = "WEAK_PASSWORD"
)

// ErrTokenInvalidSignature is returned when a token can not be decoded or its
// MAC does not match the server secret.
var ErrTokenInvalidSignature = goerrors.New("token signature is invalid", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenInvalidSignature).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenExpired is returned when the verification time is at or past the token expiry.
var ErrTokenExpired = goerrors.New("token is expired", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenExpired).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenSubjectMismatch is returned when a token was minted for a different principal.
var ErrTokenSubjectMismatch = goerrors.New("token subject mismatch", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenSubjectMismatch).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenPurposeMismatch is returned when a token is redeemed for an operation it was not minted for.
var ErrTokenPurposeMismatch = goerrors.New("token purpose mismatch", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenPurposeMismatch).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenRevoked is returned when the principal's token version moved past the one in the token.
var ErrTokenRevoked = goerrors.New("token has been superseded", goerrors.CategoryAuth).
	WithTextCode(TextCodeTokenRevoked).
	WithCode(goerrors.CodeUnauthorized)

// ErrTokenInvalid is the user facing error for any token failure.
var ErrTokenInvalid = goerrors.New("the link is invalid or expired", goerrors.CategoryValidation).
	WithTextCode(TextCodeTokenInvalid).
	WithCode(goerrors.CodeBadRequest)

// ErrPermissionDenied is returned when a principal lacks a required capability.
var ErrPermissionDenied = goerrors.New("permission denied", goerrors.CategoryAuthz).
	WithTextCode(TextCodePermissionDenied).
	WithCode(goerrors.CodeForbidden)

// ErrUniquenessConflict is returned when an email is already owned by another principal.
var ErrUniquenessConflict = goerrors.New("email address is already in use", goerrors.CategoryConflict).
	WithTextCode(TextCodeUniquenessConflict).
	WithCode(goerrors.CodeConflict)

// ErrStorageConflict is returned when a concurrent writer changed the record first.
var ErrStorageConflict = goerrors.New("record was modified concurrently", goerrors.CategoryConflict).
	WithTextCode(TextCodeStorageConflict).
	WithCode(goerrors.CodeConflict)

// ErrConfigurationFatal is returned when the service can not start safely.
var ErrConfigurationFatal = goerrors.New("signing secret is missing or too short", goerrors.CategoryInternal).
	WithTextCode(TextCodeConfigurationFatal).
	WithCode(goerrors.CodeInternal)

// ErrInvalidCredentials is the uniform login failure.
var ErrInvalidCredentials = goerrors.New("incorrect credentials", goerrors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(goerrors.CodeUnauthorized)

// ErrAccountDisabled is returned when a deactivated principal tries to authenticate.
var ErrAccountDisabled = goerrors.New("account is disabled", goerrors.CategoryAuth).
	WithTextCode(TextCodeAccountDisabled).
	WithCode(goerrors.CodeForbidden)

// ErrNoTrackedChanges is returned by the audit trail when an update touched no tracked field.
var ErrNoTrackedChanges = goerrors.New("mutation changed no tracked fields", goerrors.CategoryValidation).
	WithTextCode(TextCodeNoTrackedChanges).
	WithCode(goerrors.CodeBadRequest)

// ErrUserNotFound is returned when no principal matches the lookup.
var ErrUserNotFound = goerrors.New("user not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeUserNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrRoleNotFound is returned when no role matches the lookup.
var ErrRoleNotFound = goerrors.New("role not found", goerrors.CategoryNotFound).
	WithTextCode(TextCodeRoleNotFound).
	WithCode(goerrors.CodeNotFound)

// ErrWeakPassword is returned when a new password does not meet the password rules.
var ErrWeakPassword = goerrors.New("password does not meet the password rules", goerrors.CategoryValidation).
	WithTextCode(TextCodeWeakPassword).
	WithCode(goerrors.CodeBadRequest)

var tokenFailures = []*goerrors.Error{
	ErrTokenInvalidSignature,
	ErrTokenExpired,
	ErrTokenSubjectMismatch,
	ErrTokenPurposeMismatch,
	ErrTokenRevoked,
}

// IsTokenError reports whether err is one of the token verification failures.
func IsTokenError(err error) bool {
	return TokenFailureKind(err) != ""
}

// TokenFailureKind returns the text code of a token failure, or an empty string.
// Meant for logs and metrics, never for end users.
func TokenFailureKind(err error) string {
	if err == nil {
		return ""
	}
	for _, sentinel := range tokenFailures {
		if goerrors.Is(err, sentinel) {
			return sentinel.TextCode
		}
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		for _, sentinel := range tokenFailures {
			if richErr.TextCode == sentinel.TextCode {
				return sentinel.TextCode
			}
		}
	}
	return ""
}

// IsStorageConflict reports whether err signals a lost optimistic lock.
func IsStorageConflict(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, ErrStorageConflict) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.TextCode == TextCodeStorageConflict
}

// IsNotFound reports whether err means a missing user or role row.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if goerrors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return true
	}
	var richErr *goerrors.Error
	return goerrors.As(err, &richErr) && richErr.Category == goerrors.CategoryNotFound
}
