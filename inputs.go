package auth

import (
	"strings"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
)

// PreregisterInput describes a principal created without a password.
type PreregisterInput struct {
	Email     string     `json:"email"`
	FirstName string     `json:"first_name"`
	LastName  string     `json:"last_name"`
	Phone     string     `json:"phone"`
	RoleID    *uuid.UUID `json:"role_id,omitempty"`
	// RoleName is used when RoleID is empty.
	RoleName string `json:"role,omitempty"`
	// DeterministicID derives the principal id from the email.
	DeterministicID bool `json:"-"`
}

func (in PreregisterInput) Validate() error {
	return validation.ValidateStruct(&in,
		validation.Field(&in.Email, validation.Required, validation.Length(3, 254), is.Email),
		validation.Field(&in.FirstName, validation.Length(0, 200)),
		validation.Field(&in.LastName, validation.Length(0, 200)),
		validation.Field(&in.RoleName, validation.Length(0, 64)),
	)
}

// RegisterInput is a direct signup with a password.
type RegisterInput struct {
	PreregisterInput
	Password string `json:"password"`
}

func (in RegisterInput) Validate() error {
	if err := in.PreregisterInput.Validate(); err != nil {
		return err
	}
	return validation.ValidateStruct(&in,
		validation.Field(&in.Password, passwordRules...),
	)
}

// passwordRules bound the password in bytes, the unit bcrypt truncates at.
// Length counts bytes for strings, RuneLength would count characters.
var passwordRules = []validation.Rule{validation.Required, validation.Length(8, 72)}

// ValidatePassword applies the password rules of RegisterInput.
func ValidatePassword(password string) error {
	return validation.Validate(password, passwordRules...)
}

// ValidateEmail normalizes and validates an address.
func ValidateEmail(email string) (string, error) {
	email = NormalizeEmail(email)
	if err := validation.Validate(email, validation.Required, is.Email); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryValidation, "invalid email address")
	}
	return email, nil
}

// NormalizePhone formats a phone number as E.164. Numbers without a country
// code are parsed for region. An empty input stays empty.
func NormalizePhone(raw, region string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	if region == "" {
		region = "US"
	}

	num, err := phonenumbers.Parse(raw, strings.ToUpper(region))
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryValidation, "invalid phone number")
	}
	if !phonenumbers.IsValidNumber(num) {
		return "", goerrors.New("invalid phone number", goerrors.CategoryValidation).
			WithMetadata(map[string]any{"phone": raw})
	}
	return phonenumbers.Format(num, phonenumbers.E164), nil
}
