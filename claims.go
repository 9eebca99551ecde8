package auth

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenPurpose binds a token to the one operation it may be redeemed for.
type TokenPurpose string

const (
	PurposeConfirm     TokenPurpose = "confirm"
	PurposeReset       TokenPurpose = "reset"
	PurposeChangeEmail TokenPurpose = "change_email"
	PurposeInvite      TokenPurpose = "invite"
)

// Purposes lists every purpose a lifecycle token can carry.
var Purposes = []TokenPurpose{PurposeConfirm, PurposeReset, PurposeChangeEmail, PurposeInvite}

func (p TokenPurpose) String() string {
	return string(p)
}

// Valid reports whether p is a known purpose.
func (p TokenPurpose) Valid() bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

const (
	// ClaimTokenVersion holds the principal token version at issue time.
	ClaimTokenVersion = "ver"
	// ClaimNewEmail holds the address an email change token was requested for.
	ClaimNewEmail = "new_email"
)

// TokenClaims is the signed payload of a lifecycle token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Purpose TokenPurpose      `json:"purpose"`
	Data    map[string]string `json:"claims,omitempty"`
}

// SubjectID returns the principal the token was minted for.
func (c *TokenClaims) SubjectID() string {
	return c.RegisteredClaims.Subject
}

// Claim returns a purpose specific claim.
func (c *TokenClaims) Claim(key string) (string, bool) {
	if c.Data == nil {
		return "", false
	}
	v, ok := c.Data[key]
	return v, ok
}

// Claims returns a copy of the purpose specific claims.
func (c *TokenClaims) Claims() map[string]string {
	out := make(map[string]string, len(c.Data))
	for k, v := range c.Data {
		out[k] = v
	}
	return out
}

// TokenVersion returns the embedded token version, or -1 when absent.
func (c *TokenClaims) TokenVersion() int64 {
	raw, ok := c.Claim(ClaimTokenVersion)
	if !ok {
		return -1
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return -1
	}
	return v
}

// Expires returns the expiry time in UTC.
func (c *TokenClaims) Expires() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time.UTC()
}

// Issued returns the issue time in UTC.
func (c *TokenClaims) Issued() time.Time {
	if c.IssuedAt == nil {
		return time.Time{}
	}
	return c.IssuedAt.Time.UTC()
}
