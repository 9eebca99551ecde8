package auth_test

import (
	"strings"
	"testing"

	auth "github.com/plinthio/go-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		ok       bool
	}{
		{"  Ada@Example.COM ", "ada@example.com", true},
		{"grace@example.com", "grace@example.com", true},
		{"", "", false},
		{"not-an-email", "", false},
		{"missing@", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := auth.ValidateEmail(tt.input)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		region   string
		expected string
		ok       bool
	}{
		{"empty stays empty", "  ", "US", "", true},
		{"national us number", "(650) 253-0000", "US", "+16502530000", true},
		{"default region", "650-253-0000", "", "+16502530000", true},
		{"lower case region", "020 7946 0018", "gb", "+442079460018", true},
		{"international prefix wins", "+44 20 7946 0018", "US", "+442079460018", true},
		{"garbage", "call me maybe", "US", "", false},
		{"too short", "12", "US", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := auth.NormalizePhone(tt.raw, tt.region)
			if !tt.ok {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestRegisterInputValidate(t *testing.T) {
	valid := auth.RegisterInput{Password: "long-enough"}
	valid.Email = "ada@example.com"
	assert.NoError(t, valid.Validate())

	short := valid
	short.Password = "short"
	assert.Error(t, short.Validate())

	long := valid
	long.Password = strings.Repeat("x", 73)
	assert.Error(t, long.Validate())

	noEmail := valid
	noEmail.Email = ""
	assert.Error(t, noEmail.Validate())

	pre := auth.PreregisterInput{Email: "ada@example.com", FirstName: strings.Repeat("a", 201)}
	assert.Error(t, pre.Validate())
}

func TestValidatePassword(t *testing.T) {
	assert.NoError(t, auth.ValidatePassword("eight-ch"))
	assert.Error(t, auth.ValidatePassword(""))
	assert.Error(t, auth.ValidatePassword("seven-c"))
}

func TestPasswordLengthCountsBytes(t *testing.T) {
	// "é" is two bytes: 36 of them fill the bcrypt input exactly.
	assert.NoError(t, auth.ValidatePassword(strings.Repeat("é", 36)))
	assert.Error(t, auth.ValidatePassword(strings.Repeat("é", 37)))
	assert.Error(t, auth.ValidatePassword(strings.Repeat("é", 72)))
	assert.Error(t, auth.ValidatePassword(strings.Repeat("a", 73)))

	in := auth.RegisterInput{Password: strings.Repeat("é", 40)}
	in.Email = "bytes@example.com"
	assert.Error(t, in.Validate())
}
