package auth

import (
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	goerrors "github.com/goliatone/go-errors"
	"github.com/joho/godotenv"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// Settings is the file and environment backed configuration. It implements Config.
type Settings struct {
	SigningKey  string           `yaml:"signing_key"`
	BaseURL     string           `yaml:"base_url"`
	PhoneRegion string           `yaml:"phone_region"`
	Password    PasswordSettings `yaml:"password"`
	Tokens      TokenSettings    `yaml:"tokens"`
	Database    DatabaseSettings `yaml:"database"`
	AMQP        AMQPSettings     `yaml:"amqp"`
}

// TokenSettings holds the TTL of each token purpose.
type TokenSettings struct {
	DefaultTTL     time.Duration `yaml:"default_ttl"`
	ConfirmTTL     time.Duration `yaml:"confirm_ttl"`
	ResetTTL       time.Duration `yaml:"reset_ttl"`
	ChangeEmailTTL time.Duration `yaml:"change_email_ttl"`
	InviteTTL      time.Duration `yaml:"invite_ttl"`
}

type PasswordSettings struct {
	Cost int `yaml:"cost"`
}

// DatabaseSettings selects the bun dialect and connection.
type DatabaseSettings struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
	Debug  bool   `yaml:"debug"`
}

// AMQPSettings configures the message broker notifier. An empty URL disables it.
type AMQPSettings struct {
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routing_key"`
}

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

var _ Config = (*Settings)(nil)

// DefaultSettings returns settings with every default applied and no secret.
func DefaultSettings() *Settings {
	return &Settings{
		BaseURL:     "http://localhost:8000",
		PhoneRegion: "US",
		Password:    PasswordSettings{Cost: defaultPasswordCost},
		Tokens: TokenSettings{
			DefaultTTL:     DefaultTokenTTL,
			ConfirmTTL:     24 * time.Hour,
			ResetTTL:       time.Hour,
			ChangeEmailTTL: time.Hour,
			InviteTTL:      72 * time.Hour,
		},
		Database: DatabaseSettings{
			Driver: DriverSQLite,
			DSN:    "file:auth.db?cache=shared",
		},
		AMQP: AMQPSettings{
			Exchange:   "auth.notifications",
			RoutingKey: "auth.notification",
		},
	}
}

// LoadSettings reads the YAML file at path (optional), then the given .env
// files, then environment overrides, and validates the result.
func LoadSettings(path string, envFiles ...string) (*Settings, error) {
	cfg := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to read settings file").
				WithMetadata(map[string]any{"path": path})
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryValidation, "failed to parse settings file").
				WithMetadata(map[string]any{"path": path})
		}
	}

	if len(envFiles) > 0 {
		if err := godotenv.Load(envFiles...); err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to load env files")
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the process environment.
func (s *Settings) ApplyEnv() {
	overrides := map[string]*string{
		"SECRET_KEY":      &s.SigningKey,
		"DATABASE_DRIVER": &s.Database.Driver,
		"DATABASE_DSN":    &s.Database.DSN,
		"APP_BASE_URL":    &s.BaseURL,
		"AMQP_URL":        &s.AMQP.URL,
		"AMQP_EXCHANGE":   &s.AMQP.Exchange,
		"PHONE_REGION":    &s.PhoneRegion,
	}
	for key, field := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*field = v
		}
	}
}

// Validate reports ErrConfigurationFatal for a missing or weak secret and a
// validation error for anything else.
func (s *Settings) Validate() error {
	if len(s.SigningKey) < MinSigningKeyLength {
		return ErrConfigurationFatal
	}

	err := validation.ValidateStruct(s,
		validation.Field(&s.BaseURL, validation.Required, is.URL),
		validation.Field(&s.PhoneRegion, validation.Required, validation.Length(2, 2)),
		validation.Field(&s.Password),
		validation.Field(&s.Tokens),
		validation.Field(&s.Database),
	)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryValidation, "invalid settings")
	}
	return nil
}

func (p PasswordSettings) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Cost, validation.Min(bcrypt.MinCost), validation.Max(bcrypt.MaxCost)),
	)
}

func (t TokenSettings) Validate() error {
	return validation.ValidateStruct(&t,
		validation.Field(&t.DefaultTTL, validation.Min(time.Duration(0))),
		validation.Field(&t.ConfirmTTL, validation.Min(time.Duration(0))),
		validation.Field(&t.ResetTTL, validation.Min(time.Duration(0))),
		validation.Field(&t.ChangeEmailTTL, validation.Min(time.Duration(0))),
		validation.Field(&t.InviteTTL, validation.Min(time.Duration(0))),
	)
}

func (d DatabaseSettings) Validate() error {
	return validation.ValidateStruct(&d,
		validation.Field(&d.Driver, validation.Required, validation.In(DriverSQLite, DriverPostgres)),
		validation.Field(&d.DSN, validation.Required),
	)
}

func (s *Settings) GetSigningKey() string {
	return s.SigningKey
}

func (s *Settings) GetTokenExpiration() time.Duration {
	if s.Tokens.DefaultTTL <= 0 {
		return DefaultTokenTTL
	}
	return s.Tokens.DefaultTTL
}

// GetPurposeExpiration returns the TTL of purpose, falling back to the default TTL.
func (s *Settings) GetPurposeExpiration(purpose TokenPurpose) time.Duration {
	var ttl time.Duration
	switch purpose {
	case PurposeConfirm:
		ttl = s.Tokens.ConfirmTTL
	case PurposeReset:
		ttl = s.Tokens.ResetTTL
	case PurposeChangeEmail:
		ttl = s.Tokens.ChangeEmailTTL
	case PurposeInvite:
		ttl = s.Tokens.InviteTTL
	}
	if ttl <= 0 {
		return s.GetTokenExpiration()
	}
	return ttl
}

func (s *Settings) GetLinkBaseURL() string {
	return strings.TrimRight(s.BaseURL, "/")
}

func (s *Settings) GetPasswordCost() int {
	return s.Password.Cost
}

func (s *Settings) GetPhoneRegion() string {
	return strings.ToUpper(s.PhoneRegion)
}
