package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// MinSigningKeyLength is the shortest secret the token service accepts.
const MinSigningKeyLength = 32

// DefaultTokenTTL applies when Issue is called with a zero TTL.
const DefaultTokenTTL = time.Hour

// TokenService issues and verifies stateless, purpose bound tokens.
type TokenService interface {
	Issue(subjectID string, purpose TokenPurpose, claims map[string]string, ttl time.Duration) (string, error)
	Verify(token string) (*TokenClaims, error)
	VerifyForSubject(token, expectedSubject string) (*TokenClaims, error)
	VerifyPurpose(token string, purpose TokenPurpose) (*TokenClaims, error)
	VerifyForSubjectAndPurpose(token, expectedSubject string, purpose TokenPurpose) (*TokenClaims, error)
}

// TokenServiceImpl implements the TokenService interface
type TokenServiceImpl struct {
	signingKey []byte
	defaultTTL time.Duration
	clock      func() time.Time
	logger     Logger
	metrics    *Metrics
	parser     *jwt.Parser
}

// TokenServiceOption configures a TokenServiceImpl.
type TokenServiceOption func(*TokenServiceImpl)

// WithTokenClock overrides the wall clock used for issue and expiry.
func WithTokenClock(clock func() time.Time) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if clock != nil {
			ts.clock = clock
		}
	}
}

// WithDefaultTokenTTL sets the TTL used when Issue receives zero.
func WithDefaultTokenTTL(ttl time.Duration) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if ttl > 0 {
			ts.defaultTTL = ttl
		}
	}
}

func WithTokenLogger(logger Logger) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		if logger != nil {
			ts.logger = logger
		}
	}
}

func WithTokenMetrics(metrics *Metrics) TokenServiceOption {
	return func(ts *TokenServiceImpl) {
		ts.metrics = metrics
	}
}

// NewTokenService creates a new TokenService instance. The secret is copied
// and never changes afterwards.
func NewTokenService(signingKey []byte, opts ...TokenServiceOption) (*TokenServiceImpl, error) {
	if len(signingKey) < MinSigningKeyLength {
		return nil, ErrConfigurationFatal
	}

	key := make([]byte, len(signingKey))
	copy(key, signingKey)

	ts := &TokenServiceImpl{
		signingKey: key,
		defaultTTL: DefaultTokenTTL,
		clock:      time.Now,
		logger:     defLogger{},
		// expiry is checked by hand so that now == exp is already expired
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithStrictDecoding(),
			jwt.WithoutClaimsValidation(),
		),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(ts)
		}
	}

	return ts, nil
}

// NewTokenServiceFromConfig builds the service from a Config.
func NewTokenServiceFromConfig(cfg Config, opts ...TokenServiceOption) (*TokenServiceImpl, error) {
	if cfg == nil {
		return nil, ErrConfigurationFatal
	}
	base := []TokenServiceOption{WithDefaultTokenTTL(cfg.GetTokenExpiration())}
	return NewTokenService([]byte(cfg.GetSigningKey()), append(base, opts...)...)
}

// Issue mints a signed token for subjectID. A zero ttl uses the default.
func (ts *TokenServiceImpl) Issue(subjectID string, purpose TokenPurpose, claims map[string]string, ttl time.Duration) (string, error) {
	if subjectID == "" {
		return "", goerrors.New("token subject is required", goerrors.CategoryBadInput)
	}
	if ttl < 0 {
		return "", goerrors.New("token TTL must be non-negative", goerrors.CategoryBadInput)
	}
	if ttl == 0 {
		ttl = ts.defaultTTL
	}

	now := ts.clock()
	payload := &TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subjectID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Purpose: purpose,
	}
	if len(claims) > 0 {
		payload.Data = make(map[string]string, len(claims))
		for k, v := range claims {
			payload.Data[k] = v
		}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, payload).SignedString(ts.signingKey)
	if err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to sign token")
	}

	ts.metrics.TokenIssued(purpose)
	return signed, nil
}

// Verify checks the signature and expiry and returns the claims.
func (ts *TokenServiceImpl) Verify(token string) (*TokenClaims, error) {
	claims, err := ts.verify(token)
	ts.observe(err)
	return claims, err
}

// VerifyForSubject also rejects tokens minted for another principal.
func (ts *TokenServiceImpl) VerifyForSubject(token, expectedSubject string) (*TokenClaims, error) {
	claims, err := ts.verify(token)
	if err == nil && claims.SubjectID() != expectedSubject {
		err = ErrTokenSubjectMismatch
	}
	ts.observe(err)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyPurpose also rejects tokens minted for another operation.
func (ts *TokenServiceImpl) VerifyPurpose(token string, purpose TokenPurpose) (*TokenClaims, error) {
	claims, err := ts.verify(token)
	if err == nil && claims.Purpose != purpose {
		err = ErrTokenPurposeMismatch
	}
	ts.observe(err)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// VerifyForSubjectAndPurpose combines the subject and purpose checks.
func (ts *TokenServiceImpl) VerifyForSubjectAndPurpose(token, expectedSubject string, purpose TokenPurpose) (*TokenClaims, error) {
	claims, err := ts.verify(token)
	if err == nil {
		switch {
		case claims.SubjectID() != expectedSubject:
			err = ErrTokenSubjectMismatch
		case claims.Purpose != purpose:
			err = ErrTokenPurposeMismatch
		}
	}
	ts.observe(err)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

func (ts *TokenServiceImpl) verify(tokenString string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := ts.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return ts.signingKey, nil
	})
	if err != nil || !token.Valid {
		ts.logger.Debug("token service rejected token: %v", err)
		return nil, ErrTokenInvalidSignature
	}

	if claims.ExpiresAt == nil || !ts.clock().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

func (ts *TokenServiceImpl) observe(err error) {
	if err == nil {
		ts.metrics.TokenVerified("valid")
		return
	}
	kind := TokenFailureKind(err)
	ts.logger.Debug("token verification failed: %s", kind)
	ts.metrics.TokenVerified(kind)
}
