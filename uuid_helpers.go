package auth

import (
	"crypto/rand"
	"encoding/base64"
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// NewRecordID returns a lexicographically sortable identifier for history records.
func NewRecordID(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// NewUserID returns a random id, or one derived from the email when
// deterministic is set so the same address always maps to the same principal.
func NewUserID(email string, deterministic bool) (uuid.UUID, error) {
	if !deterministic {
		return uuid.New(), nil
	}
	id, err := hashid.NewUUID(strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return uuid.Nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to derive user id")
	}
	return id, nil
}

// NewAPIKey returns a random url safe key.
func NewAPIKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", goerrors.Wrap(err, goerrors.CategoryInternal, "failed to generate api key")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// ParseSubjectID converts a token subject into a principal id.
func ParseSubjectID(subject string) (uuid.UUID, bool) {
	id, err := uuid.Parse(subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}
