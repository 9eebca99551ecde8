package auth_test

import (
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	auth "github.com/plinthio/go-auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecordIDIsSortable(t *testing.T) {
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	ids := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		ids = append(ids, auth.NewRecordID(at))
	}

	assert.True(t, sort.StringsAreSorted(ids), "ids minted in one millisecond stay ordered")
	assert.Len(t, ids[0], 26)

	later := auth.NewRecordID(at.Add(time.Second))
	assert.Greater(t, later, ids[len(ids)-1])
}

func TestNewUserID(t *testing.T) {
	t.Run("random", func(t *testing.T) {
		a, err := auth.NewUserID("user@example.com", false)
		require.NoError(t, err)
		b, err := auth.NewUserID("user@example.com", false)
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("deterministic", func(t *testing.T) {
		a, err := auth.NewUserID("User@Example.com ", true)
		require.NoError(t, err)
		b, err := auth.NewUserID("user@example.com", true)
		require.NoError(t, err)
		assert.Equal(t, a, b)
		assert.NotEqual(t, uuid.Nil, a)
	})
}

func TestNewAPIKey(t *testing.T) {
	a, err := auth.NewAPIKey()
	require.NoError(t, err)
	b, err := auth.NewAPIKey()
	require.NoError(t, err)

	assert.Len(t, a, 43)
	assert.NotEqual(t, a, b)
}

func TestParseSubjectID(t *testing.T) {
	id := uuid.New()

	parsed, ok := auth.ParseSubjectID(id.String())
	assert.True(t, ok)
	assert.Equal(t, id, parsed)

	for _, subject := range []string{"", "auth0|1234567890", uuid.Nil.String()} {
		_, ok := auth.ParseSubjectID(subject)
		assert.False(t, ok, subject)
	}
}
