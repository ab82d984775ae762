package members

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdate(t *testing.T) {
	now := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	set, args, err := buildUpdate(Patch{"semester": 4, "name": " Asha "}, now)
	require.NoError(t, err)
	assert.Equal(t, "name = $1, semester = $2, updated_at = $3", set)
	assert.Equal(t, []any{"Asha", 4, now}, args)

	set, args, err = buildUpdate(Patch{"phone": nil}, now)
	require.NoError(t, err)
	assert.Equal(t, "phone = $1, updated_at = $2", set)
	assert.Nil(t, args[0])

	_, _, err = buildUpdate(Patch{}, now)
	assert.ErrorIs(t, err, ErrInvalidField)

	_, _, err = buildUpdate(Patch{"created_at": "yesterday"}, now)
	assert.ErrorIs(t, err, ErrUnknownField)

	for _, p := range []Patch{
		{"semester": 4.5},
		{"semester": 0},
		{"semester": true},
		{"name": 42},
		{"department": "   "},
		{"email": "nope"},
	} {
		_, _, err := buildUpdate(p, now)
		assert.ErrorIs(t, err, ErrInvalidField, "%v", p)
	}
}

func TestEscapeLike(t *testing.T) {
	assert.Equal(t, `1ab\_\%\\`, escapeLike(`1ab_%\`))
}
