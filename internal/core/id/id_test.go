package id

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsTimeOrdered(t *testing.T) {
	a := New()
	b := New()

	assert.Equal(t, 7, int(a.Version()))
	assert.Less(t, a.String(), b.String())
}

func TestParseRoundTrip(t *testing.T) {
	s := NewString()
	parsed, err := Parse(s)
	require.NoError(t, err)
	assert.Equal(t, s, parsed.String())

	_, err = Parse("not-an-id")
	assert.Error(t, err)
}
