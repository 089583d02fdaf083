package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSessionIDIsUniqueAnd128Bit(t *testing.T) {
	a, err := generateSessionID()
	require.NoError(t, err)
	b, err := generateSessionID()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36) // canonical UUID string form
}

func TestLookupAfterEndSessionReturnsFalse(t *testing.T) {
	m := &Manager{sessions: make(map[string]*Record)}
	rec := &Record{SessionID: "abc", UserID: "alice"}
	m.sessions["abc"] = rec

	got, ok := m.Lookup("abc")
	require.True(t, ok)
	assert.Equal(t, "alice", got.UserID)

	m.EndSession("abc")
	_, ok = m.Lookup("abc")
	assert.False(t, ok)
}
