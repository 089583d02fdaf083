package apperr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndKindOf(t *testing.T) {
	err := New(KindNotFound, "node %d missing", 7)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.Equal(t, "node 7 missing", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(KindTransport, cause, "listing containers")

	require.Error(t, err)
	assert.Equal(t, KindTransport, KindOf(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain error")))
}

func TestSentinelsHaveExpectedKinds(t *testing.T) {
	assert.Equal(t, KindNotFound, KindOf(ErrNotFound))
	assert.Equal(t, KindConflict, KindOf(ErrDuplicate))
	assert.Equal(t, KindConflict, KindOf(ErrNotADir))
	assert.Equal(t, KindAccessDenied, KindOf(ErrAccessDenied))
}
