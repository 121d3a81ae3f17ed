package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_NilErrorStaysNil(t *testing.T) {
	assert.NoError(t, New(Persistence, "prefs.set", nil))
}

func TestIs_MatchesThroughWrapping(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("save: %w", New(Persistence, "prefs.set", base))

	assert.True(t, Is(err, Persistence))
	assert.False(t, Is(err, Actuator))
	assert.ErrorIs(t, err, base)
	assert.Equal(t, Persistence, KindOf(err))
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, Kind(0), KindOf(errors.New("x")))
}

func TestError_Message(t *testing.T) {
	err := New(Query, "downloads.search", errors.New("no such dir"))
	assert.Equal(t, "downloads.search: query: no such dir", err.Error())
}

func TestParseKind(t *testing.T) {
	for _, k := range []Kind{Persistence, Permission, Actuator, Query} {
		assert.Equal(t, k, ParseKind(k.String()))
	}
	assert.Equal(t, Kind(0), ParseKind("bogus"))
}
