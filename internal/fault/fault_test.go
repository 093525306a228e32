package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfWrapped(t *testing.T) {
	base := errors.New("no such element")
	err := fmt.Errorf("select category: %w", Navigation("click", base))

	require.Equal(t, KindNavigation, KindOf(err))
	assert.True(t, Is(err, KindNavigation))
	assert.False(t, Is(err, KindSession))
	assert.ErrorIs(t, err, base)
}

func TestSessionLossSurvivesRewrap(t *testing.T) {
	lost := Session("evaluate", errors.New("target closed"))
	err := Navigation("open location", lost)

	assert.Equal(t, KindSession, KindOf(err))
	assert.True(t, Is(err, KindSession))
}

func TestDeadlineCountsAsNavigation(t *testing.T) {
	err := fmt.Errorf("wait for calendar: %w", context.DeadlineExceeded)

	assert.Equal(t, KindNavigation, KindOf(err))
	assert.True(t, Is(err, KindNavigation))
	assert.Equal(t, KindUnknown, KindOf(nil))
}

func TestErrorString(t *testing.T) {
	err := Persistence("write snapshot", errors.New("disk full"))
	assert.Equal(t, "persistence failure: write snapshot: disk full", err.Error())
}
