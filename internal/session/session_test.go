package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStatusTransitions 测试状态只能从active迁移到终态
func TestStatusTransitions(t *testing.T) {
	for _, terminal := range []Status{StatusEnded, StatusExpired, StatusError} {
		cs := newTestSession("CA1")
		require.NoError(t, cs.Transition(terminal, cs.StartedAt.Add(time.Minute)))
		assert.True(t, cs.Status.IsTerminal())

		// 终态不可再迁移
		for _, next := range []Status{StatusActive, StatusEnded, StatusExpired, StatusError} {
			err := cs.Transition(next, cs.StartedAt.Add(2*time.Minute))
			assert.ErrorIs(t, err, ErrInvalidTransition)
		}
		assert.Equal(t, terminal, cs.Status)
	}

	cs := newTestSession("CA2")
	assert.ErrorIs(t, cs.Transition(StatusActive, time.Now()), ErrInvalidTransition)
}

// TestTransitionClampsEndTime 测试结束时间不早于开始时间
func TestTransitionClampsEndTime(t *testing.T) {
	cs := newTestSession("CA1")
	require.NoError(t, cs.Transition(StatusEnded, cs.StartedAt.Add(-time.Second)))
	assert.Equal(t, cs.StartedAt, *cs.EndedAt)
	assert.Zero(t, cs.DurationSeconds)
}

// TestExpired 测试过期判断
func TestExpired(t *testing.T) {
	cs := newTestSession("CA1")
	assert.False(t, cs.Expired(cs.StartedAt.Add(59*time.Minute)))
	assert.True(t, cs.Expired(cs.StartedAt.Add(61*time.Minute)))

	require.NoError(t, cs.Transition(StatusEnded, cs.StartedAt.Add(time.Minute)))
	assert.False(t, cs.Expired(cs.StartedAt.Add(2*time.Hour)))
}

// TestCloneIsolation 测试副本互不影响
func TestCloneIsolation(t *testing.T) {
	cs := newTestSession("CA1")
	cs.Recording = &Recording{Sid: "RE1"}
	require.NoError(t, cs.Transition(StatusEnded, cs.StartedAt.Add(time.Minute)))

	cp := cs.Clone()
	cp.Recording.Sid = "RE2"
	*cp.EndedAt = cp.EndedAt.Add(time.Hour)

	assert.Equal(t, "RE1", cs.Recording.Sid)
	assert.Equal(t, cs.StartedAt.Add(time.Minute), *cs.EndedAt)
}
