package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachine_PermittedPath(t *testing.T) {
	m := NewMachine()

	steps := []State{StateLoading, StatePerceiving, StateInferring, StateActing, StateComplete}
	for i, to := range steps {
		_, err := m.Transition(to, i, "https://example.com", "")
		require.NoError(t, err)
		assert.Equal(t, to, m.Current())
	}
}

func TestMachine_ActingCanReturnToPerceiving(t *testing.T) {
	m := NewMachine()
	_, err := m.Transition(StateLoading, 0, "", "")
	require.NoError(t, err)
	_, err = m.Transition(StatePerceiving, 1, "", "")
	require.NoError(t, err)
	_, err = m.Transition(StateInferring, 2, "", "")
	require.NoError(t, err)
	_, err = m.Transition(StateActing, 3, "", "")
	require.NoError(t, err)
	_, err = m.Transition(StatePerceiving, 4, "", "scroll retry")
	require.NoError(t, err)
	assert.Equal(t, StatePerceiving, m.Current())
}

func TestMachine_AnyStateCanFail(t *testing.T) {
	for _, from := range []State{StateIdle, StateLoading, StatePerceiving, StateInferring, StateActing} {
		m := &Machine{current: from}
		_, err := m.Transition(StateFailed, 0, "", "boom")
		require.NoError(t, err)
		assert.Equal(t, StateFailed, m.Current())
	}
}

func TestMachine_RejectsIllegalTransition(t *testing.T) {
	m := NewMachine()
	_, err := m.Transition(StateActing, 0, "", "")
	require.Error(t, err)
	assert.Equal(t, StateIdle, m.Current(), "rejected transition must not mutate state")
}

func TestMachine_TerminalStatesReturnToIdle(t *testing.T) {
	m := &Machine{current: StateComplete}
	_, err := m.Transition(StateIdle, 0, "", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, m.Current())

	m = &Machine{current: StateFailed}
	_, err = m.Transition(StateIdle, 0, "", "cleanup")
	require.NoError(t, err)
	assert.Equal(t, StateIdle, m.Current())
}

func TestCheckpoint_ResumeAndAdvance(t *testing.T) {
	cp := NewCheckpoint()
	assert.Equal(t, -1, cp.LastCompletedSubtaskIndex)
	assert.Equal(t, 0, cp.ResumeIndex())

	next := cp.Advance(0, "artifact-0")
	assert.Equal(t, 0, next.LastCompletedSubtaskIndex)
	assert.Equal(t, 1, next.ResumeIndex())
	assert.Equal(t, "artifact-0", next.Artifacts[0])

	// Advance never mutates the receiver.
	assert.Equal(t, -1, cp.LastCompletedSubtaskIndex)
	assert.Empty(t, cp.Artifacts)
}

func TestTask_IsTerminal(t *testing.T) {
	tsk := NewTask("t1", "search for keyboards", "https://example.com", Foreground, 20, 1)
	assert.False(t, tsk.IsTerminal())

	tsk.Outcome = OutcomeCancelled
	assert.True(t, tsk.IsTerminal())
}
