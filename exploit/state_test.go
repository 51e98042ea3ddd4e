package exploit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

var allStates = []State{
	StateInit, StatePredicting, StateReplaying, StateCrafting,
	StateSubmitting, StateVerifying, StateSuccess, StateFailed,
}

// machineIn forces a machine into s with every precondition satisfied.
func machineIn(s State) *Machine {
	m := NewMachine()
	m.state = s
	m.payloadReady = true
	m.baselineKnown = true
	m.postconditions = true
	return m
}

func TestSubmittingOnlyAfterCrafting(t *testing.T) {
	for _, from := range allStates {
		err := machineIn(from).Transition(StateSubmitting)
		if from == StateCrafting {
			assert.NoError(t, err)
			continue
		}
		assert.True(t, errs.IsKind(err, errs.ErrorTypeState), "submitting reachable from %s", from)
	}

	t.Run("crafting without payload", func(t *testing.T) {
		m := NewMachine()
		require.NoError(t, m.Transition(StateCrafting))
		assert.Error(t, m.Transition(StateSubmitting))

		m.PayloadBuilt()
		assert.NoError(t, m.Transition(StateSubmitting))
	})

	t.Run("payload is consumed", func(t *testing.T) {
		m := NewMachine()
		require.NoError(t, m.Transition(StateCrafting))
		m.PayloadBuilt()
		require.NoError(t, m.Transition(StateSubmitting))
		require.NoError(t, m.Transition(StateVerifying))
		require.NoError(t, m.Transition(StateCrafting))
		assert.Error(t, m.Transition(StateSubmitting))
	})
}

func TestSuccessOnlyFromVerifying(t *testing.T) {
	for _, from := range allStates {
		err := machineIn(from).Transition(StateSuccess)
		if from == StateVerifying {
			assert.NoError(t, err)
			continue
		}
		assert.Error(t, err, "success reachable from %s", from)
	}

	m := NewMachine()
	require.NoError(t, m.Transition(StateVerifying))
	assert.Error(t, m.Transition(StateSuccess), "success without postconditions")
	m.PostconditionsHeld()
	assert.NoError(t, m.Transition(StateSuccess))
}

func TestPredictingNeedsBaseline(t *testing.T) {
	m := NewMachine()
	assert.Error(t, m.Transition(StatePredicting))
	m.NonceBaselineKnown()
	require.NoError(t, m.Transition(StatePredicting))
	assert.Error(t, m.Transition(StatePredicting), "each prediction needs a fresh baseline")
}

func TestTerminalStates(t *testing.T) {
	for _, terminal := range []State{StateSuccess, StateFailed} {
		for _, to := range allStates {
			assert.Error(t, machineIn(terminal).Transition(to), "%s -> %s", terminal, to)
		}
	}

	m := machineIn(StateSubmitting)
	m.Fail()
	assert.Equal(t, StateFailed, m.State())
	m.Fail()
	assert.Equal(t, StateFailed, m.State())
}

func TestTransitionHook(t *testing.T) {
	var seen []State
	m := NewMachine()
	m.onEnter = func(_, to State) { seen = append(seen, to) }

	require.NoError(t, m.Transition(StateCrafting))
	m.PayloadBuilt()
	require.NoError(t, m.Transition(StateSubmitting))
	require.NoError(t, m.Transition(StateVerifying))
	assert.Equal(t, []State{StateCrafting, StateSubmitting, StateVerifying}, seen)
}
