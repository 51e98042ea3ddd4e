package exploit

import (
	"fmt"

	"github.com/mjkid221/damn-vulnerable-defi/common/errs"
)

type State string

const (
	StateInit       State = "init"
	StatePredicting State = "predicting"
	StateReplaying  State = "replaying"
	StateCrafting   State = "crafting"
	StateSubmitting State = "submitting"
	StateVerifying  State = "verifying"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed
}

// transitions lists the states reachable from each state. Submitting is only
// entered from Crafting and Success only from Verifying.
var transitions = map[State][]State{
	StateInit:       {StatePredicting, StateReplaying, StateCrafting, StateVerifying, StateFailed},
	StatePredicting: {StatePredicting, StateReplaying, StateCrafting, StateVerifying, StateFailed},
	StateReplaying:  {StatePredicting, StateReplaying, StateCrafting, StateVerifying, StateFailed},
	StateCrafting:   {StateSubmitting, StateFailed},
	StateSubmitting: {StateVerifying, StateFailed},
	StateVerifying:  {StatePredicting, StateReplaying, StateCrafting, StateVerifying, StateSuccess, StateFailed},
}

// Machine tracks the state of one exploit run together with the facts the
// transition preconditions depend on.
type Machine struct {
	state State

	payloadReady   bool
	baselineKnown  bool
	postconditions bool

	onEnter func(from, to State)
}

func NewMachine() *Machine {
	return &Machine{state: StateInit}
}

func (m *Machine) State() State { return m.state }

// PayloadBuilt records a successful Crafting; the next Submitting consumes it.
func (m *Machine) PayloadBuilt() { m.payloadReady = true }

// NonceBaselineKnown records that the deployer nonce has been observed.
func (m *Machine) NonceBaselineKnown() { m.baselineKnown = true }

// PostconditionsHeld records that every postcondition passed in Verifying.
func (m *Machine) PostconditionsHeld() { m.postconditions = true }

// CanTransition reports whether to is reachable now.
func (m *Machine) CanTransition(to State) error {
	allowed := false
	for _, s := range transitions[m.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return errs.NewError(errs.ErrorTypeState, fmt.Sprintf("illegal transition %s -> %s", m.state, to)).
			AddContext("from", string(m.state)).
			AddContext("to", string(to))
	}
	switch to {
	case StateSubmitting:
		if !m.payloadReady {
			return errs.NewError(errs.ErrorTypeState, "submitting requires a payload built in crafting")
		}
	case StatePredicting:
		if !m.baselineKnown {
			return errs.NewError(errs.ErrorTypeState, "predicting requires a known nonce baseline")
		}
	case StateSuccess:
		if !m.postconditions {
			return errs.NewError(errs.ErrorTypeState, "success requires every postcondition to hold")
		}
	}
	return nil
}

// Transition moves to the given state or returns a state error.
func (m *Machine) Transition(to State) error {
	if err := m.CanTransition(to); err != nil {
		return err
	}
	from := m.state
	m.state = to
	switch to {
	case StateSubmitting:
		m.payloadReady = false
	case StateCrafting:
		m.payloadReady = false
	case StatePredicting:
		// a new baseline is needed for every prediction
		m.baselineKnown = false
	}
	if m.onEnter != nil {
		m.onEnter(from, to)
	}
	return nil
}

// Fail moves to Failed from any non-terminal state.
func (m *Machine) Fail() {
	if !m.state.Terminal() {
		_ = m.Transition(StateFailed)
	}
}
