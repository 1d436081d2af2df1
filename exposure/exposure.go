// Package exposure tracks the exposure cycle of a camera controller and gates
// which operations are legal in each phase.
package exposure

import (
	"fmt"
	"sync"
)

// State is one phase of the exposure cycle.
type State int

// The cycle runs Idle -> Configuring -> Exposing -> ReadingOut -> Idle.
// Error is reachable from any state on a hardware fault or failed abort and
// is only left by an explicit reset.
const (
	Idle State = iota
	Configuring
	Exposing
	ReadingOut
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Exposing:
		return "Exposing"
	case ReadingOut:
		return "ReadingOut"
	case Error:
		return "Error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Op is the class of operation a command wants to perform against the
// controller.  The command table maps instrument commands onto these.
type Op int

const (
	// OpQuery reads status or parameters without changing controller state
	OpQuery Op = iota

	// OpConfigure stages exposure parameters
	OpConfigure

	// OpExpose starts an integration
	OpExpose

	// OpAbort interrupts whatever is in progress
	OpAbort

	// OpFetch retrieves readout data
	OpFetch

	// OpReset resynchronizes with the hardware and clears Error
	OpReset
)

func (o Op) String() string {
	switch o {
	case OpQuery:
		return "query"
	case OpConfigure:
		return "configure"
	case OpExpose:
		return "expose"
	case OpAbort:
		return "abort"
	case OpFetch:
		return "fetch"
	case OpReset:
		return "reset"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// ErrIllegal is generated when an operation is requested in a state that does
// not permit it.
type ErrIllegal struct {
	State State
	Op    Op
}

func (e ErrIllegal) Error() string {
	return fmt.Sprintf("operation %s is illegal in state %s", e.Op, e.State)
}

// legal holds the gating table.  Queries, aborts and resets are always
// allowed; forward transitions only from the state they extend.
var legal = map[State]map[Op]bool{
	Idle:        {OpQuery: true, OpConfigure: true, OpAbort: true, OpReset: true},
	Configuring: {OpQuery: true, OpConfigure: true, OpExpose: true, OpAbort: true, OpReset: true},
	Exposing:    {OpQuery: true, OpAbort: true, OpReset: true},
	ReadingOut:  {OpQuery: true, OpAbort: true, OpFetch: true, OpReset: true},
	Error:       {OpQuery: true, OpAbort: true, OpReset: true},
}

// Machine is the exposure state machine.  It is concurrent safe; the
// dispatcher reads it for gating decisions while the controller's status
// refresh path corrects it.
type Machine struct {
	mu    sync.RWMutex
	state State
}

// NewMachine returns a Machine in Idle.
func NewMachine() *Machine {
	return &Machine{state: Idle}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Check returns nil if op is legal in the current state, or an ErrIllegal
// naming the state and operation.
func (m *Machine) Check(op Op) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !legal[m.state][op] {
		return ErrIllegal{State: m.state, Op: op}
	}
	return nil
}

// Observe records a state reported by the controller hardware.  Hardware
// reports are authoritative: whatever the machine thought it was doing, the
// controller knows what it is actually doing.
func (m *Machine) Observe(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Fault forces the machine into Error.
func (m *Machine) Fault() {
	m.Observe(Error)
}
