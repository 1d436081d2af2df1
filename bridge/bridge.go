// Package bridge dispatches instrument commands against a camera controller,
// reconciling the instrument's view of "what is happening" with the
// controller's exposure cycle.
package bridge

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/lbto/archonbridge/archon"
	"github.com/lbto/archonbridge/camera"
	"github.com/lbto/archonbridge/cmdtable"
	"github.com/lbto/archonbridge/exposure"
)

// Adapter is the camera API surface the dispatcher executes against.
// *camera.Camera satisfies it; tests use a call-counting fake.
type Adapter interface {
	Configure(archon.ExposureParameters) error
	Expose() error
	Abort() error
	GetStatus() archon.Status
	FetchImage() (*archon.Frame, error)
	Reset() error
}

// Command is one incoming instrument command.  It is immutable once
// dispatched and discarded after a result is produced.
type Command struct {
	// Name is the instrument's native command name, e.g. "DOEXP"
	Name string

	// Args are the positional arguments, still in wire form
	Args []string

	// Origin identifies the issuing instrument connection
	Origin string
}

// Result is the structured outcome of a dispatched command.
type Result struct {
	// Command echoes the command name
	Command string

	// Status is populated by status-returning calls
	Status *archon.Status

	// Frame is populated by fetch calls
	Frame *archon.Frame
}

// Dispatcher is the single entry point for commands against one controller
// connection.  State-changing execution is serialized; Abort jumps the queue.
// Distinct controllers get distinct Dispatchers and are fully independent.
type Dispatcher struct {
	table *cmdtable.Table
	cam   Adapter
	sm    *exposure.Machine

	// mu is the per-connection execution lock
	mu sync.Mutex

	// resyncMu guards needResync, which is set when a hardware fault makes
	// the cached controller status untrustworthy
	resyncMu   sync.Mutex
	needResync bool
}

// New returns a Dispatcher executing table-mapped commands against cam.
// table may be nil when only the direct API verbs are used.
func New(table *cmdtable.Table, cam Adapter) *Dispatcher {
	return &Dispatcher{table: table, cam: cam, sm: exposure.NewMachine()}
}

// State returns the exposure state machine's current state.
func (d *Dispatcher) State() exposure.State {
	return d.sm.Current()
}

func opFor(call string) (exposure.Op, error) {
	switch call {
	case "configure":
		return exposure.OpConfigure, nil
	case "expose":
		return exposure.OpExpose, nil
	case "abort":
		return exposure.OpAbort, nil
	case "status":
		return exposure.OpQuery, nil
	case "fetch":
		return exposure.OpFetch, nil
	case "reset":
		return exposure.OpReset, nil
	default:
		return 0, fmt.Errorf("bridge: no operation for call %q", call)
	}
}

// faulted records whether err poisons the cached controller status.
func (d *Dispatcher) noteFault(err error) {
	var hw camera.ErrHardware
	if errors.As(err, &hw) {
		d.resyncMu.Lock()
		d.needResync = true
		d.resyncMu.Unlock()
	}
}

// ensureSynced performs the forced resynchronization owed after a hardware
// fault, before any further state-changing command.
func (d *Dispatcher) ensureSynced() error {
	d.resyncMu.Lock()
	owed := d.needResync
	d.resyncMu.Unlock()
	if !owed {
		return nil
	}
	if err := d.cam.Reset(); err != nil {
		d.noteFault(err)
		return err
	}
	d.resyncMu.Lock()
	d.needResync = false
	d.resyncMu.Unlock()
	d.sm.Observe(d.cam.GetStatus().State)
	return nil
}

// gate checks op against the state machine after refreshing it from the
// controller's cached status, so gating decisions are never staler than the
// most recent hardware report.
func (d *Dispatcher) gate(op exposure.Op) error {
	d.sm.Observe(d.cam.GetStatus().State)
	return d.sm.Check(op)
}

// Abort interrupts the in-flight operation.  It deliberately does not take
// the execution lock; its purpose is to interrupt whatever holds it.
func (d *Dispatcher) Abort() error {
	if err := d.gate(exposure.OpAbort); err != nil {
		return err
	}
	err := d.cam.Abort()
	if err != nil {
		d.noteFault(err)
	}
	d.sm.Observe(d.cam.GetStatus().State)
	return err
}

// Status returns the controller's cached status.  It never blocks behind an
// in-flight command.
func (d *Dispatcher) Status() archon.Status {
	st := d.cam.GetStatus()
	d.sm.Observe(st.State)
	return st
}

// Configure stages exposure parameters through the serialization lock.
func (d *Dispatcher) Configure(p archon.ExposureParameters) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step(exposure.OpConfigure, func() error { return d.cam.Configure(p) })
}

// Expose starts an integration through the serialization lock.
func (d *Dispatcher) Expose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.step(exposure.OpExpose, d.cam.Expose)
}

// FetchImage retrieves the completed readout through the serialization lock.
func (d *Dispatcher) FetchImage() (*archon.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var f *archon.Frame
	err := d.step(exposure.OpFetch, func() error {
		var err error
		f, err = d.cam.FetchImage()
		return err
	})
	return f, err
}

// Reset performs a full hardware resynchronization, the recovery path from
// Error.
func (d *Dispatcher) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.gate(exposure.OpReset); err != nil {
		return err
	}
	err := d.cam.Reset()
	if err != nil {
		d.noteFault(err)
	} else {
		d.resyncMu.Lock()
		d.needResync = false
		d.resyncMu.Unlock()
	}
	d.sm.Observe(d.cam.GetStatus().State)
	return err
}

// step runs one state-changing call: owed resync first, then the legality
// gate, then the call itself.  On failure the state machine is left to
// reconcile via the next status observation; success is never assumed.
func (d *Dispatcher) step(op exposure.Op, fn func() error) error {
	if err := d.ensureSynced(); err != nil {
		return err
	}
	if err := d.gate(op); err != nil {
		return err
	}
	if err := fn(); err != nil {
		d.noteFault(err)
		return err
	}
	d.sm.Observe(d.cam.GetStatus().State)
	return nil
}

// Dispatch looks up cmd in the command table and executes its call plan
// strictly in order, stopping at the first failure.  Unknown commands and
// argument mismatches return before any controller interaction.
func (d *Dispatcher) Dispatch(cmd Command) (Result, error) {
	res := Result{Command: cmd.Name}
	if d.table == nil {
		return res, cmdtable.ErrUnknownCommand{Name: cmd.Name}
	}
	plan, err := d.table.Lookup(cmd.Name, cmd.Args)
	if err != nil {
		return res, err
	}

	// a pure abort jumps the serialization queue
	if len(plan) == 1 && plan[0].Call == "abort" {
		return res, d.Abort()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, call := range plan {
		op, err := opFor(call.Call)
		if err != nil {
			return res, err
		}
		switch op {
		case exposure.OpQuery:
			st := d.cam.GetStatus()
			d.sm.Observe(st.State)
			res.Status = &st
		case exposure.OpConfigure:
			p, err := paramsFromArgs(cmd.Name, call.Args)
			if err != nil {
				return res, err
			}
			if err := d.step(op, func() error { return d.cam.Configure(p) }); err != nil {
				return res, err
			}
		case exposure.OpExpose:
			if err := d.step(op, d.cam.Expose); err != nil {
				return res, err
			}
		case exposure.OpAbort:
			if err := d.step(op, d.cam.Abort); err != nil {
				return res, err
			}
		case exposure.OpFetch:
			var f *archon.Frame
			err := d.step(op, func() error {
				var err error
				f, err = d.cam.FetchImage()
				return err
			})
			if err != nil {
				return res, err
			}
			res.Frame = f
		case exposure.OpReset:
			if err := d.ensureSynced(); err != nil {
				return res, err
			}
			if err := d.gate(op); err != nil {
				return res, err
			}
			if err := d.cam.Reset(); err != nil {
				d.noteFault(err)
				return res, err
			}
			d.sm.Observe(d.cam.GetStatus().State)
		}
	}
	return res, nil
}

// paramsFromArgs converts a bound argument map into exposure parameters.
// Table validation has already checked the positional types; literals are
// checked here.
func paramsFromArgs(cmd string, args map[string]string) (archon.ExposureParameters, error) {
	p := archon.ExposureParameters{Bin: archon.Binning{H: 1, V: 1}}
	mismatch := func(key, val, want string) error {
		return cmdtable.ErrArgumentMismatch{
			Command: cmd,
			Reason:  fmt.Sprintf("%s=%q is not a %s", key, val, want),
		}
	}
	for key, val := range args {
		switch key {
		case "integrationTime":
			secs, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return p, mismatch(key, val, "float")
			}
			p.IntegrationTime = time.Duration(secs * float64(time.Second))
		case "binH":
			n, err := strconv.Atoi(val)
			if err != nil {
				return p, mismatch(key, val, "int")
			}
			p.Bin.H = n
		case "binV":
			n, err := strconv.Atoi(val)
			if err != nil {
				return p, mismatch(key, val, "int")
			}
			p.Bin.V = n
		case "gainMode":
			p.GainMode = val
		case "timingFile":
			p.TimingFile = val
		case "tag":
			p.Tag = val
		default:
			return p, cmdtable.ErrArgumentMismatch{
				Command: cmd,
				Reason:  fmt.Sprintf("configure has no parameter %q", key),
			}
		}
	}
	return p, nil
}
