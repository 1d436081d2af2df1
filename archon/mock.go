package archon

import (
	"sync"
	"time"

	"github.com/lbto/archonbridge/exposure"
)

// Sim is an in-memory Archon used for bench-less development and tests.  It
// runs the full exposure cycle on timers: StartExposure integrates for the
// staged integration time (scaled by TimeScale), reads out for ReadoutTime,
// then holds the frame until it is fetched.
type Sim struct {
	sync.Mutex
	state      exposure.State
	params     ExposureParameters
	configured bool
	frameReady bool
	lastError  string
	gen        int // exposure generation, stale timers check it before firing

	// Width and Height are the simulated sensor format
	Width, Height int

	// TimeScale divides the integration time so tests run fast; 1 is real time
	TimeScale int

	// ReadoutTime is how long the simulated readout takes
	ReadoutTime time.Duration

	// FailNext, when non-nil, is returned by the next state-changing call
	// and then cleared; it simulates a hardware fault
	FailNext error
}

// NewSim returns a simulated 1k x 1k controller running at 100x real time.
func NewSim() *Sim {
	return &Sim{
		state:       exposure.Idle,
		Width:       1024,
		Height:      1024,
		TimeScale:   100,
		ReadoutTime: 10 * time.Millisecond,
	}
}

func (s *Sim) takeFault() error {
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		s.state = exposure.Error
		s.lastError = err.Error()
		s.gen++
		return err
	}
	return nil
}

// Configure stages exposure parameters.
func (s *Sim) Configure(p ExposureParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if s.state == exposure.Exposing || s.state == exposure.ReadingOut {
		return ErrNotIdle
	}
	s.params = p
	s.configured = true
	s.frameReady = false
	s.state = exposure.Configuring
	return nil
}

// StartExposure begins a simulated integration.
func (s *Sim) StartExposure() error {
	s.Lock()
	defer s.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	if !s.configured {
		return ErrNotConfigured
	}
	if s.state != exposure.Configuring && s.state != exposure.Idle {
		return ErrNotIdle
	}
	s.state = exposure.Exposing
	s.gen++
	gen := s.gen
	scale := s.TimeScale
	if scale < 1 {
		scale = 1
	}
	integ := s.params.IntegrationTime / time.Duration(scale)
	time.AfterFunc(integ, func() { s.beginReadout(gen) })
	return nil
}

func (s *Sim) beginReadout(gen int) {
	s.Lock()
	defer s.Unlock()
	if s.gen != gen || s.state != exposure.Exposing {
		return // aborted or superseded
	}
	s.state = exposure.ReadingOut
	time.AfterFunc(s.ReadoutTime, func() { s.finishReadout(gen) })
}

func (s *Sim) finishReadout(gen int) {
	s.Lock()
	defer s.Unlock()
	if s.gen != gen || s.state != exposure.ReadingOut {
		return
	}
	s.frameReady = true
}

// Abort cancels the in-flight exposure or readout.
func (s *Sim) Abort() error {
	s.Lock()
	defer s.Unlock()
	if err := s.takeFault(); err != nil {
		return err
	}
	s.gen++ // invalidate pending timers
	s.frameReady = false
	s.state = exposure.Idle
	return nil
}

// PollStatus returns the simulator's state.  It never blocks.
func (s *Sim) PollStatus() Status {
	s.Lock()
	defer s.Unlock()
	return Status{
		State:      s.state,
		LastError:  s.lastError,
		Params:     s.params,
		FrameReady: s.frameReady,
		Reported:   time.Now(),
	}
}

// FetchReadout returns a synthetic ramp frame once readout has completed.
func (s *Sim) FetchReadout() (*Frame, error) {
	s.Lock()
	defer s.Unlock()
	if err := s.takeFault(); err != nil {
		return nil, err
	}
	if !s.frameReady {
		return nil, ErrNotReady
	}
	w := s.Width / s.params.Bin.H
	h := s.Height / s.params.Bin.V
	pix := make([]uint16, w*h)
	for i := range pix {
		pix[i] = uint16(i % 65536)
	}
	s.frameReady = false
	s.state = exposure.Idle
	return &Frame{Pix: pix, Width: w, Height: h, Params: s.params}, nil
}

// Resync clears Error and reconciles the simulator, standing in for a full
// hardware status resynchronization.
func (s *Sim) Resync() error {
	s.Lock()
	defer s.Unlock()
	if s.state == exposure.Error {
		s.state = exposure.Idle
		s.lastError = ""
		s.frameReady = false
	}
	return nil
}
