// Package archon provides a driver for STA Archon CCD controllers and enables
// camera control over their ethernet command interface.
package archon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/lbto/archonbridge/comm"
	"github.com/lbto/archonbridge/exposure"
)

// the Archon speaks a line-oriented ASCII protocol.  Each command is framed
// as ">XX<BODY>\n" where XX is a rolling two-digit hex sequence number.  The
// reply to a successful command echoes "<XX" followed by the payload; a
// command the controller could not execute is answered with "?XX".  Pixel
// data is the one exception: the reply to FRAME is a one line header with the
// dimensions, then raw big-endian uint16 samples on the same connection.
//
// The timing cores, bias levels and readout taps all come from the .ncf
// configuration written by the vendor GUI; this driver only selects and loads
// that file, it never edits it.

const (
	// Terminator is the framing byte on both sides of the link
	Terminator = '\n'

	// OKPrefix is the first byte of a nominal reply
	OKPrefix = byte('<')

	// FaultPrefix is the first byte of a rejected command
	FaultPrefix = byte('?')
)

var (
	// ErrNotIdle is generated when configuration is attempted mid-cycle
	ErrNotIdle = errors.New("archon: controller is not idle")

	// ErrNotConfigured is generated when an exposure is started with no
	// staged exposure parameters
	ErrNotConfigured = errors.New("archon: no exposure parameters are staged")

	// ErrNotReady is generated when readout data is fetched before the
	// controller has finished reading the sensor
	ErrNotReady = errors.New("archon: readout is not complete")
)

// ErrInvalidParameter is generated when an exposure parameter is outside the
// range the controller accepts.
type ErrInvalidParameter struct {
	Param string
	Value interface{}
}

func (e ErrInvalidParameter) Error() string {
	return fmt.Sprintf("archon: invalid value %v for parameter %s", e.Value, e.Param)
}

// ErrHardwareFault wraps any I/O failure talking to the controller.  After
// one is seen the cached status can no longer be trusted; consumers must
// resynchronize before the next state-changing command.
type ErrHardwareFault struct {
	Inner error
}

func (e ErrHardwareFault) Error() string {
	return fmt.Sprintf("archon: hardware fault: %v", e.Inner)
}

// Unwrap returns the underlying I/O error.
func (e ErrHardwareFault) Unwrap() error { return e.Inner }

// ErrBadResponse is generated when the controller's reply cannot be parsed or
// carries the fault prefix.
type ErrBadResponse struct {
	Cmd  string
	Resp string
}

func (e ErrBadResponse) Error() string {
	return fmt.Sprintf("archon: bad response to %s: %q", e.Cmd, e.Resp)
}

// Binning describes pixel addition on the sensor.
type Binning struct {
	H int `json:"h" yaml:"h"`
	V int `json:"v" yaml:"v"`
}

// ExposureParameters is one exposure's worth of configuration.  It is staged
// by Configure and immutable for the duration of the exposure; the next
// Configure supersedes it atomically.
type ExposureParameters struct {
	// IntegrationTime is the shutter-open time
	IntegrationTime time.Duration `json:"integrationTime" yaml:"integrationTime"`

	// Bin is the on-chip binning
	Bin Binning `json:"binning" yaml:"binning"`

	// GainMode selects the readout tap/speed pairing defined in the timing file
	GainMode string `json:"gainMode" yaml:"gainMode"`

	// TimingFile is the path of the .ncf to load, empty to keep the current one
	TimingFile string `json:"timingFile,omitempty" yaml:"timingFile,omitempty"`

	// Tag is an operator label recorded in the image header and filename
	Tag string `json:"tag,omitempty" yaml:"tag,omitempty"`
}

// Validate checks the parameters against the controller's accepted ranges.
func (p ExposureParameters) Validate() error {
	if p.IntegrationTime < 0 || p.IntegrationTime > 3600*time.Second {
		return ErrInvalidParameter{Param: "integrationTime", Value: p.IntegrationTime}
	}
	if p.Bin.H < 1 || p.Bin.H > 16 {
		return ErrInvalidParameter{Param: "binning.h", Value: p.Bin.H}
	}
	if p.Bin.V < 1 || p.Bin.V > 16 {
		return ErrInvalidParameter{Param: "binning.v", Value: p.Bin.V}
	}
	switch p.GainMode {
	case "", "low", "high", "hdr":
	default:
		return ErrInvalidParameter{Param: "gainMode", Value: p.GainMode}
	}
	return nil
}

// Status is the controller's view of the exposure cycle.  One authoritative
// instance exists per controller connection, refreshed by the background
// probe; reads through PollStatus never touch hardware.
type Status struct {
	// State is the phase of the exposure cycle
	State exposure.State `json:"state"`

	// LastError is the controller's last fault text, empty when nominal
	LastError string `json:"lastError,omitempty"`

	// Params are the currently staged exposure parameters
	Params ExposureParameters `json:"params"`

	// FrameReady is true once readout has completed and a frame is fetchable
	FrameReady bool `json:"frameReady"`

	// Reported is when the hardware produced this report
	Reported time.Time `json:"reported"`
}

// Frame is one readout.
type Frame struct {
	Pix    []uint16
	Width  int
	Height int

	// Checksum is the CRC of the timing script the frame was taken with
	Checksum uint16

	// Params are the parameters the frame was exposed with
	Params ExposureParameters
}

// Controller talks to one Archon.  All state-changing traffic is serialized
// by the connection pool; the status cache is safe for concurrent reads.
type Controller struct {
	pool    *comm.Pool
	timeout time.Duration

	seq   uint8
	seqMu sync.Mutex

	statMu sync.RWMutex
	stat   Status
	// configured is whether a Configure has succeeded since connect/reset
	configured bool
	timing     *TimingScript

	limiter *rate.Limiter
	done    chan struct{}
	once    sync.Once
}

// New returns a Controller for the Archon at addr.  pollInterval bounds how
// often the background probe performs a hardware round trip.
func New(addr string, pollInterval time.Duration) *Controller {
	maker := comm.BackingOffTCPConnMaker(addr, 3*time.Second)
	c := &Controller{
		pool:    comm.NewPool(1, 30*time.Second, maker),
		timeout: 10 * time.Second,
		limiter: rate.NewLimiter(rate.Every(pollInterval), 1),
		done:    make(chan struct{}),
	}
	c.stat = Status{State: exposure.Idle}
	go c.pollLoop()
	return c
}

// Close stops the background probe.  Pooled connections close themselves
// after their idle timeout.
func (c *Controller) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *Controller) nextSeq() uint8 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	c.seq++
	return c.seq
}

// command performs one framed round trip, returning the reply payload with
// the sequence echo stripped.
func (c *Controller) command(body string) (string, error) {
	conn, err := c.pool.Get()
	if err != nil {
		return "", ErrHardwareFault{Inner: err}
	}
	resp, err := c.commandOn(conn, body)
	if err != nil {
		if _, ok := err.(ErrBadResponse); ok {
			// the link is fine, the command was refused
			c.pool.Put(conn)
		} else {
			c.pool.Destroy(conn)
		}
		return "", err
	}
	c.pool.Put(conn)
	return resp, nil
}

func (c *Controller) commandOn(conn io.ReadWriter, body string) (string, error) {
	seq := c.nextSeq()
	rw := comm.NewTerminator(comm.NewTimeout(conn, c.timeout), Terminator, Terminator)
	msg := fmt.Sprintf(">%02X%s", seq, body)
	if _, err := io.WriteString(rw, msg); err != nil {
		return "", ErrHardwareFault{Inner: err}
	}
	buf := make([]byte, 4096)
	n, err := rw.Read(buf)
	if err != nil {
		return "", ErrHardwareFault{Inner: err}
	}
	resp := string(buf[:n])
	want := fmt.Sprintf("%02X", seq)
	switch {
	case len(resp) >= 3 && resp[0] == OKPrefix && resp[1:3] == want:
		return resp[3:], nil
	case len(resp) >= 3 && resp[0] == FaultPrefix:
		return "", ErrBadResponse{Cmd: body, Resp: resp}
	default:
		return "", ErrBadResponse{Cmd: body, Resp: resp}
	}
}

// Configure stages exposure parameters, loading a new timing script first if
// the parameters name one.  It fails with ErrNotIdle mid-cycle and
// ErrInvalidParameter for out-of-range values.
func (c *Controller) Configure(p ExposureParameters) error {
	if err := p.Validate(); err != nil {
		return err
	}
	st := c.PollStatus()
	if st.State == exposure.Exposing || st.State == exposure.ReadingOut {
		return ErrNotIdle
	}
	if p.TimingFile != "" {
		ts, err := LoadTimingScript(p.TimingFile)
		if err != nil {
			return err
		}
		if err := c.loadTiming(ts); err != nil {
			return err
		}
	}
	cmds := []string{
		fmt.Sprintf("SETINT %d", p.IntegrationTime.Milliseconds()),
		fmt.Sprintf("SETBIN %d %d", p.Bin.H, p.Bin.V),
	}
	if p.GainMode != "" {
		cmds = append(cmds, "SETTAP "+strings.ToUpper(p.GainMode))
	}
	for _, cmd := range cmds {
		if _, err := c.command(cmd); err != nil {
			return err
		}
	}
	c.statMu.Lock()
	c.stat.Params = p
	c.stat.State = exposure.Configuring
	c.configured = true
	c.statMu.Unlock()
	return nil
}

// StartExposure begins an integration with the staged parameters.
func (c *Controller) StartExposure() error {
	c.statMu.RLock()
	configured := c.configured
	state := c.stat.State
	c.statMu.RUnlock()
	if !configured {
		return ErrNotConfigured
	}
	if state != exposure.Configuring && state != exposure.Idle {
		return ErrNotIdle
	}
	if _, err := c.command("STARTEXP"); err != nil {
		return err
	}
	c.statMu.Lock()
	c.stat.State = exposure.Exposing
	c.statMu.Unlock()
	return nil
}

// Abort interrupts the current integration or readout.  It is best effort;
// the controller may land in Error if the sequencer did not acknowledge, and
// the next status probe will say so.
func (c *Controller) Abort() error {
	if _, err := c.command("ABORT"); err != nil {
		return err
	}
	// do not guess the post-abort state, ask
	return c.Resync()
}

// PollStatus returns the most recent cached hardware report.  It never
// performs a hardware round trip.
func (c *Controller) PollStatus() Status {
	c.statMu.RLock()
	defer c.statMu.RUnlock()
	return c.stat
}

// FetchReadout retrieves the frame from the controller's readout buffer.
func (c *Controller) FetchReadout() (*Frame, error) {
	st := c.PollStatus()
	if !st.FrameReady {
		return nil, ErrNotReady
	}
	conn, err := c.pool.Get()
	if err != nil {
		return nil, ErrHardwareFault{Inner: err}
	}
	hdr, err := c.commandOn(conn, "FRAME")
	if err != nil {
		c.pool.Destroy(conn)
		return nil, err
	}
	w, h, err := parseFrameHeader(hdr)
	if err != nil {
		c.pool.Destroy(conn)
		return nil, err
	}
	raw := make([]byte, w*h*2)
	if _, err := io.ReadFull(comm.NewTimeout(conn, c.timeout), raw); err != nil {
		c.pool.Destroy(conn)
		return nil, ErrHardwareFault{Inner: err}
	}
	c.pool.Put(conn)
	pix := make([]uint16, w*h)
	for i := 0; i < len(pix); i++ {
		pix[i] = uint16(raw[2*i])<<8 | uint16(raw[2*i+1])
	}
	f := &Frame{Pix: pix, Width: w, Height: h, Params: st.Params}
	c.statMu.Lock()
	if c.timing != nil {
		f.Checksum = c.timing.Checksum
	}
	c.stat.State = exposure.Idle
	c.stat.FrameReady = false
	c.statMu.Unlock()
	return f, nil
}

// Resync performs a blocking hardware status round trip and replaces the
// cached report.  It is the recovery path after a hardware fault and the
// implementation of the reset command.
func (c *Controller) Resync() error {
	resp, err := c.command("STATUS")
	if err != nil {
		c.statMu.Lock()
		c.stat.State = exposure.Error
		c.stat.LastError = err.Error()
		c.stat.Reported = time.Now()
		c.statMu.Unlock()
		return err
	}
	st, err := parseStatus(resp)
	if err != nil {
		return err
	}
	c.statMu.Lock()
	st.Params = c.stat.Params
	c.stat = st
	c.statMu.Unlock()
	return nil
}

// pollLoop refreshes the status cache.  The rate limiter bounds hardware
// round trips no matter how the loop is perturbed.
func (c *Controller) pollLoop() {
	ctx := context.Background()
	for {
		select {
		case <-c.done:
			return
		default:
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return
		}
		c.Resync() // on error, Resync has already marked the cache faulted
	}
}

// parseStatus decodes a STATUS reply of the form
// "STATE=EXPOSE FRAMEREADY=0 ERR=".
func parseStatus(resp string) (Status, error) {
	st := Status{Reported: time.Now()}
	for _, field := range strings.Fields(resp) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			return st, ErrBadResponse{Cmd: "STATUS", Resp: resp}
		}
		switch kv[0] {
		case "STATE":
			switch kv[1] {
			case "IDLE":
				st.State = exposure.Idle
			case "CONFIG":
				st.State = exposure.Configuring
			case "EXPOSE":
				st.State = exposure.Exposing
			case "READOUT":
				st.State = exposure.ReadingOut
			case "ERROR":
				st.State = exposure.Error
			default:
				return st, ErrBadResponse{Cmd: "STATUS", Resp: resp}
			}
		case "FRAMEREADY":
			st.FrameReady = kv[1] == "1"
		case "ERR":
			st.LastError = kv[1]
		}
	}
	return st, nil
}

// parseFrameHeader decodes a FRAME reply header, "W=1024 H=1024".
func parseFrameHeader(hdr string) (int, int, error) {
	var w, h int
	for _, field := range strings.Fields(hdr) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		n, err := strconv.Atoi(kv[1])
		if err != nil {
			return 0, 0, ErrBadResponse{Cmd: "FRAME", Resp: hdr}
		}
		switch kv[0] {
		case "W":
			w = n
		case "H":
			h = n
		}
	}
	if w < 1 || h < 1 {
		return 0, 0, ErrBadResponse{Cmd: "FRAME", Resp: hdr}
	}
	return w, h, nil
}

// loadTiming streams a timing script to the controller line by line, then
// applies it.  The controller echoes the script's CRC after APPLYALL, which
// is checked against the local computation.
func (c *Controller) loadTiming(ts *TimingScript) error {
	if _, err := c.command("CLEARCONFIG"); err != nil {
		return err
	}
	for i, line := range ts.Lines {
		if _, err := c.command(fmt.Sprintf("WCONFIG%04X:%s", i, line)); err != nil {
			return err
		}
	}
	resp, err := c.command("APPLYALL")
	if err != nil {
		return err
	}
	resp = strings.TrimPrefix(resp, "CRC=")
	remote, err := strconv.ParseUint(strings.TrimSpace(resp), 16, 16)
	if err != nil {
		return ErrBadResponse{Cmd: "APPLYALL", Resp: resp}
	}
	if uint16(remote) != ts.Checksum {
		return fmt.Errorf("archon: timing script checksum mismatch, local %04X remote %04X", ts.Checksum, uint16(remote))
	}
	c.statMu.Lock()
	c.timing = ts
	c.statMu.Unlock()
	return nil
}
