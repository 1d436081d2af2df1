package bridge

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lbto/archonbridge/archon"
	"github.com/lbto/archonbridge/camera"
	"github.com/lbto/archonbridge/cmdtable"
	"github.com/lbto/archonbridge/exposure"
)

// countingAdapter is a call-counting fake of the camera API.  Each method
// records its invocation; injectable errors and a blocking hook support the
// serialization tests.
type countingAdapter struct {
	mu sync.Mutex

	configures, exposes, aborts, fetches, resets int

	state      exposure.State
	frameReady bool

	errConfigure error
	errExpose    error
	errFetch     error
	errReset     error

	// blockConfigure, when non-nil, is received from inside Configure so a
	// test can hold one call in flight
	blockConfigure chan struct{}

	lastParams archon.ExposureParameters
}

func (a *countingAdapter) Configure(p archon.ExposureParameters) error {
	a.mu.Lock()
	a.configures++
	block := a.blockConfigure
	a.mu.Unlock()
	if block != nil {
		<-block
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errConfigure != nil {
		return a.errConfigure
	}
	a.lastParams = p
	a.state = exposure.Configuring
	return nil
}

func (a *countingAdapter) Expose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exposes++
	if a.errExpose != nil {
		return a.errExpose
	}
	a.state = exposure.Exposing
	return nil
}

func (a *countingAdapter) Abort() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.aborts++
	a.state = exposure.Idle
	a.frameReady = false
	return nil
}

func (a *countingAdapter) GetStatus() archon.Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return archon.Status{State: a.state, FrameReady: a.frameReady, Reported: time.Now()}
}

func (a *countingAdapter) FetchImage() (*archon.Frame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	if a.errFetch != nil {
		return nil, a.errFetch
	}
	a.state = exposure.Idle
	a.frameReady = false
	return &archon.Frame{Pix: make([]uint16, 4), Width: 2, Height: 2}, nil
}

func (a *countingAdapter) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resets++
	if a.errReset != nil {
		return a.errReset
	}
	a.state = exposure.Idle
	a.frameReady = false
	return nil
}

func (a *countingAdapter) calls() (c, e, ab, f, r int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.configures, a.exposes, a.aborts, a.fetches, a.resets
}

func (a *countingAdapter) setState(s exposure.State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

func testTable(t *testing.T) *cmdtable.Table {
	t.Helper()
	tbl := &cmdtable.Table{
		Instrument: "MODS",
		Commands: map[string]cmdtable.MappingSpec{
			"DOEXP": {
				Params: []string{"float"},
				Calls: []cmdtable.CallSpec{
					{Call: "configure", Args: map[string]string{"integrationTime": "$0"}},
					{Call: "expose"},
				},
			},
			"QUIT":   {Calls: []cmdtable.CallSpec{{Call: "abort"}}},
			"STATUS": {Calls: []cmdtable.CallSpec{{Call: "status"}}},
		},
	}
	if err := tbl.Validate(); err != nil {
		t.Fatal("fixture table invalid:", err)
	}
	return tbl
}

func TestUnknownCommandTouchesNothing(t *testing.T) {
	a := &countingAdapter{}
	d := New(testTable(t), a)
	_, err := d.Dispatch(Command{Name: "FROB", Origin: "mods1"})
	if _, ok := err.(cmdtable.ErrUnknownCommand); !ok {
		t.Fatalf("got %T (%v), expected ErrUnknownCommand", err, err)
	}
	c, e, ab, f, r := a.calls()
	if c+e+ab+f+r != 0 {
		t.Errorf("adapter touched for unknown command: %d %d %d %d %d", c, e, ab, f, r)
	}
}

func TestExposingGatesEverythingButAbort(t *testing.T) {
	a := &countingAdapter{state: exposure.Exposing}
	d := New(testTable(t), a)
	err := d.Configure(archon.ExposureParameters{IntegrationTime: time.Second, Bin: archon.Binning{H: 1, V: 1}})
	var ill exposure.ErrIllegal
	if !errors.As(err, &ill) {
		t.Fatalf("got %T (%v), expected ErrIllegal", err, err)
	}
	if ill.State != exposure.Exposing {
		t.Errorf("error names state %s, expected Exposing", ill.State)
	}
	c, _, _, _, _ := a.calls()
	if c != 0 {
		t.Error("configure executed despite gate")
	}
	if st := d.Status(); st.State != exposure.Exposing {
		t.Error("status changed by a gated command")
	}
	if err := d.Abort(); err != nil {
		t.Error("abort rejected during Exposing:", err)
	}
}

func TestFullCycleEndToEnd(t *testing.T) {
	a := &countingAdapter{}
	d := New(testTable(t), a)
	p := archon.ExposureParameters{IntegrationTime: time.Second, Bin: archon.Binning{H: 1, V: 1}}
	if err := d.Configure(p); err != nil {
		t.Fatal("configure:", err)
	}
	if err := d.Expose(); err != nil {
		t.Fatal("expose:", err)
	}
	// simulate readout completing
	a.setState(exposure.ReadingOut)
	a.mu.Lock()
	a.frameReady = true
	a.mu.Unlock()
	f, err := d.FetchImage()
	if err != nil {
		t.Fatal("fetch:", err)
	}
	if f == nil || f.Width != 2 {
		t.Error("frame not returned")
	}
	if d.State() != exposure.Idle {
		t.Errorf("state %s at end of cycle, expected Idle", d.State())
	}
}

func TestConcurrentConfiguresSerialized(t *testing.T) {
	a := &countingAdapter{blockConfigure: make(chan struct{})}
	d := New(testTable(t), a)
	p := archon.ExposureParameters{IntegrationTime: time.Second, Bin: archon.Binning{H: 1, V: 1}}

	first := make(chan error, 1)
	go func() { first <- d.Configure(p) }()
	// wait for the first configure to be in flight
	deadline := time.Now().Add(time.Second)
	for {
		c, _, _, _, _ := a.calls()
		if c == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first configure never started")
		}
		time.Sleep(time.Millisecond)
	}

	second := make(chan error, 1)
	go func() { second <- d.Configure(p) }()
	select {
	case <-second:
		t.Fatal("second configure completed while first was in flight")
	case <-time.After(50 * time.Millisecond):
	}
	if c, _, _, _, _ := a.calls(); c != 1 {
		t.Fatal("second configure began execution while first held the lock")
	}

	close(a.blockConfigure)
	a.mu.Lock()
	a.blockConfigure = nil
	a.mu.Unlock()
	if err := <-first; err != nil {
		t.Error("first configure:", err)
	}
	if err := <-second; err != nil {
		t.Error("second configure:", err)
	}
	if c, _, _, _, _ := a.calls(); c != 2 {
		t.Errorf("%d configures executed, expected 2", c)
	}
}

func TestAbortDuringExposing(t *testing.T) {
	a := &countingAdapter{state: exposure.Exposing}
	d := New(testTable(t), a)
	if err := d.Abort(); err != nil {
		t.Fatal("abort:", err)
	}
	st := d.Status()
	if st.State != exposure.Idle && st.State != exposure.Error {
		t.Errorf("state %s after abort, expected Idle or Error", st.State)
	}
}

func TestTableRoundTrip(t *testing.T) {
	a := &countingAdapter{}
	d := New(testTable(t), a)
	res, err := d.Dispatch(Command{Name: "DOEXP", Args: []string{"5"}, Origin: "mods1"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Command != "DOEXP" {
		t.Errorf("result echoes %q", res.Command)
	}
	c, e, _, _, _ := a.calls()
	if c != 1 || e != 1 {
		t.Errorf("got %d configures and %d exposes, expected 1 and 1", c, e)
	}
	a.mu.Lock()
	got := a.lastParams.IntegrationTime
	a.mu.Unlock()
	if got != 5*time.Second {
		t.Errorf("integration time bound to %v, expected 5s", got)
	}
}

func TestFaultForcesResyncBeforeNextConfigure(t *testing.T) {
	a := &countingAdapter{state: exposure.ReadingOut, frameReady: true}
	a.errFetch = camera.ErrHardware{Inner: errors.New("read: connection reset")}
	d := New(testTable(t), a)
	if _, err := d.FetchImage(); err == nil {
		t.Fatal("fault not surfaced")
	}
	a.errFetch = nil
	a.setState(exposure.Idle)

	p := archon.ExposureParameters{IntegrationTime: time.Second, Bin: archon.Binning{H: 1, V: 1}}
	if err := d.Configure(p); err != nil {
		t.Fatal("configure after fault:", err)
	}
	_, _, _, _, r := a.calls()
	if r != 1 {
		t.Errorf("%d resets before configure, expected exactly 1 resynchronization", r)
	}
	// a second configure owes no further resync
	if err := d.Configure(p); err != nil {
		t.Fatal(err)
	}
	if _, _, _, _, r := a.calls(); r != 1 {
		t.Errorf("resync repeated when not owed: %d", r)
	}
}

func TestDispatchAbortJumpsQueue(t *testing.T) {
	a := &countingAdapter{blockConfigure: make(chan struct{}), state: exposure.Idle}
	d := New(testTable(t), a)
	p := archon.ExposureParameters{IntegrationTime: time.Second, Bin: archon.Binning{H: 1, V: 1}}
	done := make(chan error, 1)
	go func() { done <- d.Configure(p) }()
	deadline := time.Now().Add(time.Second)
	for {
		c, _, _, _, _ := a.calls()
		if c == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("configure never started")
		}
		time.Sleep(time.Millisecond)
	}
	// abort must not wait for the configure holding the execution lock
	aborted := make(chan error, 1)
	go func() {
		_, err := d.Dispatch(Command{Name: "QUIT"})
		aborted <- err
	}()
	select {
	case err := <-aborted:
		if err != nil {
			t.Error("abort:", err)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("abort waited behind the in-flight command")
	}
	close(a.blockConfigure)
	a.mu.Lock()
	a.blockConfigure = nil
	a.mu.Unlock()
	<-done
}

func TestStatusDispatch(t *testing.T) {
	a := &countingAdapter{state: exposure.Idle}
	d := New(testTable(t), a)
	res, err := d.Dispatch(Command{Name: "STATUS"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Status == nil {
		t.Fatal("status not populated")
	}
	if res.Status.State != exposure.Idle {
		t.Errorf("state %s, expected Idle", res.Status.State)
	}
}
