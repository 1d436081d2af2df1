package camera

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/lbto/archonbridge/archon"
	"github.com/lbto/archonbridge/exposure"
)

// errController returns canned errors so translation can be checked without
// hardware.
type errController struct {
	err error
}

func (e errController) Configure(archon.ExposureParameters) error   { return e.err }
func (e errController) StartExposure() error                        { return e.err }
func (e errController) Abort() error                                { return e.err }
func (e errController) PollStatus() archon.Status                   { return archon.Status{State: exposure.Idle} }
func (e errController) FetchReadout() (*archon.Frame, error)        { return nil, e.err }
func (e errController) Resync() error                               { return e.err }

func TestErrorTranslation(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{archon.ErrNotIdle, ErrBusy},
		{archon.ErrNotConfigured, ErrNotConfigured},
		{archon.ErrNotReady, ErrNotReady},
	}
	for _, tc := range cases {
		cam := New(errController{err: tc.in})
		if err := cam.Expose(); err != tc.want {
			t.Errorf("%v translated to %v, expected %v", tc.in, err, tc.want)
		}
	}
}

func TestHardwareFaultWrapped(t *testing.T) {
	inner := errors.New("connection reset by peer")
	cam := New(errController{err: archon.ErrHardwareFault{Inner: inner}})
	err := cam.Expose()
	var hw ErrHardware
	if !errors.As(err, &hw) {
		t.Fatalf("got %T, expected ErrHardware", err)
	}
	if !errors.Is(err, inner) {
		t.Error("inner cause lost in translation")
	}
}

func TestInvalidParameterPassesThrough(t *testing.T) {
	in := archon.ErrInvalidParameter{Param: "binning.h", Value: 0}
	cam := New(errController{err: in})
	err := cam.Expose()
	var inv archon.ErrInvalidParameter
	if !errors.As(err, &inv) {
		t.Fatalf("got %T, expected ErrInvalidParameter", err)
	}
	if inv.Param != "binning.h" {
		t.Error("parameter name lost")
	}
}

func TestNilPassesThrough(t *testing.T) {
	cam := New(errController{err: nil})
	if err := cam.Abort(); err != nil {
		t.Error("nil error mangled:", err)
	}
}

func TestWriteFITSHeaderAndShape(t *testing.T) {
	f := &archon.Frame{
		Pix:      make([]uint16, 32*16),
		Width:    32,
		Height:   16,
		Checksum: 0xBEEF,
		Params: archon.ExposureParameters{
			IntegrationTime: 5 * time.Second,
			Bin:             archon.Binning{H: 2, V: 2},
			GainMode:        "low",
			Tag:             "flat",
		},
	}
	for i := range f.Pix {
		f.Pix[i] = uint16(i)
	}
	var buf bytes.Buffer
	if err := WriteFITS(&buf, f); err != nil {
		t.Fatal(err)
	}
	if buf.Len() == 0 {
		t.Fatal("nothing written")
	}
	// FITS blocks are 2880 bytes
	if buf.Len()%2880 != 0 {
		t.Errorf("output length %d is not a multiple of 2880", buf.Len())
	}
	cards := HeaderCards(f)
	names := map[string]bool{}
	for _, c := range cards {
		names[c.Name] = true
	}
	for _, want := range []string{"EXPTIME", "HBIN", "VBIN", "GAINMODE", "OBJECT", "NCFCRC"} {
		if !names[want] {
			t.Errorf("header card %s missing", want)
		}
	}
}
