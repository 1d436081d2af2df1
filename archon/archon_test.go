package archon

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lbto/archonbridge/exposure"
)

func TestParseStatus(t *testing.T) {
	st, err := parseStatus("STATE=READOUT FRAMEREADY=1 ERR=")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != exposure.ReadingOut {
		t.Errorf("state %s, expected ReadingOut", st.State)
	}
	if !st.FrameReady {
		t.Error("frame ready flag not parsed")
	}
	if st.LastError != "" {
		t.Errorf("unexpected error text %q", st.LastError)
	}
}

func TestParseStatusRejectsGarbage(t *testing.T) {
	if _, err := parseStatus("STATE=WAT"); err == nil {
		t.Error("unknown state accepted")
	}
	if _, err := parseStatus("no equals here"); err == nil {
		t.Error("unkeyed payload accepted")
	}
}

func TestParseFrameHeader(t *testing.T) {
	w, h, err := parseFrameHeader("W=4096 H=4112")
	if err != nil {
		t.Fatal(err)
	}
	if w != 4096 || h != 4112 {
		t.Errorf("got %dx%d, expected 4096x4112", w, h)
	}
	if _, _, err := parseFrameHeader("W=0 H=12"); err == nil {
		t.Error("degenerate dimensions accepted")
	}
}

func TestValidateRanges(t *testing.T) {
	good := ExposureParameters{IntegrationTime: 5 * time.Second, Bin: Binning{H: 2, V: 2}, GainMode: "low"}
	if err := good.Validate(); err != nil {
		t.Error("valid parameters rejected:", err)
	}
	cases := []ExposureParameters{
		{IntegrationTime: -time.Second, Bin: Binning{H: 1, V: 1}},
		{IntegrationTime: time.Second, Bin: Binning{H: 0, V: 1}},
		{IntegrationTime: time.Second, Bin: Binning{H: 1, V: 64}},
		{IntegrationTime: time.Second, Bin: Binning{H: 1, V: 1}, GainMode: "turbo"},
	}
	for i, p := range cases {
		err := p.Validate()
		if err == nil {
			t.Errorf("case %d accepted", i)
			continue
		}
		var inv ErrInvalidParameter
		if !errors.As(err, &inv) {
			t.Errorf("case %d: error is %T, not ErrInvalidParameter", i, err)
		}
	}
}

func TestLoadTimingScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mods_slow.ncf")
	content := "# MODS red channel, slow readout\nTIMINGCORE=1\n\nVDRIVE_HIGH=9.0\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	ts, err := LoadTimingScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts.Lines) != 2 {
		t.Errorf("got %d lines, expected 2 (comments and blanks dropped)", len(ts.Lines))
	}
	if ts.Checksum == 0 {
		t.Error("checksum not computed")
	}
	// identical content loads to an identical checksum
	ts2, err := LoadTimingScript(path)
	if err != nil {
		t.Fatal(err)
	}
	if ts2.Checksum != ts.Checksum {
		t.Error("checksum not deterministic")
	}
}

func TestLoadTimingScriptEmptyFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.ncf")
	if err := os.WriteFile(path, []byte("# only a comment\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadTimingScript(path); err == nil {
		t.Error("empty timing file accepted")
	}
}

func TestSimFullCycle(t *testing.T) {
	sim := NewSim()
	p := ExposureParameters{IntegrationTime: 100 * time.Millisecond, Bin: Binning{H: 1, V: 1}}
	if err := sim.Configure(p); err != nil {
		t.Fatal("configure:", err)
	}
	if err := sim.StartExposure(); err != nil {
		t.Fatal("start:", err)
	}
	if st := sim.PollStatus(); st.State != exposure.Exposing {
		t.Fatalf("state %s after start, expected Exposing", st.State)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if st := sim.PollStatus(); st.FrameReady {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("frame never became ready")
		}
		time.Sleep(time.Millisecond)
	}
	f, err := sim.FetchReadout()
	if err != nil {
		t.Fatal("fetch:", err)
	}
	if f.Width != 1024 || f.Height != 1024 || len(f.Pix) != 1024*1024 {
		t.Errorf("frame geometry wrong: %dx%d, %d px", f.Width, f.Height, len(f.Pix))
	}
	if st := sim.PollStatus(); st.State != exposure.Idle {
		t.Errorf("state %s after fetch, expected Idle", st.State)
	}
}

func TestSimStartWithoutConfigure(t *testing.T) {
	sim := NewSim()
	if err := sim.StartExposure(); err != ErrNotConfigured {
		t.Errorf("got %v, expected ErrNotConfigured", err)
	}
}

func TestSimAbortCancelsExposure(t *testing.T) {
	sim := NewSim()
	sim.TimeScale = 1 // 10s exposure in real time, abort must cut it short
	p := ExposureParameters{IntegrationTime: 10 * time.Second, Bin: Binning{H: 1, V: 1}}
	if err := sim.Configure(p); err != nil {
		t.Fatal(err)
	}
	if err := sim.StartExposure(); err != nil {
		t.Fatal(err)
	}
	if err := sim.Abort(); err != nil {
		t.Fatal("abort:", err)
	}
	st := sim.PollStatus()
	if st.State != exposure.Idle && st.State != exposure.Error {
		t.Errorf("state %s after abort, expected Idle or Error", st.State)
	}
	if _, err := sim.FetchReadout(); err != ErrNotReady {
		t.Errorf("fetch after abort got %v, expected ErrNotReady", err)
	}
}

func TestSimFetchBeforeReadout(t *testing.T) {
	sim := NewSim()
	if _, err := sim.FetchReadout(); err != ErrNotReady {
		t.Errorf("got %v, expected ErrNotReady", err)
	}
}

func TestSimFaultInjectionAndResync(t *testing.T) {
	sim := NewSim()
	boom := ErrHardwareFault{Inner: errors.New("power dropped")}
	sim.FailNext = boom
	p := ExposureParameters{IntegrationTime: time.Second, Bin: Binning{H: 1, V: 1}}
	if err := sim.Configure(p); err == nil {
		t.Fatal("injected fault not surfaced")
	}
	if st := sim.PollStatus(); st.State != exposure.Error {
		t.Fatalf("state %s after fault, expected Error", st.State)
	}
	if err := sim.Resync(); err != nil {
		t.Fatal("resync:", err)
	}
	if st := sim.PollStatus(); st.State != exposure.Idle {
		t.Errorf("state %s after resync, expected Idle", st.State)
	}
	if err := sim.Configure(p); err != nil {
		t.Error("configure after resync failed:", err)
	}
}
