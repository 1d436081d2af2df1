// Package imgrec contains an image recorder used to automatically save
// readouts to disk alongside whatever the client does with them.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go/types"

	"encoding/json"

	"github.com/lbto/archonbridge/generichttp"
)

// Recorder writes FITS files with incrementing counters under dated
// (yyyy-mm-dd) subfolders of Root.  It is concurrent safe.
type Recorder struct {
	mu      sync.Mutex
	counter int

	// Root is the folder recordings go under; empty disables recording
	Root string

	// Prefix begins every filename, e.g. "mods1r_"
	Prefix string

	// Enabled gates recording without losing the configured Root
	Enabled bool
}

// On returns true if the recorder is configured and enabled.
func (r *Recorder) On() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled && r.Root != ""
}

func (r *Recorder) dir() (string, error) {
	now := time.Now()
	fldr := filepath.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// Write implements io.Writer, appending p to the current numbered file.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.dir()
	if err != nil {
		return 0, err
	}
	fn := filepath.Join(fldr, fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.OpenFile(fn, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0666)
	if err != nil {
		return 0, err
	}
	defer fid.Close()
	return fid.Write(p)
}

// Incr advances the filename counter past anything already on disk, so
// restarts never clobber existing frames.
func (r *Recorder) Incr() {
	r.mu.Lock()
	defer r.mu.Unlock()
	fldr, err := r.dir()
	if err != nil {
		return
	}
	entries, err := os.ReadDir(fldr)
	if err != nil {
		return
	}
	count := r.counter
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fn := entry.Name()
		if !strings.HasPrefix(fn, r.Prefix) || !strings.HasSuffix(fn, ".fits") {
			continue
		}
		bit := strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits")
		n, err := strconv.Atoi(bit)
		if err != nil {
			continue
		}
		if n >= count {
			count = n
		}
	}
	r.counter = count + 1
}

// HTTPWrapper allows the recorder's folder, prefix and enablement to be
// changed on the fly.  It does not implement generichttp.HTTPer; Inject adds
// its routes to another HTTPer.
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder.
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder.
func (h HTTPWrapper) SetRoot(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Root = str.Str
	h.mu.Unlock()
	if _, err := h.Recorder.dir(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// GetRoot returns the recorder's root folder as JSON.
func (h HTTPWrapper) GetRoot(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	root := h.Recorder.Root
	h.mu.Unlock()
	hp := generichttp.HumanPayload{T: types.String, String: root}
	hp.EncodeAndRespond(w, r)
}

// SetPrefix updates the filename prefix and restarts the counter.
func (h HTTPWrapper) SetPrefix(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Prefix = str.Str
	h.Recorder.counter = 0
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetPrefix returns the recorder's prefix as JSON.
func (h HTTPWrapper) GetPrefix(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	prefix := h.Recorder.Prefix
	h.mu.Unlock()
	hp := generichttp.HumanPayload{T: types.String, String: prefix}
	hp.EncodeAndRespond(w, r)
}

// SetEnabled sets the recorder's Enabled field from JSON.
func (h HTTPWrapper) SetEnabled(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.Recorder.Enabled = b.Bool
	h.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// GetEnabled returns the recorder's Enabled field as JSON.
func (h HTTPWrapper) GetEnabled(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	enabled := h.Recorder.Enabled
	h.mu.Unlock()
	hp := generichttp.HumanPayload{T: types.Bool, Bool: enabled}
	hp.EncodeAndRespond(w, r)
}

// Inject adds the autowrite routes to another HTTPer's table.
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = h.SetRoot
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = h.GetRoot
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = h.SetPrefix
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = h.GetPrefix
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = h.SetEnabled
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = h.GetEnabled
}
