package bridge

import (
	"encoding/json"
	"go/types"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"

	"github.com/lbto/archonbridge/archon"
	"github.com/lbto/archonbridge/camera"
	"github.com/lbto/archonbridge/cmdtable"
	"github.com/lbto/archonbridge/exposure"
	"github.com/lbto/archonbridge/generichttp"
	"github.com/lbto/archonbridge/imgrec"
)

// HTTPWrapper exposes a Dispatcher over HTTP.  This is the generic
// camera-control API surface instrument software consumes.
type HTTPWrapper struct {
	*Dispatcher

	// Rec, when configured, tees FITS responses to disk
	Rec *imgrec.Recorder

	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a wrapper with the route table populated.
func NewHTTPWrapper(d *Dispatcher, rec *imgrec.Recorder) *HTTPWrapper {
	w := &HTTPWrapper{Dispatcher: d, Rec: rec}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/configure"}: w.HTTPConfigure,
		{Method: http.MethodPost, Path: "/expose"}:    w.HTTPExpose,
		{Method: http.MethodPost, Path: "/abort"}:     w.HTTPAbort,
		{Method: http.MethodPost, Path: "/reset"}:     w.HTTPReset,
		{Method: http.MethodGet, Path: "/status"}:     w.HTTPStatus,
		{Method: http.MethodGet, Path: "/image"}:      w.HTTPImage,
		{Method: http.MethodPost, Path: "/command"}:   w.HTTPCommand,
	}
	if rec != nil {
		imgrec.NewHTTPWrapper(rec).Inject(w)
	}
	return w
}

// RT satisfies generichttp.HTTPer.
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// httpStatusFor maps bridge errors onto HTTP status codes.
func httpStatusFor(err error) int {
	switch err.(type) {
	case cmdtable.ErrUnknownCommand:
		return http.StatusNotFound
	case cmdtable.ErrArgumentMismatch, archon.ErrInvalidParameter:
		return http.StatusBadRequest
	case exposure.ErrIllegal:
		return http.StatusConflict
	}
	switch err {
	case camera.ErrBusy:
		return http.StatusConflict
	case camera.ErrNotConfigured, camera.ErrNotReady:
		return http.StatusPreconditionFailed
	}
	return http.StatusInternalServerError
}

// HTTPConfigure stages exposure parameters from a JSON body.
func (h *HTTPWrapper) HTTPConfigure(w http.ResponseWriter, r *http.Request) {
	p := archon.ExposureParameters{Bin: archon.Binning{H: 1, V: 1}}
	err := json.NewDecoder(r.Body).Decode(&p)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.Configure(p); err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPExpose starts an integration.
func (h *HTTPWrapper) HTTPExpose(w http.ResponseWriter, r *http.Request) {
	if err := h.Expose(); err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPAbort interrupts the in-flight operation.
func (h *HTTPWrapper) HTTPAbort(w http.ResponseWriter, r *http.Request) {
	if err := h.Abort(); err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPReset resynchronizes with the hardware.
func (h *HTTPWrapper) HTTPReset(w http.ResponseWriter, r *http.Request) {
	if err := h.Reset(); err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPStatus returns the controller status as JSON.  It reads the cached
// status and never waits behind an in-flight command.
func (h *HTTPWrapper) HTTPStatus(w http.ResponseWriter, r *http.Request) {
	st := h.Status()
	out := struct {
		archon.Status
		State string `json:"state"`
	}{Status: st, State: st.State.String()}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(out); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HTTPImage fetches the completed readout and returns it in the format named
// by the fmt query parameter; default fits.  FITS responses are teed to the
// recorder when it is enabled.
func (h *HTTPWrapper) HTTPImage(w http.ResponseWriter, r *http.Request) {
	f, err := h.FetchImage()
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "fits"
	}
	switch format {
	case "jpg", "png":
		buf := make([]byte, len(f.Pix))
		for idx := 0; idx < len(f.Pix); idx++ {
			buf[idx] = byte(f.Pix[idx] / 256) // scale 16 to 8 bits
		}
		im := &image.Gray{Pix: buf, Stride: f.Width, Rect: image.Rect(0, 0, f.Width, f.Height)}
		if format == "jpg" {
			w.Header().Set("Content-Type", "image/jpeg")
			w.WriteHeader(http.StatusOK)
			jpeg.Encode(w, im, nil)
		} else {
			w.Header().Set("Content-Type", "image/png")
			w.WriteHeader(http.StatusOK)
			png.Encode(w, im)
		}
	case "fits":
		var w2 io.Writer = w
		if h.Rec != nil && h.Rec.On() {
			w2 = io.MultiWriter(w, h.Rec)
			defer h.Rec.Incr()
		}
		hdr := w.Header()
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=image.fits")
		if err := camera.WriteFITS(w2, f); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, "unknown image format "+format, http.StatusBadRequest)
	}
}

// HTTPCommand accepts a raw instrument command line, e.g. {"str": "DOEXP 5"},
// and dispatches it through the command table.  The reply is the bridge's
// structured result as JSON.
func (h *HTTPWrapper) HTTPCommand(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fields := strings.Fields(str.Str)
	if len(fields) == 0 {
		http.Error(w, "empty command", http.StatusBadRequest)
		return
	}
	cmd := Command{Name: fields[0], Args: fields[1:], Origin: r.RemoteAddr}
	res, err := h.Dispatch(cmd)
	if err != nil {
		http.Error(w, err.Error(), httpStatusFor(err))
		return
	}
	if res.Status != nil {
		out := struct {
			archon.Status
			State string `json:"state"`
		}{Status: *res.Status, State: res.Status.State.String()}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(out)
		return
	}
	hp := generichttp.HumanPayload{T: types.String, String: "OK " + res.Command}
	hp.EncodeAndRespond(w, r)
}
