// Package generichttp provides the building blocks used to wrap devices in an
// HTTP interface: typed JSON payloads and a route table bound onto a chi
// router.
package generichttp

import (
	"encoding/json"
	"go/types"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
)

// FloatT is a struct with a single float64 field for JSON input/output
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field for JSON input/output
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field for JSON input/output
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field for JSON input/output
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload is a struct containing the basic types this module passes over
// HTTP as single-key JSON objects.
type HumanPayload struct {
	// T holds the type of the data
	T types.BasicKind

	// Bool holds a boolean
	Bool bool

	// Int holds an int
	Int int

	// Float holds a float
	Float float64

	// String holds a string
	String string
}

// EncodeAndRespond writes the payload to w as JSON with the appropriate
// single-key wrapper.
func (hp *HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var (
		obj interface{}
	)
	switch hp.T {
	case types.Bool:
		obj = BoolT{Bool: hp.Bool}
	case types.Int:
		obj = IntT{Int: hp.Int}
	case types.Float64:
		obj = FloatT{F64: hp.Float}
	case types.String:
		obj = StrT{Str: hp.String}
	default:
		http.Error(w, "unmappable payload type", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Println("error encoding payload to json:", err)
	}
}

// MethodPath is a method (GET/POST/...) and a URL path
type MethodPath struct {
	Method string
	Path   string
}

// RouteTable maps MethodPaths to handler funcs
type RouteTable map[MethodPath]http.HandlerFunc

// Endpoints returns the URL paths in the route table
func (rt RouteTable) Endpoints() []string {
	routes := make([]string, 0, len(rt))
	for k := range rt {
		routes = append(routes, k.Path)
	}
	return routes
}

// Bind attaches every route in the table to r
func (rt RouteTable) Bind(r chi.Router) {
	for mp, handler := range rt {
		r.MethodFunc(mp.Method, mp.Path, handler)
	}
}

// HTTPer is a type which can yield a route table to be bound to a router
type HTTPer interface {
	RT() RouteTable
}

// SubMuxSanitize ensures a mount point looks like "/omc/archon",
// with a leading slash and no trailing one.
func SubMuxSanitize(stem string) string {
	if !strings.HasPrefix(stem, "/") {
		stem = "/" + stem
	}
	return strings.TrimSuffix(stem, "/")
}
