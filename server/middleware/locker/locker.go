// Package locker provides an HTTP middleware which allows a controller's
// routes to be locked out, returning 423 (Locked).  Operators use it to fence
// off a camera during service without stopping the server.
package locker

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strings"

	"github.com/lbto/archonbridge/generichttp"
)

// Inject adds the lock manipulation routes to an HTTPer.
func Inject(other generichttp.HTTPer, l *Locker) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/lock"}] = l.HTTPGet
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/lock"}] = l.HTTPSet
}

// Locker behaves like a mutex without the blocking and holds a list of path
// fragments the lock does not apply to.
type Locker struct {
	isLocked bool

	// DoNotProtect is a list of path fragments the lock does not apply to
	DoNotProtect []string
}

// New returns a Locker with DoNotProtect prepopulated with "lock", so a
// locked controller can always be unlocked.
func New() *Locker {
	return &Locker{DoNotProtect: []string{"lock"}}
}

// Lock the locker.
func (l *Locker) Lock() {
	l.isLocked = true
}

// Unlock the locker.
func (l *Locker) Unlock() {
	l.isLocked = false
}

// Locked returns true if the locker is locked.
func (l *Locker) Locked() bool {
	return l.isLocked
}

// Check is the middleware; it bounces protected requests with 423 while
// locked and passes everything else down the line.
func (l *Locker) Check(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l.Locked() {
			protected := true
			for _, frag := range l.DoNotProtect {
				if strings.Contains(r.URL.Path, frag) {
					protected = false
					break
				}
			}
			if protected {
				w.WriteHeader(http.StatusLocked)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// HTTPSet locks or unlocks based on json:bool in the request body.
func (l *Locker) HTTPSet(w http.ResponseWriter, r *http.Request) {
	b := generichttp.BoolT{}
	err := json.NewDecoder(r.Body).Decode(&b)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if b.Bool {
		l.Lock()
	} else {
		l.Unlock()
	}
	w.WriteHeader(http.StatusOK)
}

// HTTPGet returns Locked() as JSON.
func (l *Locker) HTTPGet(w http.ResponseWriter, r *http.Request) {
	hp := generichttp.HumanPayload{T: types.Bool, Bool: l.Locked()}
	hp.EncodeAndRespond(w, r)
}
