// Package camera presents the generic camera-control verbs over an
// exposure-capable controller, translating controller errors into the bridge's
// error taxonomy.  It holds no state of its own.
package camera

import (
	"errors"
	"fmt"

	"github.com/lbto/archonbridge/archon"
)

// Controller is the capability set this adapter requires of a hardware
// controller.  *archon.Controller and *archon.Sim both satisfy it.
type Controller interface {
	Configure(archon.ExposureParameters) error
	StartExposure() error
	Abort() error
	PollStatus() archon.Status
	FetchReadout() (*archon.Frame, error)
	Resync() error
}

var (
	// ErrBusy is generated when a controller refuses a command mid-cycle
	ErrBusy = errors.New("camera: controller is busy with an exposure")

	// ErrNotConfigured is generated when an exposure is started before
	// parameters have been staged
	ErrNotConfigured = errors.New("camera: exposure parameters are not configured")

	// ErrNotReady is generated when an image is fetched before readout
	// has completed
	ErrNotReady = errors.New("camera: no image is ready")
)

// ErrHardware marks a fault on the controller link.  After one is returned
// the controller's cached status is suspect; the dispatcher forces a
// resynchronization before the next state-changing command.
type ErrHardware struct {
	Inner error
}

func (e ErrHardware) Error() string {
	return fmt.Sprintf("camera: hardware fault: %v", e.Inner)
}

// Unwrap returns the underlying controller error.
func (e ErrHardware) Unwrap() error { return e.Inner }

// translate maps controller errors onto the camera API taxonomy.  Parameter
// validation errors pass through untouched; they already name the parameter.
func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, archon.ErrNotIdle):
		return ErrBusy
	case errors.Is(err, archon.ErrNotConfigured):
		return ErrNotConfigured
	case errors.Is(err, archon.ErrNotReady):
		return ErrNotReady
	}
	var inv archon.ErrInvalidParameter
	if errors.As(err, &inv) {
		return inv
	}
	var hw archon.ErrHardwareFault
	if errors.As(err, &hw) {
		return ErrHardware{Inner: hw}
	}
	var bad archon.ErrBadResponse
	if errors.As(err, &bad) {
		return ErrHardware{Inner: bad}
	}
	return err
}

// Camera adapts a Controller to the generic camera-control API.
type Camera struct {
	ctl Controller
}

// New returns a Camera over ctl.
func New(ctl Controller) *Camera {
	return &Camera{ctl: ctl}
}

// Configure stages exposure parameters for the next exposure.
func (c *Camera) Configure(p archon.ExposureParameters) error {
	return translate(c.ctl.Configure(p))
}

// Expose starts an integration with the staged parameters.
func (c *Camera) Expose() error {
	return translate(c.ctl.StartExposure())
}

// Abort interrupts the in-flight integration or readout.
func (c *Camera) Abort() error {
	return translate(c.ctl.Abort())
}

// GetStatus returns the controller's cached status without touching hardware.
func (c *Camera) GetStatus() archon.Status {
	return c.ctl.PollStatus()
}

// FetchImage retrieves the completed readout.
func (c *Camera) FetchImage() (*archon.Frame, error) {
	f, err := c.ctl.FetchReadout()
	return f, translate(err)
}

// Reset performs a full hardware status resynchronization.
func (c *Camera) Reset() error {
	return translate(c.ctl.Resync())
}
