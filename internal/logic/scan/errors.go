package scan

import (
	"errors"
	"fmt"

	"github.com/cjeanneret/shgscan/internal/logic/framerate"
)

var (
	// ErrRateUnavailable: the host status line has no frame rate. Blocks Go.
	ErrRateUnavailable = framerate.ErrRateUnavailable
	// ErrConfigInvalid: a scan parameter is out of range. Blocks Go.
	ErrConfigInvalid = errors.New("scan configuration invalid")

	ErrEdgeTimeout    = errors.New("edge detection timeout")
	ErrMountCommand   = errors.New("mount command failed")
	ErrCaptureCommand = errors.New("capture command failed")
	ErrAbortRequested = errors.New("abort requested")

	ErrBumpRejected  = errors.New("bump rejected: only allowed between cycles")
	ErrRunInProgress = errors.New("a scan is already running")
	ErrNoRun         = errors.New("no scan running")
)

// Fault records what forced a run into Aborting.
type Fault struct {
	Kind  error // one of the Err* kinds above
	Phase Phase
	Err   error // underlying cause, may be nil
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%v during %s", f.Kind, f.Phase)
	}
	return fmt.Sprintf("%v during %s: %v", f.Kind, f.Phase, f.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is.
func (f *Fault) Unwrap() []error {
	if f.Err == nil {
		return []error{f.Kind}
	}
	return []error{f.Kind, f.Err}
}

func fault(kind error, phase Phase, err error) *Fault {
	return &Fault{Kind: kind, Phase: phase, Err: err}
}
