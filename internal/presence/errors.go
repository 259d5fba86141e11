package presence

import (
	"errors"
	"fmt"

	"geoattend/internal/attendance"
	"geoattend/internal/biometric"
	"geoattend/internal/classsession"
	"geoattend/internal/netid"
)

// Signal sentinels. A *SignalError matches the sentinel of its signal with
// errors.Is.
var (
	ErrLocation  = errors.New("location check failed")
	ErrNetwork   = errors.New("network check failed")
	ErrBiometric = errors.New("biometric check failed")
	ErrSession   = errors.New("class session check failed")
	ErrCommit    = errors.New("attendance commit failed")
)

var (
	// ErrStateViolation is returned when a step is attempted out of order.
	ErrStateViolation = errors.New("step not allowed in current state")
	// ErrAlreadyCommitted is returned for any step on a committed session.
	// It matches attendance.ErrAlreadyMarked.
	ErrAlreadyCommitted = fmt.Errorf("%w: session already committed", attendance.ErrAlreadyMarked)
	// ErrCanceled is returned by a step whose flow was canceled while the
	// step was waiting on the device.
	ErrCanceled = errors.New("presence flow canceled")
	// ErrBusy is returned when a step starts while another is in progress.
	ErrBusy = errors.New("another presence step is in progress")
	// ErrLocationUnavailable is returned by location providers when no fix
	// can be obtained.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrNoActiveClass means the course is not in session.
	ErrNoActiveClass = errors.New("no active class for course")

	errOutside = errors.New("outside classroom boundary")
)

// Signal names the check that failed.
type Signal string

const (
	SignalLocation  Signal = "location"
	SignalNetwork   Signal = "network"
	SignalBiometric Signal = "biometric"
	SignalSession   Signal = "session"
	SignalCommit    Signal = "commit"
)

func (s Signal) sentinel() error {
	switch s {
	case SignalLocation:
		return ErrLocation
	case SignalNetwork:
		return ErrNetwork
	case SignalBiometric:
		return ErrBiometric
	case SignalSession:
		return ErrSession
	case SignalCommit:
		return ErrCommit
	}
	return nil
}

// GeoResult is the outcome of the geofence step.
type GeoResult int

const (
	GeoNotChecked GeoResult = iota
	GeoInside
	GeoOutside
	GeoUnavailable
)

func (g GeoResult) String() string {
	switch g {
	case GeoInside:
		return "inside"
	case GeoOutside:
		return "outside"
	case GeoUnavailable:
		return "unavailable"
	}
	return "not_checked"
}

// SignalError reports a failed step and the signal responsible for it.
type SignalError struct {
	Signal  Signal
	Network netid.Result // zero when the network was not consulted
	Geo     GeoResult
	Err     error
}

func (e *SignalError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Signal.sentinel(), e.Err)
	if e.Network != 0 {
		msg += fmt.Sprintf(" (network %s)", e.Network)
	}
	return msg
}

func (e *SignalError) Unwrap() error { return e.Err }

func (e *SignalError) Is(target error) bool {
	return target != nil && target == e.Signal.sentinel()
}

// Hint is a short instruction the student can act on.
func (e *SignalError) Hint() string {
	switch e.Signal {
	case SignalLocation:
		hint := "Move inside the classroom and try again."
		if e.Geo == GeoUnavailable {
			hint = "Turn on location services, allow location access and try again."
		}
		if e.Network == netid.IdentityUnavailable {
			hint += " Granting location permission also lets the app recognise the classroom WiFi."
		}
		return hint
	case SignalNetwork:
		return "Connect to the classroom WiFi or move inside the classroom."
	case SignalBiometric:
		switch {
		case errors.Is(e.Err, biometric.ErrNoHardware):
			return "This device does not support biometric authentication."
		case errors.Is(e.Err, biometric.ErrNotEnrolled), errors.Is(e.Err, biometric.ErrUnsupported):
			return "The chosen biometric method is not set up on this device. Enrol it or pick another method."
		case errors.Is(e.Err, biometric.ErrCanceled):
			return "Authentication was canceled. Try again."
		}
		return "Biometric authentication failed. Try again."
	case SignalSession:
		if errors.Is(e.Err, classsession.ErrMultipleActive) {
			return "More than one class is marked active. Ask your instructor to restart the class."
		}
		return "No class is in session for this course right now."
	case SignalCommit:
		if errors.Is(e.Err, attendance.ErrAlreadyMarked) {
			return "Your attendance for this class is already recorded today."
		}
		return "Attendance could not be saved. Check your connection and try again."
	}
	return "Try again."
}

func stateError(step string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrStateViolation, step, s)
}
