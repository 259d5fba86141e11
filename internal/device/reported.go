// Package device holds the server-side stand-ins for a phone's location,
// network and biometric APIs. The mobile client reports what its OS told it
// and the presence engine reads those reports through the same interfaces
// it would use on the device.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"geoattend/internal/biometric"
	"geoattend/internal/geofence"
	"geoattend/internal/netid"
	"geoattend/internal/presence"
)

// ErrNoBiometricResult is returned when the client has not reported a
// prompt outcome since the last check.
var ErrNoBiometricResult = errors.New("no biometric result reported")

// Fix is a location fix taken on the device.
type Fix struct {
	Coordinate geofence.Coordinate
	FixedAt    time.Time
}

// APStatus is what the device could learn about its wireless association.
type APStatus string

const (
	APAssociated APStatus = "associated"
	APNone       APStatus = "none"
	APDenied     APStatus = "denied"
)

// AccessPoint is the reported wireless association.
type AccessPoint struct {
	Status APStatus
	BSSID  string
}

// Biometric is the reported biometric capability and prompt result.
type Biometric struct {
	Hardware   bool
	Enrolled   []biometric.Kind
	Kind       biometric.Kind
	Outcome    biometric.Outcome
	CaptureURL string
}

// Reported holds the latest signals of one student's device.
type Reported struct {
	mu     sync.Mutex
	fix    *Fix
	ap     *AccessPoint
	bio    Biometric
	maxAge time.Duration
	now    func() time.Time
}

// NewReported creates an empty report store. Fixes older than maxAge are
// treated as unavailable; zero disables the check.
func NewReported(maxAge time.Duration) *Reported {
	return &Reported{maxAge: maxAge, now: time.Now}
}

// ReportFix stores the latest fix. A missing or future timestamp is taken
// as now.
func (r *Reported) ReportFix(f Fix) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if now := r.now(); f.FixedAt.IsZero() || f.FixedAt.After(now) {
		f.FixedAt = now
	}
	r.fix = &f
}

func (r *Reported) ReportAccessPoint(ap AccessPoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ap = &ap
}

// ReportBiometric replaces the biometric report. A blank CaptureURL keeps
// the last uploaded capture.
func (r *Reported) ReportBiometric(b Biometric) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.CaptureURL == "" {
		b.CaptureURL = r.bio.CaptureURL
	}
	r.bio = b
}

// ReportCapture records the URL of a freshly uploaded face capture.
func (r *Reported) ReportCapture(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bio.CaptureURL = url
}

// CurrentCoordinate implements presence.LocationProvider.
func (r *Reported) CurrentCoordinate(ctx context.Context) (geofence.Coordinate, error) {
	if err := ctx.Err(); err != nil {
		return geofence.Coordinate{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fix == nil {
		return geofence.Coordinate{}, presence.ErrLocationUnavailable
	}
	if age := r.now().Sub(r.fix.FixedAt); r.maxAge > 0 && age > r.maxAge {
		return geofence.Coordinate{}, fmt.Errorf("%w: fix is %s old", presence.ErrLocationUnavailable, age.Round(time.Second))
	}
	return r.fix.Coordinate, nil
}

// CurrentAccessPointID implements netid.Provider.
func (r *Reported) CurrentAccessPointID(context.Context) (*string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ap == nil {
		return nil, netid.ErrIdentityUnavailable
	}
	switch r.ap.Status {
	case APAssociated:
		id := r.ap.BSSID
		return &id, nil
	case APNone:
		return nil, nil
	default:
		return nil, netid.ErrIdentityUnavailable
	}
}

// Capabilities implements biometric.Authenticator.
func (r *Reported) Capabilities(context.Context) (biometric.Capabilities, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return biometric.Capabilities{Hardware: r.bio.Hardware, Enrolled: r.bio.Enrolled}, nil
}

// Authenticate implements biometric.Authenticator. The reported outcome is
// consumed so it cannot be replayed for a later check.
func (r *Reported) Authenticate(_ context.Context, kind biometric.Kind) (biometric.Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	outcome := r.bio.Outcome
	r.bio.Outcome = ""
	if outcome == "" {
		return biometric.Failure, ErrNoBiometricResult
	}
	if r.bio.Kind != "" && r.bio.Kind != kind {
		return biometric.Failure, nil
	}
	return outcome, nil
}

// CaptureURL implements biometric.CaptureSource.
func (r *Reported) CaptureURL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bio.CaptureURL
}
