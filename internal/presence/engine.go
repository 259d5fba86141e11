package presence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"geoattend/internal/attendance"
	"geoattend/internal/biometric"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/geofence"
	"geoattend/internal/metrics"
	"geoattend/internal/netid"
	"geoattend/internal/policy"
)

// LocationProvider returns the device's current position. It fails with
// ErrLocationUnavailable when permission is denied or no fix is possible.
type LocationProvider interface {
	CurrentCoordinate(ctx context.Context) (geofence.Coordinate, error)
}

// ClassDirectory answers whether a course is in session.
type ClassDirectory interface {
	Active(ctx context.Context, courseID string) (*classsession.ClassSession, error)
}

// Committer persists an attendance record at most once per key.
type Committer interface {
	Commit(ctx context.Context, rec attendance.Record) (attendance.CommitID, error)
}

// Device bundles the device-side collaborators of one flow.
type Device struct {
	Platform  policy.Platform
	Location  LocationProvider
	Network   netid.Provider
	Biometric biometric.Authenticator
}

// Options tune the engine. Zero values get defaults.
type Options struct {
	FixTimeout       time.Duration
	NetworkTimeout   time.Duration
	BiometricTimeout time.Duration
	// ReverifyInterval enables periodic eligibility checks while a session
	// is Eligible or Verified. Zero disables them.
	ReverifyInterval time.Duration
	// ClassPollInterval re-reads the active class while a session is open.
	// Zero disables polling.
	ClassPollInterval time.Duration
	// Location is the campus time zone that decides the calendar date.
	Location *time.Location
	Now      func() time.Time
	Logger   *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.FixTimeout <= 0 {
		o.FixTimeout = 12 * time.Second
	}
	if o.NetworkTimeout <= 0 {
		o.NetworkTimeout = 5 * time.Second
	}
	if o.BiometricTimeout <= 0 {
		o.BiometricTimeout = 60 * time.Second
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Engine holds the collaborators shared by all flows.
type Engine struct {
	classes   ClassDirectory
	catalog   classroom.Catalog
	committer Committer
	policies  policy.Selector
	opts      Options
	log       *slog.Logger
}

func NewEngine(classes ClassDirectory, catalog classroom.Catalog, committer Committer, policies policy.Selector, opts Options) *Engine {
	opts = opts.withDefaults()
	return &Engine{
		classes:   classes,
		catalog:   catalog,
		committer: committer,
		policies:  policies,
		opts:      opts,
		log:       opts.Logger,
	}
}

func (e *Engine) today() attendance.Date {
	return attendance.DateOf(e.opts.Now(), e.opts.Location)
}

// verdict is the result of one eligibility evaluation.
type verdict struct {
	policy  policy.Set
	network netid.Result
	geo     GeoResult
	err     *SignalError
}

// failState is the state a failed evaluation leaves the session in.
func (v verdict) failState() State {
	if v.geo == GeoUnavailable {
		return LocationUnknown
	}
	return Ineligible
}

// activeClass fetches the class fresh. A nil error means courseID is in
// session.
func (e *Engine) activeClass(ctx context.Context, courseID string) *SignalError {
	active, err := e.classes.Active(ctx, courseID)
	if err != nil {
		return &SignalError{Signal: SignalSession, Err: err}
	}
	if active == nil {
		return &SignalError{Signal: SignalSession, Err: fmt.Errorf("%w: %s", ErrNoActiveClass, courseID)}
	}
	return nil
}

// evaluate applies the platform policy. With NetworkThenLocation a known
// access point is sufficient and the geofence is the fallback.
func (e *Engine) evaluate(ctx context.Context, dev Device, room classroom.Classroom) verdict {
	v := verdict{policy: e.policies.Select(dev.Platform)}

	if v.policy == policy.NetworkThenLocation && dev.Network != nil && room.AccessPoints.Len() > 0 {
		v.network = e.checkNetwork(ctx, dev.Network, room.AccessPoints)
		if v.network == netid.Connected {
			return v
		}
	}

	var cause error
	v.geo, cause = e.checkLocation(ctx, dev.Location, room.Boundary)
	if v.geo == GeoInside {
		return v
	}

	signal := SignalLocation
	if v.network == netid.WrongNetwork || v.network == netid.NotOnWireless {
		signal = SignalNetwork
	}
	v.err = &SignalError{Signal: signal, Network: v.network, Geo: v.geo, Err: cause}
	metrics.VerificationFailures.WithLabelValues(string(signal)).Inc()
	return v
}

func (e *Engine) checkNetwork(ctx context.Context, p netid.Provider, list netid.AllowList) netid.Result {
	ctx, cancel := context.WithTimeout(ctx, e.opts.NetworkTimeout)
	defer cancel()
	res, err := await(ctx, func(ctx context.Context) (netid.Result, error) {
		return netid.Verify(ctx, p, list), nil
	})
	if err != nil {
		return netid.IdentityUnavailable
	}
	return res
}

func (e *Engine) checkLocation(ctx context.Context, p LocationProvider, boundary geofence.Boundary) (GeoResult, error) {
	if p == nil {
		return GeoUnavailable, ErrLocationUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.FixTimeout)
	defer cancel()

	start := time.Now()
	coord, err := await(ctx, p.CurrentCoordinate)
	metrics.LocationFix.Observe(time.Since(start).Seconds())
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return GeoUnavailable, fmt.Errorf("%w: no fix within %s", ErrLocationUnavailable, e.opts.FixTimeout)
		}
		return GeoUnavailable, err
	}

	inside, err := geofence.Contains(coord, boundary)
	if err != nil {
		return GeoUnavailable, err
	}
	if !inside {
		return GeoOutside, errOutside
	}
	return GeoInside, nil
}

func (e *Engine) confirmBiometric(ctx context.Context, a biometric.Authenticator, kind biometric.Kind) error {
	if a == nil {
		return biometric.ErrNoHardware
	}
	ctx, cancel := context.WithTimeout(ctx, e.opts.BiometricTimeout)
	defer cancel()
	_, err := await(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, biometric.Confirm(ctx, a, kind)
	})
	return err
}

// await runs fn in its own goroutine so a provider that ignores ctx cannot
// hold the caller past the deadline.
func await[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
