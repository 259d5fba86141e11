package presence_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"geoattend/internal/attendance"
	"geoattend/internal/biometric"
	"geoattend/internal/classroom"
	"geoattend/internal/classsession"
	"geoattend/internal/geofence"
	"geoattend/internal/netid"
	"geoattend/internal/policy"
	"geoattend/internal/presence"
)

var (
	inside  = geofence.Coordinate{Lng: 75.0005, Lat: 15.0005}
	outside = geofence.Coordinate{Lng: 75.01, Lat: 15.01}
)

const labAP = "a4:2b:b0:11:22:33"

type fakeLocation struct {
	mu    sync.Mutex
	coord geofence.Coordinate
	err   error
	block bool
	calls atomic.Int32
}

func (f *fakeLocation) set(c geofence.Coordinate) {
	f.mu.Lock()
	f.coord = c
	f.mu.Unlock()
}

func (f *fakeLocation) CurrentCoordinate(ctx context.Context) (geofence.Coordinate, error) {
	f.calls.Add(1)
	f.mu.Lock()
	block, coord, err := f.block, f.coord, f.err
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return geofence.Coordinate{}, ctx.Err()
	}
	return coord, err
}

type fakeNetwork struct {
	id    *string
	err   error
	calls atomic.Int32
}

func (f *fakeNetwork) CurrentAccessPointID(context.Context) (*string, error) {
	f.calls.Add(1)
	return f.id, f.err
}

type fakeBiometric struct {
	outcome biometric.Outcome
	started chan struct{}
	block   bool
}

func (f *fakeBiometric) Capabilities(context.Context) (biometric.Capabilities, error) {
	return biometric.Capabilities{Hardware: true, Enrolled: []biometric.Kind{biometric.Face, biometric.Fingerprint}}, nil
}

func (f *fakeBiometric) Authenticate(ctx context.Context, _ biometric.Kind) (biometric.Outcome, error) {
	if f.started != nil {
		close(f.started)
	}
	if f.block {
		<-ctx.Done()
		return biometric.Canceled, ctx.Err()
	}
	return f.outcome, nil
}

type failingCommitter struct {
	fail atomic.Bool
	next presence.Committer
}

func (c *failingCommitter) Commit(ctx context.Context, rec attendance.Record) (attendance.CommitID, error) {
	if c.fail.Load() {
		return "", errors.New("connection refused")
	}
	return c.next.Commit(ctx, rec)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine    *presence.Engine
	classes   *classsession.Memory
	committer *failingCommitter
	clock     *clock
	loc       *fakeLocation
	net       *fakeNetwork
	bio       *fakeBiometric
}

func newFixture(t *testing.T, opts presence.Options) *fixture {
	t.Helper()
	room := classroom.Classroom{
		CourseID: "CS301",
		Name:     "Lab 2",
		Boundary: geofence.NewBoundary([][2]float64{
			{75.0, 15.0}, {75.001, 15.0}, {75.001, 15.001}, {75.0, 15.001}, {75.0, 15.0},
		}),
		AccessPoints: netid.NewAllowList(labAP),
	}
	catalog, err := classroom.NewStatic(room)
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	classes := classsession.NewMemory()
	if _, err := classes.Start(context.Background(), "CS301", "fac-1"); err != nil {
		t.Fatalf("start class: %v", err)
	}
	fx := &fixture{
		classes:   classes,
		committer: &failingCommitter{next: attendance.NewService(attendance.NewMemoryRepository(), nil, nil)},
		clock:     &clock{t: time.Date(2026, time.October, 18, 9, 30, 0, 0, time.UTC)},
		loc:       &fakeLocation{coord: inside},
		net:       &fakeNetwork{},
		bio:       &fakeBiometric{outcome: biometric.Success},
	}
	opts.Now = fx.clock.Now
	fx.engine = presence.NewEngine(classes, catalog, fx.committer, policy.NewSelector(nil), opts)
	return fx
}

func (fx *fixture) flow(p policy.Platform) *presence.Flow {
	return fx.engine.NewFlow(presence.Device{Platform: p, Location: fx.loc, Network: fx.net, Biometric: fx.bio})
}

func ptr(s string) *string { return &s }

var student = presence.Student{ID: "stu-1", Name: "Asha Rao", Email: "asha@example.edu"}

func signalOf(t *testing.T, err error) *presence.SignalError {
	t.Helper()
	var serr *presence.SignalError
	if !errors.As(err, &serr) {
		t.Fatalf("expected *SignalError, got %T: %v", err, err)
	}
	return serr
}

func TestAndroidHappyPath(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	fx.net.id = ptr("A4-2B-B0-11-22-33")
	f := fx.flow(policy.Android)
	defer f.Close()
	ctx := context.Background()

	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.Snapshot().State; got != presence.Eligible {
		t.Fatalf("expected eligible, got %s", got)
	}
	if fx.loc.calls.Load() != 0 {
		t.Fatalf("known access point should skip the geofence")
	}
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("biometric: %v", err)
	}
	s := f.Snapshot()
	if s.State != presence.Verified || s.VerifiedAt == nil {
		t.Fatalf("expected verified with timestamp, got %+v", s)
	}
	id, err := f.MarkAttendance(ctx)
	if err != nil || id == "" {
		t.Fatalf("mark: id=%q err=%v", id, err)
	}
	s = f.Snapshot()
	if s.State != presence.Committed || s.CommitID != id {
		t.Fatalf("expected committed %s, got %+v", id, s)
	}

	_, err = f.MarkAttendance(ctx)
	if !errors.Is(err, presence.ErrAlreadyCommitted) || !errors.Is(err, attendance.ErrAlreadyMarked) {
		t.Fatalf("second mark: expected already marked, got %v", err)
	}
	if err := f.StartVerification(ctx, student, "CS301"); !errors.Is(err, attendance.ErrAlreadyMarked) {
		t.Fatalf("restart after commit: expected already marked, got %v", err)
	}
}

func TestSecondFlowSameDayIsRejected(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	ctx := context.Background()
	for i, want := range []error{nil, attendance.ErrAlreadyMarked} {
		f := fx.flow(policy.IOS)
		if err := f.StartVerification(ctx, student, "CS301"); err != nil {
			t.Fatalf("flow %d start: %v", i, err)
		}
		if err := f.ConfirmBiometric(ctx, biometric.Fingerprint); err != nil {
			t.Fatalf("flow %d biometric: %v", i, err)
		}
		_, err := f.MarkAttendance(ctx)
		if want == nil && err != nil {
			t.Fatalf("flow %d mark: %v", i, err)
		}
		if want != nil {
			if !errors.Is(err, want) {
				t.Fatalf("flow %d mark: expected %v, got %v", i, want, err)
			}
			if got := f.Snapshot().State; got != presence.Committed {
				t.Fatalf("flow %d: expected committed after duplicate, got %s", i, got)
			}
		}
		f.Close()
	}
}

func TestNoActiveClassSkipsDevice(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.Android)
	defer f.Close()

	err := f.StartVerification(context.Background(), student, "MA101")
	serr := signalOf(t, err)
	if serr.Signal != presence.SignalSession || !errors.Is(err, presence.ErrSession) || !errors.Is(err, presence.ErrNoActiveClass) {
		t.Fatalf("expected session failure, got %v", err)
	}
	if fx.loc.calls.Load() != 0 || fx.net.calls.Load() != 0 {
		t.Fatalf("providers consulted without an active class: loc=%d net=%d", fx.loc.calls.Load(), fx.net.calls.Load())
	}
	if got := f.Snapshot().State; got != presence.Ineligible {
		t.Fatalf("expected ineligible, got %s", got)
	}
}

func TestMultipleActiveClassesRejected(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	engine := presence.NewEngine(multiActive{}, nil, fx.committer, policy.NewSelector(nil), presence.Options{})
	f := engine.NewFlow(presence.Device{Platform: policy.IOS, Location: fx.loc})
	defer f.Close()
	err := f.StartVerification(context.Background(), student, "CS301")
	if !errors.Is(err, classsession.ErrMultipleActive) || signalOf(t, err).Signal != presence.SignalSession {
		t.Fatalf("expected multiple active session failure, got %v", err)
	}
	if fx.loc.calls.Load() != 0 {
		t.Fatalf("location consulted with an ambiguous class")
	}
}

type multiActive struct{}

func (multiActive) Active(context.Context, string) (*classsession.ClassSession, error) {
	return nil, classsession.ErrMultipleActive
}

func TestStepsOutOfOrder(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()

	if err := f.ConfirmBiometric(ctx, biometric.Face); !errors.Is(err, presence.ErrStateViolation) {
		t.Fatalf("biometric before start: expected state violation, got %v", err)
	}
	if _, err := f.MarkAttendance(ctx); !errors.Is(err, presence.ErrStateViolation) {
		t.Fatalf("mark before start: expected state violation, got %v", err)
	}
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.MarkAttendance(ctx); !errors.Is(err, presence.ErrStateViolation) {
		t.Fatalf("mark before biometric: expected state violation, got %v", err)
	}
	if got := f.Snapshot().State; got != presence.Eligible {
		t.Fatalf("rejected step changed state to %s", got)
	}
}

func TestIOSNeverConsultsNetwork(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	fx.net.id = ptr(labAP)
	f := fx.flow(policy.IOS)
	defer f.Close()

	if err := f.StartVerification(context.Background(), student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if fx.net.calls.Load() != 0 {
		t.Fatalf("network provider called %d times on iOS", fx.net.calls.Load())
	}
	if fx.loc.calls.Load() != 1 {
		t.Fatalf("expected one location fix, got %d", fx.loc.calls.Load())
	}
	if s := f.Snapshot(); s.Policy != policy.LocationOnly || s.Geo != presence.GeoInside {
		t.Fatalf("unexpected session %+v", s)
	}
}

func TestIOSOutsideBoundary(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	fx.loc.set(outside)
	f := fx.flow(policy.IOS)
	defer f.Close()

	err := f.StartVerification(context.Background(), student, "CS301")
	serr := signalOf(t, err)
	if serr.Signal != presence.SignalLocation || serr.Geo != presence.GeoOutside {
		t.Fatalf("expected location failure outside, got %+v", serr)
	}
	if got := f.Snapshot().State; got != presence.Ineligible {
		t.Fatalf("expected ineligible, got %s", got)
	}

	// Retry after walking in.
	fx.loc.set(inside)
	if err := f.StartVerification(context.Background(), student, "CS301"); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestFixTimeoutLeavesLocationUnknown(t *testing.T) {
	fx := newFixture(t, presence.Options{FixTimeout: 20 * time.Millisecond})
	fx.loc.block = true
	f := fx.flow(policy.IOS)
	defer f.Close()

	err := f.StartVerification(context.Background(), student, "CS301")
	if !errors.Is(err, presence.ErrLocationUnavailable) || signalOf(t, err).Signal != presence.SignalLocation {
		t.Fatalf("expected location unavailable, got %v", err)
	}
	if got := f.Snapshot().State; got != presence.LocationUnknown {
		t.Fatalf("expected location_unknown, got %s", got)
	}
}

func TestAndroidSignals(t *testing.T) {
	tests := []struct {
		name    string
		id      *string
		netErr  error
		coord   geofence.Coordinate
		wantErr bool
		signal  presence.Signal
		network netid.Result
	}{
		{name: "known ap", id: ptr(labAP), coord: outside, network: netid.Connected},
		{name: "wrong ap inside", id: ptr("00:11:22:33:44:55"), coord: inside, network: netid.WrongNetwork},
		{name: "wrong ap outside", id: ptr("00:11:22:33:44:55"), coord: outside, wantErr: true, signal: presence.SignalNetwork, network: netid.WrongNetwork},
		{name: "no wifi outside", coord: outside, wantErr: true, signal: presence.SignalNetwork, network: netid.NotOnWireless},
		{name: "redacted outside", id: ptr("02:00:00:00:00:00"), coord: outside, wantErr: true, signal: presence.SignalLocation, network: netid.IdentityUnavailable},
		{name: "denied inside", netErr: netid.ErrIdentityUnavailable, coord: inside, network: netid.IdentityUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, presence.Options{})
			fx.net.id, fx.net.err = tt.id, tt.netErr
			fx.loc.set(tt.coord)
			f := fx.flow(policy.Android)
			defer f.Close()

			err := f.StartVerification(context.Background(), student, "CS301")
			if got := f.Snapshot().Network; got != tt.network {
				t.Fatalf("network result: expected %s, got %s", tt.network, got)
			}
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("expected eligible, got %v", err)
				}
				return
			}
			serr := signalOf(t, err)
			if serr.Signal != tt.signal {
				t.Fatalf("expected signal %s, got %s", tt.signal, serr.Signal)
			}
			if serr.Hint() == "" {
				t.Fatalf("empty hint")
			}
		})
	}
}

func TestBiometricFailureStaysEligible(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	fx.bio.outcome = biometric.Failure
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()

	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := f.ConfirmBiometric(ctx, biometric.Face)
	if !errors.Is(err, presence.ErrBiometric) || !errors.Is(err, biometric.ErrFailed) {
		t.Fatalf("expected biometric failure, got %v", err)
	}
	if got := f.Snapshot().State; got != presence.Eligible {
		t.Fatalf("expected eligible, got %s", got)
	}
	fx.bio.outcome = biometric.Success
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestCancelDuringBiometric(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}

	fx.bio.block = true
	fx.bio.started = make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- f.ConfirmBiometric(ctx, biometric.Face) }()
	<-fx.bio.started

	if err := f.StartVerification(ctx, student, "CS301"); !errors.Is(err, presence.ErrBusy) {
		t.Fatalf("expected busy while prompting, got %v", err)
	}
	f.Cancel()
	select {
	case err := <-done:
		if !errors.Is(err, presence.ErrCanceled) {
			t.Fatalf("expected canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("biometric step did not return after cancel")
	}
	if got := f.Snapshot().State; got != presence.NotStarted {
		t.Fatalf("expected not_started, got %s", got)
	}
}

func TestCancelFromVerified(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("biometric: %v", err)
	}
	f.Cancel()
	s := f.Snapshot()
	if s.State != presence.NotStarted || s.VerifiedAt != nil {
		t.Fatalf("expected fresh session, got %+v", s)
	}
	if _, err := f.MarkAttendance(ctx); !errors.Is(err, presence.ErrStateViolation) {
		t.Fatalf("mark after cancel: expected state violation, got %v", err)
	}
}

func TestCommitFailureKeepsVerified(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("biometric: %v", err)
	}

	fx.committer.fail.Store(true)
	_, err := f.MarkAttendance(ctx)
	if !errors.Is(err, presence.ErrCommit) || errors.Is(err, attendance.ErrAlreadyMarked) {
		t.Fatalf("expected commit failure, got %v", err)
	}
	if got := f.Snapshot().State; got != presence.Verified {
		t.Fatalf("expected verified after failed write, got %s", got)
	}

	fx.committer.fail.Store(false)
	if _, err := f.MarkAttendance(ctx); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestClassEndedBeforeMark(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("biometric: %v", err)
	}
	if _, err := fx.classes.Stop(ctx, "CS301"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_, err := f.MarkAttendance(ctx)
	if !errors.Is(err, presence.ErrNoActiveClass) {
		t.Fatalf("expected no active class, got %v", err)
	}
	if got := f.Snapshot().State; got != presence.NotStarted {
		t.Fatalf("expected reset to not_started, got %s", got)
	}
}

func waitState(t *testing.T, f *presence.Flow, want presence.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.Snapshot().State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state did not reach %s, stuck at %s", want, f.Snapshot().State)
}

func TestMonitorDropsEligibility(t *testing.T) {
	fx := newFixture(t, presence.Options{ReverifyInterval: 10 * time.Millisecond})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
		t.Fatalf("biometric: %v", err)
	}

	fx.loc.set(outside)
	waitState(t, f, presence.Ineligible)
	if f.Snapshot().VerifiedAt != nil {
		t.Fatalf("verification kept after losing eligibility")
	}
	if _, err := f.MarkAttendance(ctx); !errors.Is(err, presence.ErrStateViolation) {
		t.Fatalf("expected state violation, got %v", err)
	}
}

func TestMonitorClassEnded(t *testing.T) {
	fx := newFixture(t, presence.Options{ClassPollInterval: 10 * time.Millisecond})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()
	if err := f.StartVerification(ctx, student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := fx.classes.Stop(ctx, "CS301"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	waitState(t, f, presence.NotStarted)
}

func TestNewDayStartsNewSession(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	f := fx.flow(policy.IOS)
	defer f.Close()
	ctx := context.Background()

	mark := func() attendance.CommitID {
		t.Helper()
		if err := f.StartVerification(ctx, student, "CS301"); err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := f.ConfirmBiometric(ctx, biometric.Face); err != nil {
			t.Fatalf("biometric: %v", err)
		}
		id, err := f.MarkAttendance(ctx)
		if err != nil {
			t.Fatalf("mark: %v", err)
		}
		return id
	}
	first := mark()
	fx.clock.advance(24 * time.Hour)
	second := mark()
	if first == second {
		t.Fatalf("expected distinct commits, both %s", first)
	}
	if got, want := f.Snapshot().Date, (attendance.Date{Year: 2026, Month: time.October, Day: 19}); got != want {
		t.Fatalf("expected date %s, got %s", want, got)
	}
}

func TestCampusTimeZoneDecidesDate(t *testing.T) {
	ist := time.FixedZone("IST", 5*3600+1800)
	fx := newFixture(t, presence.Options{Location: ist})
	// 20:00 UTC is already the next day in IST.
	fx.clock.t = time.Date(2026, time.October, 18, 20, 0, 0, 0, time.UTC)
	f := fx.flow(policy.IOS)
	defer f.Close()
	if err := f.StartVerification(context.Background(), student, "CS301"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := f.Snapshot().Date.String(); got != "2026-10-19" {
		t.Fatalf("expected campus date 2026-10-19, got %s", got)
	}
}

func TestRegistry(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	reg := presence.NewRegistry(fx.engine)
	defer reg.Close()

	a := reg.Open("stu-1", presence.Device{Platform: policy.IOS, Location: fx.loc})
	if b := reg.Open("stu-1", presence.Device{Platform: policy.IOS, Location: fx.loc}); a != b {
		t.Fatalf("expected the same flow for the same platform")
	}
	c := reg.Open("stu-1", presence.Device{Platform: policy.Android, Location: fx.loc})
	if a == c || c.Platform() != "android" {
		t.Fatalf("expected a replacement android flow")
	}
	if got, ok := reg.Get("stu-1"); !ok || got != c {
		t.Fatalf("get returned %v %v", got, ok)
	}
	reg.Drop("stu-1")
	if _, ok := reg.Get("stu-1"); ok {
		t.Fatalf("flow still registered after drop")
	}
}

func TestRegistryEviction(t *testing.T) {
	fx := newFixture(t, presence.Options{})
	reg := presence.NewRegistry(fx.engine)
	defer reg.Close()
	ctx := context.Background()

	dev := presence.Device{Platform: policy.IOS, Location: fx.loc}
	if err := reg.Open("stu-1", dev).StartVerification(ctx, presence.Student{ID: "stu-1"}, "CS301"); err != nil {
		t.Fatalf("start stu-1: %v", err)
	}
	reg.Open("stu-2", dev)

	dropped := reg.DropCourse("CS301")
	if len(dropped) != 1 || dropped[0] != "stu-1" {
		t.Fatalf("expected stu-1 dropped for CS301, got %v", dropped)
	}
	if _, ok := reg.Get("stu-1"); ok {
		t.Fatalf("stu-1 flow still registered")
	}

	fx.clock.advance(10 * time.Minute)
	reg.Open("stu-3", dev)
	dropped = reg.Sweep(5 * time.Minute)
	if len(dropped) != 1 || dropped[0] != "stu-2" {
		t.Fatalf("expected idle stu-2 swept, got %v", dropped)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 open flow, got %d", reg.Len())
	}
}
