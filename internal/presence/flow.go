package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"geoattend/internal/attendance"
	"geoattend/internal/biometric"
	"geoattend/internal/classroom"
	"geoattend/internal/metrics"
)

// Flow drives the presence session of one device. Steps run one at a time;
// the flow lock is released while a step waits on the device so Cancel can
// interrupt it.
type Flow struct {
	engine *Engine
	device Device

	mu      sync.Mutex
	session Session
	student Student
	room    classroom.Classroom
	epoch   uint64
	busy    bool
	cancel  context.CancelFunc // in-flight step
	monitor context.CancelFunc
}

// NewFlow starts a flow in NotStarted for the given device.
func (e *Engine) NewFlow(dev Device) *Flow {
	return &Flow{engine: e, device: dev, session: Session{State: NotStarted}}
}

// Platform returns the platform the flow was created for.
func (f *Flow) Platform() string { return string(f.device.Platform) }

// Snapshot returns a copy of the current session.
func (f *Flow) Snapshot() Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

// StartVerification checks that courseID is in session and that the
// device satisfies the platform's eligibility policy. A nil error means the
// session is Eligible.
func (f *Flow) StartVerification(ctx context.Context, st Student, courseID string) error {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return ErrBusy
	}
	today := f.engine.today()
	if f.session.same(st.ID, courseID, today) {
		switch f.session.State {
		case Committed:
			f.mu.Unlock()
			return ErrAlreadyCommitted
		case Verified:
			f.mu.Unlock()
			return stateError("start verification", Verified)
		}
	} else {
		f.resetLocked(Session{StudentID: st.ID, CourseID: courseID, Date: today})
	}
	f.student = st
	ctx, epoch := f.beginLocked(ctx)
	f.mu.Unlock()

	room, v := f.check(ctx, courseID)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.endLocked()
	if f.epoch != epoch {
		return ErrCanceled
	}
	f.session.Policy = v.policy
	f.session.Network = v.network
	f.session.Geo = v.geo
	if v.err != nil {
		f.stopMonitorLocked()
		f.transitionLocked(v.failState())
		f.engine.log.Info("presence check failed",
			"student_id", st.ID, "course", courseID, "signal", v.err.Signal, "network", v.network.String(), "geo", v.geo.String(), "err", v.err.Err)
		return v.err
	}
	f.room = room
	f.transitionLocked(Eligible)
	f.startMonitorLocked()
	return nil
}

// check runs the class guard, then eligibility. The device is not touched
// unless the course is in session.
func (f *Flow) check(ctx context.Context, courseID string) (classroom.Classroom, verdict) {
	if serr := f.engine.activeClass(ctx, courseID); serr != nil {
		metrics.VerificationFailures.WithLabelValues(string(SignalSession)).Inc()
		return classroom.Classroom{}, verdict{err: serr}
	}
	room, err := f.engine.catalog.Lookup(courseID)
	if err != nil {
		metrics.VerificationFailures.WithLabelValues(string(SignalSession)).Inc()
		return classroom.Classroom{}, verdict{err: &SignalError{Signal: SignalSession, Err: err}}
	}
	return room, f.engine.evaluate(ctx, f.device, room)
}

// ConfirmBiometric prompts for kind. Only allowed from Eligible; a failed
// prompt leaves the session Eligible.
func (f *Flow) ConfirmBiometric(ctx context.Context, kind biometric.Kind) error {
	f.mu.Lock()
	if f.busy {
		f.mu.Unlock()
		return ErrBusy
	}
	switch f.session.State {
	case Eligible:
	case Committed:
		f.mu.Unlock()
		return ErrAlreadyCommitted
	default:
		state := f.session.State
		f.mu.Unlock()
		return stateError("confirm biometric", state)
	}
	ctx, epoch := f.beginLocked(ctx)
	f.mu.Unlock()

	err := f.engine.confirmBiometric(ctx, f.device.Biometric, kind)

	f.mu.Lock()
	defer f.mu.Unlock()
	defer f.endLocked()
	if f.epoch != epoch {
		return ErrCanceled
	}
	if err != nil {
		metrics.VerificationFailures.WithLabelValues(string(SignalBiometric)).Inc()
		f.engine.log.Info("biometric check failed", "student_id", f.session.StudentID, "kind", kind, "err", err)
		return &SignalError{Signal: SignalBiometric, Err: err}
	}
	now := f.engine.opts.Now()
	f.session.VerifiedAt = &now
	f.transitionLocked(Verified)
	return nil
}

// MarkAttendance commits the verified session. The active class is fetched
// again first; a class that ended resets the session. The flow stays locked
// for the whole step so Cancel cannot race a write.
func (f *Flow) MarkAttendance(ctx context.Context) (attendance.CommitID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy {
		return "", ErrBusy
	}
	switch f.session.State {
	case Verified:
	case Committed:
		return "", ErrAlreadyCommitted
	default:
		return "", stateError("mark attendance", f.session.State)
	}

	if serr := f.engine.activeClass(ctx, f.session.CourseID); serr != nil {
		if errors.Is(serr.Err, ErrNoActiveClass) {
			f.resetLocked(Session{StudentID: f.session.StudentID, CourseID: f.session.CourseID, Date: f.session.Date})
		}
		return "", serr
	}

	rec := attendance.Record{
		StudentID:    f.session.StudentID,
		StudentName:  f.student.Name,
		StudentEmail: f.student.Email,
		CourseCode:   f.session.CourseID,
		Date:         f.session.Date,
		Timestamp:    f.engine.opts.Now().UTC(),
		IsPresent:    true,
	}
	id, err := f.engine.committer.Commit(ctx, rec)
	switch {
	case errors.Is(err, attendance.ErrAlreadyMarked):
		f.stopMonitorLocked()
		f.transitionLocked(Committed)
		return "", &SignalError{Signal: SignalCommit, Err: err}
	case err != nil:
		f.engine.log.Warn("attendance commit failed", "student_id", rec.StudentID, "course", rec.CourseCode, "err", err)
		return "", &SignalError{Signal: SignalCommit, Err: err}
	}
	f.session.CommitID = id
	f.stopMonitorLocked()
	f.transitionLocked(Committed)
	return id, nil
}

// Cancel abandons the session before it is committed and returns it to
// NotStarted. A step waiting on the device returns ErrCanceled.
func (f *Flow) Cancel() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.State == Committed {
		return
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.resetLocked(Session{StudentID: f.session.StudentID, CourseID: f.session.CourseID, Date: f.session.Date})
}

// Close stops background work and any in-flight step.
func (f *Flow) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
	f.stopMonitorLocked()
	f.epoch++
}

// running reports whether a step is in progress.
func (f *Flow) running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *Flow) beginLocked(parent context.Context) (context.Context, uint64) {
	ctx, cancel := context.WithCancel(parent)
	f.busy = true
	f.cancel = cancel
	return ctx, f.epoch
}

func (f *Flow) endLocked() {
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.busy = false
}

// resetLocked replaces the session with a fresh NotStarted one.
func (f *Flow) resetLocked(s Session) {
	f.stopMonitorLocked()
	from := f.session.State
	s.State = NotStarted
	f.session = s
	f.room = classroom.Classroom{}
	f.epoch++
	if from != NotStarted {
		metrics.Transitions.WithLabelValues(string(from), string(NotStarted)).Inc()
	}
}

func (f *Flow) transitionLocked(to State) {
	from := f.session.State
	f.session.State = to
	if to != Verified && to != Committed {
		f.session.VerifiedAt = nil
	}
	f.epoch++
	if from != to {
		metrics.Transitions.WithLabelValues(string(from), string(to)).Inc()
		f.engine.log.Debug("presence transition", "student_id", f.session.StudentID, "course", f.session.CourseID, "from", from, "to", to)
	}
}

func (f *Flow) stopMonitorLocked() {
	if f.monitor != nil {
		f.monitor()
		f.monitor = nil
	}
}

func (f *Flow) startMonitorLocked() {
	opts := f.engine.opts
	if f.monitor != nil || (opts.ReverifyInterval <= 0 && opts.ClassPollInterval <= 0) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.monitor = cancel
	go f.watch(ctx, opts.ReverifyInterval, opts.ClassPollInterval)
}

func (f *Flow) watch(ctx context.Context, reverify, poll time.Duration) {
	var reverifyC, pollC <-chan time.Time
	if reverify > 0 {
		t := time.NewTicker(reverify)
		defer t.Stop()
		reverifyC = t.C
	}
	if poll > 0 {
		t := time.NewTicker(poll)
		defer t.Stop()
		pollC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-reverifyC:
			f.reevaluate(ctx)
		case <-pollC:
			f.pollClass(ctx)
		}
	}
}

// watchable reports whether background checks apply, and captures what
// they need.
func (f *Flow) watchable() (uint64, Session, classroom.Classroom, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy || (f.session.State != Eligible && f.session.State != Verified) {
		return 0, Session{}, classroom.Classroom{}, false
	}
	return f.epoch, f.session, f.room, true
}

func (f *Flow) reevaluate(ctx context.Context) {
	epoch, s, room, ok := f.watchable()
	if !ok {
		return
	}
	v := f.engine.evaluate(ctx, f.device, room)

	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil || f.busy || f.epoch != epoch {
		return
	}
	f.session.Network = v.network
	f.session.Geo = v.geo
	if v.err == nil {
		return
	}
	f.engine.log.Info("presence lost on re-check", "student_id", s.StudentID, "course", s.CourseID, "signal", v.err.Signal, "state", s.State)
	f.stopMonitorLocked()
	f.transitionLocked(v.failState())
}

func (f *Flow) pollClass(ctx context.Context) {
	epoch, s, _, ok := f.watchable()
	if !ok {
		return
	}
	serr := f.engine.activeClass(ctx, s.CourseID)

	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil || f.busy || f.epoch != epoch || serr == nil {
		return
	}
	if !errors.Is(serr.Err, ErrNoActiveClass) {
		f.engine.log.Warn("class poll failed", "course", s.CourseID, "err", serr.Err)
		return
	}
	f.engine.log.Info("class ended, resetting presence session", "student_id", s.StudentID, "course", s.CourseID)
	f.resetLocked(Session{StudentID: s.StudentID, CourseID: s.CourseID, Date: s.Date})
}
