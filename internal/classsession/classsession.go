package classsession

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrAnotherClassActive is returned by Start while any class is on.
	ErrAnotherClassActive = errors.New("another class is already in session")
	// ErrAlreadyStarted is returned by Start for a class that is already on.
	ErrAlreadyStarted = errors.New("class already in session")
	// ErrMultipleActive means more than one class is on, which should never
	// happen and makes every eligibility decision unsafe.
	ErrMultipleActive = errors.New("multiple active classes")
	// ErrNotFound is returned when a class was never started.
	ErrNotFound = errors.New("class not found")
)

// ClassSession is one faculty-owned class instance.
type ClassSession struct {
	CourseID  string     `json:"course_id"`
	FacultyID string     `json:"faculty_id"`
	IsActive  bool       `json:"is_active"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Duration is the length of an ended session, or zero while it runs.
func (s ClassSession) Duration() time.Duration {
	if s.EndedAt == nil {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Directory tracks which class is in session. Only one class may be active
// system wide.
type Directory interface {
	Start(ctx context.Context, courseID, facultyID string) (ClassSession, error)
	Stop(ctx context.Context, courseID string) (ClassSession, error)
	// Active returns the running session of courseID, or nil when that
	// course is not the one in session.
	Active(ctx context.Context, courseID string) (*ClassSession, error)
	// Current returns whichever class is in session, or nil.
	Current(ctx context.Context) (*ClassSession, error)
}

// Memory is an in-process Directory.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]*ClassSession
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*ClassSession), now: time.Now}
}

func (m *Memory) Start(_ context.Context, courseID, facultyID string) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.sessions {
		if !s.IsActive {
			continue
		}
		if id == courseID {
			return ClassSession{}, ErrAlreadyStarted
		}
		return ClassSession{}, fmt.Errorf("%w: %s", ErrAnotherClassActive, id)
	}
	s := &ClassSession{CourseID: courseID, FacultyID: facultyID, IsActive: true, StartedAt: m.now().UTC()}
	m.sessions[courseID] = s
	return *s, nil
}

func (m *Memory) Stop(_ context.Context, courseID string) (ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[courseID]
	if !ok {
		return ClassSession{}, ErrNotFound
	}
	if s.IsActive {
		ended := m.now().UTC()
		s.IsActive = false
		s.EndedAt = &ended
	}
	return *s, nil
}

func (m *Memory) Active(ctx context.Context, courseID string) (*ClassSession, error) {
	cur, err := m.Current(ctx)
	if err != nil || cur == nil || cur.CourseID != courseID {
		return nil, err
	}
	return cur, nil
}

func (m *Memory) Current(context.Context) (*ClassSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found *ClassSession
	for _, s := range m.sessions {
		if !s.IsActive {
			continue
		}
		if found != nil {
			return nil, ErrMultipleActive
		}
		cp := *s
		found = &cp
	}
	return found, nil
}
