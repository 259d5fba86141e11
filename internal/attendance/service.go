package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"geoattend/internal/metrics"
	"geoattend/internal/queue"
)

// CommittedEvent is the body of a queue.TypeAttendanceCommitted message.
type CommittedEvent struct {
	ID         CommitID  `json:"id"`
	StudentID  string    `json:"student_id"`
	CourseCode string    `json:"course_code"`
	Date       Date      `json:"date"`
	Timestamp  time.Time `json:"timestamp"`
}

// Service commits attendance records at most once per student, course and
// day.
type Service struct {
	repo   Repository
	events queue.Publisher
	log    *slog.Logger
	now    func() time.Time
}

// NewService creates a service backed by a repository. events may be nil.
func NewService(repo Repository, events queue.Publisher, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, events: events, log: log, now: time.Now}
}

// Commit writes rec unless one already exists for its key. The existence
// check gives a clean answer in the common case; the repository's
// conditional insert settles concurrent commits.
func (s *Service) Commit(ctx context.Context, rec Record) (CommitID, error) {
	if err := rec.validate(); err != nil {
		return "", err
	}
	rec.IsPresent = true
	if rec.Timestamp.IsZero() {
		rec.Timestamp = s.now().UTC()
	}

	exists, err := s.repo.Exists(ctx, rec.StudentID, rec.CourseCode, rec.Date)
	if err != nil {
		metrics.Commits.WithLabelValues("error").Inc()
		return "", err
	}
	if exists {
		metrics.Commits.WithLabelValues("already_marked").Inc()
		return "", ErrAlreadyMarked
	}

	id, err := s.repo.Insert(ctx, rec)
	if errors.Is(err, ErrAlreadyMarked) {
		metrics.Commits.WithLabelValues("already_marked").Inc()
		s.log.Info("attendance insert lost race", "student_id", rec.StudentID, "course", rec.CourseCode, "date", rec.Date)
		return "", err
	}
	if err != nil {
		metrics.Commits.WithLabelValues("error").Inc()
		return "", err
	}
	metrics.Commits.WithLabelValues("committed").Inc()
	s.log.Info("attendance committed", "id", id, "student_id", rec.StudentID, "course", rec.CourseCode, "date", rec.Date)

	s.publish(ctx, CommittedEvent{ID: id, StudentID: rec.StudentID, CourseCode: rec.CourseCode, Date: rec.Date, Timestamp: rec.Timestamp})
	return id, nil
}

// StudentHistory lists a student's records.
func (s *Service) StudentHistory(ctx context.Context, studentID, courseCode string, limit int) ([]Record, error) {
	return s.repo.ListByStudent(ctx, studentID, courseCode, limit)
}

// CourseDay lists the records of one course on one day.
func (s *Service) CourseDay(ctx context.Context, courseCode string, date Date) ([]Record, error) {
	return s.repo.ListByCourse(ctx, courseCode, date)
}

func (s *Service) publish(ctx context.Context, evt CommittedEvent) {
	if s.events == nil {
		return
	}
	body, err := json.Marshal(evt)
	if err != nil {
		s.log.Error("encode committed event", "err", err)
		return
	}
	if err := s.events.Publish(ctx, queue.Message{Type: queue.TypeAttendanceCommitted, Body: body}); err != nil {
		s.log.Warn("queue publish failed", "id", evt.ID, "err", err)
	}
}
