package attendance

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAlreadyMarked means a record for the same student, course and day
	// already exists.
	ErrAlreadyMarked = errors.New("attendance already marked for today")
	// ErrInvalidRecord is returned for records missing identity fields.
	ErrInvalidRecord = errors.New("invalid attendance record")
)

// CommitID identifies a persisted attendance record.
type CommitID string

// Date is a calendar date without time of day or zone.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar date of t in loc.
func DateOf(t time.Time, loc *time.Location) Date {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := t.In(loc).Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return Date{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return DateOf(t, time.UTC), nil
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

// IsZero reports whether d is unset.
func (d Date) IsZero() bool { return d == Date{} }

func (d Date) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Date) UnmarshalText(b []byte) error {
	parsed, err := ParseDate(string(b))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// Record is one committed attendance mark.
type Record struct {
	ID           CommitID  `json:"id"`
	StudentID    string    `json:"student_id"`
	StudentName  string    `json:"student_name"`
	StudentEmail string    `json:"student_email"`
	CourseCode   string    `json:"course_code"`
	Date         Date      `json:"date"`
	Timestamp    time.Time `json:"timestamp"`
	IsPresent    bool      `json:"is_present"`
}

// Key is the uniqueness key of a record.
type Key struct {
	StudentID  string
	CourseCode string
	Date       Date
}

func (r Record) Key() Key {
	return Key{StudentID: r.StudentID, CourseCode: r.CourseCode, Date: r.Date}
}

func (r Record) validate() error {
	if r.StudentID == "" || r.CourseCode == "" {
		return fmt.Errorf("%w: student and course required", ErrInvalidRecord)
	}
	if r.Date.IsZero() {
		return fmt.Errorf("%w: date required", ErrInvalidRecord)
	}
	return nil
}
