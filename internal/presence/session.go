package presence

import (
	"time"

	"geoattend/internal/attendance"
	"geoattend/internal/netid"
	"geoattend/internal/policy"
)

// State of a presence session.
type State string

const (
	NotStarted      State = "not_started"
	LocationUnknown State = "location_unknown"
	Eligible        State = "eligible"
	Ineligible      State = "ineligible"
	Verified        State = "verified"
	Committed       State = "committed"
)

// Session is one student's attempt to prove presence for one course on one
// day. StudentID, CourseID and Date together are its identity.
type Session struct {
	StudentID  string              `json:"student_id"`
	CourseID   string              `json:"course_id"`
	Date       attendance.Date     `json:"date"`
	State      State               `json:"state"`
	Policy     policy.Set          `json:"policy,omitempty"`
	Network    netid.Result        `json:"-"`
	Geo        GeoResult           `json:"-"`
	VerifiedAt *time.Time          `json:"verified_at,omitempty"`
	CommitID   attendance.CommitID `json:"commit_id,omitempty"`
}

func (s Session) same(studentID, courseID string, date attendance.Date) bool {
	return s.StudentID == studentID && s.CourseID == courseID && s.Date == date
}

// Student identifies who is marking attendance.
type Student struct {
	ID    string
	Name  string
	Email string
}
