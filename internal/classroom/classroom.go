package classroom

import (
	"errors"
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"geoattend/internal/geofence"
	"geoattend/internal/netid"
)

// ErrUnknownCourse is returned by Lookup for courses without a classroom.
var ErrUnknownCourse = errors.New("no classroom configured for course")

// Classroom is the read-only presence configuration of one course.
type Classroom struct {
	CourseID     string
	Name         string
	Boundary     geofence.Boundary
	AccessPoints netid.AllowList
}

// Catalog resolves a course to its classroom.
type Catalog interface {
	Lookup(courseID string) (Classroom, error)
}

// fileEntry mirrors one entry of the classrooms YAML file:
//
//	classrooms:
//	  - course_id: CS301
//	    name: Lab 2
//	    boundary: [[75.024145, 15.393461], ...]
//	    access_points: ["a4:2b:b0:11:22:33"]
type fileEntry struct {
	CourseID     string       `yaml:"course_id" validate:"required"`
	Name         string       `yaml:"name"`
	Boundary     [][2]float64 `yaml:"boundary" validate:"required,min=4"`
	AccessPoints []string     `yaml:"access_points" validate:"dive,required"`
}

type file struct {
	Classrooms []fileEntry `yaml:"classrooms" validate:"required,min=1,dive"`
}

// Static is an immutable in-memory Catalog.
type Static struct {
	rooms map[string]Classroom
}

// NewStatic validates rooms and indexes them by course.
func NewStatic(rooms ...Classroom) (*Static, error) {
	s := &Static{rooms: make(map[string]Classroom, len(rooms))}
	for _, r := range rooms {
		if err := r.Boundary.Validate(); err != nil {
			return nil, fmt.Errorf("classroom %s: %w", r.CourseID, err)
		}
		if _, dup := s.rooms[r.CourseID]; dup {
			return nil, fmt.Errorf("classroom %s configured twice", r.CourseID)
		}
		s.rooms[r.CourseID] = r
	}
	return s, nil
}

// Lookup returns the classroom for courseID.
func (s *Static) Lookup(courseID string) (Classroom, error) {
	r, ok := s.rooms[courseID]
	if !ok {
		return Classroom{}, fmt.Errorf("%w: %s", ErrUnknownCourse, courseID)
	}
	return r, nil
}

// Parse decodes and validates a classrooms YAML document.
func Parse(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode classrooms: %w", err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("validate classrooms: %w", err)
	}
	rooms := make([]Classroom, 0, len(f.Classrooms))
	for _, e := range f.Classrooms {
		rooms = append(rooms, Classroom{
			CourseID:     e.CourseID,
			Name:         e.Name,
			Boundary:     geofence.NewBoundary(e.Boundary),
			AccessPoints: netid.NewAllowList(e.AccessPoints...),
		})
	}
	return NewStatic(rooms...)
}

// Load reads a classrooms file from disk.
func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read classrooms: %w", err)
	}
	return Parse(data)
}
