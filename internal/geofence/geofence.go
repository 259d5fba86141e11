package geofence

import (
	"errors"
	"fmt"
)

// ErrInvalidBoundary is returned for polygons that are too short, not
// closed, degenerate or self-intersecting.
var ErrInvalidBoundary = errors.New("invalid boundary")

// Coordinate is a WGS84 position. Longitude always comes first.
type Coordinate struct {
	Lng float64 `json:"lng" yaml:"lng"`
	Lat float64 `json:"lat" yaml:"lat"`
}

// Boundary is a closed polygon ring: first and last points are identical.
type Boundary []Coordinate

// NewBoundary builds a boundary from [lng, lat] pairs as they appear in
// GeoJSON and in the classroom config file.
func NewBoundary(pairs [][2]float64) Boundary {
	b := make(Boundary, len(pairs))
	for i, p := range pairs {
		b[i] = Coordinate{Lng: p[0], Lat: p[1]}
	}
	return b
}

// Validate checks that the ring has at least 4 points, is closed and is a
// simple polygon with non-zero area.
func (b Boundary) Validate() error {
	if len(b) < 4 {
		return fmt.Errorf("%w: need at least 4 points, got %d", ErrInvalidBoundary, len(b))
	}
	if b[0] != b[len(b)-1] {
		return fmt.Errorf("%w: ring is not closed", ErrInvalidBoundary)
	}
	edges := len(b) - 1
	for i := 0; i < edges; i++ {
		if b[i] == b[i+1] {
			return fmt.Errorf("%w: repeated vertex at %d", ErrInvalidBoundary, i)
		}
	}
	if area(b) == 0 {
		return fmt.Errorf("%w: ring has zero area", ErrInvalidBoundary)
	}
	for i := 0; i < edges; i++ {
		for j := i + 1; j < edges; j++ {
			// adjacent edges share a vertex, including the closing pair
			if j == i+1 || (i == 0 && j == edges-1) {
				continue
			}
			if segmentsIntersect(b[i], b[i+1], b[j], b[j+1]) {
				return fmt.Errorf("%w: edges %d and %d intersect", ErrInvalidBoundary, i, j)
			}
		}
	}
	return nil
}

// area is the shoelace sum of a closed ring, doubled and signed.
func area(b Boundary) float64 {
	var sum float64
	for i := 0; i < len(b)-1; i++ {
		sum += b[i].Lng*b[i+1].Lat - b[i+1].Lng*b[i].Lat
	}
	return sum
}

// Contains reports whether p lies inside b. Points on an edge or a vertex
// count as inside.
func Contains(p Coordinate, b Boundary) (bool, error) {
	if err := b.Validate(); err != nil {
		return false, err
	}
	return contains(p, b), nil
}

func contains(p Coordinate, b Boundary) bool {
	inside := false
	for i, j := 0, len(b)-2; i < len(b)-1; j, i = i, i+1 {
		a, c := b[i], b[j]
		if onSegment(a, c, p) {
			return true
		}
		if (a.Lat > p.Lat) != (c.Lat > p.Lat) {
			x := (c.Lng-a.Lng)*(p.Lat-a.Lat)/(c.Lat-a.Lat) + a.Lng
			if p.Lng < x {
				inside = !inside
			}
		}
	}
	return inside
}

func cross(o, a, b Coordinate) float64 {
	return (a.Lng-o.Lng)*(b.Lat-o.Lat) - (a.Lat-o.Lat)*(b.Lng-o.Lng)
}

func onSegment(a, b, p Coordinate) bool {
	if cross(a, b, p) != 0 {
		return false
	}
	return min(a.Lng, b.Lng) <= p.Lng && p.Lng <= max(a.Lng, b.Lng) &&
		min(a.Lat, b.Lat) <= p.Lat && p.Lat <= max(a.Lat, b.Lat)
}

func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func segmentsIntersect(p1, p2, q1, q2 Coordinate) bool {
	d1 := sign(cross(q1, q2, p1))
	d2 := sign(cross(q1, q2, p2))
	d3 := sign(cross(p1, p2, q1))
	d4 := sign(cross(p1, p2, q2))
	if d1 != d2 && d3 != d4 && d1 != 0 && d2 != 0 && d3 != 0 && d4 != 0 {
		return true
	}
	return (d1 == 0 && onSegment(q1, q2, p1)) ||
		(d2 == 0 && onSegment(q1, q2, p2)) ||
		(d3 == 0 && onSegment(p1, p2, q1)) ||
		(d4 == 0 && onSegment(p1, p2, q2))
}
