package presence

import (
	"sync"
	"time"
)

// Registry keeps one flow per student.
type Registry struct {
	engine *Engine

	mu    sync.Mutex
	flows map[string]*Flow
	seen  map[string]time.Time
}

func NewRegistry(engine *Engine) *Registry {
	return &Registry{engine: engine, flows: make(map[string]*Flow), seen: make(map[string]time.Time)}
}

// Open returns the student's flow, creating it on first use. A flow opened
// for a different platform is closed and replaced.
func (r *Registry) Open(studentID string, dev Device) *Flow {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[studentID] = r.engine.opts.Now()
	if f, ok := r.flows[studentID]; ok {
		if f.device.Platform == dev.Platform {
			return f
		}
		f.Close()
	}
	f := r.engine.NewFlow(dev)
	r.flows[studentID] = f
	return f
}

// Get returns the student's flow if one is open.
func (r *Registry) Get(studentID string) (*Flow, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[studentID]
	if ok {
		r.seen[studentID] = r.engine.opts.Now()
	}
	return f, ok
}

// Has reports whether the student has an open flow.
func (r *Registry) Has(studentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flows[studentID]
	return ok
}

// Drop closes and forgets the student's flow.
func (r *Registry) Drop(studentID string) {
	r.mu.Lock()
	f, ok := r.flows[studentID]
	delete(r.flows, studentID)
	delete(r.seen, studentID)
	r.mu.Unlock()
	if ok {
		f.Close()
	}
}

// DropCourse closes the flows whose session is for courseID and returns
// the students they belonged to.
func (r *Registry) DropCourse(courseID string) []string {
	return r.dropWhere(func(_ string, f *Flow) bool {
		return f.Snapshot().CourseID == courseID
	})
}

// Sweep closes the flows not used for longer than idle, unless a step is
// running, and returns the students they belonged to.
func (r *Registry) Sweep(idle time.Duration) []string {
	cutoff := r.engine.opts.Now().Add(-idle)
	return r.dropWhere(func(studentID string, f *Flow) bool {
		return r.seen[studentID].Before(cutoff) && !f.running()
	})
}

// Len returns the number of open flows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

func (r *Registry) dropWhere(match func(studentID string, f *Flow) bool) []string {
	r.mu.Lock()
	var (
		dropped []string
		closing []*Flow
	)
	for id, f := range r.flows {
		if match(id, f) {
			dropped = append(dropped, id)
			closing = append(closing, f)
			delete(r.flows, id)
			delete(r.seen, id)
		}
	}
	r.mu.Unlock()
	for _, f := range closing {
		f.Close()
	}
	return dropped
}

// Close closes every flow.
func (r *Registry) Close() {
	r.mu.Lock()
	flows := r.flows
	r.flows = make(map[string]*Flow)
	r.seen = make(map[string]time.Time)
	r.mu.Unlock()
	for _, f := range flows {
		f.Close()
	}
}
