package timing

import (
	"slices"
	"sync"
	"time"
)

// Stage is the measured wall time of one pipeline stage.
type Stage struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
}

// Recorder collects stage timings for a single run. It is safe for
// concurrent use.
type Recorder struct {
	mu     sync.Mutex
	now    func() time.Time
	stages map[string]time.Duration
	order  []string
}

// NewRecorder returns an empty recorder using the wall clock.
func NewRecorder() *Recorder {
	return &Recorder{now: time.Now, stages: map[string]time.Duration{}}
}

// Start begins timing name. The returned func stops the timer; calling it
// more than once adds nothing.
func (r *Recorder) Start(name string) func() {
	if r == nil {
		return func() {}
	}
	begin := r.now()
	var once sync.Once
	return func() {
		once.Do(func() { r.Add(name, r.now().Sub(begin)) })
	}
}

// Add adds d to the total of name.
func (r *Recorder) Add(name string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.stages[name]; !ok {
		r.order = append(r.order, name)
	}
	r.stages[name] += d
}

// Stages returns the recorded stages in first-start order.
func (r *Recorder) Stages() []Stage {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Stage, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, Stage{Name: name, Duration: r.stages[name]})
	}
	return out
}

// Slowest returns the stage with the largest total, or false if nothing was
// recorded.
func (r *Recorder) Slowest() (Stage, bool) {
	stages := r.Stages()
	if len(stages) == 0 {
		return Stage{}, false
	}
	return slices.MaxFunc(stages, func(a, b Stage) int {
		return int(a.Duration - b.Duration)
	}), true
}
