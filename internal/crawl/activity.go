package crawl

import (
	"sync"
	"time"
)

// ActiveOp is one crawl operation in flight.
type ActiveOp struct {
	Op        Op        `json:"op"`
	Target    string    `json:"target,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Activity is a point-in-time view of what the crawler is doing, served by
// the API without touching the database.
type Activity struct {
	Running   bool       `json:"running"`
	Ops       []ActiveOp `json:"ops,omitempty"`
	RunningAs string     `json:"running_as"`
}

// Tracker records in-flight operations. Begin/end come only from the
// orchestrator; everyone else reads snapshots.
type Tracker struct {
	mu        sync.Mutex
	ops       map[Op]ActiveOp
	runningAs string
}

// NewTracker builds an idle tracker.
func NewTracker() *Tracker {
	return &Tracker{ops: make(map[Op]ActiveOp), runningAs: "guest"}
}

// SetRunningAs publishes the session identity ("member" or "guest").
func (t *Tracker) SetRunningAs(identity string) {
	t.mu.Lock()
	t.runningAs = identity
	t.mu.Unlock()
}

// begin marks op running and returns its end func.
func (t *Tracker) begin(op Op, target string) func() {
	t.mu.Lock()
	t.ops[op] = ActiveOp{Op: op, Target: target, StartedAt: time.Now().UTC()}
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.ops, op)
		t.mu.Unlock()
	}
}

// Snapshot returns the current activity.
func (t *Tracker) Snapshot() Activity {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Activity{Running: len(t.ops) > 0, RunningAs: t.runningAs}
	for _, op := range t.ops {
		out.Ops = append(out.Ops, op)
	}
	return out
}
