package scheduler

import (
	"sort"
	"time"

	"twicorder/internal/task"
)

// TaskInfo is a point-in-time view of one pool entry.
type TaskInfo struct {
	Task      string      `json:"task"`
	Endpoint  string      `json:"endpoint"`
	Taskgen   string      `json:"taskgen,omitempty"`
	Status    task.Status `json:"-"`
	StatusStr string      `json:"status"`
	Runs      int         `json:"runs"`
	NextDue   time.Time   `json:"next_due"`
	LastError string      `json:"last_error,omitempty"`
}

// Snapshot lists the pool, ordered by identity, for logs and diagnostics.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, e := range s.tasks {
		info := TaskInfo{
			Task:      e.spec.IdentityKey(),
			Endpoint:  e.spec.Endpoint,
			Taskgen:   e.spec.Taskgen,
			Status:    e.status,
			StatusStr: e.status.String(),
			Runs:      e.runs,
			NextDue:   e.nextDue,
		}
		if e.lastErr != nil {
			info.LastError = e.lastErr.Error()
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Task < out[j].Task })
	return out
}

// Counts tallies pool entries per lifecycle state.
func (s *Scheduler) Counts() map[task.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[task.Status]int, 4)
	for _, e := range s.tasks {
		out[e.status]++
	}
	return out
}

// AllSettled reports whether no task is pending or running, i.e. every
// admitted task has reached Done or Failed.
func (s *Scheduler) AllSettled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.tasks {
		if e.status == task.StatusPending || e.status == task.StatusRunning {
			return false
		}
	}
	return len(s.tasks) > 0
}
