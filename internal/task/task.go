// Package task defines the recurring task specification and its lifecycle.
//
// A task is a standing instruction: query one endpoint with fixed arguments
// on a fixed cadence, and record the results under an output path. The
// scheduler owns lifecycle state; the executor owns a single run.
package task

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"time"
)

// Status is a task's lifecycle state.
type Status int

const (
	StatusPending Status = iota
	StatusRunning
	StatusDone
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusDone:
		return "done"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Spec is one task declaration. Specs are value types: the scheduler copies
// them on admission and never mutates the caller's copy.
type Spec struct {
	// Endpoint is the registered endpoint name, e.g. "user_timeline".
	Endpoint string

	// Args are endpoint keyword arguments, forwarded verbatim.
	Args map[string]string

	// Frequency is the interval between run starts.
	Frequency time.Duration

	// Iterations caps the number of runs. 0 runs the task indefinitely.
	Iterations int

	// Output is the sink path results are recorded under, relative to the
	// output root.
	Output string

	// MaxRequestsPerRun caps the pages fetched in a single run. 0 means no
	// cap.
	MaxRequestsPerRun int

	// MaxResultAge stops a run once it pages back to results older than this.
	// 0 disables the age stop.
	MaxResultAge time.Duration

	// Taskgen names the generator that produced the spec.
	Taskgen string
}

func (s Spec) Validate() error {
	if s.Endpoint == "" {
		return errors.New("task endpoint is required")
	}
	if s.Frequency <= 0 {
		return errors.New("task frequency must be positive")
	}
	if s.Iterations < 0 {
		return errors.New("task iterations must not be negative")
	}
	return nil
}

// Identity is the task's stable identity: endpoint, canonicalized arguments
// and output path. Cadence and caps deliberately stay out, so re-admitting a
// declaration with a new frequency updates the task instead of duplicating it.
func (s Spec) Identity() uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s.Endpoint))
	_, _ = h.Write([]byte{0})

	keys := make([]string, 0, len(s.Args))
	for k := range s.Args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = h.Write([]byte(k))
		_, _ = h.Write([]byte{'='})
		_, _ = h.Write([]byte(s.Args[k]))
		_, _ = h.Write([]byte{0})
	}

	_, _ = h.Write([]byte(s.Output))
	return h.Sum64()
}

// IdentityKey is Identity rendered for storage keys and log fields.
func (s Spec) IdentityKey() string {
	return fmt.Sprintf("%016x", s.Identity())
}

// ContentHash keys one result record for deduplication. Scoped by endpoint
// name so equal ids from different endpoints never collide.
func ContentHash(endpoint, recordID string) string {
	return endpoint + ":" + recordID
}
