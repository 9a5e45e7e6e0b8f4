// Package scheduler owns the task pool: admission, due-time bookkeeping and
// dispatch under a global concurrency ceiling.
//
// Dispatch is driven by Tick, which examines the pool at an explicit instant
// and starts every due task a permit is available for. The periodic loop in
// Run is just a clock feeding Tick; all scheduling decisions are functions of
// the pool and the given time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"twicorder/internal/eventbus"
	"twicorder/internal/task"
	"twicorder/internal/task/executor"
	logx "twicorder/pkg/logx"
)

// Runner executes a single task run.
type Runner interface {
	Run(ctx context.Context, spec task.Spec) (executor.Outcome, error)
}

type Options struct {
	// Concurrency is the ceiling on simultaneously running tasks. Default 4.
	Concurrency int

	// TickInterval is the pool examination period. Default 15s.
	TickInterval time.Duration

	// ShutdownGrace is how long in-flight runs get to finish once the parent
	// context is canceled. Default 30s.
	ShutdownGrace time.Duration

	// OnDone, when set, is called once per task as it transitions to Done.
	OnDone func(spec task.Spec)
}

type entry struct {
	spec    task.Spec
	status  task.Status
	nextDue time.Time
	runs    int
	lastErr error
}

type Scheduler struct {
	runner Runner
	bus    eventbus.Bus
	log    logx.Logger
	opt    Options

	permits chan struct{}
	wg      sync.WaitGroup

	mu    sync.Mutex
	tasks map[uint64]*entry

	runMu   sync.Mutex
	running map[uint64]context.CancelFunc
}

func New(runner Runner, bus eventbus.Bus, opt Options, log logx.Logger) *Scheduler {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 4
	}
	if opt.TickInterval <= 0 {
		opt.TickInterval = 15 * time.Second
	}
	if opt.ShutdownGrace <= 0 {
		opt.ShutdownGrace = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Scheduler{
		runner:  runner,
		bus:     bus,
		log:     log,
		opt:     opt,
		permits: make(chan struct{}, opt.Concurrency),
		tasks:   make(map[uint64]*entry),
		running: make(map[uint64]context.CancelFunc),
	}
}

// Admit adds a task to the pool or refreshes an existing one. Admission is
// idempotent by task identity: re-admitting an already-known declaration
// updates its cadence and caps but never resets its run count or lifecycle
// state, so generator refreshes are safe to repeat.
//
// A newly admitted task is due immediately.
func (s *Scheduler) Admit(spec task.Spec) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}
	id := spec.Identity()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.tasks[id]; ok {
		e.spec = spec
		return false, nil
	}
	s.tasks[id] = &entry{
		spec:    spec,
		status:  task.StatusPending,
		nextDue: time.Now(),
	}
	s.log.Info("task admitted",
		logx.String("task", spec.IdentityKey()),
		logx.String("endpoint", spec.Endpoint),
		logx.String("taskgen", spec.Taskgen),
		logx.Duration("frequency", spec.Frequency),
		logx.Int("iterations", spec.Iterations),
	)
	s.publish(eventbus.TypeTaskAdmitted, spec, executor.Outcome{}, nil)
	return true, nil
}

// AdmitAll admits a batch and reports how many were new.
func (s *Scheduler) AdmitAll(specs []task.Spec) (int, error) {
	added := 0
	for _, spec := range specs {
		ok, err := s.Admit(spec)
		if err != nil {
			return added, fmt.Errorf("admit %s: %w", spec.Endpoint, err)
		}
		if ok {
			added++
		}
	}
	return added, nil
}

// Tick dispatches every task due at now for which a permit is available.
// Due tasks start earliest-due first; equal due times break by identity so
// two pools with the same state dispatch in the same order. Returns the
// number of runs started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	s.mu.Lock()
	due := make([]*entry, 0, len(s.tasks))
	for _, e := range s.tasks {
		if e.status == task.StatusPending && !e.nextDue.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].nextDue.Equal(due[j].nextDue) {
			return due[i].nextDue.Before(due[j].nextDue)
		}
		return due[i].spec.Identity() < due[j].spec.Identity()
	})

	started := 0
	for _, e := range due {
		select {
		case s.permits <- struct{}{}:
		default:
			// Ceiling reached. The rest stay due and win a permit on a later
			// tick.
			s.mu.Unlock()
			return started
		}
		e.status = task.StatusRunning
		e.nextDue = now.Add(e.spec.Frequency)
		// Runs get a context detached from the tick context: canceling the
		// scheduler stops new dispatches immediately, but an in-flight run may
		// finish its current page within the shutdown grace.
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		s.runMu.Lock()
		s.running[e.spec.Identity()] = cancel
		s.runMu.Unlock()
		s.wg.Add(1)
		go s.run(runCtx, e.spec)
		started++
	}
	s.mu.Unlock()
	return started
}

func (s *Scheduler) run(ctx context.Context, spec task.Spec) {
	defer s.wg.Done()
	defer func() { <-s.permits }()
	defer s.finishRun(spec.Identity())

	outcome, err := s.runner.Run(ctx, spec)
	s.settle(spec, outcome, err)
}

func (s *Scheduler) finishRun(id uint64) {
	s.runMu.Lock()
	cancel := s.running[id]
	delete(s.running, id)
	s.runMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// abortRuns cancels every in-flight run. Called when the shutdown grace
// expires with runs still going.
func (s *Scheduler) abortRuns() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	for _, cancel := range s.running {
		cancel()
	}
}

// settle applies a finished run to the task's lifecycle state.
func (s *Scheduler) settle(spec task.Spec, outcome executor.Outcome, err error) {
	id := spec.Identity()
	key := spec.IdentityKey()

	s.mu.Lock()
	e, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}

	switch {
	case err == nil:
		e.runs++
		e.lastErr = nil
		if e.spec.Iterations > 0 && e.runs >= e.spec.Iterations {
			e.status = task.StatusDone
		} else {
			e.status = task.StatusPending
		}
	case ctxErr(err):
		// Shutdown, not a task failure. The run resumes from its persisted
		// cursor next session.
		e.status = task.StatusPending
	case executor.IsFatalRunError(err):
		e.status = task.StatusFailed
		e.lastErr = err
	default:
		// Transient budget exhausted for this run; the task stays scheduled.
		e.status = task.StatusPending
		e.lastErr = err
	}
	status := e.status
	runs := e.runs
	s.mu.Unlock()

	switch status {
	case task.StatusDone:
		s.log.Info("task done",
			logx.String("task", key),
			logx.String("endpoint", spec.Endpoint),
			logx.Int("runs", runs),
		)
		s.publish(eventbus.TypeTaskDone, spec, outcome, nil)
		if s.opt.OnDone != nil {
			s.opt.OnDone(spec)
		}
	case task.StatusFailed:
		s.log.Error("task failed",
			logx.String("task", key),
			logx.String("endpoint", spec.Endpoint),
			logx.Err(err),
		)
		s.publish(eventbus.TypeTaskFailed, spec, outcome, err)
	default:
		if err != nil && !ctxErr(err) {
			s.log.Warn("run failed, task stays scheduled",
				logx.String("task", key),
				logx.Err(err),
			)
		}
	}
}

// Run drives Tick until ctx is canceled, then drains in-flight runs within
// the shutdown grace period.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opt.TickInterval)
	defer ticker.Stop()

	// First examination happens immediately, not one interval in.
	s.Tick(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return s.drain()
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

// drain waits up to ShutdownGrace for running tasks to finish their current
// page and settle, then aborts whatever is still going.
func (s *Scheduler) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(s.opt.ShutdownGrace):
		s.log.Warn("shutdown grace expired, aborting runs in flight",
			logx.Duration("grace", s.opt.ShutdownGrace),
		)
		s.abortRuns()
		<-done
		return nil
	}
}

func (s *Scheduler) publish(typ string, spec task.Spec, out executor.Outcome, err error) {
	if s.bus == nil {
		return
	}
	ev := eventbus.RunEvent{
		Task:     spec.IdentityKey(),
		Endpoint: spec.Endpoint,
		Pages:    out.Pages,
		Accepted: out.Accepted,
		Duration: out.Duration,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

func ctxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
