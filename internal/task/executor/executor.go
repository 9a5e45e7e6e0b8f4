// Package executor drives a single task run: restore the cursor, page
// through the result set, commit each page, and report how the run ended.
//
// Commit order within a page is fixed: filter against the dedup store, write
// the survivors to the sink, then record their hashes and advance the cursor.
// Nothing durable happens before the records are on disk, so a run
// interrupted mid-page re-fetches that page and writes it on replay instead
// of silently dropping it.
package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"twicorder/internal/eventbus"
	"twicorder/internal/expand"
	"twicorder/internal/ratelimit"
	"twicorder/internal/sink"
	"twicorder/internal/storage"
	"twicorder/internal/task"
	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

// StopReason records why a run ended.
type StopReason string

const (
	// StopExhausted: the endpoint returned no further cursor.
	StopExhausted StopReason = "exhausted"
	// StopMaxRequests: the run hit its per-run page cap.
	StopMaxRequests StopReason = "max_requests"
	// StopMaxAge: the run paged back to results older than the configured age.
	StopMaxAge StopReason = "max_age"
	// StopFailed: the run aborted on an error.
	StopFailed StopReason = "failed"
)

// Outcome summarizes one completed run.
type Outcome struct {
	Pages    int
	Fetched  int
	Accepted int
	Stop     StopReason
	Duration time.Duration
}

// Options controls per-page retry behavior for transient errors.
type Options struct {
	RetryMax      int           // attempts after the first failure; default 3
	RetryBase     time.Duration // default 1s
	RetryMaxDelay time.Duration // default 15m
	RetryJitter   float64       // default 0.2
}

// Executor runs tasks. One Executor serves all concurrent runs.
type Executor struct {
	client   *twitter.Client
	store    storage.Store
	out      *sink.Sink
	limits   *ratelimit.Tracker
	expander *expand.Expander
	bus      eventbus.Bus
	log      logx.Logger
	opt      Options

	transientFailures atomic.Int64
}

func New(
	client *twitter.Client,
	store storage.Store,
	out *sink.Sink,
	limits *ratelimit.Tracker,
	expander *expand.Expander,
	bus eventbus.Bus,
	opt Options,
	log logx.Logger,
) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	if opt.RetryMax <= 0 {
		opt.RetryMax = 3
	}
	if opt.RetryBase <= 0 {
		opt.RetryBase = time.Second
	}
	if opt.RetryMaxDelay <= 0 {
		opt.RetryMaxDelay = 15 * time.Minute
	}
	return &Executor{
		client:   client,
		store:    store,
		out:      out,
		limits:   limits,
		expander: expander,
		bus:      bus,
		log:      log,
		opt:      opt,
	}
}

// TransientFailures reports the number of page fetches that failed and were
// retried since startup.
func (e *Executor) TransientFailures() int64 {
	return e.transientFailures.Load()
}

// Run executes one run of the task to completion or failure. A nil error
// means every fetched page was committed; on error, everything up to the
// last committed page is durable and the cursor points at the failure point.
func (e *Executor) Run(ctx context.Context, spec task.Spec) (Outcome, error) {
	started := time.Now()
	out := Outcome{}

	fail := func(err error) (Outcome, error) {
		out.Stop = StopFailed
		out.Duration = time.Since(started)
		e.publish(eventbus.TypeRunFinished, spec, out, err)
		return out, err
	}

	ep, ok := twitter.Lookup(spec.Endpoint)
	if !ok {
		return fail(fmt.Errorf("unknown endpoint %q", spec.Endpoint))
	}

	key := spec.IdentityKey()
	log := e.log.With(
		logx.String("task", key),
		logx.String("endpoint", spec.Endpoint),
	)

	cursor, _, err := e.store.Cursor(ctx, key)
	if err != nil {
		return fail(fmt.Errorf("restore cursor: %w", err))
	}
	if cursor != "" {
		log.Debug("resuming from persisted cursor")
	}

	e.publish(eventbus.TypeRunStarted, spec, out, nil)
	rng := rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(spec.Identity())))

	var cutoff time.Time
	if spec.MaxResultAge > 0 {
		cutoff = started.Add(-spec.MaxResultAge)
	}

	for {
		if spec.MaxRequestsPerRun > 0 && out.Pages >= spec.MaxRequestsPerRun {
			out.Stop = StopMaxRequests
			break
		}

		if err := e.reserve(ctx, spec, ep.Family()); err != nil {
			return fail(err)
		}

		page, err := e.fetchPage(ctx, ep, spec, cursor, rng, log)
		if err != nil {
			return fail(err)
		}
		if page.Rate.Known {
			e.limits.Observe(ep.Family(), page.Rate.Remaining, page.Rate.ResetAt)
		}

		if err := e.commitPage(ctx, spec, key, page, &out); err != nil {
			return fail(err)
		}
		out.Pages++
		cursor = page.NextCursor

		if cursor == "" {
			out.Stop = StopExhausted
			break
		}
		if !cutoff.IsZero() && pageReached(page, cutoff) {
			out.Stop = StopMaxAge
			break
		}
	}

	out.Duration = time.Since(started)
	log.Info("run finished",
		logx.String("stop", string(out.Stop)),
		logx.Int("pages", out.Pages),
		logx.Int("accepted", out.Accepted),
		logx.Duration("duration", out.Duration),
	)
	e.publish(eventbus.TypeRunFinished, spec, out, nil)
	return out, nil
}

// reserve blocks until the endpoint family's budget admits a call. The
// tracker never queues: a deferral tells us when the window resets and we
// simply try again then.
func (e *Executor) reserve(ctx context.Context, spec task.Spec, family string) error {
	for {
		res := e.limits.Reserve(family)
		if res.Granted {
			return nil
		}
		wait := time.Until(res.ResetAt)
		if wait < time.Second {
			wait = time.Second
		}
		e.publish(eventbus.TypeRunDeferred, spec, Outcome{}, nil)
		e.log.Debug("rate budget exhausted, deferring",
			logx.String("family", family),
			logx.Duration("wait", wait),
		)
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// fetchPage performs one endpoint call with the transient-retry policy.
// Fatal errors and context cancellation abort immediately.
func (e *Executor) fetchPage(
	ctx context.Context,
	ep twitter.Endpoint,
	spec task.Spec,
	cursor string,
	rng *rand.Rand,
	log logx.Logger,
) (*twitter.Page, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		page, err := ep.Fetch(ctx, e.client, spec.Args, cursor)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if twitter.IsFatal(err) {
			return nil, err
		}
		lastErr = err
		e.transientFailures.Add(1)
		if attempt >= e.opt.RetryMax {
			return nil, fmt.Errorf("page fetch failed after %d attempts: %w", attempt+1, lastErr)
		}
		delay := backoffDelayWithHint(e.opt, attempt+1, err, rng)
		log.Warn("page fetch failed, retrying",
			logx.Int("attempt", attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		if serr := sleep(ctx, delay); serr != nil {
			return nil, serr
		}
	}
}

// commitPage filters the page against the dedup store, writes survivors to
// the sink, records their hashes and advances the cursor. Partial pages never
// commit: any error before the hashes are recorded leaves the store untouched,
// so a replay re-evaluates the whole page.
func (e *Executor) commitPage(ctx context.Context, spec task.Spec, key string, page *twitter.Page, out *Outcome) error {
	now := time.Now()
	out.Fetched += len(page.Records)

	fresh := make([]twitter.Record, 0, len(page.Records))
	for _, rec := range page.Records {
		seen, err := e.store.HasHash(ctx, task.ContentHash(spec.Endpoint, rec.ID))
		if err != nil {
			return fmt.Errorf("dedup: %w", err)
		}
		if !seen {
			fresh = append(fresh, rec)
		}
	}

	if len(fresh) > 0 {
		if e.expander != nil {
			expanded, err := e.expander.ExpandMentions(ctx, fresh)
			if err != nil {
				return fmt.Errorf("expand mentions: %w", err)
			}
			fresh = expanded
		}
		if spec.Output != "" {
			if _, err := e.out.WriteBatch(ctx, spec.Output, fresh); err != nil {
				return fmt.Errorf("write batch: %w", err)
			}
		}
		// Hashes are recorded only now that the batch is on disk. A record
		// whose accept loses to a concurrent run was recorded by whichever
		// run wrote it first.
		for _, rec := range fresh {
			won, err := e.store.AcceptHash(ctx, task.ContentHash(spec.Endpoint, rec.ID), now)
			if err != nil {
				return fmt.Errorf("dedup: %w", err)
			}
			if won {
				out.Accepted++
			}
		}
	}

	if err := e.store.SetCursor(ctx, key, page.NextCursor); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}
	return nil
}

// pageReached reports whether the page contains results at or past cutoff,
// i.e. the run has paged far enough back in time.
func pageReached(page *twitter.Page, cutoff time.Time) bool {
	for _, rec := range page.Records {
		if !rec.CreatedAt.IsZero() && rec.CreatedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

func (e *Executor) publish(typ string, spec task.Spec, out Outcome, err error) {
	if e.bus == nil {
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
	e.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: ev})
}

// IsFatalRunError reports whether a run error should mark the task Failed
// rather than leaving it scheduled. Context cancellation is not a task
// failure: the process is shutting down.
func IsFatalRunError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return twitter.IsFatal(err)
}
