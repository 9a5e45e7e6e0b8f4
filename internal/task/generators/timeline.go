package generators

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"twicorder/internal/storage"
	"twicorder/internal/task"
)

// userTimelineGenerator produces one user_timeline task per user listed in
// files matching the name pattern. Users whose timelines were already
// crawled in a previous session are skipped via the generator bookkeeping in
// the store.
//
// Exactly one of max_requests and max_age bounds each task: pages fetched
// per run, or how far back in time a run reaches.
type userTimelineGenerator struct {
	store       storage.Store
	projectDir  string
	namePattern string
	delimiter   string
	argKey      string
	byID        bool
	maxRequests int
	maxAge      time.Duration
}

func newUserTimelineGenerator(deps Deps, kwargs map[string]string) (Generator, error) {
	pattern := kwargs["name_pattern"]
	if pattern == "" {
		return nil, fmt.Errorf("user_timeline generator needs a name_pattern")
	}
	argKey, err := lookupArgKey(kwargs["lookup_method"])
	if err != nil {
		return nil, err
	}

	g := &userTimelineGenerator{
		store:       deps.Store,
		projectDir:  deps.ProjectDir,
		namePattern: pattern,
		delimiter:   kwargs["delimiter"],
		argKey:      argKey,
		byID:        argKey == "user_id",
	}
	if v := kwargs["max_requests"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("bad max_requests %q", v)
		}
		g.maxRequests = n
	}
	if v := kwargs["max_age"]; v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			return nil, fmt.Errorf("bad max_age %q (days)", v)
		}
		g.maxAge = time.Duration(days) * 24 * time.Hour
	}
	if g.maxRequests > 0 && g.maxAge > 0 {
		return nil, fmt.Errorf("max_requests and max_age are mutually exclusive")
	}
	return g, nil
}

func (g *userTimelineGenerator) Name() string { return "user_timeline" }

func (g *userTimelineGenerator) Generate(ctx context.Context) ([]task.Spec, error) {
	users, err := readUserPattern(g.projectDir, g.namePattern, g.delimiter)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("no user files match name pattern %q", g.namePattern)
	}

	// Skip users handled in a previous session.
	done, err := g.store.GeneratorIDs(ctx, g.Name())
	if err != nil {
		return nil, err
	}
	for _, id := range done {
		delete(users, id)
	}

	var specs []task.Spec
	for _, user := range sortUsers(users, g.byID) {
		specs = append(specs, task.Spec{
			Endpoint:          "user_timeline",
			Args:              map[string]string{g.argKey: user},
			Frequency:         10000 * time.Minute,
			Iterations:        1,
			Output:            "user_timelines/" + user,
			MaxRequestsPerRun: g.maxRequests,
			MaxResultAge:      g.maxAge,
			Taskgen:           g.Name(),
		})
	}
	return specs, nil
}
