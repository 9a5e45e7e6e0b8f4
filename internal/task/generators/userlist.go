package generators

import (
	"context"
	"fmt"
	"strings"
	"time"

	"twicorder/internal/task"
)

// userLookupGenerator produces user_lookups tasks from plain-text files of
// user ids or screen names. Ids are batched 100 per task, the endpoint's cap
// per call.
type userLookupGenerator struct {
	projectDir  string
	namePattern string
	delimiter   string
	argKey      string
	byID        bool
}

func newUserLookupGenerator(deps Deps, kwargs map[string]string) (Generator, error) {
	pattern := kwargs["name_pattern"]
	if pattern == "" {
		return nil, fmt.Errorf("user_lookups generator needs a name_pattern")
	}
	method := kwargs["lookup_method"]
	argKey, err := lookupArgKey(method)
	if err != nil {
		return nil, err
	}
	return &userLookupGenerator{
		projectDir:  deps.ProjectDir,
		namePattern: pattern,
		delimiter:   kwargs["delimiter"],
		argKey:      argKey,
		byID:        argKey == "user_id",
	}, nil
}

func (g *userLookupGenerator) Name() string { return "user_lookups" }

func (g *userLookupGenerator) Generate(ctx context.Context) ([]task.Spec, error) {
	users, err := readUserPattern(g.projectDir, g.namePattern, g.delimiter)
	if err != nil {
		return nil, err
	}
	sorted := sortUsers(users, g.byID)
	if len(sorted) == 0 {
		return nil, fmt.Errorf("no user files match name pattern %q", g.namePattern)
	}

	const perTask = 100
	var specs []task.Spec
	for start := 0; start < len(sorted); start += perTask {
		end := start + perTask
		if end > len(sorted) {
			end = len(sorted)
		}
		specs = append(specs, task.Spec{
			Endpoint: "user_lookups",
			Args:     map[string]string{g.argKey: strings.Join(sorted[start:end], ",")},
			// One-shot tasks: the frequency only matters if a run fails and
			// the declaration is re-admitted.
			Frequency:  10000 * time.Minute,
			Iterations: 1,
			Output:     "user_lookups",
			Taskgen:    g.Name(),
		})
	}
	return specs, nil
}
