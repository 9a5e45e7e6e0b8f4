// Package generators turns declarations into task specifications.
//
// A generator is re-runnable: Generate returns the full set of tasks it
// currently wants scheduled, and admission dedup in the scheduler makes
// re-admitting an unchanged set a no-op.
package generators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"twicorder/internal/storage"
	"twicorder/internal/task"
	logx "twicorder/pkg/logx"
)

// Generator produces task specs.
type Generator interface {
	Name() string
	Generate(ctx context.Context) ([]task.Spec, error)
}

// Deps is what a generator may draw on.
type Deps struct {
	Store      storage.Store
	ProjectDir string
	TaskFile   string
	Log        logx.Logger
}

// Factory builds a generator from its declaration kwargs.
type Factory func(deps Deps, kwargs map[string]string) (Generator, error)

var factories = map[string]Factory{
	"config":        newConfigGenerator,
	"user_lookups":  newUserLookupGenerator,
	"user_timeline": newUserTimelineGenerator,
}

// New builds a registered generator by name.
func New(name string, deps Deps, kwargs map[string]string) (Generator, error) {
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown task generator %q", name)
	}
	return f(deps, kwargs)
}

// Names lists registered generator names in stable order.
func Names() []string {
	out := make([]string, 0, len(factories))
	for name := range factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// readUserPattern collects user ids or names from every file matching the
// glob pattern. Relative patterns resolve against the project directory.
func readUserPattern(projectDir, pattern, delimiter string) (map[string]struct{}, error) {
	if delimiter == "" {
		delimiter = "\n"
	}
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(projectDir, pattern)
	}
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, fmt.Errorf("bad name pattern %q: %w", pattern, err)
	}
	users := map[string]struct{}{}
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		for _, entry := range strings.Split(string(data), delimiter) {
			entry = strings.TrimSpace(entry)
			if entry != "" {
				users[entry] = struct{}{}
			}
		}
	}
	return users, nil
}

// sortUsers orders a user set for stable task generation: numerically for
// ids, lexically for screen names.
func sortUsers(users map[string]struct{}, byID bool) []string {
	out := make([]string, 0, len(users))
	for u := range users {
		out = append(out, u)
	}
	if byID {
		sort.Slice(out, func(i, j int) bool {
			a, aerr := strconv.ParseUint(out[i], 10, 64)
			b, berr := strconv.ParseUint(out[j], 10, 64)
			if aerr != nil || berr != nil {
				return out[i] < out[j]
			}
			return a < b
		})
	} else {
		sort.Strings(out)
	}
	return out
}

const (
	lookupByID   = "id"
	lookupByName = "username"
)

// lookupArgKey maps the lookup method to the endpoint argument it fills.
func lookupArgKey(method string) (string, error) {
	switch method {
	case "", lookupByID:
		return "user_id", nil
	case lookupByName:
		return "screen_name", nil
	default:
		return "", fmt.Errorf("unknown lookup method %q", method)
	}
}
