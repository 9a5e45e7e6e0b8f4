package generators

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "go.yaml.in/yaml/v3"

	"twicorder/internal/task"
	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

const (
	defaultFrequency = 15 * time.Minute
)

// configGenerator reads the task declaration file: a YAML mapping of
// endpoint name to a list of task entries.
//
//	user_timeline:
//	  - frequency: 15              # minutes between runs
//	    iterations: 1              # 0 repeats indefinitely
//	    output: "github/timeline"
//	    kwargs:
//	      screen_name: "github"
type configGenerator struct {
	path string
	log  logx.Logger
}

func newConfigGenerator(deps Deps, kwargs map[string]string) (Generator, error) {
	path := kwargs["task_file"]
	if path == "" {
		path = deps.TaskFile
	}
	if path == "" {
		return nil, fmt.Errorf("config generator needs a task file")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(deps.ProjectDir, path)
	}
	return &configGenerator{path: path, log: deps.Log}, nil
}

func (g *configGenerator) Name() string { return "config" }

type taskEntry struct {
	Frequency    int               `yaml:"frequency"`
	Iterations   int               `yaml:"iterations"`
	Output       string            `yaml:"output"`
	MaxRequests  int               `yaml:"max_requests"`
	MaxResultAge string            `yaml:"max_result_age"`
	Kwargs       map[string]string `yaml:"kwargs"`
}

func (g *configGenerator) Generate(ctx context.Context) ([]task.Spec, error) {
	data, err := os.ReadFile(g.path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}

	var raw map[string][]taskEntry
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("parse task file %s: %w", g.path, err)
	}

	var specs []task.Spec
	for endpoint, entries := range raw {
		if _, ok := twitter.Lookup(endpoint); !ok {
			return nil, fmt.Errorf("task file %s: unknown endpoint %q", g.path, endpoint)
		}
		for _, entry := range entries {
			spec := task.Spec{
				Endpoint:          endpoint,
				Args:              entry.Kwargs,
				Frequency:         defaultFrequency,
				Iterations:        entry.Iterations,
				Output:            entry.Output,
				MaxRequestsPerRun: entry.MaxRequests,
				Taskgen:           g.Name(),
			}
			if entry.Frequency > 0 {
				spec.Frequency = time.Duration(entry.Frequency) * time.Minute
			}
			if spec.Output == "" {
				spec.Output = endpoint
			}
			if entry.MaxResultAge != "" {
				age, err := time.ParseDuration(entry.MaxResultAge)
				if err != nil {
					return nil, fmt.Errorf("task file %s: bad max_result_age %q: %w", g.path, entry.MaxResultAge, err)
				}
				spec.MaxResultAge = age
			}
			if err := spec.Validate(); err != nil {
				return nil, fmt.Errorf("task file %s: %w", g.path, err)
			}
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("task file %s declares no tasks", g.path)
	}
	g.log.Debug("loaded task declarations",
		logx.String("path", g.path),
		logx.Int("tasks", len(specs)),
	)
	return specs, nil
}
