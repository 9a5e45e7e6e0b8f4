package generators

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"twicorder/internal/storage"
	logx "twicorder/pkg/logx"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func testDeps(t *testing.T, dir string) Deps {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "appdata.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return Deps{Store: st, ProjectDir: dir, TaskFile: "tasks.yaml", Log: logx.Nop()}
}

func TestConfigGeneratorParsesTaskFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "tasks.yaml", `
user_timeline:
  - frequency: 15
    iterations: 1
    output: "github/timeline"
    kwargs:
      screen_name: "github"
  - iterations: 0
    kwargs:
      screen_name: "nasa"
free_search:
  - frequency: 60
    max_requests: 5
    max_result_age: "168h"
    output: "search/golang"
    kwargs:
      q: "golang"
`)
	gen, err := New("config", testDeps(t, dir), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs, err := gen.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d specs, want 3", len(specs))
	}

	byOutput := map[string]int{}
	for i, s := range specs {
		byOutput[s.Output] = i
	}

	github := specs[byOutput["github/timeline"]]
	if github.Frequency != 15*time.Minute || github.Iterations != 1 {
		t.Fatalf("github spec = %+v", github)
	}
	if github.Taskgen != "config" {
		t.Fatalf("Taskgen = %q", github.Taskgen)
	}

	// Omitted fields fall back: frequency 15 minutes, output = endpoint name.
	nasa := specs[byOutput["user_timeline"]]
	if nasa.Frequency != 15*time.Minute || nasa.Iterations != 0 {
		t.Fatalf("nasa spec = %+v", nasa)
	}

	search := specs[byOutput["search/golang"]]
	if search.Frequency != time.Hour || search.MaxRequestsPerRun != 5 {
		t.Fatalf("search spec = %+v", search)
	}
	if search.MaxResultAge != 168*time.Hour {
		t.Fatalf("MaxResultAge = %v", search.MaxResultAge)
	}
}

func TestConfigGeneratorRejectsUnknownEndpoint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "tasks.yaml", "no_such_endpoint:\n  - output: x\n")
	gen, err := New("config", testDeps(t, dir), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := gen.Generate(context.Background()); err == nil {
		t.Fatal("expected error for unknown endpoint")
	}
}

func TestConfigGeneratorRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "tasks.yaml", "free_search:\n  - frequenzy: 15\n")
	gen, err := New("config", testDeps(t, dir), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := gen.Generate(context.Background()); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestConfigGeneratorMissingFile(t *testing.T) {
	t.Parallel()
	gen, err := New("config", testDeps(t, t.TempDir()), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := gen.Generate(context.Background()); err == nil {
		t.Fatal("expected error for missing task file")
	}
}

func TestUserLookupGeneratorChunks(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	var ids []string
	for i := 1; i <= 250; i++ {
		ids = append(ids, fmt.Sprintf("%d", i))
	}
	writeFile(t, dir, "users.txt", strings.Join(ids, "\n"))

	gen, err := New("user_lookups", testDeps(t, dir), map[string]string{
		"name_pattern": "users.txt",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs, err := gen.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(specs) != 3 {
		t.Fatalf("got %d tasks for 250 ids, want 3", len(specs))
	}
	for i, spec := range specs {
		if spec.Endpoint != "user_lookups" || spec.Iterations != 1 {
			t.Fatalf("spec %d = %+v", i, spec)
		}
	}
	// Numeric sort: the first chunk starts at id 1, not "1" followed by "10".
	first := strings.Split(specs[0].Args["user_id"], ",")
	if len(first) != 100 || first[0] != "1" || first[1] != "2" {
		t.Fatalf("first chunk = %v...", first[:3])
	}
	last := strings.Split(specs[2].Args["user_id"], ",")
	if len(last) != 50 || last[49] != "250" {
		t.Fatalf("last chunk has %d ids ending %s", len(last), last[len(last)-1])
	}
}

func TestUserLookupGeneratorScreenNames(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "names.txt", "nasa\ngithub\n")
	gen, err := New("user_lookups", testDeps(t, dir), map[string]string{
		"name_pattern":  "names.txt",
		"lookup_method": "username",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs, err := gen.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := specs[0].Args["screen_name"]; got != "github,nasa" {
		t.Fatalf("screen_name = %q", got)
	}
}

func TestUserLookupGeneratorNoFiles(t *testing.T) {
	t.Parallel()
	gen, err := New("user_lookups", testDeps(t, t.TempDir()), map[string]string{
		"name_pattern": "missing-*.txt",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := gen.Generate(context.Background()); err == nil {
		t.Fatal("expected error when no user files match")
	}
}

func TestUserTimelineGeneratorSkipsCrawledUsers(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "users.txt", "1\n2\n3\n")
	deps := testDeps(t, dir)

	if err := deps.Store.MarkGeneratorIDs(context.Background(), "user_timeline", []string{"2"}, time.Now()); err != nil {
		t.Fatalf("MarkGeneratorIDs: %v", err)
	}

	gen, err := New("user_timeline", deps, map[string]string{
		"name_pattern": "users.txt",
		"max_requests": "10",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs, err := gen.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("got %d specs, want 2 (user 2 already crawled)", len(specs))
	}
	for _, spec := range specs {
		if spec.Args["user_id"] == "2" {
			t.Fatal("crawled user generated again")
		}
		if spec.MaxRequestsPerRun != 10 {
			t.Fatalf("MaxRequestsPerRun = %d", spec.MaxRequestsPerRun)
		}
		if want := "user_timelines/" + spec.Args["user_id"]; spec.Output != want {
			t.Fatalf("Output = %q, want %q", spec.Output, want)
		}
	}
}

func TestUserTimelineGeneratorBoundsAreExclusive(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "users.txt", "1\n")
	_, err := New("user_timeline", testDeps(t, dir), map[string]string{
		"name_pattern": "users.txt",
		"max_requests": "10",
		"max_age":      "7",
	})
	if err == nil {
		t.Fatal("max_requests together with max_age must be rejected")
	}
}

func TestUserTimelineGeneratorMaxAgeDays(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeFile(t, dir, "users.txt", "42\n")
	gen, err := New("user_timeline", testDeps(t, dir), map[string]string{
		"name_pattern": "users.txt",
		"max_age":      "7",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	specs, err := gen.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if specs[0].MaxResultAge != 7*24*time.Hour {
		t.Fatalf("MaxResultAge = %v", specs[0].MaxResultAge)
	}
}

func TestUnknownGeneratorName(t *testing.T) {
	t.Parallel()
	if _, err := New("nope", Deps{}, nil); err == nil {
		t.Fatal("expected error for unknown generator")
	}
}
