package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"twicorder/internal/ratelimit"
	"twicorder/internal/sink"
	"twicorder/internal/storage"
	"twicorder/internal/task"
	"twicorder/internal/task/executor"
	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

// cannedEndpoint serves one fixed page and never paginates.
type cannedEndpoint struct {
	name    string
	records []twitter.Record
}

func (e cannedEndpoint) Name() string   { return e.name }
func (e cannedEndpoint) Family() string { return "search" }

func (e cannedEndpoint) Fetch(ctx context.Context, c *twitter.Client, args map[string]string, cursor string) (*twitter.Page, error) {
	return &twitter.Page{Records: e.records}, nil
}

// The whole path at once: a one-shot task goes from admission through the
// real executor, dedup store and sink, lands its records on disk, settles as
// done and never dispatches again.
func TestScheduledTaskRecordsResultsOnce(t *testing.T) {
	t.Parallel()

	records := make([]twitter.Record, 0, 3)
	for i := 1; i <= 3; i++ {
		id := fmt.Sprintf("%d", i)
		records = append(records, twitter.Record{
			ID:        id,
			CreatedAt: time.Date(2026, 8, 24, 12, 0, i, 0, time.UTC),
			Data:      json.RawMessage(`{"id_str":"` + id + `"}`),
		})
	}
	twitter.Register(cannedEndpoint{name: "canned_feed", records: records})

	dir := t.TempDir()
	st, err := storage.Open(storage.Config{Path: filepath.Join(dir, "appdata.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	outDir := filepath.Join(dir, "output")
	out := sink.New(sink.Config{Root: outDir, Extension: ".txt"}, logx.Nop())
	exec := executor.New(nil, st, out, ratelimit.NewTracker(), nil, nil, executor.Options{}, logx.Nop())

	s := New(exec, nil, Options{Concurrency: 2}, logx.Nop())
	spec := task.Spec{
		Endpoint:   "canned_feed",
		Frequency:  time.Hour,
		Iterations: 1,
		Output:     "a/b",
	}
	if _, err := s.Admit(spec); err != nil {
		t.Fatalf("Admit: %v", err)
	}

	ctx := context.Background()
	now := time.Now()
	if started := s.Tick(ctx, now); started != 1 {
		t.Fatalf("started %d runs, want 1", started)
	}
	waitFor(t, "task to reach done", func() bool {
		return s.Counts()[task.StatusDone] == 1
	})

	entries, err := os.ReadDir(filepath.Join(outDir, "a", "b"))
	if err != nil {
		t.Fatalf("read output dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("wrote %d batch files, want 1", len(entries))
	}
	data, err := os.ReadFile(filepath.Join(outDir, "a", "b", entries[0].Name()))
	if err != nil {
		t.Fatalf("read batch: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("batch holds %d records, want 3", len(lines))
	}

	// One iteration means one run, no matter how much later the clock ticks.
	if started := s.Tick(ctx, now.Add(2*time.Hour)); started != 0 {
		t.Fatal("done task was dispatched again")
	}
}
