package sink

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

func testRecords(ids ...string) []twitter.Record {
	recs := make([]twitter.Record, 0, len(ids))
	at := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, id := range ids {
		recs = append(recs, twitter.Record{
			ID:        id,
			CreatedAt: at.Add(time.Duration(i) * time.Second),
			Data:      json.RawMessage(`{"id_str":"` + id + `"}`),
		})
	}
	return recs
}

func TestWriteBatchPlainText(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := New(Config{Root: root, Extension: ".txt"}, logx.Nop())

	path, err := s.WriteBatch(context.Background(), "github/timeline", testRecords("1", "2", "3"))
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if filepath.Dir(path) != filepath.Join(root, "github", "timeline") {
		t.Fatalf("batch landed in %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("wrote %d lines, want 3", len(lines))
	}
	var first struct {
		ID string `json:"id_str"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil || first.ID != "1" {
		t.Fatalf("first line = %q (%v)", lines[0], err)
	}
}

func TestWriteBatchCompressed(t *testing.T) {
	t.Parallel()
	s := New(Config{Root: t.TempDir()}, logx.Nop())

	path, err := s.WriteBatch(context.Background(), "feed", testRecords("10"))
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if !strings.HasSuffix(path, ".zip") {
		t.Fatalf("default extension not applied: %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("payload is not gzip: %v", err)
	}
	data, err := io.ReadAll(gz)
	if err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if !strings.Contains(string(data), `"id_str":"10"`) {
		t.Fatalf("payload = %q", data)
	}
}

func TestWriteBatchNeverOverwrites(t *testing.T) {
	t.Parallel()
	s := New(Config{Root: t.TempDir(), Extension: ".txt"}, logx.Nop())

	// Same marker record: same timestamp and id, so the same base name.
	first, err := s.WriteBatch(context.Background(), "feed", testRecords("7"))
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	second, err := s.WriteBatch(context.Background(), "feed", testRecords("7"))
	if err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if first == second {
		t.Fatal("second batch overwrote the first")
	}
}

func TestWriteBatchEmptyIsNoop(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s := New(Config{Root: root}, logx.Nop())
	path, err := s.WriteBatch(context.Background(), "feed", nil)
	if err != nil || path != "" {
		t.Fatalf("WriteBatch(empty) = %q, %v", path, err)
	}
	if _, err := os.Stat(filepath.Join(root, "feed")); !os.IsNotExist(err) {
		t.Fatal("empty batch created the output directory")
	}
}

func TestWriteBatchHonorsCanceledContext(t *testing.T) {
	t.Parallel()
	s := New(Config{Root: t.TempDir()}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.WriteBatch(ctx, "feed", testRecords("1")); err == nil {
		t.Fatal("expected context error")
	}
}
