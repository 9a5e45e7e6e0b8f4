package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "twicorder/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{
		Path:      filepath.Join(t.TempDir(), "appdata.db"),
		OpTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{}, logx.Nop()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAcceptHashFirstWins(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if seen, _ := st.HasHash(ctx, "free_search:42"); seen {
		t.Fatal("unrecorded hash reported as seen")
	}
	ok, err := st.AcceptHash(ctx, "free_search:42", now)
	if err != nil {
		t.Fatalf("AcceptHash: %v", err)
	}
	if !ok {
		t.Fatal("first accept must report true")
	}
	// The read-only check observes the record without touching it.
	if seen, err := st.HasHash(ctx, "free_search:42"); err != nil || !seen {
		t.Fatalf("HasHash = %v, %v; want true", seen, err)
	}
	ok, err = st.AcceptHash(ctx, "free_search:42", now.Add(time.Second))
	if err != nil {
		t.Fatalf("AcceptHash: %v", err)
	}
	if ok {
		t.Fatal("second accept of the same hash must report false")
	}
	// Empty hashes are never accepted.
	if ok, _ := st.AcceptHash(ctx, "", now); ok {
		t.Fatal("empty hash accepted")
	}
}

func TestAcceptHashSurvivesReopen(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "appdata.db")
	ctx := context.Background()

	st, err := Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ok, _ := st.AcceptHash(ctx, "user_timeline:7", time.Now()); !ok {
		t.Fatal("first accept must report true")
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st, err = Open(Config{Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if ok, _ := st.AcceptHash(ctx, "user_timeline:7", time.Now()); ok {
		t.Fatal("hash must stay recorded across sessions")
	}
}

func TestExpansionCache(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()
	ttl := 15 * time.Minute

	due, err := st.IsFresh(ctx, "12345", ttl, now)
	if err != nil {
		t.Fatalf("IsFresh: %v", err)
	}
	if !due {
		t.Fatal("never-expanded entity must be due")
	}

	if err := st.MarkExpanded(ctx, "12345", now); err != nil {
		t.Fatalf("MarkExpanded: %v", err)
	}
	if due, _ := st.IsFresh(ctx, "12345", ttl, now.Add(time.Minute)); due {
		t.Fatal("recently expanded entity must not be due")
	}
	if due, _ := st.IsFresh(ctx, "12345", ttl, now.Add(ttl)); !due {
		t.Fatal("entity past its ttl must be due again")
	}
}

func TestCursorRoundTrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()

	if _, ok, _ := st.Cursor(ctx, "abcd"); ok {
		t.Fatal("unknown task must have no cursor")
	}
	if err := st.SetCursor(ctx, "abcd", "page-2"); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	cur, ok, err := st.Cursor(ctx, "abcd")
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if !ok || cur != "page-2" {
		t.Fatalf("Cursor = %q/%v, want page-2/true", cur, ok)
	}
	// Clearing the cursor stores the empty string: a finished run starts the
	// next one from the top.
	if err := st.SetCursor(ctx, "abcd", ""); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	if cur, _, _ := st.Cursor(ctx, "abcd"); cur != "" {
		t.Fatalf("Cursor = %q after clear", cur)
	}
}

func TestGeneratorIDs(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	if err := st.MarkGeneratorIDs(ctx, "user_timeline", []string{"1", "2"}, now); err != nil {
		t.Fatalf("MarkGeneratorIDs: %v", err)
	}
	// Re-marking is idempotent.
	if err := st.MarkGeneratorIDs(ctx, "user_timeline", []string{"2", "3"}, now); err != nil {
		t.Fatalf("MarkGeneratorIDs: %v", err)
	}
	ids, err := st.GeneratorIDs(ctx, "user_timeline")
	if err != nil {
		t.Fatalf("GeneratorIDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("GeneratorIDs = %v, want 3 entries", ids)
	}
	other, _ := st.GeneratorIDs(ctx, "user_lookups")
	if len(other) != 0 {
		t.Fatalf("ids leaked across generators: %v", other)
	}
}

func TestPruneSeen(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	old := now.Add(-15 * 24 * time.Hour)
	if ok, _ := st.AcceptHash(ctx, "free_search:old", old); !ok {
		t.Fatal("accept failed")
	}
	if ok, _ := st.AcceptHash(ctx, "free_search:new", now); !ok {
		t.Fatal("accept failed")
	}

	n, err := st.PruneSeen(ctx, now.Add(-14*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSeen: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	// The pruned hash can be accepted again; the fresh one cannot.
	if ok, _ := st.AcceptHash(ctx, "free_search:old", now); !ok {
		t.Fatal("pruned hash must be acceptable again")
	}
	if ok, _ := st.AcceptHash(ctx, "free_search:new", now); ok {
		t.Fatal("fresh hash must stay recorded")
	}
}
