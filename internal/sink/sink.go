// Package sink records result batches to disk as line-delimited JSON.
//
// Each committed page becomes one file under the task's output path, named
// after the batch's first record so files sort chronologically. Files are
// never rewritten: a batch either lands completely or, on error, leaves no
// file behind.
package sink

import (
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"twicorder/internal/twitter"
	logx "twicorder/pkg/logx"
)

// DefaultExtension compresses batches by default, matching the bulk of what
// a long-running crawl writes.
const DefaultExtension = ".zip"

var compressedExtensions = map[string]bool{
	".gz":    true,
	".gzip":  true,
	".zip":   true,
	".twzip": true,
}

type Config struct {
	// Root is the directory all output paths are resolved under.
	Root string

	// Extension selects the batch file format. Compressed extensions (.gz,
	// .gzip, .zip, .twzip) gzip the payload; anything else writes plain text.
	Extension string
}

// Sink writes result batches. Safe for concurrent use: distinct batches land
// in distinct files.
type Sink struct {
	root string
	ext  string
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	ext := cfg.Extension
	if ext == "" {
		ext = DefaultExtension
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Sink{root: cfg.Root, ext: ext, log: log}
}

// WriteBatch persists one batch of records under the given output path and
// returns the file written. Empty batches are a no-op.
func (s *Sink) WriteBatch(ctx context.Context, output string, records []twitter.Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, filepath.FromSlash(output))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path, err := s.batchPath(dir, records[0])
	if err != nil {
		return "", err
	}
	if err := s.writeFile(path, records); err != nil {
		// Half-written batches must not survive: the caller treats a sink
		// error as "nothing committed" and will replay the page.
		_ = os.Remove(path)
		return "", err
	}
	s.log.Debug("wrote batch",
		logx.String("path", path),
		logx.Int("records", len(records)),
	)
	return path, nil
}

// batchPath names the batch file after its first record, suffixing on the
// rare collision so an existing batch is never clobbered.
func (s *Sink) batchPath(dir string, marker twitter.Record) (string, error) {
	stamp := marker.CreatedAt
	if stamp.IsZero() {
		stamp = time.Now().UTC()
	}
	base := fmt.Sprintf("%s_%s", stamp.Format("2006-01-02_15-04-05"), marker.ID)
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s_%d", base, i)
		}
		path := filepath.Join(dir, name+s.ext)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
}

func (s *Sink) writeFile(path string, records []twitter.Record) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}

	var w interface {
		Write([]byte) (int, error)
	} = f
	var gz *gzip.Writer
	if compressedExtensions[s.ext] {
		gz = gzip.NewWriter(f)
		w = gz
	}

	werr := func() error {
		for _, rec := range records {
			if _, err := w.Write(rec.Data); err != nil {
				return err
			}
			if _, err := w.Write([]byte("\n")); err != nil {
				return err
			}
		}
		return nil
	}()
	if gz != nil {
		if err := gz.Close(); err != nil && werr == nil {
			werr = err
		}
	}
	if err := f.Close(); err != nil && werr == nil {
		werr = err
	}
	return werr
}
