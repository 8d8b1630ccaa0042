package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "jobqueue/pkg/logx"
)

// fileStore writes JSON Lines:
//   - <prefix>.journal.jsonl  events
//   - <prefix>.stats.jsonl    per-class rollups
//
// Prune rewrites each file through a temp file and rename.
type fileStore struct {
	log logx.Logger

	mu      sync.Mutex
	journal *jsonlFile
	stats   *jsonlFile
}

type jsonlFile struct {
	path string
	f    *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

func openJSONL(path string) (*jsonlFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	w := bufio.NewWriter(f)
	return &jsonlFile{path: path, f: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (j *jsonlFile) write(v any) error {
	if err := j.enc.Encode(v); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *jsonlFile) close() error {
	if j == nil || j.f == nil {
		return nil
	}
	ferr := j.w.Flush()
	cerr := j.f.Close()
	j.f = nil
	return errors.Join(ferr, cerr)
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	prefix := filepath.Join(dir, strings.TrimSuffix(base, filepath.Ext(base)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	jf, err := openJSONL(prefix + ".journal.jsonl")
	if err != nil {
		return nil, err
	}
	sf, err := openJSONL(prefix + ".stats.jsonl")
	if err != nil {
		_ = jf.close()
		return nil, err
	}
	return &fileStore{log: log, journal: jf, stats: sf}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := errors.Join(s.journal.close(), s.stats.close())
	s.journal, s.stats = nil, nil
	return err
}

func (s *fileStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	return s.journal.write(e)
}

func (s *fileStore) AppendStats(_ context.Context, rows []ClassStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stats == nil {
		return ErrClosed
	}
	for _, r := range rows {
		if err := s.stats.enc.Encode(r); err != nil {
			return err
		}
	}
	return s.stats.w.Flush()
}

func (s *fileStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, ErrClosed
	}
	var total int64
	for _, jf := range []**jsonlFile{&s.journal, &s.stats} {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := s.compactLocked(jf, before)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// compactLocked rewrites one file without lines older than before and
// reopens it for appending.
func (s *fileStore) compactLocked(jf **jsonlFile, before time.Time) (int64, error) {
	cur := *jf
	path := cur.path
	if err := cur.w.Flush(); err != nil {
		return 0, err
	}

	in, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	tmp := path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		_ = in.Close()
		return 0, err
	}

	var removed int64
	w := bufio.NewWriter(out)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var head struct {
			At time.Time `json:"at"`
		}
		line := sc.Bytes()
		// Unparsable lines are kept; pruning only ever drops what it can date.
		if err := json.Unmarshal(line, &head); err == nil && head.At.Before(before) {
			removed++
			continue
		}
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	scanErr := sc.Err()
	_ = in.Close()
	if err := errors.Join(scanErr, w.Flush(), out.Close()); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if removed == 0 {
		return 0, os.Remove(tmp)
	}

	_ = cur.close()
	if err := os.Rename(tmp, path); err != nil {
		s.log.Warn("storage.compact_failed", logx.String("path", path), logx.Err(err))
	}
	next, err := openJSONL(path)
	if err != nil {
		return removed, err
	}
	*jf = next
	return removed, nil
}
