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

	logx "asyncproc/pkg/logx"
)

// fileStore appends records to <prefix>.journal.jsonl and keeps the newest
// Keep records in memory for Recent. The file is rewritten down to Keep
// records once it holds four times as many.
type fileStore struct {
	log  logx.Logger
	path string
	keep int

	mu     sync.Mutex
	f      *os.File
	recent []Record // oldest first, len <= keep
	onDisk int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, path: filepath.Join(dir, base) + ".journal.jsonl", keep: cfg.Keep}
	if err := s.load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if s.onDisk > s.keep {
		if err := s.rewrite(); err != nil {
			log.Warn("journal compact failed", logx.String("path", s.path), logx.Err(err))
		}
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	s.f = f
	log.Debug("journal opened", logx.String("path", s.path), logx.Int("records", len(s.recent)))
	return s, nil
}

func (s *fileStore) load() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		s.onDisk++
		s.push(r)
	}
	return sc.Err()
}

func (s *fileStore) push(r Record) {
	s.recent = append(s.recent, r)
	if len(s.recent) > s.keep {
		n := copy(s.recent, s.recent[len(s.recent)-s.keep:])
		clear(s.recent[n:])
		s.recent = s.recent[:n]
	}
}

// rewrite replaces the file with the in-memory records.
func (s *fileStore) rewrite() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.recent {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.onDisk = len(s.recent)
	return nil
}

func (s *fileStore) AppendRecord(ctx context.Context, r Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(r); err != nil {
		return err
	}
	s.onDisk++
	s.push(r)

	if s.onDisk >= 4*s.keep {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("journal compact failed", logx.String("path", s.path), logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	if err := s.f.Close(); err != nil {
		return err
	}
	s.f = nil
	rerr := s.rewrite()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.f = f
	return rerr
}

func (s *fileStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Record, 0, n)
	for i := len(s.recent) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.recent[i])
	}
	return out, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
