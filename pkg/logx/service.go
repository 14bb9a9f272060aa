package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

const defaultFilePath = "./asyncproc.log"

type Config struct {
	Level   string
	Console bool
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

// Service owns the root logger and its sinks.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	file     *os.File
	filePath string

	root atomic.Pointer[zerolog.Logger]
}

// New applies cfg and returns the service with a live root logger. A file
// sink that cannot be opened is reported on that logger and skipped.
func New(cfg Config) (*Service, Logger) {
	s := &Service{}
	l := Logger{svc: s}
	if err := s.Apply(cfg); err != nil {
		l.Warn("log file sink disabled", Err(err))
	}
	return s, l
}

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeFileLocked()
}

func (s *Service) closeFileLocked() error {
	f := s.file
	s.file, s.filePath = nil, ""
	if f == nil {
		return nil
	}
	return f.Close()
}

// Apply swaps level and sinks. An unchanged file path keeps the open file.
// Without any usable sink, output falls back to the console. The returned
// error only concerns the file sink; the rest of cfg is applied regardless.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg

	var fileErr error
	if cfg.File.Enabled {
		fileErr = s.openFileLocked(strings.TrimSpace(cfg.File.Path))
	} else {
		_ = s.closeFileLocked()
	}

	writers := make([]io.Writer, 0, 2)
	if cfg.Console || s.file == nil {
		writers = append(writers, newConsoleWriter(Stdout()))
	}
	if s.file != nil {
		writers = append(writers, zerolog.SyncWriter(s.file))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(ParseLevel(cfg.Level)).With().Timestamp().Logger()
	s.root.Store(&zl)
	return fileErr
}

func (s *Service) openFileLocked(path string) error {
	if path == "" {
		path = defaultFilePath
	}
	if s.file != nil && s.filePath == path {
		return nil
	}
	_ = s.closeFileLocked()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %q: %w", path, err)
	}
	s.file, s.filePath = f, path
	return nil
}

// Stdout returns the console sink.
func Stdout() io.Writer { return os.Stdout }
