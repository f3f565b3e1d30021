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

// Config selects sinks and the level threshold.
type Config struct {
	Level string
	// Output is "stderr" (default) or "stdout". The desktop channel prints
	// popups on stdout, so logs stay off it unless asked.
	Output  string
	Console bool // human-readable lines instead of JSON
	File    FileConfig
}

type FileConfig struct {
	Enabled bool
	Path    string // default ./notifyd.log
}

const defaultFilePath = "./notifyd.log"

// Service owns the live sinks. Loggers derived from it pick up new sinks
// and levels after Apply without being rebuilt.
type Service struct {
	mu     sync.Mutex
	file   *os.File
	stream io.Writer
	level  Level
	zl     atomic.Pointer[zerolog.Logger]
}

// New builds a Service from cfg and returns its root Logger. A log file that
// cannot be opened is reported on stderr and skipped.
func New(cfg Config) (*Service, Logger) {
	setGlobals()
	s := &Service{}
	if err := s.Apply(cfg); err != nil {
		fmt.Fprintf(Stderr(), "logx: %v\n", err)
	}
	return s, Logger{svc: s}
}

func (s *Service) Logger() Logger { return Logger{svc: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.zl.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// Apply swaps sinks and level. The previous log file is closed only after the
// new logger is live. The returned error concerns the file sink; the other
// sinks are applied regardless.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out io.Writer = Stderr()
	if strings.EqualFold(strings.TrimSpace(cfg.Output), "stdout") {
		out = Stdout()
	}
	if cfg.Console {
		out = consoleWriter(out)
	}
	writers := []io.Writer{out}

	var (
		file    *os.File
		fileErr error
	)
	if cfg.File.Enabled {
		file, fileErr = openLogFile(cfg.File.Path)
		if fileErr == nil {
			writers = append(writers, zerolog.SyncWriter(file))
		}
	}

	s.stream = out
	s.level = parseLevel(cfg.Level, LevelInfo)
	s.store(writers...)

	if s.file != nil {
		_ = s.file.Close()
	}
	s.file = file
	return fileErr
}

// Close releases the log file. Later events still reach the stream sink.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.store(s.stream)
	f := s.file
	s.file = nil
	return f.Close()
}

func (s *Service) store(writers ...io.Writer) {
	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(s.level).
		With().Timestamp().Logger()
	s.zl.Store(&zl)
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultFilePath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("log dir %q: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("log file %q: %w", path, err)
	}
	return f, nil
}

func consoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: timeFormat,
		FormatCaller: func(i any) string {
			s, _ := i.(string)
			return s
		},
	}
}

// ParseLevel validates a level name. Empty means info.
func ParseLevel(s string) (Level, error) {
	if strings.TrimSpace(s) == "" {
		return LevelInfo, nil
	}
	lvl := parseLevel(s, zerolog.NoLevel)
	if lvl == zerolog.NoLevel {
		return lvl, fmt.Errorf("unknown log level %q", s)
	}
	return lvl, nil
}

func Stdout() io.Writer { return os.Stdout }
func Stderr() io.Writer { return os.Stderr }
