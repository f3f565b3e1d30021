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

	"notifyd/internal/notifier"
	logx "notifyd/pkg/logx"
)

// fileStore needs nothing but the filesystem.
//
// Files:
//   - <prefix>.settings.json (snapshot, replaced atomically)
//   - <prefix>.history.jsonl (append-only journal)
//
// The journal is compacted to the newest Retain records every
// compactEvery appends.
type fileStore struct {
	log    logx.Logger
	retain int

	mu sync.Mutex

	settingsPath string
	historyPath  string
	historyFile  *os.File
	appends      int
}

const compactEvery = 1000

type settingsSnapshot struct {
	SavedAt time.Time       `json:"saved_at"`
	Config  notifier.Config `json:"config"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		retain:       cfg.Retain,
		settingsPath: prefix + ".settings.json",
		historyPath:  prefix + ".history.jsonl",
	}
	if err := s.openHistoryLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileStore) openHistoryLocked() error {
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	s.historyFile = f
	return nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil
	}
	err := s.historyFile.Close()
	s.historyFile = nil
	return err
}

func (s *fileStore) LoadSettings(ctx context.Context) (notifier.Config, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.settingsPath)
	if errors.Is(err, os.ErrNotExist) {
		return notifier.Config{}, false, nil
	}
	if err != nil {
		return notifier.Config{}, false, err
	}
	var snap settingsSnapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return notifier.Config{}, false, err
	}
	return snap.Config, true, nil
}

func (s *fileStore) SaveSettings(ctx context.Context, cfg notifier.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	return writeFileAtomic(s.settingsPath, settingsSnapshot{SavedAt: time.Now(), Config: cfg})
}

func (s *fileStore) ArchiveRecord(ctx context.Context, r notifier.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.historyFile).Encode(r); err != nil {
		return err
	}
	s.appends++
	if s.appends%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("history compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) Recent(ctx context.Context, limit int) ([]notifier.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return nil, ErrClosed
	}
	all, err := readJournal(s.historyPath)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(all) {
		limit = len(all)
	}
	out := make([]notifier.Record, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, nil
}

// compactLocked rewrites the journal with only the newest retain records.
func (s *fileStore) compactLocked() error {
	all, err := readJournal(s.historyPath)
	if err != nil {
		return err
	}
	if len(all) <= s.retain {
		return nil
	}
	keep := all[len(all)-s.retain:]

	tmp := s.historyPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range keep {
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
	_ = s.historyFile.Close()
	if err := os.Rename(tmp, s.historyPath); err != nil {
		_ = s.openHistoryLocked()
		return err
	}
	s.log.Debug("history compacted", logx.Int("kept", len(keep)), logx.Int("dropped", len(all)-len(keep)))
	return s.openHistoryLocked()
}

// readJournal skips malformed lines (e.g. a torn final write).
func readJournal(path string) ([]notifier.Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []notifier.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var r notifier.Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out = append(out, r)
	}
	return out, sc.Err()
}

func writeFileAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
