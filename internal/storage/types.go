package storage

import (
	"context"
	"errors"
	"time"

	"notifyd/internal/notifier"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// DefaultRetain bounds the archive when Config.Retain is zero.
const DefaultRetain = 10000

// Config configures storage.
//
// Driver values:
//   - "file": settings snapshot + history journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// Retain is the number of archived records kept; older ones are pruned.
	Retain int
}

// Store backs notifier.SettingsStore and notifier.Archive.
type Store interface {
	LoadSettings(ctx context.Context) (notifier.Config, bool, error)
	SaveSettings(ctx context.Context, cfg notifier.Config) error
	ArchiveRecord(ctx context.Context, r notifier.Record) error
	// Recent returns up to limit archived records, newest first.
	Recent(ctx context.Context, limit int) ([]notifier.Record, error)
	Close() error
}

var (
	_ notifier.SettingsStore = Store(nil)
	_ notifier.Archive       = Store(nil)
)
