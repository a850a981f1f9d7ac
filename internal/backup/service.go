// Package backup provides scheduled snapshots of the SQLite store with
// integrity verification and tiered retention.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Options configures the backup service.
type Options struct {
	// DBPath is the SQLite database file to snapshot.
	DBPath string

	// Dir is where snapshots are written.
	Dir string

	// Interval between scheduled snapshots (default: 1h).
	Interval time.Duration

	// Verify runs an integrity check on every snapshot.
	Verify bool

	// Retention caps how many snapshots each age tier keeps.
	Retention Retention
}

// Retention is the per-tier snapshot cap. Tiers are by age: hourly under a
// day, daily under a week, weekly under a month, monthly under a year.
// Snapshots older than a year are always removed.
type Retention struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourly, a week of daily, a month of
// weekly and a year of monthly snapshots.
func DefaultRetention() Retention {
	return Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Snapshot describes one stored backup file.
type Snapshot struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
}

// Service snapshots the episode database on a schedule.
type Service struct {
	opts Options

	mu      sync.Mutex
	lastRun time.Time
	running bool
}

// New validates options and creates the snapshot directory.
func New(opts Options) (*Service, error) {
	if opts.DBPath == "" {
		return nil, fmt.Errorf("backup: database path is required")
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("backup: snapshot directory is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Hour
	}
	if opts.Retention == (Retention{}) {
		opts.Retention = DefaultRetention()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create snapshot directory: %w", err)
	}
	return &Service{opts: opts}, nil
}

// Run takes snapshots on the configured interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	log.Printf("backup: scheduled every %v into %s", s.opts.Interval, s.opts.Dir)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := s.SnapshotNow(ctx)
			if err != nil {
				log.Printf("backup: scheduled snapshot failed: %v", err)
				continue
			}
			log.Printf("backup: wrote %s (%d bytes, verified=%v)", snap.Path, snap.Size, snap.Verified)
		}
	}
}

// SnapshotNow takes one snapshot, verifies it when configured, and applies
// retention afterwards. VACUUM INTO yields a consistent copy under WAL.
func (s *Service) SnapshotNow(ctx context.Context) (*Snapshot, error) {
	if _, err := os.Stat(s.opts.DBPath); err != nil {
		return nil, fmt.Errorf("backup: database not found: %w", err)
	}

	name := fmt.Sprintf("engram-%s.db", time.Now().UTC().Format("20060102-150405.000000"))
	dest := filepath.Join(s.opts.Dir, name)

	if err := vacuumInto(ctx, s.opts.DBPath, dest); err != nil {
		return nil, err
	}

	info, err := os.Stat(dest)
	if err != nil {
		return nil, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	snap := &Snapshot{Path: dest, Timestamp: info.ModTime(), Size: info.Size()}

	if s.opts.Verify {
		if err := verifySnapshot(ctx, dest); err != nil {
			return nil, err
		}
		snap.Verified = true
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.mu.Unlock()

	// A retention failure never fails the snapshot that just succeeded.
	if err := applyRetention(s.opts.Dir, s.opts.Retention); err != nil {
		log.Printf("backup: retention pass failed: %v", err)
	}
	return snap, nil
}

// List returns the stored snapshots, newest first.
func (s *Service) List() ([]Snapshot, error) {
	return listSnapshots(s.opts.Dir)
}

// vacuumInto copies the database through SQLite's VACUUM INTO, which is
// consistent even with a live writer in WAL mode.
func vacuumInto(ctx context.Context, source, dest string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", source))
	if err != nil {
		return fmt.Errorf("backup: open source: %w", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", dest)); err != nil {
		return fmt.Errorf("backup: vacuum into: %w", err)
	}
	return nil
}

// verifySnapshot runs PRAGMA integrity_check against the snapshot.
func verifySnapshot(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}
