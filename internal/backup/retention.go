package backup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listSnapshots reads the snapshot directory, newest first. Unreadable
// entries are skipped, not fatal.
func listSnapshots(dir string) ([]Snapshot, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: read snapshot directory: %w", err)
	}

	var snaps []Snapshot
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		snaps = append(snaps, Snapshot{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].Timestamp.After(snaps[j].Timestamp)
	})
	return snaps, nil
}

// applyRetention deletes snapshots beyond each age tier's cap. Anything
// older than a year goes unconditionally.
func applyRetention(dir string, policy Retention) error {
	snaps, err := listSnapshots(dir)
	if err != nil {
		return err
	}

	now := time.Now()
	tiers := map[string][]Snapshot{}
	var doomed []string

	for _, snap := range snaps {
		age := now.Sub(snap.Timestamp)
		switch {
		case age < 24*time.Hour:
			tiers["hourly"] = append(tiers["hourly"], snap)
		case age < 7*24*time.Hour:
			tiers["daily"] = append(tiers["daily"], snap)
		case age < 30*24*time.Hour:
			tiers["weekly"] = append(tiers["weekly"], snap)
		case age < 365*24*time.Hour:
			tiers["monthly"] = append(tiers["monthly"], snap)
		default:
			doomed = append(doomed, snap.Path)
		}
	}

	caps := map[string]int{
		"hourly":  policy.Hourly,
		"daily":   policy.Daily,
		"weekly":  policy.Weekly,
		"monthly": policy.Monthly,
	}
	for tier, kept := range tiers {
		if max := caps[tier]; len(kept) > max {
			for _, snap := range kept[max:] {
				doomed = append(doomed, snap.Path)
			}
		}
	}

	var errs []error
	for _, path := range doomed {
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
