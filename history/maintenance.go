package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/pebble"

	"canwatch/report"
)

// IntegrityStats reports the outcome of a full key/value scan.
type IntegrityStats struct {
	Runs           int64
	Baselines      int64
	Duration       time.Duration
	CountMeta      int64
	CountMetaValid bool
	CountMetaErr   error
}

// Purpose: Create a Pebble checkpoint on disk with a flushed WAL.
// Key aspects: Requires a non-empty destination path and uses Pebble's checkpoint.
// Upstream: Operator-driven backups of the run history.
// Downstream: Pebble DB.Checkpoint.
func (s *Store) Checkpoint(dest string) error {
	if s == nil || s.db == nil {
		return errors.New("history: store is not initialized")
	}
	if strings.TrimSpace(dest) == "" {
		return errors.New("history: checkpoint destination is empty")
	}
	if err := s.db.Checkpoint(dest, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("history: checkpoint %s: %w", dest, err)
	}
	return nil
}

// Purpose: Verify checkpoint integrity by opening it read-only and scanning entries.
// Key aspects: Honors context cancellation and maxDuration for bounded scans.
// Upstream: Backup validation.
// Downstream: Pebble iterator and report.Decode.
func VerifyCheckpoint(ctx context.Context, path string, maxDuration time.Duration) (IntegrityStats, error) {
	if strings.TrimSpace(path) == "" {
		return IntegrityStats{}, errors.New("history: checkpoint path is empty")
	}
	info, err := os.Stat(path)
	if err != nil {
		return IntegrityStats{}, fmt.Errorf("history: checkpoint stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return IntegrityStats{}, fmt.Errorf("history: checkpoint %s is not a directory", path)
	}
	db, err := pebble.Open(path, &pebble.Options{ReadOnly: true})
	if err != nil {
		return IntegrityStats{}, fmt.Errorf("history: checkpoint open %s: %w", path, err)
	}
	defer db.Close()
	stats, err := verifyDB(ctx, db, maxDuration)
	if err != nil {
		return stats, fmt.Errorf("history: checkpoint verify %s: %w", path, err)
	}
	return stats, nil
}

// Purpose: Verify the active store via a bounded full scan.
// Key aspects: Decodes every run and baseline and returns stats for logging.
// Upstream: Startup integrity check when history is enabled.
// Downstream: Pebble iterator and report.Decode.
func (s *Store) Verify(ctx context.Context, maxDuration time.Duration) (IntegrityStats, error) {
	if s == nil || s.db == nil {
		return IntegrityStats{}, errors.New("history: store is not initialized")
	}
	return verifyDB(ctx, s.db, maxDuration)
}

func verifyDB(ctx context.Context, db *pebble.DB, maxDuration time.Duration) (IntegrityStats, error) {
	start := time.Now()
	deadline := time.Time{}
	if maxDuration > 0 {
		deadline = start.Add(maxDuration)
	}
	stats := IntegrityStats{}
	if db == nil {
		return stats, errors.New("history: database is nil")
	}
	if count, err := readRunCountMeta(db); err == nil {
		stats.CountMeta = count
		stats.CountMetaValid = true
	} else {
		stats.CountMetaErr = err
	}

	runs, err := scanPrefix(ctx, db, runPrefix, deadline)
	if err != nil {
		return stats, err
	}
	stats.Runs = runs

	baselines, err := scanPrefix(ctx, db, baselinePrefix, deadline)
	if err != nil {
		return stats, err
	}
	stats.Baselines = baselines

	stats.Duration = time.Since(start)
	return stats, nil
}

// scanPrefix decodes every value under the prefix, counting entries and
// failing on the first undecodable one.
func scanPrefix(ctx context.Context, db *pebble.DB, prefix string, deadline time.Time) (int64, error) {
	iter, err := db.NewIter(iterOptionsForPrefix(prefix))
	if err != nil {
		return 0, fmt.Errorf("history: verify iterator: %w", err)
	}
	defer iter.Close()

	count := int64(0)
	for iter.First(); iter.Valid(); iter.Next() {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return count, ctx.Err()
			default:
			}
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return count, errors.New("history: integrity scan timed out")
		}
		if _, err := report.Decode(iter.Value()); err != nil {
			return count, fmt.Errorf("history: verify decode: %w", err)
		}
		count++
	}
	if err := iter.Error(); err != nil {
		return count, fmt.Errorf("history: verify iterate: %w", err)
	}
	return count, nil
}
