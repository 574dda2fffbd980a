package seam

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reap removes every entry directly under the staging root whose
// modification time is older than the engine's max age: abandoned staging
// directories as well as finished artifacts nobody collected. It runs
// synchronously at the start of each submission and can be driven on its
// own by an operator. Record stores that support it are pruned in the same
// pass.
func (e *Engine) Reap(now time.Time) error {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("listing staging root: %w", err)
	}
	var reaped int
	for _, entry := range entries {
		if entry.Name() == tmpDir {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) <= e.maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(e.root, entry.Name())); err != nil {
			e.log.Warn().Err(err).Str("entry", entry.Name()).Msg("cannot reap stale entry")
			continue
		}
		reaped++
		e.metrics.Reaped.Inc()
		e.log.Debug().Str("entry", entry.Name()).Time("modified", info.ModTime()).Msg("reaped stale entry")
	}
	if reaped > 0 {
		e.log.Info().Int("entries", reaped).Msg("reaped stale uploads")
	}
	if c, ok := e.store.(Cleaner); ok {
		if err := c.Cleanup(now); err != nil {
			e.log.Warn().Err(err).Msg("cannot clean up upload records")
		}
	}
	return nil
}
