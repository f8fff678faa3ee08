package capture

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bowerhall/medibuddy/internal/logger"
)

// Sweeper deletes spooled media older than ttl. Abandoned recordings and
// uploaded originals are never removed eagerly, so this is what bounds the
// spool directory.
type Sweeper struct {
	dir  string
	ttl  time.Duration
	now  func() time.Time
	cron *cron.Cron
}

func NewSweeper(dir string, ttl time.Duration) *Sweeper {
	return &Sweeper{dir: dir, ttl: ttl, now: time.Now}
}

// Start schedules Sweep with a standard 5-field cron expression.
func (s *Sweeper) Start(spec string) error {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() {
		if n, err := s.Sweep(); err != nil {
			logger.Warn("spool sweep failed", "dir", s.dir, "error", err)
		} else if n > 0 {
			logger.Info("spool swept", "dir", s.dir, "removed", n)
		}
	}); err != nil {
		return err
	}

	s.cron = c
	c.Start()
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep removes expired files and returns how many were deleted.
func (s *Sweeper) Sweep() (int, error) {
	cutoff := s.now().Add(-s.ttl)
	removed := 0

	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
		return nil
	})

	return removed, err
}
