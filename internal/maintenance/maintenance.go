// Package maintenance is the periodic janitor: it prunes stale upload files
// and evicts sessions that have been idle past their TTL.
package maintenance

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"zapsend/internal/session"
	logx "zapsend/pkg/logx"
)

const defaultSchedule = "@every 1h"

type Config struct {
	Enabled        bool
	Schedule       string // cron spec or "@every <duration>"
	UploadDir      string
	UploadTTL      time.Duration // 0 disables upload pruning
	SessionIdleTTL time.Duration // 0 disables session eviction
}

type Service struct {
	reg *session.Registry
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	c   *cron.Cron
}

func New(cfg Config, reg *session.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{reg: reg, log: log, cfg: cfg}
}

// Start registers the sweep schedule and starts the cron runner. No-op when
// disabled or already started.
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.c != nil {
		return nil
	}
	return s.startLocked()
}

func (s *Service) startLocked() error {
	spec := strings.TrimSpace(s.cfg.Schedule)
	if spec == "" {
		spec = defaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(spec, s.Sweep); err != nil {
		return err
	}
	c.Start()
	s.c = c
	s.log.Info("maintenance started", logx.String("schedule", spec))
	return nil
}

// Apply swaps the config, restarting the cron runner when the schedule or
// enabled flag changed.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	restart := cfg.Enabled != s.cfg.Enabled || cfg.Schedule != s.cfg.Schedule
	s.cfg = cfg
	if !restart {
		return nil
	}

	if s.c != nil {
		s.c.Stop()
		s.c = nil
	}
	if cfg.Enabled {
		return s.startLocked()
	}
	s.log.Info("maintenance disabled")
	return nil
}

// Stop halts the runner and waits for an in-flight sweep to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep runs one maintenance pass. Exported so operators can trigger it out
// of schedule.
func (s *Service) Sweep() {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	removedUploads := s.pruneUploads(cfg)
	evicted := s.evictIdleSessions(cfg)
	if removedUploads > 0 || evicted > 0 {
		s.log.Info("maintenance sweep",
			logx.Int("uploads_removed", removedUploads),
			logx.Int("sessions_evicted", evicted))
	}
}

// pruneUploads removes upload files older than the TTL, keeping any file a
// live session still references as its payload.
func (s *Service) pruneUploads(cfg Config) int {
	if cfg.UploadTTL <= 0 || strings.TrimSpace(cfg.UploadDir) == "" {
		return 0
	}

	inUse := map[string]bool{}
	for _, key := range s.reg.Keys() {
		sess, ok := s.reg.Get(key)
		if !ok {
			continue
		}
		if p := sess.Payload(); p != nil && p.AttachmentPath != "" {
			inUse[filepath.Clean(p.AttachmentPath)] = true
		}
	}

	entries, err := os.ReadDir(cfg.UploadDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("upload dir scan failed", logx.Err(err))
		}
		return 0
	}

	cutoff := time.Now().Add(-cfg.UploadTTL)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(cfg.UploadDir, e.Name())
		if inUse[filepath.Clean(path)] {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			s.log.Warn("upload prune failed", logx.String("path", path), logx.Err(err))
			continue
		}
		removed++
	}
	return removed
}

// evictIdleSessions disposes sessions idle past the TTL. Sessions with an
// active job, a live channel or a connect in flight are never evicted; those
// are torn down only on explicit logout.
func (s *Service) evictIdleSessions(cfg Config) int {
	if cfg.SessionIdleTTL <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-cfg.SessionIdleTTL)
	evicted := 0
	for _, key := range s.reg.Keys() {
		sess, ok := s.reg.Get(key)
		if !ok {
			continue
		}
		if sess.JobActive() || sess.IdleSince().After(cutoff) {
			continue
		}
		switch sess.State() {
		case session.StateReady, session.StateAwaiting:
			continue
		}
		s.reg.Dispose(key)
		evicted++
	}
	return evicted
}
