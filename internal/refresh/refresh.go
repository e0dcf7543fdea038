// Package refresh periodically re-evaluates the escalation bands of recent
// batches and reloads the component catalog when its file changes.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/robfig/cron/v3"

	"github.com/lg1805/icss-web-app/internal/catalog"
)

// DefaultWindow is how far back batches are re-evaluated.
const DefaultWindow = 7 * 24 * time.Hour

// Refresher re-escalates stored batches created at or after since.
type Refresher interface {
	Refresh(ctx context.Context, since, now time.Time) (int, error)
}

// CatalogSetter swaps the catalog used for new batches.
type CatalogSetter interface {
	SetCatalog(c *catalog.Catalog)
}

// Hooks receives job outcomes. Any field may be nil.
type Hooks struct {
	OnRefresh     func(updated int, err error)
	OnCatalogLoad func(entries, rejected int)
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is a standard five-field cron expression or descriptor
	// such as "@hourly".
	Schedule    string
	Window      time.Duration
	CatalogPath string
	Now         func() time.Time
}

// Scheduler runs the refresh job on a cron schedule. A run that is still in
// progress when the next one is due causes that tick to be skipped.
type Scheduler struct {
	cfg     Config
	svc     Refresher
	catalog CatalogSetter
	logger  log.Logger
	hooks   Hooks
	cron    *cron.Cron

	mu         sync.Mutex
	catalogMod time.Time
}

// New validates the schedule and returns a stopped Scheduler. catalogs may
// be nil, which disables catalog reloading.
func New(cfg Config, svc Refresher, catalogs CatalogSetter, logger log.Logger, hooks ...Hooks) (*Scheduler, error) {
	if svc == nil {
		return nil, errors.New("refresh: service is required")
	}
	if logger == nil {
		logger = log.Nop()
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	schedule, err := cron.ParseStandard(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("refresh: parse schedule %q: %w", cfg.Schedule, err)
	}

	s := &Scheduler{
		cfg:     cfg,
		svc:     svc,
		catalog: catalogs,
		logger:  logger,
	}
	if len(hooks) > 0 {
		s.hooks = hooks[0]
	}
	if cfg.CatalogPath != "" {
		// the catalog was loaded at startup; only later edits trigger a reload
		if fi, err := os.Stat(cfg.CatalogPath); err == nil {
			s.catalogMod = fi.ModTime()
		}
	}

	s.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	s.cron.Schedule(schedule, cron.FuncJob(func() { s.RunOnce(context.Background()) }))
	return s, nil
}

// Start begins running the job in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running job to finish, or for
// ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce reloads the catalog if its file changed, then re-evaluates
// recent batches.
func (s *Scheduler) RunOnce(ctx context.Context) {
	ctx = log.WithContext(ctx, s.logger)
	s.reloadCatalog(ctx)

	now := s.cfg.Now()
	start := time.Now()
	n, err := s.svc.Refresh(ctx, now.Add(-s.cfg.Window), now)
	if s.hooks.OnRefresh != nil {
		s.hooks.OnRefresh(n, err)
	}
	if err != nil {
		s.logger.Error(ctx, err, "escalation refresh failed", "updated", n)
		return
	}
	s.logger.Info(ctx, "escalation refreshed",
		"updated", n,
		"window_hours", s.cfg.Window.Hours(),
		"duration", time.Since(start).Seconds(),
	)
}

func (s *Scheduler) reloadCatalog(ctx context.Context) {
	if s.catalog == nil || s.cfg.CatalogPath == "" {
		return
	}

	fi, err := os.Stat(s.cfg.CatalogPath)
	if err != nil {
		s.logger.Warn(ctx, "catalog stat failed, keeping current catalog", "path", s.cfg.CatalogPath, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !fi.ModTime().After(s.catalogMod) {
		return
	}

	c, rejected, err := catalog.LoadFile(ctx, s.cfg.CatalogPath, s.logger)
	if err != nil {
		s.logger.Error(ctx, err, "catalog reload failed, keeping current catalog", "path", s.cfg.CatalogPath)
		return
	}
	s.catalogMod = fi.ModTime()
	s.catalog.SetCatalog(c)
	if s.hooks.OnCatalogLoad != nil {
		s.hooks.OnCatalogLoad(c.Len(), len(rejected))
	}
}
