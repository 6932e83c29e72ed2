// Package maintenance runs the belt-and-braces artifact-retention sweep
// (§4.8's retention clause): on a schedule, independent of any single
// Runtime Patcher install, it deletes trait artifact files beyond the
// configured number of kept versions per trait.
package maintenance

import (
	"context"
	"log/slog"
	"os"

	"github.com/robfig/cron/v3"

	"github.com/clawinfra/ai-genesis/internal/config"
	"github.com/clawinfra/ai-genesis/internal/mutationstore"
)

// DefaultSchedule runs the sweep every ten minutes.
const DefaultSchedule = "@every 10m"

// Sweeper periodically removes stale trait artifacts from disk. The
// Patcher already does this immediately after each successful install;
// this is the defence-in-depth pass that catches anything a crash or a
// skipped install left behind.
type Sweeper struct {
	store  *mutationstore.Store
	cfg    config.SandboxConfig
	cron   *cron.Cron
	logger *slog.Logger
}

// New returns a Sweeper bound to store and cfg.
func New(store *mutationstore.Store, cfg config.SandboxConfig, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "maintenance"),
	}
}

// Start schedules the sweep on the given cron expression, or
// DefaultSchedule if schedule is empty, and begins running it in the
// background. Idempotent only in the sense that calling it twice creates
// two schedulers; callers should call it once.
func (s *Sweeper) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(schedule, s.sweepAll); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for any in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) sweepAll() {
	ctx := context.Background()
	names, err := s.store.TraitNames(ctx)
	if err != nil {
		s.logger.Warn("maintenance sweep: could not list trait names", "err", err)
		return
	}
	for _, name := range names {
		s.sweepTrait(ctx, name)
	}
}

// sweepTrait deletes artifact files beyond the most recent K versions for
// traitName, mirroring the Runtime Patcher's own immediate retention step.
func (s *Sweeper) sweepTrait(ctx context.Context, traitName string) {
	versions, err := s.store.VersionsForTrait(ctx, traitName)
	if err != nil {
		s.logger.Warn("maintenance sweep: could not list versions", "trait", traitName, "err", err)
		return
	}
	keep := s.cfg.RetainVersions
	if keep < 1 {
		keep = 1
	}
	if len(versions) <= keep {
		return
	}
	for _, rec := range versions[:len(versions)-keep] {
		if err := os.Remove(rec.ArtifactPath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("maintenance sweep: could not remove artifact", "path", rec.ArtifactPath, "err", err)
			continue
		}
		s.logger.Debug("maintenance sweep: removed stale artifact", "trait", traitName, "path", rec.ArtifactPath)
	}
}
