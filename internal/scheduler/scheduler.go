package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/smallbiznis/membersync/internal/clock"
	"github.com/smallbiznis/membersync/internal/config"
	"github.com/smallbiznis/membersync/internal/ingest"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/membersync/internal/observability/metrics"
	exportdomain "github.com/smallbiznis/membersync/internal/providers/export/domain"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
	"github.com/smallbiznis/membersync/internal/reconcile"
	"github.com/smallbiznis/membersync/internal/storage"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: missing required dependency")

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	Clock        clock.Clock
	Config       config.Config
	Policy       *config.PolicyHolder
	Repo         ledgerdomain.Repository
	IngestSvc    *ingest.Service
	ReconcileSvc *reconcile.Service
	StorageSvc   *storage.Service
	Group        groupdomain.API
}

// Scheduler drives the four periodic cycles: artifact ingestion, membership
// reconciliation, near-expiry notices and the expiry sweep. Cycles run
// independently; a failing cycle backs off briefly and retries instead of
// waiting out its full interval.
type Scheduler struct {
	db           *gorm.DB
	log          *zap.Logger
	clock        clock.Clock
	cfg          config.Config
	policy       *config.PolicyHolder
	repo         ledgerdomain.Repository
	ingestSvc    *ingest.Service
	reconcileSvc *reconcile.Service
	storageSvc   *storage.Service
	group        groupdomain.API
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Policy == nil ||
		p.Repo == nil || p.IngestSvc == nil || p.ReconcileSvc == nil ||
		p.StorageSvc == nil || p.Group == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:           p.DB,
		log:          p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		clock:        p.Clock,
		cfg:          p.Config,
		policy:       p.Policy,
		repo:         p.Repo,
		ingestSvc:    p.IngestSvc,
		reconcileSvc: p.ReconcileSvc,
		storageSvc:   p.StorageSvc,
		group:        p.Group,
	}, nil
}

// RunForever runs all cycles until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	var wg sync.WaitGroup
	cycles := []struct {
		name     string
		interval func(config.CyclePolicy) time.Duration
		run      func(context.Context) error
	}{
		{obsmetrics.CycleIngest, func(c config.CyclePolicy) time.Duration { return c.IngestInterval }, s.IngestCycle},
		{obsmetrics.CycleReconcile, func(c config.CyclePolicy) time.Duration { return c.ReconcileInterval }, s.ReconcileCycle},
		{obsmetrics.CycleNotice, func(c config.CyclePolicy) time.Duration { return c.NoticeInterval }, s.NoticeCycle},
		{obsmetrics.CycleSweep, func(c config.CyclePolicy) time.Duration { return c.SweepInterval }, s.SweepCycle},
	}

	for _, cycle := range cycles {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runLoop(ctx, cycle.name, cycle.interval, cycle.run)
		}()
	}
	wg.Wait()
}

// runLoop sleeps the cycle interval, runs the cycle, and on failure sleeps
// the error backoff instead of the full interval. Intervals are re-read each
// turn so policy reloads take effect without a restart.
func (s *Scheduler) runLoop(
	ctx context.Context,
	name string,
	interval func(config.CyclePolicy) time.Duration,
	run func(context.Context) error,
) {
	log := s.log.With(zap.String("cycle", name))
	cycleMetrics := obsmetrics.Cycle()

	wait := interval(s.policy.Get().Cycles)
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		cycleMetrics.IncCycleRun(name)
		start := time.Now()
		err := run(ctx)
		cycleMetrics.ObserveCycleDuration(name, time.Since(start))

		policy := s.policy.Get().Cycles
		if err != nil {
			cycleMetrics.IncCycleError(name)
			log.Warn("cycle failed", zap.Error(err))
			wait = policy.ErrorBackoff
			continue
		}
		wait = interval(policy)
	}
}

// IngestCycle fetches one new export artifact and imports it. It is a no-op
// until credentials are configured.
func (s *Scheduler) IngestCycle(ctx context.Context) error {
	artifact, err := s.ingestSvc.FetchArtifact(ctx)
	if errors.Is(err, exportdomain.ErrNotConfigured) {
		s.log.Debug("skipping ingest cycle, exporter not configured")
		return nil
	}
	if err != nil {
		return err
	}

	count, err := s.ingestSvc.ProcessPending(ctx)
	obsmetrics.Cycle().AddPaymentsIngested(count)
	if err != nil {
		return fmt.Errorf("process %s: %w", artifact.Filename, err)
	}
	return nil
}

// ReconcileCycle runs a full reconciliation pass. With storage near the hard
// floor the pass is skipped: reconciliation writes snapshots and audit rows,
// and those writes must not be what fills the disk.
func (s *Scheduler) ReconcileCycle(ctx context.Context) error {
	usage, err := s.storageSvc.Measure(ctx)
	if err != nil {
		return err
	}
	if usage.AvailableMB < s.policy.Get().Storage.HardFloorMB {
		s.log.Warn("skipping reconcile cycle, storage critically low",
			zap.Float64("available_mb", usage.AvailableMB),
		)
		return nil
	}

	outcome, err := s.reconcileSvc.Run(ctx)
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		s.log.Info("skipping reconcile cycle, a pass is already running")
		return nil
	}
	obsmetrics.Cycle().AddMembersAdded(outcome.Added)
	obsmetrics.Cycle().AddMembersRemoved(outcome.Removed)
	if err != nil {
		return err
	}

	if outcome.Changed() {
		s.notifyAdmins(ctx, fmt.Sprintf(
			"Reconciliation finished: %d added, %d removed.",
			outcome.Added, outcome.Removed,
		))
	}

	// Evict one artifact when the footprint is still above the reserved
	// headroom after the pass, so the next ingest does not start starved.
	usage, err = s.storageSvc.Measure(ctx)
	if err != nil {
		return err
	}
	if usage.AvailableMB < s.policy.Get().Storage.ReservedMB {
		if _, err := s.storageSvc.EvictOldest(ctx); err != nil {
			s.log.Warn("post-cycle eviction failed", zap.Error(err))
		}
	}
	return nil
}

// NoticeCycle sends near-expiry warnings for payments expiring inside the
// notice window. Notices are best-effort and never mutate the ledger.
func (s *Scheduler) NoticeCycle(ctx context.Context) error {
	now := s.clock.Now()
	window := s.policy.Get().Cycles.NoticeWindow
	expiring, err := s.repo.ExpiringBetween(ctx, s.db, now, now.Add(window))
	if err != nil {
		return err
	}

	for _, payment := range expiring {
		text := fmt.Sprintf(
			"Your %s subscription will expire on %s. Please renew to keep access to the group.",
			payment.SubscriptionType,
			payment.ExpiresDate.Format("2006-01-02"),
		)
		if err := s.group.SendMessage(ctx, payment.UserID, text); err != nil {
			s.log.Debug("expiry notice not delivered",
				zap.Int64("user_id", payment.UserID),
				zap.Error(err),
			)
		}
	}
	if len(expiring) > 0 {
		s.log.Info("sent near-expiry notices", zap.Int("payments", len(expiring)))
	}
	return nil
}

// SweepCycle re-runs the remove-set computation and execution on its own
// shorter interval, so expired members do not linger until the next full
// reconciliation.
func (s *Scheduler) SweepCycle(ctx context.Context) error {
	removed, err := s.reconcileSvc.RemoveExpired(ctx)
	if errors.Is(err, reconcile.ErrAlreadyRunning) {
		s.log.Info("skipping sweep cycle, a pass is already running")
		return nil
	}
	obsmetrics.Cycle().AddMembersRemoved(removed)
	if err != nil {
		return err
	}
	if removed > 0 {
		s.notifyAdmins(ctx, fmt.Sprintf("Expiry sweep removed %d members.", removed))
	}
	return nil
}

// notifyAdmins sends a best-effort status message to every configured
// operator.
func (s *Scheduler) notifyAdmins(ctx context.Context, text string) {
	for _, adminID := range s.cfg.Telegram.AdminIDs {
		if err := s.group.SendMessage(ctx, adminID, text); err != nil {
			s.log.Debug("admin notification not delivered",
				zap.Int64("admin_id", adminID),
				zap.Error(err),
			)
		}
	}
}
