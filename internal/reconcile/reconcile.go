package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/smallbiznis/membersync/internal/executor"
	"github.com/smallbiznis/membersync/internal/ingest"
	"github.com/smallbiznis/membersync/internal/roster"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrAlreadyRunning reports that a reconciliation pass is in flight. Callers
// treat it as a clean rejection, not a failure.
var ErrAlreadyRunning = errors.New("reconciliation already running")

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Added   int
	Removed int
}

// Changed reports whether the pass mutated group membership.
func (o Outcome) Changed() bool { return o.Added > 0 || o.Removed > 0 }

// ProcessReport summarizes a full ingest-then-reconcile pass.
type ProcessReport struct {
	Payments int
	Outcome  Outcome
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Roster   *roster.Reconciler
	Executor *executor.Executor
	Ingest   *ingest.Service
}

// Service runs reconciliation passes. At most one pass runs at a time,
// regardless of whether it was triggered by a cycle or an operator.
type Service struct {
	log      *zap.Logger
	roster   *roster.Reconciler
	executor *executor.Executor
	ingest   *ingest.Service

	running atomic.Bool
}

func NewService(p Params) *Service {
	return &Service{
		log:      p.Log.Named("reconcile"),
		roster:   p.Roster,
		executor: p.Executor,
		ingest:   p.Ingest,
	}
}

// acquire takes the run guard. The guard is a compare-and-swap on a single
// token so two triggers can never both win.
func (s *Service) acquire() error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	return nil
}

func (s *Service) release() {
	s.running.Store(false)
}

// Run refreshes the roster, computes both decision sets and executes them.
func (s *Service) Run(ctx context.Context) (Outcome, error) {
	if err := s.acquire(); err != nil {
		return Outcome{}, err
	}
	defer s.release()
	return s.runLocked(ctx)
}

// ProcessAll ingests every pending artifact and then runs a full
// reconciliation pass under the same guard.
func (s *Service) ProcessAll(ctx context.Context) (ProcessReport, error) {
	if err := s.acquire(); err != nil {
		return ProcessReport{}, err
	}
	defer s.release()

	payments, err := s.ingest.ProcessPending(ctx)
	if err != nil {
		return ProcessReport{Payments: payments}, fmt.Errorf("process pending: %w", err)
	}
	outcome, err := s.runLocked(ctx)
	return ProcessReport{Payments: payments, Outcome: outcome}, err
}

// AddMissing refreshes the roster and executes only the add set.
func (s *Service) AddMissing(ctx context.Context) (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	if err := s.roster.Refresh(ctx); err != nil {
		return 0, err
	}
	adds, err := s.roster.ComputeAddSet(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute add set: %w", err)
	}
	return s.executor.ExecuteAdds(ctx, adds)
}

// RemoveExpired executes only the remove set against the stored roster.
func (s *Service) RemoveExpired(ctx context.Context) (int, error) {
	if err := s.acquire(); err != nil {
		return 0, err
	}
	defer s.release()

	removes, err := s.roster.ComputeRemoveSet(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute remove set: %w", err)
	}
	return s.executor.ExecuteRemoves(ctx, removes)
}

func (s *Service) runLocked(ctx context.Context) (Outcome, error) {
	if err := s.roster.Refresh(ctx); err != nil {
		return Outcome{}, err
	}

	adds, err := s.roster.ComputeAddSet(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute add set: %w", err)
	}
	removes, err := s.roster.ComputeRemoveSet(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("compute remove set: %w", err)
	}

	var outcome Outcome
	var errs []error

	outcome.Added, err = s.executor.ExecuteAdds(ctx, adds)
	if err != nil {
		errs = append(errs, err)
	}
	outcome.Removed, err = s.executor.ExecuteRemoves(ctx, removes)
	if err != nil {
		errs = append(errs, err)
	}

	s.log.Info("reconciliation pass finished",
		zap.Int("add_candidates", len(adds)),
		zap.Int("remove_candidates", len(removes)),
		zap.Int("added", outcome.Added),
		zap.Int("removed", outcome.Removed),
	)
	return outcome, errors.Join(errs...)
}
