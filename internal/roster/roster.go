package roster

import (
	"context"
	"fmt"

	"github.com/smallbiznis/membersync/internal/clock"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  ledgerdomain.Repository
	Group groupdomain.API
}

// Reconciler keeps the ledger's roster snapshot aligned with the external
// group and derives the add and remove sets from it.
type Reconciler struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  ledgerdomain.Repository
	group groupdomain.API
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		db:    p.DB,
		log:   p.Log.Named("roster"),
		clock: p.Clock,
		repo:  p.Repo,
		group: p.Group,
	}
}

// Refresh replaces the stored roster snapshot with the group's current
// members. The swap and the in_group recomputation run in one transaction so
// no reader ever observes a half-replaced roster.
func (r *Reconciler) Refresh(ctx context.Context) error {
	members, err := r.group.ListMembers(ctx)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}

	snapshot := make([]ledgerdomain.GroupMember, 0, len(members))
	for _, m := range members {
		if !m.Status.Active() {
			continue
		}
		snapshot = append(snapshot, ledgerdomain.GroupMember{
			UserID:    m.UserID,
			Username:  m.Username,
			FirstName: m.FirstName,
			LastName:  m.LastName,
			Status:    string(m.Status),
		})
	}

	checkedAt := r.clock.Now()
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return r.repo.ReplaceRoster(ctx, tx, snapshot, checkedAt)
	})
	if err != nil {
		return fmt.Errorf("replace roster: %w", err)
	}

	r.log.Info("refreshed roster snapshot", zap.Int("members", len(snapshot)))
	return nil
}

// ComputeAddSet returns paid users currently missing from the group.
func (r *Reconciler) ComputeAddSet(ctx context.Context) ([]ledgerdomain.AddCandidate, error) {
	return r.repo.AddSet(ctx, r.db, r.clock.Now())
}

// ComputeRemoveSet returns group members whose completed payments have all
// expired.
func (r *Reconciler) ComputeRemoveSet(ctx context.Context) ([]ledgerdomain.RemoveCandidate, error) {
	return r.repo.RemoveSet(ctx, r.db, r.clock.Now())
}
