package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/smallbiznis/membersync/internal/config"
	ledgerdomain "github.com/smallbiznis/membersync/internal/ledger/domain"
	groupdomain "github.com/smallbiznis/membersync/internal/providers/group/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Policy *config.PolicyHolder
	Repo   ledgerdomain.Repository
	Group  groupdomain.API
}

// Executor applies add and remove decisions to the external group. Every
// external mutation is rate limited and isolated: one failing user never
// blocks the rest of the batch.
type Executor struct {
	db     *gorm.DB
	log    *zap.Logger
	policy *config.PolicyHolder
	repo   ledgerdomain.Repository
	group  groupdomain.API
}

func NewExecutor(p Params) *Executor {
	return &Executor{
		db:     p.DB,
		log:    p.Log.Named("executor"),
		policy: p.Policy,
		repo:   p.Repo,
		group:  p.Group,
	}
}

func (e *Executor) limiter() *rate.Limiter {
	delay := e.policy.Get().Actions.InterActionDelay
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// ExecuteAdds invites each candidate into the group. A candidate whose live
// status already counts as present is only marked in_group, with no external
// mutation. Returns how many members were actually added.
func (e *Executor) ExecuteAdds(ctx context.Context, candidates []ledgerdomain.AddCandidate) (int, error) {
	limiter := e.limiter()
	added := 0
	var errs []error

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return added, err
		}

		// Double check against the live group before mutating; the stored
		// roster snapshot may already be stale.
		status, err := e.group.GetMemberStatus(ctx, c.UserID)
		if err == nil && status.Active() {
			if err := e.repo.SetInGroup(ctx, e.db, c.UserID, true); err != nil {
				errs = append(errs, fmt.Errorf("user %d: %w", c.UserID, err))
			}
			continue
		}
		if err != nil && !errors.Is(err, groupdomain.ErrMemberNotFound) {
			e.log.Warn("could not verify member status before add",
				zap.Int64("user_id", c.UserID),
				zap.Error(err),
			)
		}

		if err := limiter.Wait(ctx); err != nil {
			return added, err
		}
		if err := e.group.AddMember(ctx, c.UserID); err != nil {
			e.log.Warn("failed to add member",
				zap.Int64("user_id", c.UserID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("add user %d: %w", c.UserID, err))
			continue
		}
		if err := e.repo.SetInGroup(ctx, e.db, c.UserID, true); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", c.UserID, err))
		}
		added++

		e.notify(ctx, c.UserID, fmt.Sprintf(
			"Welcome to the group, %s! Your payment has been verified.",
			displayName(c.FirstName, c.Username),
		))
		e.log.Info("added member",
			zap.Int64("user_id", c.UserID),
			zap.String("order_id", c.OrderID),
		)
	}
	return added, errors.Join(errs...)
}

// ExecuteRemoves bans each candidate from the group, so a removed user
// cannot rejoin through an old invite link. Returns how many members were
// actually removed.
func (e *Executor) ExecuteRemoves(ctx context.Context, candidates []ledgerdomain.RemoveCandidate) (int, error) {
	limiter := e.limiter()
	removed := 0
	var errs []error

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := limiter.Wait(ctx); err != nil {
			return removed, err
		}
		if err := e.group.BanMember(ctx, c.UserID); err != nil {
			e.log.Warn("failed to remove member",
				zap.Int64("user_id", c.UserID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("remove user %d: %w", c.UserID, err))
			continue
		}
		if err := e.repo.SetInGroup(ctx, e.db, c.UserID, false); err != nil {
			errs = append(errs, fmt.Errorf("user %d: %w", c.UserID, err))
		}
		removed++

		e.notify(ctx, c.UserID, fmt.Sprintf(
			"Your %s subscription has expired and you have been removed from the group. Please renew to regain access.",
			c.SubscriptionType,
		))
		e.log.Info("removed member",
			zap.Int64("user_id", c.UserID),
			zap.Time("expired", c.ExpiresDate),
		)
	}
	return removed, errors.Join(errs...)
}

// notify sends a direct message on a best-effort basis. Users who never
// started a conversation with the bot cannot receive one.
func (e *Executor) notify(ctx context.Context, userID int64, text string) {
	if err := e.group.SendMessage(ctx, userID, text); err != nil {
		e.log.Debug("notification not delivered",
			zap.Int64("user_id", userID),
			zap.Error(err),
		)
	}
}

func displayName(firstName, username string) string {
	if firstName != "" {
		return firstName
	}
	if username != "" {
		return username
	}
	return "member"
}
