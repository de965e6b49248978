package tier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/shopspring/decimal"
)

// Member is a guild member and the roles it holds.
type Member struct {
	ID      string
	RoleIDs []string
}

// Guild is the role-holding side. Member returns an error wrapping
// ErrMemberNotFound when the user is not in the guild.
type Guild interface {
	Member(ctx context.Context, userID string) (*Member, error)
	AddRole(ctx context.Context, userID, roleID string) error
	RemoveRole(ctx context.Context, userID, roleID string) error
}

// Result reports what Apply changed.
type Result struct {
	Tier    Tier
	Added   bool
	Removed []string
	Failed  []string // roles whose add or remove call failed
}

// RoleID is the applied tier role.
func (r Result) RoleID() string { return r.Tier.RoleID }

// Reconciler applies tiers to guild members. Role mutations are best
// effort: a failed call is recorded in Result.Failed and the remaining
// mutations still run.
type Reconciler struct {
	table   *Table
	guild   Guild
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewReconciler creates a reconciler. logger and metrics may be nil.
func NewReconciler(table *Table, guild Guild, logger *slog.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		table:   table,
		guild:   guild,
		logger:  logger.With("component", "tier"),
		metrics: metrics,
	}
}

// Apply gives userID the tier role for spent and strips every other tier
// role. Calling it again with the same spend changes nothing.
func (r *Reconciler) Apply(ctx context.Context, userID string, spent decimal.Decimal) (Result, error) {
	target, ok := r.table.Pick(spent)
	if !ok {
		return Result{}, fmt.Errorf("%w for spend %s", ErrNoTierMatched, spent)
	}

	member, err := r.guild.Member(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrMemberNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("tier: fetch member %s: %w", userID, err)
	}

	res := Result{Tier: target}
	for _, roleID := range r.table.RoleIDs() {
		if roleID == target.RoleID || !slices.Contains(member.RoleIDs, roleID) {
			continue
		}
		if err := r.guild.RemoveRole(ctx, userID, roleID); err != nil {
			r.logger.Warn("remove tier role", "user", userID, "role", roleID, "error", err)
			r.metrics.RoleMutationFailed("remove")
			res.Failed = append(res.Failed, roleID)
			continue
		}
		res.Removed = append(res.Removed, roleID)
	}

	if !slices.Contains(member.RoleIDs, target.RoleID) {
		if err := r.guild.AddRole(ctx, userID, target.RoleID); err != nil {
			r.logger.Warn("add tier role", "user", userID, "role", target.RoleID, "error", err)
			r.metrics.RoleMutationFailed("add")
			res.Failed = append(res.Failed, target.RoleID)
		} else {
			res.Added = true
		}
	}

	r.logger.Info("tier applied",
		"user", userID,
		"spent", spent.String(),
		"tier", target.Name,
		"role", target.RoleID,
		"added", res.Added,
		"removed", len(res.Removed),
		"failed", len(res.Failed),
	)
	return res, nil
}
