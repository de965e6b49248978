// Package tier maps cumulative spend to a membership role and brings a
// member's roles in line with it.
package tier

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var (
	ErrNoTierMatched  = errors.New("tier: no tier matched")
	ErrMemberNotFound = errors.New("tier: member not found")
)

// Tier is a membership level unlocked once spend reaches MinSpend.
// A tier without a RoleID is never picked.
type Tier struct {
	Name     string          `json:"name"`
	RoleID   string          `json:"role_id"`
	MinSpend decimal.Decimal `json:"min_spend"`
}

// Table is a tier list ordered from the most to the least exclusive tier.
type Table struct {
	tiers []Tier
}

// NewTable orders tiers by descending MinSpend and rejects duplicate
// thresholds.
func NewTable(tiers ...Tier) (*Table, error) {
	sorted := make([]Tier, len(tiers))
	copy(sorted, tiers)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MinSpend.GreaterThan(sorted[j].MinSpend)
	})
	for i := 1; i < len(sorted); i++ {
		if sorted[i].MinSpend.Equal(sorted[i-1].MinSpend) {
			return nil, fmt.Errorf("tier: %s and %s share threshold %s",
				sorted[i-1].Name, sorted[i].Name, sorted[i].MinSpend)
		}
	}
	return &Table{tiers: sorted}, nil
}

// Pick returns the most exclusive configured tier whose threshold spent
// reaches.
func (t *Table) Pick(spent decimal.Decimal) (Tier, bool) {
	for _, tr := range t.tiers {
		if tr.RoleID == "" {
			continue
		}
		if spent.GreaterThanOrEqual(tr.MinSpend) {
			return tr, true
		}
	}
	return Tier{}, false
}

// RoleIDs returns every configured tier role.
func (t *Table) RoleIDs() []string {
	var ids []string
	for _, tr := range t.tiers {
		if tr.RoleID != "" {
			ids = append(ids, tr.RoleID)
		}
	}
	return ids
}
