package lifecycle

import (
	"context"
	"fmt"

	"github.com/h1v3-io/deskbot/internal/ticket"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// RehydrateStats summarizes one Rehydrate pass.
type RehydrateStats struct {
	Open      int // close timers armed
	Closed    int // delete timers armed
	Forgotten int // records whose channel no longer exists
}

// Rehydrate re-arms the timers of every stored ticket. Open tickets get
// their close timer back, closed tickets their delete timer, and records
// pointing at vanished channels are dropped. Deadlines already in the
// past fire after the minimum delay. It is safe to run repeatedly since
// arming a timer replaces the pending one.
func (m *Manager) Rehydrate(ctx context.Context) (RehydrateStats, error) {
	var stats RehydrateStats

	records, err := m.store.List(ctx, ticket.Filter{})
	if err != nil {
		return stats, fmt.Errorf("lifecycle: rehydrate: %w", err)
	}

	for _, r := range records {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		exists, err := m.platform.ChannelExists(ctx, r.ChannelID)
		if err != nil {
			m.logger.Warn("rehydrate: channel lookup failed", "channel", r.ChannelID, "error", err)
		} else if !exists {
			m.Forget(ctx, r.ChannelID)
			stats.Forgotten++
			continue
		}

		switch r.Meta.Status() {
		case protocol.TicketOpen:
			if err := m.ScheduleAutoClose(ctx, r.ChannelID); err != nil {
				m.logger.Warn("rehydrate: arm auto-close", "channel", r.ChannelID, "error", err)
				continue
			}
			stats.Open++
		case protocol.TicketClosed:
			if m.cfg.AutoDelete <= 0 {
				continue
			}
			if err := m.ScheduleAutoDelete(ctx, r.ChannelID); err != nil {
				m.logger.Warn("rehydrate: arm auto-delete", "channel", r.ChannelID, "error", err)
				continue
			}
			stats.Closed++
		}
	}

	m.metrics.Rehydrated("close", stats.Open)
	m.metrics.Rehydrated("delete", stats.Closed)
	m.logger.Info("timers rehydrated", "open", stats.Open, "closed", stats.Closed, "forgotten", stats.Forgotten)
	return stats, nil
}
