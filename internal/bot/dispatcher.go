// Package bot turns inbound interaction events into lifecycle and tier
// operations and picks the reply for each outcome.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"

	"github.com/h1v3-io/deskbot/internal/lifecycle"
	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/h1v3-io/deskbot/internal/site"
	"github.com/h1v3-io/deskbot/internal/tier"
	"github.com/h1v3-io/deskbot/pkg/protocol"
	"github.com/shopspring/decimal"
)

// Tickets is the subset of the lifecycle manager the dispatcher drives.
type Tickets interface {
	FindOpenTicket(ctx context.Context, ownerID string) (*protocol.Ticket, error)
	CreateTicket(ctx context.Context, owner protocol.Actor, category protocol.TicketCategory) (*protocol.Ticket, error)
	Ticket(ctx context.Context, channelID string) (*protocol.Ticket, error)
	CanClose(actor protocol.Actor, t *protocol.Ticket) bool
	CloseTicket(ctx context.Context, channelID, closedBy string) (bool, error)
	BumpActivity(ctx context.Context, channelID string) error
	Forget(ctx context.Context, channelID string)
}

// Tiers applies spend amounts to member roles.
type Tiers interface {
	Apply(ctx context.Context, userID string, spent decimal.Decimal) (tier.Result, error)
}

// Site reads spend amounts from the shop site.
type Site interface {
	Link(ctx context.Context, userID, email string) (decimal.Decimal, error)
	Refresh(ctx context.Context, userID string) (decimal.Decimal, error)
}

// Config selects optional behaviour.
type Config struct {
	KeepAlive bool // bump the close deadline on every member message
	PullMode  bool // members bind and refresh through the bot
}

// Dispatcher routes events. Site may be nil outside pull mode.
type Dispatcher struct {
	tickets Tickets
	tiers   Tiers
	site    Site
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewDispatcher creates a dispatcher. logger and metrics may be nil.
func NewDispatcher(tickets Tickets, tiers Tiers, site Site, cfg Config, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		tickets: tickets,
		tiers:   tiers,
		site:    site,
		cfg:     cfg,
		logger:  logger.With("component", "bot"),
		metrics: metrics,
	}
}

// Handle processes one event. Failures are logged and answered with a
// short message; the returned error is reserved for events the dispatcher
// does not know.
func (d *Dispatcher) Handle(ctx context.Context, ev protocol.Event) (reply protocol.Reply, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in event handler", "event", fmt.Sprintf("%T", ev), "panic", r)
			reply, err = protocol.Text(msgGenericError), nil
		}
	}()

	switch ev := ev.(type) {
	case protocol.PanelRequested:
		if !ev.Actor.IsAdmin {
			return protocol.Text(msgNoPermission), nil
		}
		return protocol.Reply{Kind: protocol.ReplyTicketPanel}, nil

	case protocol.MemberPanelRequested:
		if !ev.Actor.IsAdmin {
			return protocol.Text(msgNoPermission), nil
		}
		return protocol.Reply{Kind: protocol.ReplyMemberPanel}, nil

	case protocol.TicketRequested:
		return d.openTicket(ctx, ev), nil

	case protocol.CloseRequested:
		return d.closeTicket(ctx, ev), nil

	case protocol.EmailFormRequested:
		if !d.pullEnabled() {
			return protocol.Text(msgPullDisabled), nil
		}
		return protocol.Reply{Kind: protocol.ReplyEmailForm, Ephemeral: true}, nil

	case protocol.EmailBindSubmitted:
		return d.bindEmail(ctx, ev), nil

	case protocol.TierRefreshRequested:
		return d.refreshTier(ctx, ev), nil

	case protocol.MessagePosted:
		if d.cfg.KeepAlive && !ev.Bot {
			if err := d.tickets.BumpActivity(ctx, ev.ChannelID); err != nil {
				d.logger.Warn("keep-alive bump", "channel", ev.ChannelID, "error", err)
			}
		}
		return protocol.Reply{}, nil

	case protocol.ChannelRemoved:
		d.tickets.Forget(ctx, ev.ChannelID)
		return protocol.Reply{}, nil
	}
	return protocol.Reply{}, fmt.Errorf("bot: unhandled event %T", ev)
}

func (d *Dispatcher) openTicket(ctx context.Context, ev protocol.TicketRequested) protocol.Reply {
	if _, ok := protocol.LookupCategory(ev.Category); !ok {
		return protocol.Text(msgUnknownCategory)
	}

	existing, err := d.tickets.FindOpenTicket(ctx, ev.Actor.UserID)
	if err != nil {
		d.logger.Error("find open ticket", "user", ev.Actor.UserID, "error", err)
		return protocol.Text(msgGenericError)
	}
	if existing != nil {
		return protocol.Text(fmt.Sprintf(msgAlreadyOpen, existing.ChannelID))
	}

	t, err := d.tickets.CreateTicket(ctx, ev.Actor, ev.Category)
	var dup *lifecycle.ExistingTicketError
	switch {
	case errors.As(err, &dup):
		return protocol.Text(fmt.Sprintf(msgAlreadyOpen, dup.Ticket.ChannelID))
	case errors.Is(err, lifecycle.ErrUnknownCategory):
		return protocol.Text(msgUnknownCategory)
	case err != nil:
		d.logger.Error("create ticket", "user", ev.Actor.UserID, "category", ev.Category, "error", err)
		return protocol.Text(msgGenericError)
	}
	return protocol.Text(fmt.Sprintf(msgTicketCreated, t.ChannelID))
}

func (d *Dispatcher) closeTicket(ctx context.Context, ev protocol.CloseRequested) protocol.Reply {
	t, err := d.tickets.Ticket(ctx, ev.ChannelID)
	if errors.Is(err, lifecycle.ErrNotTicket) {
		return protocol.Text(msgNotTicket)
	}
	if err != nil {
		d.logger.Error("load ticket", "channel", ev.ChannelID, "error", err)
		return protocol.Text(msgGenericError)
	}
	if !d.tickets.CanClose(ev.Actor, t) {
		return protocol.Text(msgCannotClose)
	}
	if !t.IsOpen() {
		return protocol.Text(msgAlreadyClosed)
	}

	closed, err := d.tickets.CloseTicket(ctx, ev.ChannelID, ev.Actor.UserID)
	if err != nil {
		d.logger.Error("close ticket", "channel", ev.ChannelID, "error", err)
		return protocol.Text(msgGenericError)
	}
	if !closed {
		return protocol.Text(msgAlreadyClosed)
	}
	return protocol.Text(msgClosing)
}

func (d *Dispatcher) bindEmail(ctx context.Context, ev protocol.EmailBindSubmitted) protocol.Reply {
	if !d.pullEnabled() {
		return protocol.Text(msgPullDisabled)
	}
	email, ok := normalizeEmail(ev.Email)
	if !ok {
		return protocol.Text(msgInvalidEmail)
	}

	spent, err := d.site.Link(ctx, ev.Actor.UserID, email)
	if err != nil {
		d.metrics.TierSynced("pull", "site_error")
		return d.siteFailure(msgBindFailed, ev.Actor.UserID, err)
	}
	return d.applyTier(ctx, ev.Actor.UserID, spent)
}

func (d *Dispatcher) refreshTier(ctx context.Context, ev protocol.TierRefreshRequested) protocol.Reply {
	if !d.pullEnabled() {
		return protocol.Text(msgPullDisabled)
	}
	spent, err := d.site.Refresh(ctx, ev.Actor.UserID)
	if err != nil {
		d.metrics.TierSynced("pull", "site_error")
		return d.siteFailure(msgRefreshFailed, ev.Actor.UserID, err)
	}
	return d.applyTier(ctx, ev.Actor.UserID, spent)
}

func (d *Dispatcher) applyTier(ctx context.Context, userID string, spent decimal.Decimal) protocol.Reply {
	res, err := d.tiers.Apply(ctx, userID, spent)
	switch {
	case errors.Is(err, tier.ErrNoTierMatched):
		d.metrics.TierSynced("pull", "no_tier")
		return protocol.Text(msgNoTier)
	case errors.Is(err, tier.ErrMemberNotFound):
		d.metrics.TierSynced("pull", "not_found")
		return protocol.Text(msgNotInGuild)
	case err != nil:
		d.metrics.TierSynced("pull", "error")
		d.logger.Error("apply tier", "user", userID, "error", err)
		return protocol.Text(msgGenericError)
	}

	d.metrics.TierSynced("pull", "ok")
	if len(res.Failed) > 0 {
		return protocol.Text(fmt.Sprintf(msgTierAppliedNotice, res.RoleID(), spent.StringFixed(0)))
	}
	return protocol.Text(fmt.Sprintf(msgTierApplied, res.RoleID(), spent.StringFixed(0)))
}

// siteFailure maps a site error to a coarse member-facing message.
func (d *Dispatcher) siteFailure(format, userID string, err error) protocol.Reply {
	var apiErr *site.APIError
	if !errors.As(err, &apiErr) {
		d.logger.Error("site call failed", "user", userID, "error", err)
		return protocol.Text(msgSiteUnavailable)
	}
	d.logger.Warn("site rejected request", "user", userID, "status", apiErr.Status, "message", apiErr.Message)
	switch {
	case apiErr.Status == http.StatusNotFound:
		return protocol.Text(msgNotLinked)
	case apiErr.Status >= 500:
		return protocol.Text(msgSiteUnavailable)
	case apiErr.Message != "":
		return protocol.Text(fmt.Sprintf(format, apiErr.Message))
	}
	return protocol.Text(msgGenericError)
}

func (d *Dispatcher) pullEnabled() bool {
	return d.cfg.PullMode && d.site != nil
}

// normalizeEmail accepts a bare address and returns it lowercased.
func normalizeEmail(s string) (string, bool) {
	s = strings.TrimSpace(s)
	addr, err := mail.ParseAddress(s)
	if err != nil || addr.Address != s || addr.Name != "" {
		return "", false
	}
	return strings.ToLower(s), true
}
