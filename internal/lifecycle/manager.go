// Package lifecycle drives a ticket from creation through auto-close to
// channel deletion, and re-arms its timers after a restart.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/h1v3-io/deskbot/internal/ticket"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

var (
	ErrNotTicket       = errors.New("lifecycle: channel is not a ticket")
	ErrUnknownCategory = errors.New("lifecycle: unknown ticket category")
)

// ExistingTicketError is returned by CreateTicket when the owner already
// has an open ticket.
type ExistingTicketError struct {
	Ticket *protocol.Ticket
}

func (e *ExistingTicketError) Error() string {
	return fmt.Sprintf("lifecycle: user %s already has open ticket %s", e.Ticket.OwnerID, e.Ticket.ChannelID)
}

// NoticeKind selects the message posted into a ticket channel.
type NoticeKind int

const (
	NoticeOpened NoticeKind = iota
	NoticeCloseWarning
	NoticeTimedOut
	NoticeClosed
	NoticeDeleting
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeOpened:
		return "opened"
	case NoticeCloseWarning:
		return "close_warning"
	case NoticeTimedOut:
		return "timed_out"
	case NoticeClosed:
		return "closed"
	case NoticeDeleting:
		return "deleting"
	}
	return fmt.Sprintf("notice(%d)", int(k))
}

// Notice is a message the platform renders into a ticket channel.
type Notice struct {
	Kind       NoticeKind
	Ticket     *protocol.Ticket
	ClosedBy   string // user ID; empty when closed by the timer
	AutoClose  time.Duration
	AutoDelete time.Duration
}

// ChannelRequest describes the private channel to create for a ticket.
type ChannelRequest struct {
	OwnerID   string
	OwnerName string
	Category  protocol.TicketCategory
}

// Platform is the chat side of the lifecycle.
type Platform interface {
	CreateTicketChannel(ctx context.Context, req ChannelRequest) (string, error)
	Notify(ctx context.Context, channelID string, n Notice) error
	RevokeSend(ctx context.Context, channelID, userID string) error
	DeleteChannel(ctx context.Context, channelID, reason string) error
	ChannelExists(ctx context.Context, channelID string) (bool, error)
}

// Timers arms keyed one-shot callbacks. Scheduling an existing key
// replaces the pending callback.
type Timers interface {
	Schedule(key string, at time.Time, fn func())
	Cancel(key string) bool
}

// Config holds the lifecycle durations.
type Config struct {
	AutoClose     time.Duration
	AutoDelete    time.Duration // 0 disables deletion
	WarnBefore    time.Duration
	MinDelay      time.Duration
	SupportRoleID string
}

func (c Config) withDefaults() Config {
	if c.AutoClose <= 0 {
		c.AutoClose = 60 * time.Minute
	}
	if c.AutoDelete < 0 {
		c.AutoDelete = 0
	}
	if c.WarnBefore <= 0 {
		c.WarnBefore = 5 * time.Minute
	}
	if c.MinDelay <= 0 {
		c.MinDelay = time.Second
	}
	return c
}

// Manager owns ticket state transitions. All mutations of one channel are
// serialized, as are ticket creations for one owner.
type Manager struct {
	store    ticket.Store
	platform Platform
	timers   Timers
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics

	channels keyedMutex
	owners   keyedMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

func WithMetrics(mt *observability.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// New creates a manager.
func New(store ticket.Store, platform Platform, timers Timers, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		platform: platform,
		timers:   timers,
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(m)
	}
	m.logger = m.logger.With("component", "lifecycle")
	return m
}

// clock returns the current time at the millisecond precision the store keeps.
func (m *Manager) clock() time.Time {
	return time.UnixMilli(m.now().UnixMilli())
}

func closeKey(channelID string) string  { return "close:" + channelID }
func deleteKey(channelID string) string { return "delete:" + channelID }

func warnKey(channelID string, closeAt time.Time) string {
	return fmt.Sprintf("warn:%s:%d", channelID, closeAt.UnixMilli())
}

// CreateTicket opens a ticket channel for owner. It fails with an
// *ExistingTicketError if the owner already has an open ticket.
func (m *Manager) CreateTicket(ctx context.Context, owner protocol.Actor, category protocol.TicketCategory) (*protocol.Ticket, error) {
	if _, ok := protocol.LookupCategory(category); !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, category)
	}

	unlock := m.owners.Lock(owner.UserID)
	defer unlock()

	existing, err := m.FindOpenTicket(ctx, owner.UserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &ExistingTicketError{Ticket: existing}
	}

	channelID, err := m.platform.CreateTicketChannel(ctx, ChannelRequest{
		OwnerID:   owner.UserID,
		OwnerName: owner.Username,
		Category:  category,
	})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: create channel: %w", err)
	}

	now := m.clock()
	t := &protocol.Ticket{
		ChannelID: channelID,
		OwnerID:   owner.UserID,
		Category:  category,
		Status:    protocol.TicketOpen,
		CreatedAt: now,
		CloseAt:   now.Add(m.cfg.AutoClose),
	}
	if err := m.store.Put(ctx, channelID, ticket.Encode(t)); err != nil {
		// An untracked channel would never close; take it down again.
		if derr := m.platform.DeleteChannel(ctx, channelID, "ticket setup failed"); derr != nil {
			m.logger.Warn("orphan ticket channel left behind", "channel", channelID, "error", derr)
		}
		return nil, fmt.Errorf("lifecycle: persist ticket: %w", err)
	}

	m.notify(ctx, channelID, Notice{Kind: NoticeOpened, Ticket: t})
	if err := m.ScheduleAutoClose(ctx, channelID); err != nil {
		m.logger.Error("arm auto-close", "channel", channelID, "error", err)
	}

	m.metrics.TicketOpened(string(category))
	m.logger.Info("ticket opened", "channel", channelID, "owner", owner.UserID, "category", category)
	return t, nil
}

// FindOpenTicket returns the owner's open ticket, or nil. Records whose
// channel has disappeared are forgotten on the way.
func (m *Manager) FindOpenTicket(ctx context.Context, ownerID string) (*protocol.Ticket, error) {
	records, err := m.store.List(ctx, ticket.Filter{OwnerID: ownerID, Status: protocol.TicketOpen})
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list tickets: %w", err)
	}
	for _, r := range records {
		t, ok := r.Meta.Ticket(r.ChannelID)
		if !ok {
			continue
		}
		exists, err := m.platform.ChannelExists(ctx, r.ChannelID)
		if err != nil {
			m.logger.Warn("channel lookup failed, assuming it exists", "channel", r.ChannelID, "error", err)
			return t, nil
		}
		if !exists {
			m.Forget(ctx, r.ChannelID)
			continue
		}
		return t, nil
	}
	return nil, nil
}

// Ticket returns the ticket bound to channelID, or ErrNotTicket.
func (m *Manager) Ticket(ctx context.Context, channelID string) (*protocol.Ticket, error) {
	return m.load(ctx, channelID)
}

// CanClose reports whether actor may close t: admins, holders of the
// support role and the ticket owner.
func (m *Manager) CanClose(actor protocol.Actor, t *protocol.Ticket) bool {
	return actor.IsAdmin || actor.HasRole(m.cfg.SupportRoleID) || actor.UserID == t.OwnerID
}

// CloseTicket closes the ticket in channelID. It reports false, without
// error, when the channel is not a ticket or is already closed. An empty
// closedBy marks an automatic close.
func (m *Manager) CloseTicket(ctx context.Context, channelID, closedBy string) (bool, error) {
	unlock := m.channels.Lock(channelID)
	defer unlock()
	return m.closeLocked(ctx, channelID, closedBy)
}

func (m *Manager) closeLocked(ctx context.Context, channelID, closedBy string) (bool, error) {
	t, err := m.load(ctx, channelID)
	if errors.Is(err, ErrNotTicket) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if t.Status == protocol.TicketClosed {
		return false, nil
	}

	m.timers.Cancel(closeKey(channelID))

	now := m.clock()
	kv := ticket.Pairs(ticket.KeyStatus, string(protocol.TicketClosed))
	kv.SetTime(ticket.KeyClosedAt, now)
	if _, err := m.store.Merge(ctx, channelID, kv); err != nil {
		return false, fmt.Errorf("lifecycle: close %s: %w", channelID, err)
	}
	t.Status = protocol.TicketClosed
	t.ClosedAt = now

	if err := m.platform.RevokeSend(ctx, channelID, t.OwnerID); err != nil {
		m.logger.Warn("revoke send permission", "channel", channelID, "owner", t.OwnerID, "error", err)
	}
	m.notify(ctx, channelID, Notice{Kind: NoticeClosed, Ticket: t, ClosedBy: closedBy})

	reason := "manual"
	if closedBy == "" {
		reason = "timeout"
	}
	m.metrics.TicketClosed(reason)
	m.logger.Info("ticket closed", "channel", channelID, "reason", reason, "by", closedBy)

	if err := m.scheduleAutoDeleteLocked(ctx, channelID); err != nil {
		m.logger.Error("arm auto-delete", "channel", channelID, "error", err)
	}
	return true, nil
}

// ScheduleAutoClose (re)arms the close timer of an open ticket from its
// stored close_at, deriving and persisting close_at when it is missing.
// The pre-close warning is armed only if it is still far enough ahead.
func (m *Manager) ScheduleAutoClose(ctx context.Context, channelID string) error {
	unlock := m.channels.Lock(channelID)
	defer unlock()
	return m.scheduleAutoCloseLocked(ctx, channelID)
}

func (m *Manager) scheduleAutoCloseLocked(ctx context.Context, channelID string) error {
	t, err := m.load(ctx, channelID)
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return nil
	}

	now := m.clock()
	closeAt := t.CloseAt
	if closeAt.IsZero() {
		base := t.CreatedAt
		if base.IsZero() {
			base = now
		}
		closeAt = base.Add(m.cfg.AutoClose)
		var kv ticket.Metadata
		kv.SetTime(ticket.KeyCloseAt, closeAt)
		if _, err := m.store.Merge(ctx, channelID, kv); err != nil {
			m.logger.Warn("persist close_at", "channel", channelID, "error", err)
		}
	}

	fireAt := now.Add(max(m.cfg.MinDelay, closeAt.Sub(now)))
	m.timers.Schedule(closeKey(channelID), fireAt, func() { m.fireClose(channelID) })

	if warnAt := closeAt.Add(-m.cfg.WarnBefore); warnAt.Sub(now) > m.cfg.MinDelay {
		m.timers.Schedule(warnKey(channelID, closeAt), warnAt, func() { m.fireWarning(channelID, closeAt) })
	}

	m.logger.Debug("auto-close armed", "channel", channelID, "close_at", closeAt, "fires_at", fireAt)
	return nil
}

// ScheduleAutoDelete (re)arms the delete timer of a closed ticket at its
// stored delete_at. A missing delete_at is derived from closed_at plus the
// auto-delete delay and persisted, along with closed_at when that is missing
// too, so repeated passes agree on the deadline. It does nothing when
// deletion is disabled.
func (m *Manager) ScheduleAutoDelete(ctx context.Context, channelID string) error {
	unlock := m.channels.Lock(channelID)
	defer unlock()
	return m.scheduleAutoDeleteLocked(ctx, channelID)
}

func (m *Manager) scheduleAutoDeleteLocked(ctx context.Context, channelID string) error {
	if m.cfg.AutoDelete <= 0 {
		return nil
	}
	t, err := m.load(ctx, channelID)
	if err != nil {
		return err
	}
	if t.Status != protocol.TicketClosed {
		return nil
	}

	m.timers.Cancel(deleteKey(channelID))

	now := m.clock()
	deleteAt := t.DeleteAt
	if deleteAt.IsZero() {
		var kv ticket.Metadata
		closedAt := t.ClosedAt
		if closedAt.IsZero() {
			closedAt = now
			kv.SetTime(ticket.KeyClosedAt, closedAt)
		}
		deleteAt = closedAt.Add(m.cfg.AutoDelete)
		kv.SetTime(ticket.KeyDeleteAt, deleteAt)
		if _, err := m.store.Merge(ctx, channelID, kv); err != nil {
			m.logger.Warn("persist delete_at", "channel", channelID, "error", err)
		}
	}

	fireAt := now.Add(max(m.cfg.MinDelay, deleteAt.Sub(now)))
	m.timers.Schedule(deleteKey(channelID), fireAt, func() { m.fireDelete(channelID) })
	m.logger.Debug("auto-delete armed", "channel", channelID, "delete_at", deleteAt, "fires_at", fireAt)
	return nil
}

// BumpActivity pushes the close deadline of an open ticket to now plus the
// auto-close delay.
func (m *Manager) BumpActivity(ctx context.Context, channelID string) error {
	unlock := m.channels.Lock(channelID)
	defer unlock()

	t, err := m.load(ctx, channelID)
	if errors.Is(err, ErrNotTicket) {
		return nil
	}
	if err != nil {
		return err
	}
	if !t.IsOpen() {
		return nil
	}

	now := m.clock()
	var kv ticket.Metadata
	kv.SetTime(ticket.KeyLastActivityAt, now)
	kv.SetTime(ticket.KeyCloseAt, now.Add(m.cfg.AutoClose))
	if _, err := m.store.Merge(ctx, channelID, kv); err != nil {
		return fmt.Errorf("lifecycle: bump %s: %w", channelID, err)
	}
	return m.scheduleAutoCloseLocked(ctx, channelID)
}

// Forget cancels the channel's timers and drops its record.
func (m *Manager) Forget(ctx context.Context, channelID string) {
	unlock := m.channels.Lock(channelID)
	defer unlock()

	m.timers.Cancel(closeKey(channelID))
	m.timers.Cancel(deleteKey(channelID))
	if err := m.store.Delete(ctx, channelID); err != nil {
		m.logger.Warn("forget ticket", "channel", channelID, "error", err)
		return
	}
	m.logger.Info("ticket forgotten", "channel", channelID)
}

func (m *Manager) fireClose(channelID string) {
	ctx := context.Background()
	unlock := m.channels.Lock(channelID)
	defer unlock()

	t, err := m.load(ctx, channelID)
	if err != nil {
		m.logger.Warn("close timer: load ticket", "channel", channelID, "error", err)
		return
	}
	if !t.IsOpen() {
		return
	}
	m.notify(ctx, channelID, Notice{Kind: NoticeTimedOut, Ticket: t})
	if _, err := m.closeLocked(ctx, channelID, ""); err != nil {
		m.logger.Error("auto-close", "channel", channelID, "error", err)
	}
}

// fireWarning posts the pre-close notice, unless the ticket was closed or
// its deadline moved since the warning was armed.
func (m *Manager) fireWarning(channelID string, closeAt time.Time) {
	ctx := context.Background()
	unlock := m.channels.Lock(channelID)
	defer unlock()

	t, err := m.load(ctx, channelID)
	if err != nil || !t.IsOpen() {
		return
	}
	if !t.CloseAt.IsZero() && !t.CloseAt.Equal(closeAt) {
		return
	}
	m.notify(ctx, channelID, Notice{Kind: NoticeCloseWarning, Ticket: t})
}

func (m *Manager) fireDelete(channelID string) {
	ctx := context.Background()
	unlock := m.channels.Lock(channelID)
	defer unlock()

	t, err := m.load(ctx, channelID)
	if err != nil {
		m.logger.Warn("delete timer: load ticket", "channel", channelID, "error", err)
		return
	}
	if t.Status != protocol.TicketClosed {
		return
	}

	m.notify(ctx, channelID, Notice{Kind: NoticeDeleting, Ticket: t})
	if err := m.platform.DeleteChannel(ctx, channelID, "auto delete closed ticket"); err != nil {
		// Keep the record so the next rehydration retries.
		m.logger.Error("delete ticket channel", "channel", channelID, "error", err)
		return
	}
	if err := m.store.Delete(ctx, channelID); err != nil {
		m.logger.Warn("drop deleted ticket", "channel", channelID, "error", err)
	}
	m.metrics.TicketDeleted()
	m.logger.Info("ticket channel deleted", "channel", channelID)
}

func (m *Manager) load(ctx context.Context, channelID string) (*protocol.Ticket, error) {
	meta, err := m.store.Get(ctx, channelID)
	if errors.Is(err, ticket.ErrNotFound) {
		return nil, ErrNotTicket
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: load %s: %w", channelID, err)
	}
	t, ok := meta.Ticket(channelID)
	if !ok {
		return nil, ErrNotTicket
	}
	return t, nil
}

func (m *Manager) notify(ctx context.Context, channelID string, n Notice) {
	n.AutoClose = m.cfg.AutoClose
	n.AutoDelete = m.cfg.AutoDelete
	if err := m.platform.Notify(ctx, channelID, n); err != nil {
		m.logger.Warn("post notice", "channel", channelID, "notice", n.Kind, "error", err)
	}
}
