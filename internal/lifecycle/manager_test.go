package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/h1v3-io/deskbot/internal/ticket"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeTimer struct {
	at time.Time
	fn func()
}

type fakeTimers struct {
	mu      sync.Mutex
	pending map[string]fakeTimer
}

func (f *fakeTimers) Schedule(key string, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		f.pending = make(map[string]fakeTimer)
	}
	f.pending[key] = fakeTimer{at: at, fn: fn}
}

func (f *fakeTimers) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.pending[key]
	delete(f.pending, key)
	return ok
}

func (f *fakeTimers) at(key string) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.pending[key]
	return t.at, ok
}

// advance moves the clock forward by d, firing due timers in time order.
func (f *fakeTimers) advance(c *fakeClock, d time.Duration) {
	target := c.Now().Add(d)
	for {
		f.mu.Lock()
		var (
			key   string
			next  fakeTimer
			found bool
		)
		for k, t := range f.pending {
			if t.at.After(target) {
				continue
			}
			if !found || t.at.Before(next.at) {
				key, next, found = k, t, true
			}
		}
		if found {
			delete(f.pending, key)
		}
		f.mu.Unlock()

		if !found {
			break
		}
		if next.at.After(c.Now()) {
			c.set(next.at)
		}
		next.fn()
	}
	c.set(target)
}

type fakePlatform struct {
	mu         sync.Mutex
	nextID     int
	channels   map[string]bool
	notices    []Notice
	noticeCh   []string
	revoked    []string
	deleted    []string
	failDelete bool
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{channels: make(map[string]bool)}
}

func (p *fakePlatform) CreateTicketChannel(_ context.Context, req ChannelRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := fmt.Sprintf("%d", 1000+p.nextID)
	p.channels[id] = true
	return id, nil
}

func (p *fakePlatform) Notify(_ context.Context, channelID string, n Notice) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notices = append(p.notices, n)
	p.noticeCh = append(p.noticeCh, channelID)
	return nil
}

func (p *fakePlatform) RevokeSend(_ context.Context, channelID, userID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked = append(p.revoked, channelID+"/"+userID)
	return nil
}

func (p *fakePlatform) DeleteChannel(_ context.Context, channelID, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete {
		return errors.New("discord unavailable")
	}
	delete(p.channels, channelID)
	p.deleted = append(p.deleted, channelID)
	return nil
}

func (p *fakePlatform) ChannelExists(_ context.Context, channelID string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channels[channelID], nil
}

func (p *fakePlatform) kinds() []NoticeKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []NoticeKind
	for _, n := range p.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (p *fakePlatform) count(kind NoticeKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

type harness struct {
	mgr      *Manager
	store    *ticket.SQLiteStore
	platform *fakePlatform
	timers   *fakeTimers
	clock    *fakeClock
	t0       time.Time
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store, err := ticket.NewSQLiteStore(filepath.Join(t.TempDir(), "tickets.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	t0 := time.UnixMilli(1_700_000_000_000)
	h := &harness{
		store:    store,
		platform: newFakePlatform(),
		timers:   &fakeTimers{},
		clock:    &fakeClock{t: t0},
		t0:       t0,
	}
	h.mgr = New(store, h.platform, h.timers, cfg, WithClock(h.clock.Now))
	return h
}

func defaultConfig() Config {
	return Config{
		AutoClose:     60 * time.Minute,
		AutoDelete:    10 * time.Minute,
		SupportRoleID: "500",
	}
}

var owner = protocol.Actor{UserID: "42", Username: "alice"}

func TestCreateTicket_ArmsCloseTimer(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	tk, err := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := tk.CloseAt.Sub(tk.CreatedAt); got != time.Hour {
		t.Errorf("close_at - created_at = %v", got)
	}

	meta, err := h.store.Get(ctx, tk.ChannelID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	created, _ := meta.Millis(ticket.KeyCreatedAt)
	closeAt, _ := meta.Millis(ticket.KeyCloseAt)
	if closeAt-created != 3_600_000 {
		t.Errorf("stored close_at - created_at = %d", closeAt-created)
	}
	if meta.Status() != protocol.TicketOpen || meta.Value(ticket.KeyType) != "pre_sale" {
		t.Errorf("meta = %q", meta.String())
	}

	at, ok := h.timers.at(closeKey(tk.ChannelID))
	if !ok || !at.Equal(h.t0.Add(time.Hour)) {
		t.Errorf("close timer = %v, %v", at, ok)
	}
	warnAt, ok := h.timers.at(warnKey(tk.ChannelID, tk.CloseAt))
	if !ok || !warnAt.Equal(h.t0.Add(55*time.Minute)) {
		t.Errorf("warn timer = %v, %v", warnAt, ok)
	}
	if kinds := h.platform.kinds(); len(kinds) != 1 || kinds[0] != NoticeOpened {
		t.Errorf("notices = %v", kinds)
	}
}

func TestCreateTicket_RejectsSecondOpenTicket(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	first, err := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = h.mgr.CreateTicket(ctx, owner, protocol.CategoryTuning)

	var existing *ExistingTicketError
	if !errors.As(err, &existing) {
		t.Fatalf("expected ExistingTicketError, got %v", err)
	}
	if existing.Ticket.ChannelID != first.ChannelID {
		t.Errorf("existing = %s, want %s", existing.Ticket.ChannelID, first.ChannelID)
	}
	if h.platform.nextID != 1 {
		t.Errorf("created %d channels", h.platform.nextID)
	}
}

func TestCreateTicket_ConcurrentSameOwner(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.mgr.CreateTicket(ctx, owner, protocol.CategoryDecode)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		}
	}
	if ok != 1 {
		t.Errorf("%d creations succeeded, want 1", ok)
	}
	if n := h.mgr.owners.size(); n != 0 {
		t.Errorf("owner locks leaked: %d", n)
	}
}

func TestCreateTicket_VanishedChannelIsForgotten(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	first, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	delete(h.platform.channels, first.ChannelID)

	second, err := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	if err != nil {
		t.Fatalf("create after vanish: %v", err)
	}
	if second.ChannelID == first.ChannelID {
		t.Fatal("expected a new channel")
	}
	if _, err := h.store.Get(ctx, first.ChannelID); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("stale record kept: %v", err)
	}
	if _, ok := h.timers.at(closeKey(first.ChannelID)); ok {
		t.Error("stale close timer kept")
	}
}

func TestCreateTicket_UnknownCategory(t *testing.T) {
	h := newHarness(t, defaultConfig())
	_, err := h.mgr.CreateTicket(context.Background(), owner, "refund")
	if !errors.Is(err, ErrUnknownCategory) {
		t.Errorf("err = %v", err)
	}
}

func TestCloseTicket_Idempotent(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryAfterSale)

	closed, err := h.mgr.CloseTicket(ctx, tk.ChannelID, "500")
	if err != nil || !closed {
		t.Fatalf("first close = %v, %v", closed, err)
	}
	closed, err = h.mgr.CloseTicket(ctx, tk.ChannelID, "500")
	if err != nil || closed {
		t.Fatalf("second close = %v, %v", closed, err)
	}

	if n := h.platform.count(NoticeClosed); n != 1 {
		t.Errorf("closed notices = %d", n)
	}
	if len(h.platform.revoked) != 1 || h.platform.revoked[0] != tk.ChannelID+"/42" {
		t.Errorf("revoked = %v", h.platform.revoked)
	}
	if _, ok := h.timers.at(closeKey(tk.ChannelID)); ok {
		t.Error("close timer still armed")
	}
	at, ok := h.timers.at(deleteKey(tk.ChannelID))
	if !ok || !at.Equal(h.t0.Add(10*time.Minute)) {
		t.Errorf("delete timer = %v, %v", at, ok)
	}

	meta, _ := h.store.Get(ctx, tk.ChannelID)
	if meta.Status() != protocol.TicketClosed {
		t.Errorf("status = %s", meta.Status())
	}
	closedAt, _ := meta.Millis(ticket.KeyClosedAt)
	deleteAt, _ := meta.Millis(ticket.KeyDeleteAt)
	if deleteAt-closedAt != 600_000 {
		t.Errorf("delete_at - closed_at = %d", deleteAt-closedAt)
	}
}

func TestCloseTicket_NotATicket(t *testing.T) {
	h := newHarness(t, defaultConfig())
	closed, err := h.mgr.CloseTicket(context.Background(), "999", "42")
	if err != nil || closed {
		t.Errorf("close = %v, %v", closed, err)
	}
}

func TestAutoClose_WarnsThenCloses(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)

	h.timers.advance(h.clock, 55*time.Minute)
	if n := h.platform.count(NoticeCloseWarning); n != 1 {
		t.Fatalf("warnings = %d", n)
	}
	if n := h.platform.count(NoticeClosed); n != 0 {
		t.Fatal("closed too early")
	}

	h.timers.advance(h.clock, 5*time.Minute)
	if n := h.platform.count(NoticeTimedOut); n != 1 {
		t.Errorf("timeout notices = %d", n)
	}
	got, err := h.mgr.Ticket(ctx, tk.ChannelID)
	if err != nil {
		t.Fatalf("ticket: %v", err)
	}
	if got.Status != protocol.TicketClosed {
		t.Errorf("status = %s", got.Status)
	}

	// Ten minutes later the channel is deleted and the record dropped.
	h.timers.advance(h.clock, 10*time.Minute)
	if len(h.platform.deleted) != 1 {
		t.Fatalf("deleted = %v", h.platform.deleted)
	}
	if n := h.platform.count(NoticeDeleting); n != 1 {
		t.Errorf("deleting notices = %d", n)
	}
	if _, err := h.mgr.Ticket(ctx, tk.ChannelID); !errors.Is(err, ErrNotTicket) {
		t.Errorf("record survived deletion: %v", err)
	}
}

func TestBumpActivity_SuppressesStaleWarning(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)

	h.timers.advance(h.clock, 30*time.Minute)
	if err := h.mgr.BumpActivity(ctx, tk.ChannelID); err != nil {
		t.Fatalf("bump: %v", err)
	}

	at, _ := h.timers.at(closeKey(tk.ChannelID))
	if !at.Equal(h.t0.Add(90 * time.Minute)) {
		t.Errorf("close timer = %v", at)
	}

	// The warning armed for the old deadline must stay silent.
	h.timers.advance(h.clock, 30*time.Minute)
	if n := h.platform.count(NoticeCloseWarning); n != 0 {
		t.Errorf("stale warning posted")
	}
	h.timers.advance(h.clock, 25*time.Minute)
	if n := h.platform.count(NoticeCloseWarning); n != 1 {
		t.Errorf("warnings = %d", n)
	}
}

func TestBumpActivity_IgnoresClosedAndUnknown(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()
	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	h.mgr.CloseTicket(ctx, tk.ChannelID, "42")

	if err := h.mgr.BumpActivity(ctx, tk.ChannelID); err != nil {
		t.Errorf("bump closed: %v", err)
	}
	if _, ok := h.timers.at(closeKey(tk.ChannelID)); ok {
		t.Error("closed ticket re-armed")
	}
	if err := h.mgr.BumpActivity(ctx, "12345"); err != nil {
		t.Errorf("bump unknown: %v", err)
	}
}

func TestRehydrate_PastDeadlineClosesPromptly(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	h.platform.channels["2001"] = true
	meta := ticket.Pairs(ticket.KeyOwner, "42", ticket.KeyType, "tuning", ticket.KeyStatus, "open")
	meta.SetTime(ticket.KeyCreatedAt, h.t0.Add(-70*time.Minute))
	meta.SetTime(ticket.KeyCloseAt, h.t0.Add(-10*time.Minute))
	h.store.Put(ctx, "2001", meta)

	stats, err := h.mgr.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if stats.Open != 1 {
		t.Errorf("stats = %+v", stats)
	}
	at, ok := h.timers.at(closeKey("2001"))
	if !ok || !at.Equal(h.t0.Add(time.Second)) {
		t.Errorf("close timer = %v, %v", at, ok)
	}
	if _, ok := h.timers.at(warnKey("2001", h.t0.Add(-10*time.Minute))); ok {
		t.Error("warning armed for a past deadline")
	}

	h.timers.advance(h.clock, time.Second)
	if n := h.platform.count(NoticeTimedOut); n != 1 {
		t.Errorf("timeout notices = %d", n)
	}
	got, _ := h.mgr.Ticket(ctx, "2001")
	if got.Status != protocol.TicketClosed {
		t.Errorf("status = %s", got.Status)
	}
}

func TestRehydrate_Mixed(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	// Open ticket without close_at: derived from created_at and persisted.
	h.platform.channels["3001"] = true
	open := ticket.Pairs(ticket.KeyOwner, "1", ticket.KeyStatus, "open")
	open.SetTime(ticket.KeyCreatedAt, h.t0.Add(-20*time.Minute))
	h.store.Put(ctx, "3001", open)

	// Closed ticket: delete timer from closed_at.
	h.platform.channels["3002"] = true
	closed := ticket.Pairs(ticket.KeyOwner, "2", ticket.KeyStatus, "closed")
	closed.SetTime(ticket.KeyClosedAt, h.t0.Add(-4*time.Minute))
	h.store.Put(ctx, "3002", closed)

	// Channel gone: forgotten.
	h.store.Put(ctx, "3003", ticket.Pairs(ticket.KeyOwner, "3", ticket.KeyStatus, "open"))

	stats, err := h.mgr.Rehydrate(ctx)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if stats != (RehydrateStats{Open: 1, Closed: 1, Forgotten: 1}) {
		t.Errorf("stats = %+v", stats)
	}

	meta, _ := h.store.Get(ctx, "3001")
	closeAt, _ := meta.Time(ticket.KeyCloseAt)
	if !closeAt.Equal(h.t0.Add(40 * time.Minute)) {
		t.Errorf("close_at = %v", closeAt)
	}
	if at, _ := h.timers.at(deleteKey("3002")); !at.Equal(h.t0.Add(6 * time.Minute)) {
		t.Errorf("delete timer = %v", at)
	}
	if _, err := h.store.Get(ctx, "3003"); !errors.Is(err, ticket.ErrNotFound) {
		t.Errorf("vanished ticket kept: %v", err)
	}

	// Running again only replaces timers.
	if _, err := h.mgr.Rehydrate(ctx); err != nil {
		t.Fatalf("second rehydrate: %v", err)
	}
	if n := len(h.timers.pending); n != 3 {
		t.Errorf("pending timers = %d, want close, warn and delete", n)
	}
}

func TestRehydrate_ClosedWithPartialTimestamps(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	// Only a past delete_at: kept and fired promptly.
	h.platform.channels["4001"] = true
	stale := ticket.Pairs(ticket.KeyOwner, "1", ticket.KeyStatus, "closed")
	stale.SetTime(ticket.KeyDeleteAt, h.t0.Add(-10*time.Minute))
	h.store.Put(ctx, "4001", stale)

	// Neither closed_at nor delete_at: the first pass pins both.
	h.platform.channels["4002"] = true
	h.store.Put(ctx, "4002", ticket.Pairs(ticket.KeyOwner, "2", ticket.KeyStatus, "closed"))

	if _, err := h.mgr.Rehydrate(ctx); err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if at, _ := h.timers.at(deleteKey("4001")); !at.Equal(h.t0.Add(time.Second)) {
		t.Errorf("stale delete timer = %v", at)
	}
	meta, _ := h.store.Get(ctx, "4001")
	if deleteAt, _ := meta.Time(ticket.KeyDeleteAt); !deleteAt.Equal(h.t0.Add(-10 * time.Minute)) {
		t.Errorf("stored delete_at rewritten to %v", deleteAt)
	}

	meta, _ = h.store.Get(ctx, "4002")
	closedAt, _ := meta.Time(ticket.KeyClosedAt)
	deleteAt, _ := meta.Time(ticket.KeyDeleteAt)
	if !closedAt.Equal(h.t0) || !deleteAt.Equal(h.t0.Add(10*time.Minute)) {
		t.Errorf("closed_at = %v, delete_at = %v", closedAt, deleteAt)
	}

	// Sweeping more often than the delete delay must not push the deadline back.
	for range 6 {
		h.timers.advance(h.clock, 5*time.Minute)
		if _, err := h.mgr.Rehydrate(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}
	h.platform.mu.Lock()
	deleted := append([]string(nil), h.platform.deleted...)
	h.platform.mu.Unlock()
	if len(deleted) != 2 {
		t.Errorf("deleted = %v, want both channels", deleted)
	}
}

func TestAutoDeleteDisabled(t *testing.T) {
	cfg := defaultConfig()
	cfg.AutoDelete = 0
	h := newHarness(t, cfg)
	ctx := context.Background()

	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	h.mgr.CloseTicket(ctx, tk.ChannelID, "42")

	if _, ok := h.timers.at(deleteKey(tk.ChannelID)); ok {
		t.Error("delete timer armed with auto-delete disabled")
	}
	stats, _ := h.mgr.Rehydrate(ctx)
	if stats.Closed != 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestAutoDelete_FailureKeepsRecord(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	h.mgr.CloseTicket(ctx, tk.ChannelID, "42")
	h.platform.failDelete = true

	h.timers.advance(h.clock, 10*time.Minute)
	if _, err := h.mgr.Ticket(ctx, tk.ChannelID); err != nil {
		t.Errorf("record dropped after failed delete: %v", err)
	}
	if _, ok := h.timers.at(deleteKey(tk.ChannelID)); ok {
		t.Error("timer handle not released")
	}
}

func TestFindOpenTicket_IgnoresClosed(t *testing.T) {
	h := newHarness(t, defaultConfig())
	ctx := context.Background()

	tk, _ := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale)
	h.mgr.CloseTicket(ctx, tk.ChannelID, "42")

	got, err := h.mgr.FindOpenTicket(ctx, owner.UserID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got != nil {
		t.Errorf("found closed ticket %s", got.ChannelID)
	}
	if _, err := h.mgr.CreateTicket(ctx, owner, protocol.CategoryPreSale); err != nil {
		t.Errorf("create after close: %v", err)
	}
}

func TestCanClose(t *testing.T) {
	h := newHarness(t, defaultConfig())
	tk := &protocol.Ticket{ChannelID: "1", OwnerID: "42"}

	tests := []struct {
		name  string
		actor protocol.Actor
		want  bool
	}{
		{"owner", protocol.Actor{UserID: "42"}, true},
		{"admin", protocol.Actor{UserID: "7", IsAdmin: true}, true},
		{"support", protocol.Actor{UserID: "7", RoleIDs: []string{"500"}}, true},
		{"stranger", protocol.Actor{UserID: "7", RoleIDs: []string{"501"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := h.mgr.CanClose(tt.actor, tk); got != tt.want {
				t.Errorf("CanClose = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKeyedMutex(t *testing.T) {
	var k keyedMutex
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("c1")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("max holders = %d", maxInside)
	}
	if k.size() != 0 {
		t.Errorf("entries leaked: %d", k.size())
	}
}
