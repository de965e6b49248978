package ticket

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"testing"

	"github.com/h1v3-io/deskbot/pkg/protocol"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLite_PutAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := ParseMetadata("ticket_owner=42; ticket_type=pre_sale; ticket_status=open; ticket_created_at=1000; ticket_close_at=3601000")
	if err := s.Put(ctx, "c-1", m); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get(ctx, "c-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.String() != m.String() {
		t.Errorf("got %q, want %q", got.String(), m.String())
	}
}

func TestSQLite_GetNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_ForeignKeysSurvive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := ParseMetadata("ticket_owner=1; ticket_status=open; priority=high; note=vip")
	s.Put(ctx, "c-1", m)

	merged, err := s.Merge(ctx, "c-1", Pairs(KeyStatus, "closed"))
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	want := map[string]string{
		KeyOwner: "1", KeyStatus: "closed", "priority": "high", "note": "vip",
	}
	if !maps.Equal(merged.Map(), want) {
		t.Errorf("merged = %v", merged.Map())
	}

	got, _ := s.Get(ctx, "c-1")
	if !maps.Equal(got.Map(), want) {
		t.Errorf("stored = %v", got.Map())
	}
}

func TestSQLite_MergeMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Merge(context.Background(), "ghost", Pairs(KeyStatus, "closed"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLite_ListFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "c-open", ParseMetadata("ticket_owner=1; ticket_status=open; ticket_created_at=3000"))
	s.Put(ctx, "c-closed", ParseMetadata("ticket_owner=1; ticket_status=closed; ticket_created_at=1000"))
	s.Put(ctx, "c-other", ParseMetadata("ticket_owner=2; ticket_status=open; ticket_created_at=2000"))
	s.Put(ctx, "c-plain", ParseMetadata("something=else"))

	all, err := s.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tickets, got %d", len(all))
	}
	if all[0].ChannelID != "c-closed" || all[2].ChannelID != "c-open" {
		t.Errorf("order = %s, %s, %s", all[0].ChannelID, all[1].ChannelID, all[2].ChannelID)
	}

	open, _ := s.List(ctx, Filter{OwnerID: "1", Status: protocol.TicketOpen})
	if len(open) != 1 || open[0].ChannelID != "c-open" {
		t.Errorf("open for owner 1 = %v", open)
	}
}

func TestSQLite_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.Put(ctx, "c-1", ParseMetadata("ticket_owner=1; ticket_status=closed"))
	if err := s.Delete(ctx, "c-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(ctx, "c-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.Delete(ctx, "c-1"); err != nil {
		t.Errorf("second delete: %v", err)
	}
}

func TestSQLite_ReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persist.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := range 3 {
		s.Put(ctx, fmt.Sprintf("c-%d", i), ParseMetadata(fmt.Sprintf("ticket_owner=%d; ticket_status=open", i+1)))
	}
	s.Close()

	s, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	records, _ := s.List(ctx, Filter{})
	if len(records) != 3 {
		t.Errorf("expected 3 records after reopen, got %d", len(records))
	}
}
