package ticket

import (
	"maps"
	"testing"
	"time"

	"github.com/h1v3-io/deskbot/pkg/protocol"
)

func TestParseMetadata(t *testing.T) {
	m := ParseMetadata("ticket_owner=42; ticket_type=pre_sale;ticket_status=open ;; junk; =x; note=a=b")

	want := map[string]string{
		"ticket_owner":  "42",
		"ticket_type":   "pre_sale",
		"ticket_status": "open",
		"note":          "a=b",
	}
	if got := m.Map(); !maps.Equal(got, want) {
		t.Errorf("Map() = %v, want %v", got, want)
	}
	if keys := m.Keys(); keys[0] != "ticket_owner" || keys[3] != "note" {
		t.Errorf("key order = %v", keys)
	}
}

func TestParseMetadata_Empty(t *testing.T) {
	for _, s := range []string{"", "   ", ";;", "no pairs here"} {
		if m := ParseMetadata(s); m.Len() != 0 {
			t.Errorf("ParseMetadata(%q) has %d pairs", s, m.Len())
		}
	}
}

func TestRoundTrip(t *testing.T) {
	inputs := []map[string]string{
		{},
		{KeyOwner: "1"},
		{
			KeyOwner: "123", KeyType: "tuning", KeyStatus: "closed",
			KeyCreatedAt: "1700000000000", KeyCloseAt: "1700003600000",
			KeyClosedAt: "1700001000000", KeyDeleteAt: "1700001600000",
			KeyLastActivityAt: "1700000500000",
		},
	}
	for _, in := range inputs {
		var m Metadata
		for _, k := range KnownKeys {
			if v, ok := in[k]; ok {
				m.Set(k, v)
			}
		}
		got := ParseMetadata(m.String()).Map()
		if !maps.Equal(got, in) {
			t.Errorf("round trip of %v = %v", in, got)
		}
	}
}

func TestMerge(t *testing.T) {
	m := ParseMetadata("ticket_owner=7; custom=keep; ticket_status=open")
	merged := m.Merge(Pairs(KeyStatus, "closed", KeyClosedAt, "99"))

	if got := merged.String(); got != "ticket_owner=7; custom=keep; ticket_status=closed; ticket_closed_at=99" {
		t.Errorf("merged = %q", got)
	}
	// The receiver is untouched.
	if m.Value(KeyStatus) != "open" {
		t.Errorf("original mutated: %q", m.String())
	}

	count := 0
	for _, k := range merged.Keys() {
		if k == KeyStatus {
			count++
		}
	}
	if count != 1 {
		t.Errorf("status appears %d times", count)
	}
}

func TestMillis(t *testing.T) {
	m := ParseMetadata("a=1700000000000; b=123abc; c=; d=abc; e=-5")

	tests := []struct {
		key  string
		want int64
		ok   bool
	}{
		{"a", 1700000000000, true},
		{"b", 123, true},
		{"c", 0, false},
		{"d", 0, false},
		{"e", 0, false},
		{"missing", 0, false},
	}
	for _, tt := range tests {
		got, ok := m.Millis(tt.key)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Millis(%q) = %d, %v; want %d, %v", tt.key, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTicketDecode(t *testing.T) {
	created := time.UnixMilli(1700000000000)
	src := &protocol.Ticket{
		OwnerID:   "55",
		Category:  protocol.CategoryDecode,
		Status:    protocol.TicketOpen,
		CreatedAt: created,
		CloseAt:   created.Add(time.Hour),
	}
	m := Encode(src)
	if m.String() != "ticket_owner=55; ticket_type=decode; ticket_status=open; ticket_created_at=1700000000000; ticket_close_at=1700003600000" {
		t.Errorf("encoded = %q", m.String())
	}

	got, ok := m.Ticket("chan-1")
	if !ok {
		t.Fatal("expected a ticket")
	}
	if got.ChannelID != "chan-1" || got.OwnerID != "55" || !got.IsOpen() {
		t.Errorf("decoded = %+v", got)
	}
	if !got.CloseAt.Equal(created.Add(time.Hour)) {
		t.Errorf("close_at = %v", got.CloseAt)
	}
	if !got.ClosedAt.IsZero() {
		t.Errorf("closed_at should be unset, got %v", got.ClosedAt)
	}
}

func TestTicketDecode_NotATicket(t *testing.T) {
	if _, ok := ParseMetadata("ticket_status=open").Ticket("c"); ok {
		t.Error("metadata without owner must not decode as a ticket")
	}
	if _, ok := ParseMetadata("ticket_owner=; ticket_status=open").Ticket("c"); ok {
		t.Error("empty owner must not decode as a ticket")
	}
}

func TestFilterMatch(t *testing.T) {
	open := ParseMetadata("ticket_owner=1; ticket_status=open")
	closed := ParseMetadata("ticket_owner=1; ticket_status=closed")
	other := ParseMetadata("ticket_owner=2; ticket_status=open")
	plain := ParseMetadata("topic=general chat")

	f := Filter{OwnerID: "1", Status: protocol.TicketOpen}
	if !f.Match(open) {
		t.Error("open ticket of owner 1 should match")
	}
	if f.Match(closed) {
		t.Error("closed ticket must not match an open filter")
	}
	if f.Match(other) {
		t.Error("other owner must not match")
	}
	if (Filter{}).Match(plain) {
		t.Error("non-ticket metadata must never match")
	}
}
