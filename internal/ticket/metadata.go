package ticket

import (
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// Metadata keys. The set is closed for the bot's own use, but foreign keys
// found in stored metadata are carried through every rewrite.
const (
	KeyOwner          = "ticket_owner"
	KeyType           = "ticket_type"
	KeyStatus         = "ticket_status"
	KeyCreatedAt      = "ticket_created_at"
	KeyCloseAt        = "ticket_close_at"
	KeyClosedAt       = "ticket_closed_at"
	KeyDeleteAt       = "ticket_delete_at"
	KeyLastActivityAt = "ticket_last_activity_at"
)

// KnownKeys lists the bot's keys in canonical encoding order.
var KnownKeys = []string{
	KeyOwner, KeyType, KeyStatus, KeyCreatedAt,
	KeyCloseAt, KeyClosedAt, KeyDeleteAt, KeyLastActivityAt,
}

// Metadata is an insertion-ordered set of key=value pairs, encoded as
// "k1=v1; k2=v2". The zero value is empty and ready to use.
type Metadata struct {
	keys   []string
	values map[string]string
}

// ParseMetadata decodes an encoded metadata string. Segments without '='
// and segments with an empty key are dropped; a repeated key keeps its
// first position and its last value.
func ParseMetadata(s string) Metadata {
	var m Metadata
	for _, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k, v, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		m.Set(k, strings.TrimSpace(v))
	}
	return m
}

// Pairs builds metadata from alternating key, value arguments.
func Pairs(kv ...string) Metadata {
	var m Metadata
	for i := 0; i+1 < len(kv); i += 2 {
		m.Set(kv[i], kv[i+1])
	}
	return m
}

// String encodes the metadata.
func (m Metadata) String() string {
	parts := make([]string, 0, len(m.keys))
	for _, k := range m.keys {
		parts = append(parts, k+"="+m.values[k])
	}
	return strings.Join(parts, "; ")
}

// Set assigns value to key, appending the key if it is new.
func (m *Metadata) Set(key, value string) {
	if m.values == nil {
		m.values = make(map[string]string)
	}
	if _, ok := m.values[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// SetTime stores t as epoch milliseconds.
func (m *Metadata) SetTime(key string, t time.Time) {
	m.Set(key, strconv.FormatInt(t.UnixMilli(), 10))
}

// Get returns the value for key.
func (m Metadata) Get(key string) (string, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Value returns the value for key or "".
func (m Metadata) Value(key string) string {
	return m.values[key]
}

// Millis captures the leading decimal digits of key's value.
func (m Metadata) Millis(key string) (int64, bool) {
	v, ok := m.values[key]
	if !ok {
		return 0, false
	}
	end := 0
	for end < len(v) && v[end] >= '0' && v[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(v[:end], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Time returns key's value as a timestamp.
func (m Metadata) Time(key string) (time.Time, bool) {
	ms, ok := m.Millis(key)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Len returns the number of pairs.
func (m Metadata) Len() int { return len(m.keys) }

// Keys returns the keys in order.
func (m Metadata) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Map returns a copy of the pairs as a map.
func (m Metadata) Map() map[string]string {
	out := make(map[string]string, len(m.keys))
	for _, k := range m.keys {
		out[k] = m.values[k]
	}
	return out
}

// Clone returns an independent copy.
func (m Metadata) Clone() Metadata {
	var c Metadata
	for _, k := range m.keys {
		c.Set(k, m.values[k])
	}
	return c
}

// Merge returns a copy of m with every pair of kv applied on top.
func (m Metadata) Merge(kv Metadata) Metadata {
	out := m.Clone()
	for _, k := range kv.keys {
		out.Set(k, kv.values[k])
	}
	return out
}

// IsTicket reports whether the metadata carries an owner.
func (m Metadata) IsTicket() bool {
	return m.values[KeyOwner] != ""
}

// Status returns the recorded ticket status.
func (m Metadata) Status() protocol.TicketStatus {
	return protocol.TicketStatus(m.values[KeyStatus])
}

// Ticket decodes the metadata of channelID. It reports false for
// metadata that does not describe a ticket.
func (m Metadata) Ticket(channelID string) (*protocol.Ticket, bool) {
	if !m.IsTicket() {
		return nil, false
	}
	t := &protocol.Ticket{
		ChannelID: channelID,
		OwnerID:   m.values[KeyOwner],
		Category:  protocol.TicketCategory(m.values[KeyType]),
		Status:    m.Status(),
	}
	t.CreatedAt, _ = m.Time(KeyCreatedAt)
	t.CloseAt, _ = m.Time(KeyCloseAt)
	t.ClosedAt, _ = m.Time(KeyClosedAt)
	t.DeleteAt, _ = m.Time(KeyDeleteAt)
	t.LastActivityAt, _ = m.Time(KeyLastActivityAt)
	return t, true
}

// Encode builds metadata for t in canonical key order, skipping unset
// timestamps.
func Encode(t *protocol.Ticket) Metadata {
	m := Pairs(
		KeyOwner, t.OwnerID,
		KeyType, string(t.Category),
		KeyStatus, string(t.Status),
	)
	for _, f := range []struct {
		key string
		at  time.Time
	}{
		{KeyCreatedAt, t.CreatedAt},
		{KeyCloseAt, t.CloseAt},
		{KeyClosedAt, t.ClosedAt},
		{KeyDeleteAt, t.DeleteAt},
		{KeyLastActivityAt, t.LastActivityAt},
	} {
		if !f.at.IsZero() {
			m.SetTime(f.key, f.at)
		}
	}
	return m
}
