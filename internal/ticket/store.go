package ticket

import (
	"context"
	"errors"

	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// ErrNotFound is returned when no metadata exists for a channel.
var ErrNotFound = errors.New("ticket: not found")

// Record is the stored metadata of one channel.
type Record struct {
	ChannelID string
	Meta      Metadata
}

// Store is the durable home of ticket metadata, keyed by channel ID.
type Store interface {
	// Get returns the metadata of a channel, or ErrNotFound.
	Get(ctx context.Context, channelID string) (Metadata, error)
	// Put replaces the metadata of a channel.
	Put(ctx context.Context, channelID string, m Metadata) error
	// Merge applies kv on top of the stored metadata and returns the result.
	// Keys not named in kv are left untouched.
	Merge(ctx context.Context, channelID string, kv Metadata) (Metadata, error)
	// List returns every ticket record matching the filter.
	List(ctx context.Context, filter Filter) ([]Record, error)
	// Delete drops a channel's metadata. Deleting a missing record is not an error.
	Delete(ctx context.Context, channelID string) error
}

// Filter constrains List. Empty fields match anything.
type Filter struct {
	OwnerID string
	Status  protocol.TicketStatus
}

// Match reports whether m is a ticket accepted by the filter.
func (f Filter) Match(m Metadata) bool {
	if !m.IsTicket() {
		return false
	}
	if f.OwnerID != "" && m.Value(KeyOwner) != f.OwnerID {
		return false
	}
	if f.Status != "" && m.Status() != f.Status {
		return false
	}
	return true
}

// Import copies every ticket in src that dst does not know yet and returns
// how many were copied.
func Import(ctx context.Context, src, dst Store) (int, error) {
	records, err := src.List(ctx, Filter{})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		_, err := dst.Get(ctx, r.ChannelID)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return n, err
		}
		if err := dst.Put(ctx, r.ChannelID, r.Meta); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
