package ticket

import (
	"context"
	"fmt"
)

// Channel is a guild text channel as seen by the topic store.
type Channel struct {
	ID    string
	Topic string
}

// ChannelDirectory reads and writes channel topics on the chat platform.
type ChannelDirectory interface {
	// Channels lists the guild's text channels.
	Channels(ctx context.Context) ([]Channel, error)
	// Channel fetches one channel; it returns an error wrapping ErrNotFound
	// when the channel does not exist.
	Channel(ctx context.Context, id string) (Channel, error)
	// SetTopic replaces a channel's topic.
	SetTopic(ctx context.Context, id, topic string) error
}

// TopicStore implements Store on top of channel topics, the encoding used by
// earlier deployments of the bot. The channel itself is the record, so
// Delete is a no-op.
type TopicStore struct {
	dir ChannelDirectory
}

// NewTopicStore creates a store backed by dir.
func NewTopicStore(dir ChannelDirectory) *TopicStore {
	return &TopicStore{dir: dir}
}

func (s *TopicStore) Get(ctx context.Context, channelID string) (Metadata, error) {
	ch, err := s.dir.Channel(ctx, channelID)
	if err != nil {
		return Metadata{}, fmt.Errorf("topic store: get %s: %w", channelID, err)
	}
	return ParseMetadata(ch.Topic), nil
}

func (s *TopicStore) Put(ctx context.Context, channelID string, m Metadata) error {
	if err := s.dir.SetTopic(ctx, channelID, m.String()); err != nil {
		return fmt.Errorf("topic store: put %s: %w", channelID, err)
	}
	return nil
}

func (s *TopicStore) Merge(ctx context.Context, channelID string, kv Metadata) (Metadata, error) {
	current, err := s.Get(ctx, channelID)
	if err != nil {
		return Metadata{}, err
	}
	merged := current.Merge(kv)
	if err := s.Put(ctx, channelID, merged); err != nil {
		return Metadata{}, err
	}
	return merged, nil
}

func (s *TopicStore) List(ctx context.Context, filter Filter) ([]Record, error) {
	channels, err := s.dir.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic store: list: %w", err)
	}
	var records []Record
	for _, ch := range channels {
		m := ParseMetadata(ch.Topic)
		if filter.Match(m) {
			records = append(records, Record{ChannelID: ch.ID, Meta: m})
		}
	}
	return records, nil
}

func (s *TopicStore) Delete(context.Context, string) error { return nil }
