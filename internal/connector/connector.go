package connector

import (
	"context"

	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// Connector is a chat platform session that feeds interaction events to
// the bot and renders its replies.
type Connector interface {
	// Name returns the connector type (e.g., "discord").
	Name() string
	// Start opens the session. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
}

// EventHandler processes one inbound event and returns the reply to render.
type EventHandler func(ctx context.Context, ev protocol.Event) (protocol.Reply, error)

// ReadyHandler runs once the session is connected and the guild is reachable.
type ReadyHandler func(ctx context.Context)
