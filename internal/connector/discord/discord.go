// Package discord connects the bot to a single Discord guild: it turns
// gateway interactions into protocol events, renders replies, and carries
// out the channel and role calls the lifecycle and tier packages need.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/h1v3-io/deskbot/internal/connector"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// Config holds Discord connector configuration.
type Config struct {
	Token            string
	GuildID          string
	SupportRoleID    string
	TicketCategoryID string // parent category for ticket channels; empty = none

	LogoURL         string
	GuideChannelID  string
	StatusChannelID string
	UpdateChannelID string

	SiteBaseURL string
	ConnectPath string
	RefreshPath string
	PullMode    bool

	KeepAlive bool // subscribe to guild messages for keep-alive bumps
}

var commands = []*discordgo.ApplicationCommand{
	{Name: "panel", Description: "在此頻道發送客服工單面板（管理員用）"},
	{Name: "memberpanel", Description: "在此頻道發送會員獲取/更新按鈕（管理員用）"},
}

// Connector implements connector.Connector for Discord over the gateway.
type Connector struct {
	session *discordgo.Session
	cfg     Config
	logger  *slog.Logger

	handler connector.EventHandler
	onReady connector.ReadyHandler

	ctx       context.Context
	cancel    context.CancelFunc
	readyOnce sync.Once
}

// New creates a Discord connector. Handlers must be set before Start.
func New(cfg Config, logger *slog.Logger) (*Connector, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if cfg.GuildID == "" {
		return nil, fmt.Errorf("discord: guild_id is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds
	if cfg.KeepAlive {
		session.Identify.Intents |= discordgo.IntentsGuildMessages
	}

	c := &Connector{
		session: session,
		cfg:     cfg,
		logger:  logger.With("component", "discord"),
		ctx:     context.Background(),
	}
	session.AddHandler(c.handleReady)
	session.AddHandler(c.handleInteraction)
	session.AddHandler(c.handleMessage)
	session.AddHandler(c.handleChannelDelete)
	return c, nil
}

func (c *Connector) Name() string { return "discord" }

// OnEvent sets the handler that receives every translated event.
func (c *Connector) OnEvent(h connector.EventHandler) { c.handler = h }

// OnReady sets the handler run after the first successful connect.
func (c *Connector) OnReady(h connector.ReadyHandler) { c.onReady = h }

// Start opens the gateway session. Blocks until context is cancelled.
func (c *Connector) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("discord: open session: %w", err)
	}
	c.logger.Info("discord connector started", "guild", c.cfg.GuildID)

	<-c.ctx.Done()
	return c.session.Close()
}

// Stop gracefully shuts down the connector.
func (c *Connector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// recoverPanic keeps a panicking gateway handler from taking the process down.
func (c *Connector) recoverPanic(event string) {
	if r := recover(); r != nil {
		c.logger.Error("panic in gateway handler", "event", event, "panic", r)
	}
}

func (c *Connector) handleReady(s *discordgo.Session, r *discordgo.Ready) {
	defer c.recoverPanic("ready")

	c.logger.Info("discord bot ready", "user", r.User.Username, "id", r.User.ID)

	if _, err := s.ApplicationCommandBulkOverwrite(r.User.ID, c.cfg.GuildID, commands); err != nil {
		c.logger.Error("register slash commands", "error", err)
	} else {
		c.logger.Info("slash commands registered", "count", len(commands))
	}

	c.readyOnce.Do(func() {
		if c.onReady != nil {
			c.onReady(c.ctx)
		}
	})
}

func (c *Connector) handleInteraction(s *discordgo.Session, ic *discordgo.InteractionCreate) {
	defer c.recoverPanic("interaction")

	i := ic.Interaction
	if i.GuildID != "" && i.GuildID != c.cfg.GuildID {
		return
	}
	ev, deferred, ok := translateInteraction(i)
	if !ok {
		c.logger.Debug("ignoring interaction", "type", int(i.Type))
		return
	}

	if deferred {
		err := s.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		}, discordgo.WithContext(c.ctx))
		if err != nil {
			c.logger.Error("defer interaction", "event", fmt.Sprintf("%T", ev), "error", err)
			return
		}
	}

	reply, err := c.dispatch(ev)
	if err != nil {
		c.logger.Error("event handler", "event", fmt.Sprintf("%T", ev), "error", err)
		reply = protocol.Text(msgError)
	}
	if err := c.respond(i, reply, deferred); err != nil {
		c.logger.Error("reply to interaction", "event", fmt.Sprintf("%T", ev), "error", err)
	}
}

func (c *Connector) dispatch(ev protocol.Event) (protocol.Reply, error) {
	if c.handler == nil {
		return protocol.Reply{}, fmt.Errorf("discord: no event handler")
	}
	return c.handler(c.ctx, ev)
}

func (c *Connector) respond(i *discordgo.Interaction, reply protocol.Reply, deferred bool) error {
	if reply.Kind == protocol.ReplyNone {
		if deferred {
			return c.session.InteractionResponseDelete(i, discordgo.WithContext(c.ctx))
		}
		return nil
	}
	data := c.renderReply(reply)

	if reply.Kind == protocol.ReplyEmailForm {
		return c.session.InteractionRespond(i, &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseModal,
			Data: data,
		}, discordgo.WithContext(c.ctx))
	}
	if deferred {
		_, err := c.session.InteractionResponseEdit(i, &discordgo.WebhookEdit{
			Content:    &data.Content,
			Embeds:     &data.Embeds,
			Components: &data.Components,
		}, discordgo.WithContext(c.ctx))
		return err
	}
	return c.session.InteractionRespond(i, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: data,
	}, discordgo.WithContext(c.ctx))
}

func (c *Connector) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	defer c.recoverPanic("message_create")

	if m.GuildID != c.cfg.GuildID || m.Author == nil {
		return
	}
	if _, err := c.dispatch(protocol.MessagePosted{
		ChannelID: m.ChannelID,
		AuthorID:  m.Author.ID,
		Bot:       m.Author.Bot,
	}); err != nil {
		c.logger.Warn("message handler", "channel", m.ChannelID, "error", err)
	}
}

func (c *Connector) handleChannelDelete(_ *discordgo.Session, d *discordgo.ChannelDelete) {
	defer c.recoverPanic("channel_delete")

	if d.Channel == nil || d.GuildID != c.cfg.GuildID {
		return
	}
	if _, err := c.dispatch(protocol.ChannelRemoved{ChannelID: d.ID}); err != nil {
		c.logger.Warn("channel delete handler", "channel", d.ID, "error", err)
	}
}
