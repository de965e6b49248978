package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/bwmarrin/discordgo"
	"github.com/h1v3-io/deskbot/internal/lifecycle"
	"github.com/h1v3-io/deskbot/internal/ticket"
	"github.com/h1v3-io/deskbot/internal/tier"
)

var (
	_ lifecycle.Platform      = (*Connector)(nil)
	_ tier.Guild              = (*Connector)(nil)
	_ ticket.ChannelDirectory = (*Connector)(nil)
)

func isNotFound(err error) bool {
	var restErr *discordgo.RESTError
	return errors.As(err, &restErr) && restErr.Response != nil &&
		restErr.Response.StatusCode == http.StatusNotFound
}

// --- lifecycle.Platform ---

func (c *Connector) CreateTicketChannel(ctx context.Context, req lifecycle.ChannelRequest) (string, error) {
	ch, err := c.session.GuildChannelCreateComplex(c.cfg.GuildID, discordgo.GuildChannelCreateData{
		Name:                 channelName(req.OwnerName),
		Type:                 discordgo.ChannelTypeGuildText,
		ParentID:             c.cfg.TicketCategoryID,
		PermissionOverwrites: ticketOverwrites(c.cfg.GuildID, req.OwnerID, c.cfg.SupportRoleID),
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: create channel for %s: %w", req.OwnerID, err)
	}
	c.logger.Info("ticket channel created", "channel", ch.ID, "name", ch.Name, "owner", req.OwnerID)
	return ch.ID, nil
}

func (c *Connector) Notify(ctx context.Context, channelID string, n lifecycle.Notice) error {
	msg := c.renderNotice(n)
	if msg == nil {
		return fmt.Errorf("discord: no rendering for notice %s", n.Kind)
	}
	if _, err := c.session.ChannelMessageSendComplex(channelID, msg, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: send %s notice: %w", n.Kind, err)
	}
	return nil
}

// RevokeSend leaves the owner able to read the closed ticket but not post.
func (c *Connector) RevokeSend(ctx context.Context, channelID, userID string) error {
	err := c.session.ChannelPermissionSet(channelID, userID, discordgo.PermissionOverwriteTypeMember,
		ownerAllow&^discordgo.PermissionSendMessages, discordgo.PermissionSendMessages,
		discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord: revoke send on %s: %w", channelID, err)
	}
	return nil
}

// DeleteChannel treats an already missing channel as deleted.
func (c *Connector) DeleteChannel(ctx context.Context, channelID, reason string) error {
	_, err := c.session.ChannelDelete(channelID, discordgo.WithAuditLogReason(reason), discordgo.WithContext(ctx))
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("discord: delete channel %s: %w", channelID, err)
	}
	return nil
}

func (c *Connector) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if _, err := c.session.State.Channel(channelID); err == nil {
		return true, nil
	}
	_, err := c.session.Channel(channelID, discordgo.WithContext(ctx))
	switch {
	case err == nil:
		return true, nil
	case isNotFound(err):
		return false, nil
	}
	return false, fmt.Errorf("discord: fetch channel %s: %w", channelID, err)
}

// --- tier.Guild ---

func (c *Connector) Member(ctx context.Context, userID string) (*tier.Member, error) {
	m, err := c.session.GuildMember(c.cfg.GuildID, userID, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return nil, fmt.Errorf("discord: member %s: %w", userID, tier.ErrMemberNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("discord: fetch member %s: %w", userID, err)
	}
	return &tier.Member{ID: userID, RoleIDs: m.Roles}, nil
}

func (c *Connector) AddRole(ctx context.Context, userID, roleID string) error {
	if err := c.session.GuildMemberRoleAdd(c.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: add role %s to %s: %w", roleID, userID, err)
	}
	return nil
}

func (c *Connector) RemoveRole(ctx context.Context, userID, roleID string) error {
	if err := c.session.GuildMemberRoleRemove(c.cfg.GuildID, userID, roleID, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: remove role %s from %s: %w", roleID, userID, err)
	}
	return nil
}

// --- ticket.ChannelDirectory ---

func (c *Connector) Channels(ctx context.Context) ([]ticket.Channel, error) {
	chans, err := c.session.GuildChannels(c.cfg.GuildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: list channels: %w", err)
	}
	out := make([]ticket.Channel, 0, len(chans))
	for _, ch := range chans {
		if ch.Type == discordgo.ChannelTypeGuildText {
			out = append(out, ticket.Channel{ID: ch.ID, Topic: ch.Topic})
		}
	}
	return out, nil
}

func (c *Connector) Channel(ctx context.Context, id string) (ticket.Channel, error) {
	ch, err := c.session.Channel(id, discordgo.WithContext(ctx))
	if isNotFound(err) {
		return ticket.Channel{}, fmt.Errorf("discord: channel %s: %w", id, ticket.ErrNotFound)
	}
	if err != nil {
		return ticket.Channel{}, fmt.Errorf("discord: fetch channel %s: %w", id, err)
	}
	return ticket.Channel{ID: ch.ID, Topic: ch.Topic}, nil
}

func (c *Connector) SetTopic(ctx context.Context, id, topic string) error {
	if _, err := c.session.ChannelEdit(id, &discordgo.ChannelEdit{Topic: topic}, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord: set topic on %s: %w", id, err)
	}
	return nil
}
