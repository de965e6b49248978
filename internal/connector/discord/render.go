package discord

import (
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/h1v3-io/deskbot/internal/lifecycle"
	"github.com/h1v3-io/deskbot/internal/site"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// Component custom IDs. These are persisted in posted panels, so renaming
// one breaks panels already sent.
const (
	idTicketSelect  = "ticket_select"
	idTicketClose   = "ticket_close"
	idMemberBind    = "member_bind"
	idMemberRefresh = "member_refresh"
	idEmailForm     = "member_email_form"
	idEmailInput    = "email"
)

const (
	msgError = "❌ 發生錯誤，請稍後再試。"
	unset    = "（未設定）"
)

const (
	ownerAllow = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionEmbedLinks
	supportAllow = discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionManageMessages |
		discordgo.PermissionManageChannels
)

// channelName derives a ticket channel name from a username: lowercase
// ASCII letters and digits only, at most 10 of them.
func channelName(username string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(username) {
		if b.Len() == 10 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "ticket-user"
	}
	return "ticket-" + b.String()
}

// ticketOverwrites hides the channel from everyone but the owner and the
// support role. The @everyone role shares the guild's ID.
func ticketOverwrites(guildID, ownerID, supportRoleID string) []*discordgo.PermissionOverwrite {
	ow := []*discordgo.PermissionOverwrite{
		{ID: guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{ID: ownerID, Type: discordgo.PermissionOverwriteTypeMember, Allow: ownerAllow},
	}
	if supportRoleID != "" {
		ow = append(ow, &discordgo.PermissionOverwrite{
			ID: supportRoleID, Type: discordgo.PermissionOverwriteTypeRole, Allow: supportAllow,
		})
	}
	return ow
}

func (c *Connector) thumbnail() *discordgo.MessageEmbedThumbnail {
	if c.cfg.LogoURL == "" {
		return nil
	}
	return &discordgo.MessageEmbedThumbnail{URL: c.cfg.LogoURL}
}

func channelMention(id string) string {
	if id == "" {
		return unset
	}
	return "<#" + id + ">"
}

// guideLinks lists only the configured guide channels.
func (c *Connector) guideLinks() []string {
	var lines []string
	if c.cfg.GuideChannelID != "" {
		lines = append(lines, "💰 **購買方式**："+channelMention(c.cfg.GuideChannelID))
	}
	if c.cfg.StatusChannelID != "" {
		lines = append(lines, "🚦 **輔助狀態**："+channelMention(c.cfg.StatusChannelID))
	}
	if c.cfg.UpdateChannelID != "" {
		lines = append(lines, "📢 **更新公告**："+channelMention(c.cfg.UpdateChannelID))
	}
	return lines
}

func (c *Connector) ticketPanel() *discordgo.InteractionResponseData {
	lines := []string{
		"請在下方選擇服務項目，系統將自動建立客服工單頻道。",
		"",
		"💰 **購買方式**：" + channelMention(c.cfg.GuideChannelID),
		"",
		"🚦 **輔助狀態**：" + channelMention(c.cfg.StatusChannelID),
		"",
		"📢 **更新公告**：" + channelMention(c.cfg.UpdateChannelID),
	}

	options := make([]discordgo.SelectMenuOption, 0, len(protocol.Categories))
	for _, info := range protocol.Categories {
		options = append(options, discordgo.SelectMenuOption{
			Label:       info.Label,
			Value:       string(info.Category),
			Description: info.Description,
		})
	}

	return &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "客服服務｜專人處理",
			Description: strings.Join(lines, "\n"),
			Thumbnail:   c.thumbnail(),
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					MenuType:    discordgo.StringSelectMenu,
					CustomID:    idTicketSelect,
					Placeholder: "選擇服務項目｜客服單將於下方開啟",
					Options:     options,
				},
			}},
		},
	}
}

// memberPanel links to the site in push mode; in pull mode the buttons
// come back to the bot.
func (c *Connector) memberPanel() *discordgo.InteractionResponseData {
	data := &discordgo.InteractionResponseData{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "會員系統｜自助領取/更新",
			Description: "請點擊下方【獲取會員】連接官網會員，或按【更新會員狀態】同步你的身分組。",
			Thumbnail:   c.thumbnail(),
		}},
	}

	var buttons []discordgo.MessageComponent
	switch {
	case c.cfg.PullMode:
		buttons = []discordgo.MessageComponent{
			discordgo.Button{Label: "獲取會員", Style: discordgo.PrimaryButton, CustomID: idMemberBind},
			discordgo.Button{Label: "更新會員狀態", Style: discordgo.SecondaryButton, CustomID: idMemberRefresh},
		}
	case c.cfg.SiteBaseURL != "":
		buttons = []discordgo.MessageComponent{
			discordgo.Button{Label: "獲取會員", Style: discordgo.LinkButton,
				URL: site.MemberURL(c.cfg.SiteBaseURL, c.cfg.ConnectPath, "")},
			discordgo.Button{Label: "更新會員狀態", Style: discordgo.LinkButton,
				URL: site.MemberURL(c.cfg.SiteBaseURL, c.cfg.RefreshPath, "")},
		}
	}
	if len(buttons) > 0 {
		data.Components = []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
	}
	return data
}

func emailForm() *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		CustomID: idEmailForm,
		Title:    "綁定官網會員",
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.TextInput{
					CustomID:    idEmailInput,
					Label:       "官網註冊 Email",
					Style:       discordgo.TextInputShort,
					Placeholder: "you@example.com",
					Required:    true,
					MinLength:   3,
					MaxLength:   254,
				},
			}},
		},
	}
}

// renderReply builds the interaction response body for a reply.
func (c *Connector) renderReply(r protocol.Reply) *discordgo.InteractionResponseData {
	var data *discordgo.InteractionResponseData
	switch r.Kind {
	case protocol.ReplyTicketPanel:
		data = c.ticketPanel()
	case protocol.ReplyMemberPanel:
		data = c.memberPanel()
	case protocol.ReplyEmailForm:
		return emailForm()
	default:
		data = &discordgo.InteractionResponseData{Content: r.Content}
	}
	if r.Ephemeral {
		data.Flags = discordgo.MessageFlagsEphemeral
	}
	return data
}

// renderNotice builds the message posted into a ticket channel.
func (c *Connector) renderNotice(n lifecycle.Notice) *discordgo.MessageSend {
	switch n.Kind {
	case lifecycle.NoticeOpened:
		return c.ticketIntro(n)
	case lifecycle.NoticeCloseWarning:
		return &discordgo.MessageSend{Content: "⏰ 提醒：此工單將於約 **5 分鐘後** 自動關閉（無需再回覆可忽略）。"}
	case lifecycle.NoticeTimedOut:
		return &discordgo.MessageSend{Content: "⏳ 此工單已超時，系統將自動關閉。如需再協助請重新開票。"}
	case lifecycle.NoticeClosed:
		who := "系統"
		if n.ClosedBy != "" {
			who = "<@" + n.ClosedBy + ">"
		}
		return &discordgo.MessageSend{Content: fmt.Sprintf("✅ 工單已關閉（由 %s）。", who)}
	case lifecycle.NoticeDeleting:
		return &discordgo.MessageSend{Content: "🧹 此工單將自動刪除以保持整潔。"}
	}
	return nil
}

func (c *Connector) ticketIntro(n lifecycle.Notice) *discordgo.MessageSend {
	t := n.Ticket
	lines := []string{
		"請依序提供以下資訊，客服會更快處理：",
		"1) 訂單編號（或付款資訊）",
		"",
		"2) 問題截圖/錄影（如有）",
		"",
		"3) 你的需求描述（越清楚越好）",
		"",
		fmt.Sprintf("⏱️ **%d 分鐘**內若未完成處理，系統會自動關閉工單。", int(n.AutoClose.Round(time.Minute).Minutes())),
	}
	if links := c.guideLinks(); len(links) > 0 {
		lines = append(lines, "")
		lines = append(lines, links...)
	}

	content := "<@" + t.OwnerID + ">"
	mentions := &discordgo.MessageAllowedMentions{Users: []string{t.OwnerID}}
	if c.cfg.SupportRoleID != "" {
		content += " <@&" + c.cfg.SupportRoleID + ">"
		mentions.Roles = []string{c.cfg.SupportRoleID}
	}

	return &discordgo.MessageSend{
		Content: content,
		Embeds: []*discordgo.MessageEmbed{{
			Title:       "客服工單：" + t.Category.Label(),
			Description: strings.Join(lines, "\n"),
			Thumbnail:   c.thumbnail(),
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "關閉工單", Style: discordgo.DangerButton, CustomID: idTicketClose},
			}},
		},
		AllowedMentions: mentions,
	}
}
