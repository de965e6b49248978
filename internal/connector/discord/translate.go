package discord

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

// translateInteraction maps a gateway interaction to a protocol event.
// deferred reports whether the reply may take longer than the initial
// response window and must be acknowledged first.
func translateInteraction(i *discordgo.Interaction) (ev protocol.Event, deferred, ok bool) {
	actor := actorOf(i)
	if actor.UserID == "" {
		return nil, false, false
	}

	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		switch i.ApplicationCommandData().Name {
		case "panel":
			return protocol.PanelRequested{Actor: actor, ChannelID: i.ChannelID}, false, true
		case "memberpanel":
			return protocol.MemberPanelRequested{Actor: actor, ChannelID: i.ChannelID}, false, true
		}

	case discordgo.InteractionMessageComponent:
		data := i.MessageComponentData()
		switch data.CustomID {
		case idTicketSelect:
			if len(data.Values) == 0 {
				return nil, false, false
			}
			return protocol.TicketRequested{Actor: actor, Category: protocol.TicketCategory(data.Values[0])}, true, true
		case idTicketClose:
			return protocol.CloseRequested{Actor: actor, ChannelID: i.ChannelID}, true, true
		case idMemberBind:
			return protocol.EmailFormRequested{Actor: actor}, false, true
		case idMemberRefresh:
			return protocol.TierRefreshRequested{Actor: actor}, true, true
		}

	case discordgo.InteractionModalSubmit:
		data := i.ModalSubmitData()
		if data.CustomID == idEmailForm {
			email := strings.TrimSpace(textInputValue(data.Components, idEmailInput))
			return protocol.EmailBindSubmitted{Actor: actor, Email: email}, true, true
		}
	}
	return nil, false, false
}

func actorOf(i *discordgo.Interaction) protocol.Actor {
	var a protocol.Actor
	if m := i.Member; m != nil {
		if m.User != nil {
			a.UserID = m.User.ID
			a.Username = m.User.Username
		}
		a.RoleIDs = m.Roles
		a.IsAdmin = m.Permissions&discordgo.PermissionAdministrator != 0
		return a
	}
	if i.User != nil {
		a.UserID = i.User.ID
		a.Username = i.User.Username
	}
	return a
}

// textInputValue finds a text input by custom ID in submitted modal rows.
func textInputValue(rows []discordgo.MessageComponent, id string) string {
	for _, row := range rows {
		var children []discordgo.MessageComponent
		switch r := row.(type) {
		case *discordgo.ActionsRow:
			children = r.Components
		case discordgo.ActionsRow:
			children = r.Components
		}
		for _, child := range children {
			switch in := child.(type) {
			case *discordgo.TextInput:
				if in.CustomID == id {
					return in.Value
				}
			case discordgo.TextInput:
				if in.CustomID == id {
					return in.Value
				}
			}
		}
	}
	return ""
}
