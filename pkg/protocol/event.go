package protocol

// Actor is the member behind an interaction.
type Actor struct {
	UserID   string
	Username string
	IsAdmin  bool
	RoleIDs  []string
}

// HasRole reports whether the actor holds roleID.
func (a Actor) HasRole(roleID string) bool {
	if roleID == "" {
		return false
	}
	for _, r := range a.RoleIDs {
		if r == roleID {
			return true
		}
	}
	return false
}

// Event is an inbound interaction. The set of implementations is closed;
// handlers switch on the concrete type.
type Event interface {
	event()
}

// PanelRequested is the /panel command.
type PanelRequested struct {
	Actor     Actor
	ChannelID string
}

// MemberPanelRequested is the /memberpanel command.
type MemberPanelRequested struct {
	Actor     Actor
	ChannelID string
}

// TicketRequested is a selection in the ticket panel menu.
type TicketRequested struct {
	Actor    Actor
	Category TicketCategory
}

// CloseRequested is a press of a ticket's close button.
type CloseRequested struct {
	Actor     Actor
	ChannelID string
}

// EmailFormRequested is a press of the member panel's bind button.
type EmailFormRequested struct {
	Actor Actor
}

// EmailBindSubmitted is the submitted email binding form.
type EmailBindSubmitted struct {
	Actor Actor
	Email string
}

// TierRefreshRequested is a press of the member panel's refresh button.
type TierRefreshRequested struct {
	Actor Actor
}

// MessagePosted is any message created in a guild channel.
type MessagePosted struct {
	ChannelID string
	AuthorID  string
	Bot       bool
}

// ChannelRemoved is a channel deleted from the guild.
type ChannelRemoved struct {
	ChannelID string
}

func (PanelRequested) event()       {}
func (MemberPanelRequested) event() {}
func (TicketRequested) event()      {}
func (CloseRequested) event()       {}
func (EmailFormRequested) event()   {}
func (EmailBindSubmitted) event()   {}
func (TierRefreshRequested) event() {}
func (MessagePosted) event()        {}
func (ChannelRemoved) event()       {}

// ReplyKind selects how a connector renders a Reply.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyText
	ReplyTicketPanel
	ReplyMemberPanel
	ReplyEmailForm
)

// Reply is the response to an interaction event.
type Reply struct {
	Kind    ReplyKind
	Content string
	// Ephemeral replies are only visible to the actor.
	Ephemeral bool
}

// Text builds an ephemeral text reply.
func Text(content string) Reply {
	return Reply{Kind: ReplyText, Content: content, Ephemeral: true}
}
