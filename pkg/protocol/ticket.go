package protocol

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TicketStatus represents the lifecycle state of a ticket.
// Transitions only go from open to closed.
type TicketStatus string

const (
	TicketOpen   TicketStatus = "open"
	TicketClosed TicketStatus = "closed"
)

// TicketCategory is the request type chosen from the ticket panel.
type TicketCategory string

const (
	CategoryPreSale     TicketCategory = "pre_sale"
	CategoryAfterSale   TicketCategory = "after_sale"
	CategoryOrderPickup TicketCategory = "order_pickup"
	CategoryUnbind      TicketCategory = "unbind"
	CategoryTuning      TicketCategory = "tuning"
	CategoryDecode      TicketCategory = "decode"
)

// CategoryInfo describes a category as shown in the panel menu.
type CategoryInfo struct {
	Category    TicketCategory
	Label       string
	Description string
}

// Categories lists every ticket category in menu order.
var Categories = []CategoryInfo{
	{CategoryPreSale, "售前問題", "購買/付款/商品諮詢等"},
	{CategoryAfterSale, "售後問題", "商品使用/遠端/售後問題"},
	{CategoryOrderPickup, "訂單領取", "訂單領取卡密/檔案"},
	{CategoryUnbind, "卡密解綁", "更換設備/重灌需解綁"},
	{CategoryTuning, "參數調整服務", "AI自瞄參數調整(需先購買)"},
	{CategoryDecode, "人工解碼服務", "解機碼/人工處理"},
}

// LookupCategory returns the menu entry for c.
func LookupCategory(c TicketCategory) (CategoryInfo, bool) {
	for _, info := range Categories {
		if info.Category == c {
			return info, true
		}
	}
	return CategoryInfo{}, false
}

// Label returns the display label, falling back to the raw value.
func (c TicketCategory) Label() string {
	if info, ok := LookupCategory(c); ok {
		return info.Label
	}
	return string(c)
}

// Ticket is a support request bound to its own Discord channel.
// Zero timestamps mean the corresponding event has not happened yet.
type Ticket struct {
	ChannelID      string         `json:"channel_id"`
	OwnerID        string         `json:"owner_id"`
	Category       TicketCategory `json:"category"`
	Status         TicketStatus   `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	CloseAt        time.Time      `json:"close_at,omitempty"`
	ClosedAt       time.Time      `json:"closed_at,omitempty"`
	DeleteAt       time.Time      `json:"delete_at,omitempty"`
	LastActivityAt time.Time      `json:"last_activity_at,omitempty"`
}

// IsOpen reports whether the ticket still accepts messages.
func (t *Ticket) IsOpen() bool { return t.Status == TicketOpen }

// ValidSnowflake reports whether id parses as a Discord snowflake.
func ValidSnowflake(id string) bool {
	if id == "" {
		return false
	}
	n, err := snowflake.ParseString(id)
	return err == nil && n > 0
}
