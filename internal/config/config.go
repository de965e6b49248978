package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/h1v3-io/deskbot/internal/tier"
	"github.com/h1v3-io/deskbot/pkg/protocol"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Ticket store backends.
const (
	StoreSQLite = "sqlite"
	StoreTopic  = "topic"
)

// Member sync modes: the site pushes spend to /sync-role, or the bot pulls
// it from the site when a member asks.
const (
	SyncPush = "push"
	SyncPull = "pull"
)

// Config is the top-level deskbot configuration.
type Config struct {
	Discord DiscordConfig `json:"discord"`
	Panel   PanelConfig   `json:"panel"`
	Tickets TicketConfig  `json:"tickets"`
	API     APIConfig     `json:"api"`
	Tiers   []TierSpec    `json:"tiers"`
	Site    SiteConfig    `json:"site"`
}

// DiscordConfig holds the bot credentials and guild layout.
type DiscordConfig struct {
	Token            string `json:"token"`
	GuildID          string `json:"guild_id"`
	SupportRoleID    string `json:"support_role_id"`
	TicketCategoryID string `json:"ticket_category_id,omitempty"`
}

// PanelConfig holds what the panels and ticket intro link to.
type PanelConfig struct {
	LogoURL         string `json:"logo_url,omitempty"`
	GuideChannelID  string `json:"guide_channel_id,omitempty"`
	StatusChannelID string `json:"status_channel_id,omitempty"`
	UpdateChannelID string `json:"update_channel_id,omitempty"`
}

// TicketConfig holds lifecycle timers and storage.
type TicketConfig struct {
	AutoCloseMinutes  *int   `json:"auto_close_minutes,omitempty"`  // nil = default, floored at 1
	AutoDeleteMinutes *int   `json:"auto_delete_minutes,omitempty"` // nil = default, 0 disables
	KeepAlive         bool   `json:"keepalive,omitempty"`
	Store             string `json:"store,omitempty"`          // "sqlite" (default) or "topic"
	DataDir           string `json:"data_dir,omitempty"`
	SweepSchedule     string `json:"sweep_schedule,omitempty"` // cron spec, empty = boot only
}

// APIConfig holds HTTP server settings.
type APIConfig struct {
	Host   string `json:"host"`
	Port   int    `json:"port"`
	Secret string `json:"secret"`
}

// TierSpec configures one spend tier.
type TierSpec struct {
	Name     string          `json:"name"`
	RoleID   string          `json:"role_id"`
	MinSpend decimal.Decimal `json:"min_spend"`
}

// SiteConfig holds the shop site settings.
type SiteConfig struct {
	BaseURL     string `json:"base_url,omitempty"`
	SyncMode    string `json:"sync_mode,omitempty"` // "push" (default) or "pull"
	ConnectPath string `json:"connect_path,omitempty"`
	RefreshPath string `json:"refresh_path,omitempty"`
}

const (
	defaultAutoCloseMinutes  = 60
	defaultAutoDeleteMinutes = 10
)

// Load reads configuration from a JSON file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv builds the config from environment variables. The given
// .env files are loaded first when they exist; variables already set in
// the environment win.
func LoadFromEnv(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Discord: DiscordConfig{
			Token:            os.Getenv("DISCORD_TOKEN"),
			GuildID:          os.Getenv("GUILD_ID"),
			SupportRoleID:    os.Getenv("SUPPORT_ROLE_ID"),
			TicketCategoryID: os.Getenv("TICKET_CATEGORY_ID"),
		},
		Panel: PanelConfig{
			LogoURL:         os.Getenv("PANEL_LOGO_URL"),
			GuideChannelID:  os.Getenv("GUIDE_CHANNEL_ID"),
			StatusChannelID: os.Getenv("STATUS_CHANNEL_ID"),
			UpdateChannelID: os.Getenv("UPDATE_CHANNEL_ID"),
		},
		Tickets: TicketConfig{
			KeepAlive:     getenvBool("TICKET_KEEPALIVE"),
			Store:         getenv("TICKET_STORE", StoreSQLite),
			DataDir:       getenv("DATA_DIR", "./data"),
			SweepSchedule: os.Getenv("TICKET_SWEEP_SCHEDULE"),
		},
		API: APIConfig{
			Host:   getenv("HOST", "0.0.0.0"),
			Port:   getenvInt("PORT", 8000),
			Secret: os.Getenv("API_SECRET"),
		},
		Site: SiteConfig{
			BaseURL:     os.Getenv("SITE_BASE_URL"),
			SyncMode:    getenv("MEMBER_SYNC_MODE", SyncPush),
			ConnectPath: os.Getenv("MEMBER_CONNECT_PATH"),
			RefreshPath: os.Getenv("MEMBER_REFRESH_PATH"),
		},
	}
	for key, dst := range map[string]**int{
		"AUTO_CLOSE_MINUTES":              &cfg.Tickets.AutoCloseMinutes,
		"AUTO_DELETE_AFTER_CLOSE_MINUTES": &cfg.Tickets.AutoDeleteMinutes,
	} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("config: %s: invalid integer %q", key, v)
			}
			*dst = &n
		}
	}

	for _, t := range []struct {
		name, roleEnv, thresholdEnv, fallback string
	}{
		{"member", "ROLE_MEMBER_ID", "THRESHOLD_MEMBER", "0"},
		{"vip", "ROLE_VIP_ID", "THRESHOLD_VIP", "4000"},
		{"supreme", "ROLE_SUPREME_ID", "THRESHOLD_SUPREME", "10000"},
	} {
		raw := getenv(t.thresholdEnv, t.fallback)
		minSpend, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("config: %s: invalid amount %q", t.thresholdEnv, raw)
		}
		cfg.Tiers = append(cfg.Tiers, TierSpec{
			Name:     t.name,
			RoleID:   os.Getenv(t.roleEnv),
			MinSpend: minSpend,
		})
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Tickets.AutoCloseMinutes == nil {
		n := defaultAutoCloseMinutes
		c.Tickets.AutoCloseMinutes = &n
	}
	if c.Tickets.AutoDeleteMinutes == nil {
		n := defaultAutoDeleteMinutes
		c.Tickets.AutoDeleteMinutes = &n
	}
	if c.Tickets.Store == "" {
		c.Tickets.Store = StoreSQLite
	}
	if c.Tickets.DataDir == "" {
		c.Tickets.DataDir = "./data"
	}
	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8000
	}
	if c.Site.SyncMode == "" {
		c.Site.SyncMode = SyncPush
	}
	if c.Site.ConnectPath == "" {
		c.Site.ConnectPath = "/member/connect"
	}
	if c.Site.RefreshPath == "" {
		c.Site.RefreshPath = "/member/refresh"
	}
}

// AutoClose is the open-ticket lifetime, never below one minute.
func (c *Config) AutoClose() time.Duration {
	n := defaultAutoCloseMinutes
	if c.Tickets.AutoCloseMinutes != nil {
		n = *c.Tickets.AutoCloseMinutes
	}
	return time.Duration(max(1, n)) * time.Minute
}

// AutoDelete is the delay between close and channel deletion; 0 disables
// deletion.
func (c *Config) AutoDelete() time.Duration {
	n := defaultAutoDeleteMinutes
	if c.Tickets.AutoDeleteMinutes != nil {
		n = *c.Tickets.AutoDeleteMinutes
	}
	return time.Duration(max(0, n)) * time.Minute
}

// TierTable builds the threshold table from the tier specs.
func (c *Config) TierTable() (*tier.Table, error) {
	tiers := make([]tier.Tier, 0, len(c.Tiers))
	for _, s := range c.Tiers {
		tiers = append(tiers, tier.Tier{Name: s.Name, RoleID: s.RoleID, MinSpend: s.MinSpend})
	}
	return tier.NewTable(tiers...)
}

// PullMode reports whether members sync their tier through the bot.
func (c *Config) PullMode() bool { return c.Site.SyncMode == SyncPull }

// Validate checks for required fields.
func (c *Config) Validate() error {
	var errs []string

	if c.Discord.Token == "" {
		errs = append(errs, "discord.token (DISCORD_TOKEN) is required")
	}
	for _, id := range []struct {
		field, value string
		required     bool
	}{
		{"discord.guild_id (GUILD_ID)", c.Discord.GuildID, true},
		{"discord.support_role_id (SUPPORT_ROLE_ID)", c.Discord.SupportRoleID, true},
		{"discord.ticket_category_id", c.Discord.TicketCategoryID, false},
		{"panel.guide_channel_id", c.Panel.GuideChannelID, false},
		{"panel.status_channel_id", c.Panel.StatusChannelID, false},
		{"panel.update_channel_id", c.Panel.UpdateChannelID, false},
	} {
		switch {
		case id.value == "" && id.required:
			errs = append(errs, id.field+" is required")
		case id.value != "" && !protocol.ValidSnowflake(id.value):
			errs = append(errs, fmt.Sprintf("%s: %q is not a Discord ID", id.field, id.value))
		}
	}

	if c.Tickets.AutoDeleteMinutes != nil && *c.Tickets.AutoDeleteMinutes < 0 {
		errs = append(errs, "tickets.auto_delete_minutes must not be negative")
	}
	if c.Tickets.Store != StoreSQLite && c.Tickets.Store != StoreTopic {
		errs = append(errs, fmt.Sprintf("tickets.store must be %q or %q", StoreSQLite, StoreTopic))
	}
	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	for i, s := range c.Tiers {
		if s.RoleID != "" && !protocol.ValidSnowflake(s.RoleID) {
			errs = append(errs, fmt.Sprintf("tiers[%d].role_id: %q is not a Discord ID", i, s.RoleID))
		}
	}
	if _, err := c.TierTable(); err != nil {
		errs = append(errs, err.Error())
	}

	switch c.Site.SyncMode {
	case SyncPush:
	case SyncPull:
		if c.Site.BaseURL == "" {
			errs = append(errs, "site.base_url is required in pull mode")
		}
		if c.API.Secret == "" {
			errs = append(errs, "api.secret is required in pull mode")
		}
	default:
		errs = append(errs, fmt.Sprintf("site.sync_mode must be %q or %q", SyncPush, SyncPull))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return fallback
}

func getenvBool(key string) bool {
	b, _ := strconv.ParseBool(os.Getenv(key))
	return b
}
