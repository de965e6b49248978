package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/h1v3-io/deskbot/internal/logbuf"
	"github.com/h1v3-io/deskbot/internal/observability"
	"github.com/h1v3-io/deskbot/internal/tier"
	"github.com/h1v3-io/deskbot/pkg/protocol"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/shopspring/decimal"
)

// SecretHeader authenticates the shop site and deskctl.
const SecretHeader = "X-API-Secret"

// LogQuerier abstracts log entry querying to avoid coupling to logbuf directly.
type LogQuerier interface {
	Query(f logbuf.Filter) []logbuf.Entry
}

// TierSyncer applies a spend amount to a member's tier role.
type TierSyncer interface {
	Apply(ctx context.Context, userID string, spent decimal.Decimal) (tier.Result, error)
}

// Config holds API server configuration.
type Config struct {
	Host   string
	Port   int
	Secret string // shared secret; empty rejects every protected call
}

// Server is the bot's HTTP surface: the tier sync webhook, health, metrics
// and recent logs.
type Server struct {
	tiers   TierSyncer
	cfg     Config
	logger  *slog.Logger
	logs    LogQuerier
	metrics *observability.Metrics
	echo    *echo.Echo
	addr    string
}

// NewServer creates a new API server. logs and metrics may be nil.
func NewServer(tiers TierSyncer, cfg Config, logger *slog.Logger, logs LogQuerier, metrics *observability.Metrics) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		tiers:   tiers,
		cfg:     cfg,
		logger:  logger.With("component", "api"),
		logs:    logs,
		metrics: metrics,
		addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(s.observe)

	e.GET("/", s.handleHealth)
	e.POST("/sync-role", s.handleSyncRole, s.requireSecret)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))
	e.GET("/api/logs", s.handleGetLogs, s.requireSecret)

	s.echo = e
	return s
}

// Start begins listening. Blocks until context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.echo.Shutdown(shutCtx)
	}()

	s.logger.Info("api server starting", "addr", s.addr)
	if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// --- Middleware ---

// observe records every request in metrics and the debug log.
func (s *Server) observe(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		if err := next(c); err != nil {
			c.Error(err)
		}
		status := c.Response().Status
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.HTTPRequest(route, c.Request().Method, status, time.Since(start))
		s.logger.Debug("http request",
			"method", c.Request().Method,
			"path", c.Request().URL.Path,
			"status", status,
			"duration", time.Since(start),
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
		)
		return nil
	}
}

func (s *Server) requireSecret(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		got := c.Request().Header.Get(SecretHeader)
		if s.cfg.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Secret)) != 1 {
			return c.JSON(http.StatusUnauthorized, errorBody("unauthorized"))
		}
		return next(c)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

type syncRoleRequest struct {
	DiscordUserID json.Number      `json:"discordUserId"`
	TotalSpent    *decimal.Decimal `json:"totalSpent"`
}

type syncRoleResponse struct {
	OK           bool   `json:"ok"`
	TargetRoleID string `json:"targetRoleId,omitempty"`
	Error        string `json:"error,omitempty"`
}

func errorBody(msg string) syncRoleResponse {
	return syncRoleResponse{OK: false, Error: msg}
}

func (s *Server) handleSyncRole(c echo.Context) error {
	var req syncRoleRequest
	if err := json.NewDecoder(c.Request().Body).Decode(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody("invalid request body"))
	}
	userID := req.DiscordUserID.String()
	if userID == "" {
		return c.JSON(http.StatusBadRequest, errorBody("missing discordUserId"))
	}
	if !protocol.ValidSnowflake(userID) {
		return c.JSON(http.StatusBadRequest, errorBody("invalid discordUserId"))
	}
	spent := decimal.Zero
	if req.TotalSpent != nil {
		spent = *req.TotalSpent
	}

	res, err := s.tiers.Apply(c.Request().Context(), userID, spent)
	switch {
	case errors.Is(err, tier.ErrNoTierMatched):
		s.metrics.TierSynced("push", "no_tier")
		return c.JSON(http.StatusBadRequest, errorBody("no tier role matched"))
	case errors.Is(err, tier.ErrMemberNotFound):
		s.metrics.TierSynced("push", "not_found")
		return c.JSON(http.StatusNotFound, errorBody("member not found in guild"))
	case err != nil:
		s.metrics.TierSynced("push", "error")
		s.logger.Error("sync-role failed", "user", userID, "error", err)
		return c.JSON(http.StatusInternalServerError, errorBody("server error"))
	}

	s.metrics.TierSynced("push", "ok")
	return c.JSON(http.StatusOK, syncRoleResponse{OK: true, TargetRoleID: res.RoleID()})
}

func (s *Server) handleGetLogs(c echo.Context) error {
	if s.logs == nil {
		return c.JSON(http.StatusOK, []logbuf.Entry{})
	}

	f := logbuf.Filter{
		MinLevel:  slog.LevelDebug,
		Component: c.QueryParam("component"),
		Contains:  c.QueryParam("q"),
		Limit:     200,
	}
	if lvl := c.QueryParam("level"); lvl != "" {
		f.MinLevel = logbuf.ParseLevel(lvl)
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			f.Limit = n
		}
	}
	if v := c.QueryParam("since"); v != "" {
		since, err := parseSince(v, time.Now())
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorBody(err.Error()))
		}
		f.Since = since
	}

	entries := s.logs.Query(f)
	if entries == nil {
		entries = []logbuf.Entry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// parseSince accepts an RFC 3339 timestamp or a lookback duration such as 15m.
func parseSince(v string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return time.Time{}, fmt.Errorf("invalid since %q", v)
	}
	return now.Add(-d), nil
}
