package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	flag "github.com/spf13/pflag"

	"github.com/h1v3-io/deskbot/internal/api"
	"github.com/h1v3-io/deskbot/internal/logbuf"
	"github.com/h1v3-io/deskbot/pkg/protocol"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "sync":
		cmdSync(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func cmdHealth() {
	body, err := apiDo("GET", "/", nil)
	if err != nil {
		fail(err)
	}
	fmt.Println(string(body))
}

func cmdSync(args []string) {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: deskctl sync <userId> <totalSpent>")
		os.Exit(1)
	}
	userID := args[0]
	if !protocol.ValidSnowflake(userID) {
		fail(fmt.Errorf("invalid user id %q", userID))
	}
	spent, err := decimal.NewFromString(args[1])
	if err != nil {
		fail(fmt.Errorf("invalid amount %q", args[1]))
	}

	payload, _ := json.Marshal(map[string]any{"discordUserId": userID, "totalSpent": spent})
	body, err := apiDo("POST", "/sync-role", payload)
	if err != nil {
		fail(err)
	}
	var resp struct {
		OK           bool   `json:"ok"`
		TargetRoleID string `json:"targetRoleId"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		fail(fmt.Errorf("decode response: %w", err))
	}
	fmt.Printf("ok: role %s applied to %s\n", resp.TargetRoleID, userID)
}

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	level := fs.StringP("level", "l", "", "Minimum level (debug, info, warn, error)")
	since := fs.StringP("since", "s", "", "RFC 3339 time or lookback such as 15m")
	component := fs.StringP("component", "c", "", "Only entries from this component")
	query := fs.StringP("query", "q", "", "Substring match on the message")
	limit := fs.IntP("limit", "n", 50, "Maximum entries")
	asJSON := fs.Bool("json", false, "Print raw JSON")
	fs.Parse(args)

	q := url.Values{}
	for k, v := range map[string]string{"level": *level, "since": *since, "component": *component, "q": *query} {
		if v != "" {
			q.Set(k, v)
		}
	}
	q.Set("limit", strconv.Itoa(*limit))

	body, err := apiDo("GET", "/api/logs?"+q.Encode(), nil)
	if err != nil {
		fail(err)
	}
	if *asJSON {
		fmt.Println(string(body))
		return
	}

	var entries []logbuf.Entry
	if err := json.Unmarshal(body, &entries); err != nil {
		fail(fmt.Errorf("decode logs: %w", err))
	}
	for _, e := range entries {
		comp := e.Component
		if comp == "" {
			comp = "-"
		}
		fmt.Printf("%s %-5s %-10s %s%s\n", e.Time.Local().Format("01-02 15:04:05"), e.Level, comp, e.Message, formatAttrs(e.Attrs))
	}
}

func formatAttrs(attrs map[string]any) string {
	if len(attrs) == 0 {
		return ""
	}
	var b strings.Builder
	for k, v := range attrs {
		fmt.Fprintf(&b, " %s=%v", k, v)
	}
	return b.String()
}

// --- HTTP helpers ---

func apiDo(method, path string, body []byte) ([]byte, error) {
	base := strings.TrimRight(envOr("DESKBOT_API_URL", "http://localhost:8000"), "/")

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, base+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if secret := os.Getenv("DESKBOT_API_SECRET"); secret != "" {
		req.Header.Set(api.SecretHeader, secret)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return data, nil
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printUsage() {
	fmt.Println("deskctl - deskbot management CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                    Check daemon health")
	fmt.Println("  sync <userId> <spent>     Apply a spend amount to a member's tier role")
	fmt.Println("  logs                      Show recent log entries (--level, --since, --component, -q, -n)")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DESKBOT_API_URL     Daemon URL (default: http://localhost:8000)")
	fmt.Println("  DESKBOT_API_SECRET  Shared secret sent as " + api.SecretHeader)
}
