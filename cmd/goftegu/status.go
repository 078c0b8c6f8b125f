package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/4xmen/goftegu/internal/db"
	"github.com/4xmen/goftegu/pkg/config"
)

type appStatus struct {
	GeneratedAt  time.Time     `json:"generated_at"`
	Environment  string        `json:"environment"`
	Locale       string        `json:"locale"`
	APIBaseURL   string        `json:"api_base_url"`
	WebSocketURL string        `json:"websocket_url"`
	DatabasePath string        `json:"database_path"`
	Session      sessionStatus `json:"session"`
	API          apiStatus     `json:"api"`
	Storage      storageStatus `json:"storage"`
	Warnings     []string      `json:"warnings"`
}

type sessionStatus struct {
	Known    bool      `json:"known"`
	LoggedIn bool      `json:"logged_in"`
	UserID   string    `json:"user_id,omitempty"`
	UserName string    `json:"user_name,omitempty"`
	SavedAt  time.Time `json:"saved_at,omitzero"`
}

type apiStatus struct {
	Reachable bool          `json:"reachable"`
	Latency   time.Duration `json:"-"`
	LatencyMS int64         `json:"latency_ms"`
}

type storageStatus struct {
	JournalMode    string `json:"journal_mode,omitempty"`
	FootprintBytes int64  `json:"footprint_bytes"`
}

type statusOptions struct {
	JSON bool
}

func newStatusCmd(a *app) *cobra.Command {
	var opts statusOptions
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration, session and API health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd.Context(), a.cfg, a.out, opts)
		},
	}
	cmd.Flags().BoolVarP(&opts.JSON, "json", "j", false, "print JSON")
	return cmd
}

func runStatus(ctx context.Context, cfg *config.Config, out io.Writer, opts statusOptions) error {
	status := collectStatus(ctx, cfg, &http.Client{Timeout: 3 * time.Second})
	if opts.JSON {
		return printStatusJSON(out, status)
	}
	printStatus(out, status)
	return nil
}

func collectStatus(ctx context.Context, cfg *config.Config, hc *http.Client) appStatus {
	status := appStatus{
		GeneratedAt:  time.Now(),
		Environment:  cfg.Environment,
		Locale:       cfg.Locale,
		APIBaseURL:   cfg.APIBaseURL,
		WebSocketURL: cfg.WebSocketURL,
		DatabasePath: cfg.DatabasePath,
	}

	if err := probeAPI(ctx, hc, cfg.APIBaseURL, &status.API); err != nil {
		status.Warnings = append(status.Warnings, err.Error())
	}
	if err := readSession(ctx, cfg.DatabasePath, &status); err != nil {
		status.Warnings = append(status.Warnings, err.Error())
	}
	status.Storage.FootprintBytes = dbFootprint(cfg.DatabasePath)
	return status
}

// probeAPI calls the health endpoint next to the API base, e.g.
// http://host/health for http://host/api.
func probeAPI(ctx context.Context, hc *http.Client, apiBase string, api *apiStatus) error {
	healthURL := strings.TrimSuffix(apiBase, "/api") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return errors.Wrap(err, "api unreachable")
	}
	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrap(err, "api unreachable")
	}
	resp.Body.Close()
	api.Latency = time.Since(start).Truncate(time.Millisecond)
	api.LatencyMS = api.Latency.Milliseconds()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("api health answered %d", resp.StatusCode)
	}
	api.Reachable = true
	return nil
}

// readSession leaves Session.Known false when there is no database yet; it
// never creates one.
func readSession(ctx context.Context, path string, status *appStatus) error {
	if _, err := os.Stat(path); err != nil {
		return errors.Wrap(err, "database unavailable")
	}
	store, err := db.New(path)
	if err != nil {
		return errors.Wrap(err, "database unavailable")
	}
	defer store.Close()

	if err := store.GetConn().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&status.Storage.JournalMode); err != nil {
		return errors.Wrap(err, "read journal mode")
	}

	status.Session.Known = true
	session, err := store.LoadSession(ctx)
	if errors.Is(err, db.ErrNoSession) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "could not read session")
	}
	status.Session.LoggedIn = true
	status.Session.UserID = session.User.ID
	status.Session.UserName = session.User.Name
	status.Session.SavedAt = session.SavedAt
	return nil
}

// dbFootprint sums the database file and its WAL companions.
func dbFootprint(path string) int64 {
	var total int64
	for _, suffix := range []string{"", "-wal", "-shm"} {
		if info, err := os.Stat(path + suffix); err == nil && info.Mode().IsRegular() {
			total += info.Size()
		}
	}
	return total
}

func formatBytes(n int64) string {
	units := []string{"B", "KiB", "MiB", "GiB"}
	value := float64(n)
	i := 0
	for value >= 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d B", n)
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}

// orNA renders an unset value as "n/a".
func orNA(value string) string {
	if value == "" {
		return "n/a"
	}
	return value
}

func printStatus(out io.Writer, status appStatus) {
	fmt.Fprintln(out, "Goftegu Status")
	fmt.Fprintf(out, "Generated at: %s\n", status.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Environment : %s\n", status.Environment)
	fmt.Fprintf(out, "Locale      : %s\n", status.Locale)
	fmt.Fprintf(out, "API         : %s\n", status.APIBaseURL)
	fmt.Fprintf(out, "Events      : %s\n", orNA(status.WebSocketURL))
	fmt.Fprintf(out, "Database    : %s (%s, %s)\n", status.DatabasePath,
		formatBytes(status.Storage.FootprintBytes), orNA(status.Storage.JournalMode))
	fmt.Fprintln(out)

	s := status.Session
	switch {
	case !s.Known:
		fmt.Fprintln(out, "Session     : n/a")
	case s.LoggedIn:
		fmt.Fprintf(out, "Session     : %s (%s) since %s\n", s.UserName, s.UserID, s.SavedAt.Local().Format("2006-01-02 15:04"))
	default:
		fmt.Fprintln(out, "Session     : not logged in")
	}
	if status.API.Reachable {
		fmt.Fprintf(out, "API health  : ok (%s)\n", status.API.Latency)
	} else {
		fmt.Fprintln(out, "API health  : unreachable")
	}

	if len(status.Warnings) > 0 {
		fmt.Fprintln(out)
		for _, warning := range status.Warnings {
			fmt.Fprintf(out, "Warning: %s\n", warning)
		}
	}
}

func printStatusJSON(out io.Writer, status appStatus) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}
