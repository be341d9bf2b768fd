// ABOUTME: Client subcommands that query a running callwatch server over HTTP
// ABOUTME: health, decision, index and stats

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/callwatch/internal/config"
	"github.com/2389/callwatch/internal/gateway"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// baseURL returns the server URL from --addr or the config file.
func baseURL() (string, error) {
	addr := serverAddr
	if addr == "" {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/"), nil
}

// getJSON fetches path and decodes a 200 response into out.
func getJSON(ctx context.Context, path string, out any) error {
	base, err := baseURL()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	base, err := baseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, base+"/health/ready", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("not ready: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	return nil
}

func runDecision(cmd *cobra.Command, args []string) error {
	q := url.Values{"subject_id": {args[0]}, "observer_id": {args[1]}}
	var d gateway.DecisionResponse
	if err := getJSON(cmd.Context(), "/api/decisions?"+q.Encode(), &d); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	status := color.New(color.FgYellow).Sprint(d.Status)
	if d.Status == "accepted" {
		status = color.New(color.FgGreen).Sprint(d.Status)
	}
	fmt.Fprintf(out, "%s / %s: %s\n", d.SubjectID, d.ObserverID, status)
	fmt.Fprintf(out, "  decided:  %s\n", d.LastDecisionTime)
	if d.ExpiresAt != "" {
		fmt.Fprintf(out, "  expires:  %s\n", d.ExpiresAt)
	}
	fmt.Fprintf(out, "  evidence: %s\n", strings.Join(d.EvidenceSeen, ", "))
	if d.Degraded {
		color.New(color.FgRed).Fprintln(out, "  (store unavailable, answer from fallback cache)")
	}
	return nil
}

func runIndex(cmd *cobra.Command, args []string) error {
	q := url.Values{"subject_id": {args[0]}}
	var idx gateway.IndexResponse
	if err := getJSON(cmd.Context(), "/api/index?"+q.Encode(), &idx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(idx.Observers) == 0 {
		fmt.Fprintf(out, "%s is not tracked\n", idx.SubjectID)
		return nil
	}
	for _, o := range idx.Observers {
		fmt.Fprintln(out, o)
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	var s gateway.StatsResponse
	if err := getJSON(cmd.Context(), "/api/stats", &s); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "queue depth:    %d\n", s.Pipeline.QueueDepth)
	fmt.Fprintf(out, "enqueued:       %d\n", s.Pipeline.Enqueued)
	fmt.Fprintf(out, "rejected:       %d\n", s.Pipeline.Rejected)
	fmt.Fprintf(out, "processed:      %d\n", s.Pipeline.Processed)
	fmt.Fprintf(out, "notified:       %d\n", s.Pipeline.Notified)
	fmt.Fprintf(out, "suppressed:     %d\n", s.Pipeline.Suppressed)
	fmt.Fprintf(out, "failed:         %d\n", s.Pipeline.Failed)
	fmt.Fprintf(out, "tracked pairs:  %d\n", s.TrackedPairs)
	fmt.Fprintf(out, "stream clients: %d\n", s.StreamClients)
	return nil
}
