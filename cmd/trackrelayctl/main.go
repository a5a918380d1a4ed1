package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/trackrelay/internal/trackrelay"
)

type clientOptions struct {
	Server string
	Token  string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &clientOptions{}

	cmd := &cobra.Command{
		Use:           "trackrelayctl",
		Short:         "Operator CLI for a trackrelay sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.Server == "" {
				opts.Server = os.Getenv("TRACKRELAY_SERVER")
			}
			if opts.Server == "" {
				opts.Server = "http://localhost:8080"
			}
			opts.Server = strings.TrimRight(opts.Server, "/")
			if opts.Token == "" {
				opts.Token = os.Getenv("TRACKRELAY_TOKEN")
			}
			if opts.Token == "" {
				return fmt.Errorf("no bearer token: set --token or TRACKRELAY_TOKEN")
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Server, "server", "", "server base URL (default $TRACKRELAY_SERVER or http://localhost:8080)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", "", "bearer token (default $TRACKRELAY_TOKEN)")

	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newActivityCommand(opts))
	cmd.AddCommand(newDriftCommand(opts))
	cmd.AddCommand(newReconcileCommand(opts))
	cmd.AddCommand(newRebuildCommand(opts))
	cmd.AddCommand(newBackfillCommand(opts))
	cmd.AddCommand(newTailCommand(opts))

	return cmd
}

func newStatusCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine counters, queue depth, and alert state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var status trackrelay.EngineStatus
			if err := callAPI(cmd.Context(), opts, http.MethodGet, "/v1/admin/status", nil, &status); err != nil {
				return err
			}
			fmt.Printf("platforms:  %s\n", strings.Join(status.Platforms, ", "))
			fmt.Printf("queue:      %d/%d\n", status.QueueDepth, status.QueueCapacity)
			fmt.Printf("processed:  %d\n", status.Processed)
			fmt.Printf("skipped:    %d\n", status.Skipped)
			fmt.Printf("failed:     %d\n", status.Failed)
			alert := "clear"
			if status.AlertOpen {
				alert = "OPEN"
			}
			fmt.Printf("alert:      %s\n", alert)
			if status.LastReconcile != nil {
				fmt.Printf("reconcile:  %s (%d groups, %d findings)\n",
					status.LastReconcile.Finished.Format(time.RFC3339),
					status.LastReconcile.Groups, len(status.LastReconcile.Findings))
			}
			return nil
		},
	}
}

func newActivityCommand(opts *clientOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "List recent sync activity, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var page struct {
				Activities []trackrelay.Activity `json:"activities"`
			}
			path := fmt.Sprintf("/v1/admin/activity?limit=%d", limit)
			if err := callAPI(cmd.Context(), opts, http.MethodGet, path, nil, &page); err != nil {
				return err
			}
			if len(page.Activities) == 0 {
				fmt.Println("no activity recorded")
				return nil
			}
			for _, activity := range page.Activities {
				printActivity(activity)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "number of entries to fetch (1-1000)")
	return cmd
}

func newDriftCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drift",
		Short: "Show the latest reconciliation report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report trackrelay.DriftReport
			if err := callAPI(cmd.Context(), opts, http.MethodGet, "/v1/admin/drift", nil, &report); err != nil {
				return err
			}
			printDriftReport(report)
			return nil
		},
	}
}

func newReconcileCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a drift reconciliation pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var report trackrelay.DriftReport
			if err := callAPI(cmd.Context(), opts, http.MethodPost, "/v1/admin/reconcile", nil, &report); err != nil {
				return err
			}
			printDriftReport(report)
			return nil
		},
	}
}

func newRebuildCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <platform>",
		Short: "Rebuild mappings from one platform's title markers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result map[string]any
			path := "/v1/admin/rebuild/" + args[0]
			if err := callAPI(cmd.Context(), opts, http.MethodPost, path, nil, &result); err != nil {
				return err
			}
			out, _ := json.MarshalIndent(result, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func newBackfillCommand(opts *clientOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "backfill <records.json>",
		Short: "Replay archived webhook payloads through the pipeline",
		Long: `Replay archived webhook payloads through the normal ingestion
pipeline. The input file holds a JSON array of records:

  [{"platform": "tracker", "payload": {...raw webhook body...}}, ...]

Replayed events pass the same loop filter and routing as live deliveries,
so a backfill is safe to run against records that were already synced.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var records []trackrelay.BackfillRecord
			if err := json.Unmarshal(data, &records); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			body, err := json.Marshal(map[string]any{
				"records":    records,
				"intervalMs": interval.Milliseconds(),
			})
			if err != nil {
				return err
			}
			var result trackrelay.BackfillResult
			if err := callAPI(cmd.Context(), opts, http.MethodPost, "/v1/admin/backfill", body, &result); err != nil {
				return err
			}
			fmt.Printf("submitted: %d  enqueued: %d  filtered: %d  failed: %d\n",
				result.Submitted, result.Enqueued, result.Filtered, result.Failed)
			for _, msg := range result.Errors {
				fmt.Println("  error:", msg)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "pause between replayed events (e.g. 100ms)")
	return cmd
}

func newTailCommand(opts *clientOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "tail",
		Short: "Stream live sync activity until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			wsURL := strings.Replace(opts.Server, "http", "ws", 1) +
				"/v1/admin/activity/stream?token=" + opts.Token
			conn, _, err := websocket.Dial(ctx, wsURL, nil)
			if err != nil {
				return fmt.Errorf("connect to activity stream: %w", err)
			}
			defer conn.Close(websocket.StatusNormalClosure, "")

			for {
				var activity trackrelay.Activity
				if err := wsjson.Read(ctx, conn, &activity); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("stream closed: %w", err)
				}
				printActivity(activity)
			}
		},
	}
}

func printActivity(a trackrelay.Activity) {
	detail := a.Detail
	if detail != "" {
		detail = "  " + detail
	}
	fmt.Printf("%s  %-8s %-10s %s%s\n",
		a.Time.Format("15:04:05"), a.Status, a.Action, a.Key, detail)
}

func printDriftReport(report trackrelay.DriftReport) {
	fmt.Printf("reconciled %d groups in %s\n",
		report.Groups, report.Finished.Sub(report.Started).Round(time.Millisecond))
	if report.Clean() {
		fmt.Println("no drift found")
	}
	for _, finding := range report.Findings {
		repaired := ""
		if finding.Repaired {
			repaired = "  [repaired]"
		}
		fmt.Printf("  %-16s %s @ %s  %s%s\n",
			finding.Kind, finding.Key, finding.Platform, finding.Detail, repaired)
	}
	for _, msg := range report.Errors {
		fmt.Println("  error:", msg)
	}
}

func callAPI(ctx context.Context, opts *clientOptions, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, opts.Server+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+opts.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
