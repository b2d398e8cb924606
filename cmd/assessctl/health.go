package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// errNotReady makes health exit non-zero, so the command doubles as a
// container probe.
var errNotReady = errors.New("server is not ready")

func newHealthCmd(opts *cliOptions) *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check assessd liveness and readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client := &http.Client{Timeout: timeout}
			base := strings.TrimRight(server, "/")

			var health map[string]any
			if _, err := getJSON(client, base+"/healthz", &health); err != nil {
				return fmt.Errorf("server unreachable: %w", err)
			}
			var ready struct {
				Status     string                       `json:"status"`
				Components map[string]map[string]string `json:"components"`
			}
			code, err := getJSON(client, base+"/readyz", &ready)
			if err != nil {
				return err
			}

			rows := [][]string{
				{"liveness", fmt.Sprint(health["status"])},
				{"uptime", fmt.Sprint(health["uptime"])},
				{"readiness", ready.Status},
			}
			for _, name := range []string{"database", "leader_election"} {
				if c, ok := ready.Components[name]; ok {
					rows = append(rows, []string{name, c["status"]})
				}
			}
			data := map[string]any{"health": health, "readiness": ready}
			if err := printOutput(cmd.OutOrStdout(), opts.output, data, []string{"check", "status"}, rows); err != nil {
				return err
			}
			if code != http.StatusOK {
				return errNotReady
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "assessd base URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")
	return cmd
}

// getJSON decodes the body of a GET into v and returns the status code.
// Readiness reports its body with 503, so non-2xx codes are not errors.
func getJSON(client *http.Client, url string, v any) (int, error) {
	resp, err := client.Get(url)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", url, err)
	}
	return resp.StatusCode, nil
}
