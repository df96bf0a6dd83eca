package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var addr string
	var metric string
	var limit int
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Query a running agent's counters or stored metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metric == "" {
				return queryStats(cmd, addr)
			}
			return queryMetric(cmd, addr, metric, limit)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "http://127.0.0.1:9115", "base URL of the agent's stats API")
	cmd.Flags().StringVar(&metric, "metric", "", "if set, query this metric's recent samples instead of the counters")
	cmd.Flags().IntVar(&limit, "limit", 20, "max samples to return when --metric is set")
	return cmd
}

func queryStats(cmd *cobra.Command, addr string) error {
	body, err := httpGetJSON(addr + "/api/stats")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return nil
}

func queryMetric(cmd *cobra.Command, addr, metric string, limit int) error {
	url := fmt.Sprintf("%s/api/query?metric=%s&limit=%d", addr, metric, limit)
	body, err := httpGetJSON(url)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(body))
	return nil
}

// httpGetJSON fetches and returns a JSON body, exiting with code 2 (per
// the CLI's reserved "remote unreachable" code) on any transport failure
// or non-2xx status rather than the generic unknown-command code.
func httpGetJSON(url string) ([]byte, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, exitCode(2)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, exitCode(2)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, exitCode(2)
	}
	var pretty any
	if err := json.Unmarshal(body, &pretty); err != nil {
		return body, nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return body, nil
	}
	return out, nil
}
