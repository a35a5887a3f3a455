package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show the pipeline health report",
	Long:  `Show the latest pipeline health score, issues, open alerts, and queue depths.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(opsAddr, "GET", "/v1/health", nil)
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		var res struct {
			Status string `json:"status"`
			Score  int    `json:"score"`
			Issues []struct {
				Component string `json:"component"`
				Severity  string `json:"severity"`
				Message   string `json:"message"`
			} `json:"issues"`
			Alerts    []alertView    `json:"alerts"`
			Depths    map[string]int `json:"queue_depths"`
			CheckedAt time.Time      `json:"checked_at"`
		}
		// A critical pipeline answers 503 with the same report body.
		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
			return decodeResponse(resp, nil)
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
			return fmt.Errorf("failed to decode health report: %w", err)
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		marker := "✓"
		if res.Status != "healthy" {
			marker = "✗"
		}
		fmt.Printf("%s Pipeline is %s (score %d)\n", marker, res.Status, res.Score)
		for _, issue := range res.Issues {
			fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Component, issue.Message)
		}
		if len(res.Depths) > 0 {
			fmt.Printf("  Queue: immediate=%d delayed=%d dead_letter=%d\n",
				res.Depths["immediate"], res.Depths["delayed"], res.Depths["dead_letter"])
		}
		if len(res.Alerts) > 0 {
			fmt.Printf("  Open alerts: %d\n", len(res.Alerts))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
