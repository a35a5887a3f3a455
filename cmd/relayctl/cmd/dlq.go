package cmd

import (
	"fmt"
	"net/url"

	"github.com/spf13/cobra"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect the dead-letter queue",
}

// dlqListCmd represents the dlq list command
var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered delivery jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		channelID, _ := cmd.Flags().GetString("channel")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if channelID != "" {
			q.Set("channel_id", channelID)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		path := "/v1/dlq"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := makeRequest(opsAddr, "GET", path, nil)
		if err != nil {
			return fmt.Errorf("failed to list DLQ: %w", err)
		}
		var res struct {
			Jobs []jobView `json:"jobs"`
		}
		if err := decodeResponse(resp, &res); err != nil {
			return err
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if len(res.Jobs) == 0 {
			fmt.Println("Dead-letter queue is empty")
			return nil
		}
		fmt.Printf("%d dead-lettered job(s):\n", len(res.Jobs))
		for _, j := range res.Jobs {
			fmt.Printf("  %s  tenant=%s channel=%s attempts=%d/%d", j.ID, j.TenantID, j.ChannelID, j.AttemptCount, j.MaxAttempts)
			if j.LastError != "" {
				fmt.Printf(" last_error=%q", j.LastError)
			}
			fmt.Println()
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)

	dlqListCmd.Flags().String("channel", "", "filter by channel ID")
	dlqListCmd.Flags().Int("limit", 50, "maximum jobs to return")
}
