package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// retryCmd represents the retry command
var retryCmd = &cobra.Command{
	Use:   "retry [job-id]",
	Short: "Requeue dead-lettered jobs for delivery",
	Long: `Requeue dead-lettered jobs for delivery. Pass a job ID to retry one
job, or use filters to retry in bulk.

Examples:
  relayctl retry 0b1c9a2e-...
  relayctl retry --channel ch_42 --older-than 1h`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]string{}
		if len(args) == 1 {
			body["job_id"] = args[0]
		} else {
			if v, _ := cmd.Flags().GetString("tenant-id"); v != "" {
				body["tenant_id"] = v
			}
			if v, _ := cmd.Flags().GetString("channel"); v != "" {
				body["channel_id"] = v
			}
			if v, _ := cmd.Flags().GetString("older-than"); v != "" {
				body["older_than"] = v
			}
			if len(body) == 0 {
				return fmt.Errorf("pass a job ID or at least one of --tenant-id, --channel, --older-than")
			}
		}

		resp, err := makeRequest(opsAddr, "POST", "/v1/retry", body)
		if err != nil {
			return fmt.Errorf("failed to retry: %w", err)
		}
		var res struct {
			Retried int `json:"retried"`
		}
		if err := decodeResponse(resp, &res); err != nil {
			return err
		}

		if outputJSON {
			printOutput(res)
		} else {
			fmt.Printf("Requeued %d job(s)\n", res.Retried)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)

	retryCmd.Flags().String("tenant-id", "", "retry all dead-lettered jobs for a tenant")
	retryCmd.Flags().String("channel", "", "retry all dead-lettered jobs for a channel")
	retryCmd.Flags().String("older-than", "", "retry jobs dead-lettered longer than this (e.g. 30m, 2h)")
}
