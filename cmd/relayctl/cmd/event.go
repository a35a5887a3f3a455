package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish CRM events",
	Long:  `Publish raw CRM events into the delivery pipeline.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [event-json]",
	Short: "Publish a raw CRM event",
	Long: `Publish a raw CRM event document to the ingest API.

Example:
  relayctl --tenant tn_123 event publish '{"id":"evt-1","type":"deal.updated","entity":{"type":"deal","id":"deal-9"},"attributes":{"status":"won","name":"Acme","amount":900}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var doc map[string]any
		if err := json.Unmarshal([]byte(args[0]), &doc); err != nil {
			return fmt.Errorf("invalid event JSON: %w", err)
		}

		resp, err := makeRequest(ingestAddr, "POST", "/v1/events", doc)
		if err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		var res struct {
			EventID    string   `json:"event_id"`
			EventType  string   `json:"event_type"`
			Suppressed bool     `json:"suppressed"`
			JobIDs     []string `json:"job_ids"`
			Fallback   int      `json:"fallback_deliveries"`
		}
		if err := decodeResponse(resp, &res); err != nil {
			return err
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if res.Suppressed {
			fmt.Printf("Event %s suppressed as a duplicate\n", res.EventID)
			return nil
		}
		fmt.Printf("Published event: %s (%s)\n", res.EventID, res.EventType)
		fmt.Printf("  Jobs queued: %d\n", len(res.JobIDs))
		if res.Fallback > 0 {
			fmt.Printf("  Fallback deliveries: %d\n", res.Fallback)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)
}
