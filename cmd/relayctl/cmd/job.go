package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type jobView struct {
	ID           string    `json:"id"`
	EventID      string    `json:"event_id"`
	TenantID     string    `json:"tenant_id"`
	RuleID       string    `json:"rule_id"`
	ChannelID    string    `json:"channel_id"`
	Status       string    `json:"status"`
	Tier         int       `json:"tier"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	ScheduledFor time.Time `json:"scheduled_for"`
	LastError    string    `json:"last_error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type attemptView struct {
	AttemptNo int       `json:"attempt_no"`
	Outcome   string    `json:"outcome"`
	Path      string    `json:"path"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// jobCmd represents the job command
var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect delivery jobs",
}

// jobGetCmd represents the job get command
var jobGetCmd = &cobra.Command{
	Use:   "get [job-id]",
	Short: "Show a delivery job and its attempt history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(opsAddr, "GET", "/v1/jobs/"+args[0], nil)
		if err != nil {
			return fmt.Errorf("failed to fetch job: %w", err)
		}
		var res struct {
			Job      jobView       `json:"job"`
			Attempts []attemptView `json:"attempts"`
		}
		if err := decodeResponse(resp, &res); err != nil {
			return err
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		j := res.Job
		fmt.Printf("Job %s\n", j.ID)
		fmt.Printf("  Status: %s (tier %d)\n", j.Status, j.Tier)
		fmt.Printf("  Tenant: %s  Rule: %s  Channel: %s\n", j.TenantID, j.RuleID, j.ChannelID)
		fmt.Printf("  Attempts: %d/%d\n", j.AttemptCount, j.MaxAttempts)
		if j.LastError != "" {
			fmt.Printf("  Last error: %s\n", j.LastError)
		}
		if len(res.Attempts) > 0 {
			fmt.Println("  History:")
			for _, a := range res.Attempts {
				line := fmt.Sprintf("    #%d %s via %s at %s", a.AttemptNo, a.Outcome, a.Path, a.Timestamp.Format(time.RFC3339))
				if a.Error != "" {
					line += " (" + a.Error + ")"
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jobCmd)
	jobCmd.AddCommand(jobGetCmd)
}
