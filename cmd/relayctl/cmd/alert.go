package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type alertView struct {
	ID         string     `json:"id"`
	Key        string     `json:"key"`
	Severity   string     `json:"severity"`
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Status     string     `json:"status"`
	RaisedAt   time.Time  `json:"raised_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// alertCmd represents the alert command
var alertCmd = &cobra.Command{
	Use:   "alert",
	Short: "Manage health alerts",
}

// alertListCmd represents the alert list command
var alertListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open health alerts",
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := makeRequest(opsAddr, "GET", "/v1/alerts", nil)
		if err != nil {
			return fmt.Errorf("failed to list alerts: %w", err)
		}
		var res struct {
			Alerts []alertView `json:"alerts"`
		}
		if err := decodeResponse(resp, &res); err != nil {
			return err
		}

		if outputJSON {
			printOutput(res)
			return nil
		}
		if len(res.Alerts) == 0 {
			fmt.Println("No open alerts")
			return nil
		}
		for _, a := range res.Alerts {
			fmt.Printf("%s  [%s] %s/%s: %s (%s)\n", a.ID, a.Severity, a.Component, a.Key, a.Message, a.Status)
		}
		return nil
	},
}

// alertAckCmd represents the alert ack command
var alertAckCmd = &cobra.Command{
	Use:   "ack [alert-id]",
	Short: "Acknowledge an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alertTransition(args[0], "ack")
	},
}

// alertResolveCmd represents the alert resolve command
var alertResolveCmd = &cobra.Command{
	Use:   "resolve [alert-id]",
	Short: "Resolve an alert",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return alertTransition(args[0], "resolve")
	},
}

func alertTransition(id, action string) error {
	resp, err := makeRequest(opsAddr, "POST", "/v1/alerts/"+id+"/"+action, nil)
	if err != nil {
		return fmt.Errorf("failed to %s alert: %w", action, err)
	}
	var a alertView
	if err := decodeResponse(resp, &a); err != nil {
		return err
	}

	if outputJSON {
		printOutput(a)
	} else {
		fmt.Printf("Alert %s is now %s\n", a.ID, a.Status)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(alertCmd)
	alertCmd.AddCommand(alertListCmd)
	alertCmd.AddCommand(alertAckCmd)
	alertCmd.AddCommand(alertResolveCmd)
}
