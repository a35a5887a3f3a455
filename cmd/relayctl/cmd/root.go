package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile    string
	ingestAddr string
	opsAddr    string
	timeout    time.Duration
	outputJSON bool
	jwtToken   string
	tenantID   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "relayctl",
	Short: "ChatRelay CLI - Interact with the ChatRelay delivery pipeline",
	Long: `ChatRelay CLI (relayctl) is a command line tool for interacting with
the ChatRelay CRM-to-chat delivery pipeline.

You can use it to publish events, inspect jobs and the dead-letter queue,
retry failed deliveries, and manage health alerts.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.relayctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&ingestAddr, "ingest", "localhost:8080", "ingest API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&opsAddr, "ops", "localhost:8084", "operations API address (host:port)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "bearer token for authentication (overrides JWT_TOKEN env var)")
	rootCmd.PersistentFlags().StringVar(&tenantID, "tenant", "", "tenant ID header for unauthenticated deployments")

	viper.BindPFlag("ingest", rootCmd.PersistentFlags().Lookup("ingest"))
	viper.BindPFlag("ops", rootCmd.PersistentFlags().Lookup("ops"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".relayctl")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	if !rootCmd.PersistentFlags().Changed("ingest") {
		if s := viper.GetString("ingest"); s != "" {
			ingestAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("ops") {
		if s := viper.GetString("ops"); s != "" {
			opsAddr = s
		}
	}
	if !rootCmd.PersistentFlags().Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !rootCmd.PersistentFlags().Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !rootCmd.PersistentFlags().Changed("token") {
		if t := viper.GetString("token"); t != "" {
			jwtToken = t
		} else if t := os.Getenv("JWT_TOKEN"); t != "" {
			jwtToken = t
		}
	}
	if !rootCmd.PersistentFlags().Changed("tenant") {
		if t := viper.GetString("tenant"); t != "" {
			tenantID = t
		}
	}
}

// makeRequest makes an HTTP request against one of the service APIs.
func makeRequest(addr, method, path string, body any) (*http.Response, error) {
	client := &http.Client{Timeout: timeout}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, fmt.Sprintf("http://%s%s", addr, path), reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if jwtToken != "" {
		req.Header.Set("Authorization", "Bearer "+jwtToken)
	}
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}

	return client.Do(req)
}

// decodeResponse reads a JSON response into out, turning non-2xx statuses
// into errors that carry the server's message.
func decodeResponse(resp *http.Response, out any) error {
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e struct {
			Error struct {
				Field   string `json:"field"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &e) == nil && e.Error.Message != "" {
			if e.Error.Field != "" {
				return fmt.Errorf("server returned %d: %s (field %s)", resp.StatusCode, e.Error.Message, e.Error.Field)
			}
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(b))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(b, out)
}

// printOutput prints the response in the requested format
func printOutput(v any) {
	if outputJSON {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error marshaling to JSON: %v\n", err)
			return
		}
		fmt.Println(string(b))
	} else {
		fmt.Printf("%+v\n", v)
	}
}
