// Package commands provides CLI subcommands for OpenClaw.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/gateway"
)

const (
	defaultGatewayHost  = "127.0.0.1"
	fallbackGatewayPort = 18789
	statusTimeout       = 2 * time.Second
)

// GatewayStatusResponse matches the StatusResponse from handlers.go
type GatewayStatusResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Uptime    string `json:"uptime"`
	Jobs      int    `json:"jobs"`
	Pending   int    `json:"pendingEvents"`
	GoVersion string `json:"goVersion"`
	Arch      string `json:"arch"`
	OS        string `json:"os"`
}

// NewStatusCommand creates the status subcommand.
func NewStatusCommand() *cobra.Command {
	var (
		host       string
		port       int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show OpenClaw status",
		Long:  `Display the current status of OpenClaw including gateway state and scheduled jobs.`,
		Example: `  openclaw status
  openclaw status --host 127.0.0.1 --port 18789 --json`,
		Run: func(cmd *cobra.Command, args []string) {
			// If port not explicitly set, try to load from config
			actualPort := port
			if actualPort == 0 {
				if cfg, err := config.Load(); err == nil && cfg.Gateway.Port > 0 {
					actualPort = cfg.Gateway.Port
				} else {
					actualPort = fallbackGatewayPort
				}
			}
			runStatus(cmd.OutOrStdout(), host, actualPort, jsonOutput)
		},
	}

	cmd.Flags().StringVar(&host, "host", defaultGatewayHost, "Gateway host")
	cmd.Flags().IntVar(&port, "port", 0, "Gateway port (default: from config file, or 18789)")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Output as JSON")

	return cmd
}

func runStatus(out io.Writer, host string, port int, jsonOutput bool) {
	// Try to connect to the gateway
	status, err := fetchGatewayStatus(host, port)

	if jsonOutput {
		if err != nil {
			fmt.Fprintf(out, `{"running": false, "error": "%s"}`, err.Error())
			fmt.Fprintln(out)
			return
		}
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Fprintln(out, string(data))
		return
	}

	fmt.Fprintln(out, "OpenClaw Status")
	fmt.Fprintln(out, "===============")
	fmt.Fprintln(out)

	if err != nil {
		fmt.Fprintln(out, "Gateway:   not running")
		fmt.Fprintln(out, "Jobs:      -")
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Start the gateway with: openclaw gateway start")
		fmt.Fprintln(out, "The crontab keeps ticking either way; 'openclaw cron list' reads it directly.")
		return
	}

	fmt.Fprintf(out, "Gateway:   running on %s:%d\n", host, port)
	fmt.Fprintf(out, "Version:   %s\n", status.Version)
	fmt.Fprintf(out, "Uptime:    %s\n", status.Uptime)
	fmt.Fprintf(out, "Jobs:      %d in crontab\n", status.Jobs)
	fmt.Fprintf(out, "Pending:   %d queued events\n", status.Pending)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Runtime:   %s (%s/%s)\n", status.GoVersion, status.OS, status.Arch)
	fmt.Fprintln(out)
}

func fetchGatewayStatus(host string, port int) (*GatewayStatusResponse, error) {
	client := &http.Client{Timeout: statusTimeout}

	url := fmt.Sprintf("http://%s:%d/api/status", host, port)
	req, err := http.NewRequest("GET", url, nil)
	if err != nil {
		return nil, err
	}

	// Load token and add to request
	token, _ := gateway.LoadGatewayToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}

	var status GatewayStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &status, nil
}
