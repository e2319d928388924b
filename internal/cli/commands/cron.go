package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openclaw/openclaw/internal/agent"
	"github.com/openclaw/openclaw/internal/config"
	"github.com/openclaw/openclaw/internal/cron"
	"github.com/openclaw/openclaw/internal/gateway"
)

// NewCronCommand creates the cron command
func NewCronCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Manage crontab-backed jobs",
		Long: `Manage scheduled jobs. Jobs are stored in the host crontab as tagged
entries; the gateway API is used when reachable, otherwise the crontab
is driven directly.`,
		Example: `  openclaw cron list
  openclaw cron add --name "Morning brief" --cron "0 9 * * *" --system-event "brief"`,
	}

	cmd.AddCommand(newCronListCommand())
	cmd.AddCommand(newCronAddCommand())
	cmd.AddCommand(newCronRmCommand())
	cmd.AddCommand(newCronUpdateCommand())
	cmd.AddCommand(newCronEnableCommand())
	cmd.AddCommand(newCronDisableCommand())
	cmd.AddCommand(newCronRunCommand())
	cmd.AddCommand(newCronRunsCommand())
	cmd.AddCommand(newCronStatusCommand())

	return cmd
}

// -----------------------------------------------------------------------------
// List
// -----------------------------------------------------------------------------

func newCronListCommand() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "list",
		Short:   "List cron jobs",
		Example: `  openclaw cron list --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := fetchCronList(cmd.OutOrStdout(), all)
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"ID", "Name", "Enabled", "Schedule", "Next Run"})
			table.SetBorder(false)
			for _, j := range jobs {
				table.Append([]string{
					j.ID,
					j.Name,
					yesNo(j.Enabled),
					describeSchedule(j.Schedule),
					describeNextRun(j.State.NextRunAtMs),
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().BoolVarP(&all, "all", "a", false, "Include disabled jobs")
	return cmd
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func describeSchedule(s cron.Schedule) string {
	switch s.Kind {
	case cron.ScheduleKindCron:
		return s.Expr
	case cron.ScheduleKindEvery:
		if dur := time.Duration(s.EveryMs) * time.Millisecond; dur >= time.Second {
			return fmt.Sprintf("every %s", dur)
		}
		return fmt.Sprintf("every %dms", s.EveryMs)
	case cron.ScheduleKindAt:
		return fmt.Sprintf("at %s", s.At)
	}
	return "?"
}

func describeNextRun(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return time.UnixMilli(*ms).Format("01-02 15:04")
}

// -----------------------------------------------------------------------------
// Add
// -----------------------------------------------------------------------------

func newCronAddCommand() *cobra.Command {
	var (
		name, desc     string
		disabled       bool
		deleteAfter    bool
		at, every      string
		cronExpr       string
		sysEvent       string
		message        string
		agentID        string
		sessionKey     string
		isolated       bool
		nextHeartbeat  bool
		webhook        string
		bestEffort     bool
		announce       bool
		timeoutSeconds int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a cron job",
		Example: `  # Queue a system event every morning at 9am
  openclaw cron add --name "Morning brief" --cron "0 9 * * *" --system-event "brief"

  # Run an isolated agent turn every 30 minutes
  openclaw cron add --name "Inbox sweep" --every 30m --message "check the inbox" --isolated

  # One-shot with webhook delivery, removed after it fires
  openclaw cron add --name "Reminder" --at 2030-06-15T12:34Z --system-event "remind" --delete-after-run --webhook https://example.com/hook`,
		RunE: func(cmd *cobra.Command, args []string) error {
			schedCount := 0
			if at != "" {
				schedCount++
			}
			if every != "" {
				schedCount++
			}
			if cronExpr != "" {
				schedCount++
			}
			if schedCount != 1 {
				return fmt.Errorf("must specify exactly one of --at, --every, --cron")
			}

			if sysEvent == "" && message == "" {
				return fmt.Errorf("must specify --system-event or --message")
			}

			enabled := !disabled
			create := cron.JobCreate{
				Name:           name,
				Description:    desc,
				Enabled:        &enabled,
				AgentID:        agentID,
				SessionKey:     sessionKey,
				DeleteAfterRun: deleteAfter,
			}

			// Schedule
			switch {
			case at != "":
				create.Schedule.Kind = cron.ScheduleKindAt
				if dur, err := time.ParseDuration(at); err == nil {
					create.Schedule.At = time.Now().Add(dur).UTC().Format(time.RFC3339)
				} else {
					create.Schedule.At = at
				}
			case every != "":
				dur, err := time.ParseDuration(every)
				if err != nil {
					return fmt.Errorf("invalid --every duration: %v", err)
				}
				create.Schedule.Kind = cron.ScheduleKindEvery
				create.Schedule.EveryMs = dur.Milliseconds()
			default:
				create.Schedule.Kind = cron.ScheduleKindCron
				create.Schedule.Expr = cronExpr
			}

			// Payload and session target
			if message != "" {
				create.Payload = cron.Payload{
					Kind:           cron.PayloadKindAgentTurn,
					Message:        message,
					TimeoutSeconds: timeoutSeconds,
				}
				create.SessionTarget = cron.SessionTargetIsolated
			} else {
				create.Payload = cron.Payload{
					Kind: cron.PayloadKindSystemEvent,
					Text: sysEvent,
				}
				create.SessionTarget = cron.SessionTargetMain
			}
			if isolated {
				create.SessionTarget = cron.SessionTargetIsolated
			}
			if nextHeartbeat {
				create.WakeMode = cron.WakeModeNextHeartbeat
			}

			// Delivery
			if webhook != "" {
				create.Delivery = &cron.Delivery{
					Mode:       cron.DeliveryModeWebhook,
					To:         webhook,
					BestEffort: bestEffort,
				}
			} else if announce {
				create.Delivery = &cron.Delivery{
					Mode:       cron.DeliveryModeAnnounce,
					BestEffort: bestEffort,
				}
			}

			job, err := addCronJob(cmd.OutOrStdout(), create)
			if err != nil {
				return err
			}
			cmd.Printf("Job added: %s\n", job.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Job name (required)")
	f.StringVar(&desc, "description", "", "Job description")
	f.BoolVar(&disabled, "disabled", false, "Start disabled")
	f.BoolVar(&deleteAfter, "delete-after-run", false, "Remove the job after it fires (one-shot)")

	f.StringVar(&at, "at", "", "Run once at time (ISO) or duration from now")
	f.StringVar(&every, "every", "", "Run every duration (whole minutes)")
	f.StringVar(&cronExpr, "cron", "", "5-field cron expression")

	f.StringVar(&sysEvent, "system-event", "", "System event payload (main session)")
	f.StringVarP(&message, "message", "m", "", "Agent message payload (isolated turn)")
	f.StringVar(&agentID, "agent", "", "Agent id")
	f.StringVar(&sessionKey, "session", "", "Session key")
	f.BoolVar(&isolated, "isolated", false, "Run in an isolated session")
	f.BoolVar(&nextHeartbeat, "next-heartbeat", false, "Fold the event into the next heartbeat instead of an immediate beat")
	f.IntVar(&timeoutSeconds, "timeout", 0, "Turn timeout in seconds (isolated)")

	f.StringVar(&webhook, "webhook", "", "Deliver the outcome to this URL")
	f.BoolVar(&announce, "announce", false, "Announce the outcome on the main session")
	f.BoolVar(&bestEffort, "best-effort", false, "Delivery failure does not fail the run")

	_ = cmd.MarkFlagRequired("name")
	return cmd
}

// -----------------------------------------------------------------------------
// Remove
// -----------------------------------------------------------------------------

func newCronRmCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "rm [id]",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove a cron job",
		Example: `  openclaw cron rm 550e8400-e29b-41d4-a716-446655440000`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return removeCronJob(cmd.OutOrStdout(), args[0])
		},
	}
}

// -----------------------------------------------------------------------------
// Update
// -----------------------------------------------------------------------------

func newCronUpdateCommand() *cobra.Command {
	var (
		name, desc string
		at, every  string
		cronExpr   string
		sysEvent   string
		message    string
	)

	cmd := &cobra.Command{
		Use:   "update [id]",
		Short: "Update a cron job",
		Example: `  openclaw cron update <id> --name "New Name"
  openclaw cron update <id> --every 10m`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			var patch cron.JobPatch

			if cmd.Flags().Changed("name") {
				patch.Name = &name
			}
			if cmd.Flags().Changed("description") {
				patch.Description = &desc
			}

			schedCount := 0
			if at != "" {
				schedCount++
			}
			if every != "" {
				schedCount++
			}
			if cronExpr != "" {
				schedCount++
			}
			if schedCount > 1 {
				return fmt.Errorf("must specify only one of --at, --every, --cron")
			}
			if schedCount == 1 {
				var schedule cron.Schedule
				switch {
				case at != "":
					schedule.Kind = cron.ScheduleKindAt
					if dur, err := time.ParseDuration(at); err == nil {
						schedule.At = time.Now().Add(dur).UTC().Format(time.RFC3339)
					} else {
						schedule.At = at
					}
				case every != "":
					dur, err := time.ParseDuration(every)
					if err != nil {
						return fmt.Errorf("invalid --every duration: %v", err)
					}
					schedule.Kind = cron.ScheduleKindEvery
					schedule.EveryMs = dur.Milliseconds()
				default:
					schedule.Kind = cron.ScheduleKindCron
					schedule.Expr = cronExpr
				}
				patch.Schedule = &schedule
			}

			if sysEvent != "" {
				patch.Payload = &cron.PayloadPatch{Text: &sysEvent}
			} else if message != "" {
				patch.Payload = &cron.PayloadPatch{Message: &message}
			}

			job, err := updateCronJob(cmd.OutOrStdout(), id, patch)
			if err != nil {
				return err
			}
			cmd.Printf("Job updated: %s\n", job.ID)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&name, "name", "", "Job name")
	f.StringVar(&desc, "description", "", "Job description")
	f.StringVar(&at, "at", "", "Run once at time (ISO) or duration from now")
	f.StringVar(&every, "every", "", "Run every duration")
	f.StringVar(&cronExpr, "cron", "", "5-field cron expression")
	f.StringVar(&sysEvent, "system-event", "", "System event text")
	f.StringVarP(&message, "message", "m", "", "Agent message")

	return cmd
}

// -----------------------------------------------------------------------------
// Enable/Disable
// -----------------------------------------------------------------------------

func newCronEnableCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "enable [id]",
		Short:   "Enable a cron job",
		Example: `  openclaw cron enable <id>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setCronEnabled(cmd.OutOrStdout(), args[0], true)
		},
	}
}

func newCronDisableCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "disable [id]",
		Short:   "Disable a cron job",
		Example: `  openclaw cron disable <id>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setCronEnabled(cmd.OutOrStdout(), args[0], false)
		},
	}
}

func setCronEnabled(out io.Writer, id string, enabled bool) error {
	_, err := updateCronJob(out, id, cron.JobPatch{Enabled: &enabled})
	return err
}

// -----------------------------------------------------------------------------
// Run
// -----------------------------------------------------------------------------

func newCronRunCommand() *cobra.Command {
	var due bool
	cmd := &cobra.Command{
		Use:   "run [id]",
		Short: "Trigger a cron job",
		Long: `Trigger a cron job now. This is also the command cron(8) invokes from
the crontab execution line; that path always forces the run.`,
		Example: `  openclaw cron run <id>`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := cron.RunModeForce
			if due {
				mode = cron.RunModeDue
			}
			return runCronJob(cmd.OutOrStdout(), args[0], mode)
		},
	}
	cmd.Flags().BoolVar(&due, "due", false, "Run only if the schedule matches the current minute")
	return cmd
}

// -----------------------------------------------------------------------------
// Runs (history)
// -----------------------------------------------------------------------------

func newCronRunsCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "runs [id]",
		Short:   "Show run history from the system log",
		Example: `  openclaw cron runs <id> --limit 20`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := fetchCronRuns(cmd.OutOrStdout(), args[0], limit)
			if err != nil {
				return err
			}
			if len(result.Entries) == 0 {
				cmd.Println("No runs recorded.")
				return nil
			}
			table := tablewriter.NewWriter(cmd.OutOrStdout())
			table.SetHeader([]string{"When", "Status"})
			table.SetBorder(false)
			for _, e := range result.Entries {
				table.Append([]string{
					time.UnixMilli(e.Ts).UTC().Format("2006-01-02 15:04:05"),
					e.Status,
				})
			}
			table.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum entries")
	return cmd
}

// -----------------------------------------------------------------------------
// Status
// -----------------------------------------------------------------------------

func newCronStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Short:   "Show host scheduler state (crontab, systemd timers)",
		Example: `  openclaw cron status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()

			var status cron.SchedulerStatusResult
			if err := callCronAPI("GET", "/scheduler/status", nil, &status); err != nil {
				svc, svcErr := localCronService()
				if svcErr != nil {
					return svcErr
				}
				_, _ = fmt.Fprintf(out, "Note: gateway not reachable; inspecting host directly\n\n")
				status = *svc.SchedulerStatus(context.Background())
			}

			for _, block := range status.Blocks {
				_, _ = fmt.Fprintf(out, "$ %s\n", block.Command)
				if block.Error != "" {
					_, _ = fmt.Fprintf(out, "  error: %s\n", block.Error)
				}
				if block.Output != "" {
					_, _ = fmt.Fprintln(out, block.Output)
				}
				_, _ = fmt.Fprintln(out)
			}
			return nil
		},
	}
}

// -----------------------------------------------------------------------------
// Helpers: gateway API first, direct crontab fallback
// -----------------------------------------------------------------------------

// localCronService builds the cron facade directly over the host crontab,
// for when the gateway is not running.
func localCronService() (*cron.Service, error) {
	cfg, err := config.LoadOrDefault()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)

	events := agent.NewEventQueue(logger)
	runner := agent.NewSubprocessRunner(cfg.Cron.BinPath, logger)
	sender := cron.NewWebhookSender(cfg.Cron.WebhookToken, logger)
	dispatcher := cron.NewDispatcher(cron.DispatchConfig{
		DefaultAgentID: cfg.Agents.Defaults.ID,
		MainSessionKey: cfg.Agents.Defaults.MainSessionKey,
	}, events, runner, sender, logger)

	store := cron.NewStore(cron.NewSystemCrontab(), cfg.CronLockPath(), logger)
	history := cron.NewHistoryReader(logger)
	return cron.NewService(store, dispatcher, history, logger), nil
}

func fetchCronList(out io.Writer, includeDisabled bool) ([]*cron.Job, error) {
	path := "/cron/jobs"
	if includeDisabled {
		path += "?includeDisabled=true"
	}
	var result cron.ListResult
	if err := callCronAPI("GET", path, nil, &result); err == nil {
		return result.Jobs, nil
	} else {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; reading crontab directly: %v\n", err)
	}

	svc, err := localCronService()
	if err != nil {
		return nil, err
	}
	local, err := svc.List(context.Background(), cron.ListParams{IncludeDisabled: includeDisabled})
	if err != nil {
		return nil, err
	}
	return local.Jobs, nil
}

func addCronJob(out io.Writer, create cron.JobCreate) (*cron.Job, error) {
	var resp struct {
		Job *cron.Job `json:"job"`
	}
	if err := callCronAPI("POST", "/cron/jobs", create, &resp); err == nil {
		return resp.Job, nil
	} else {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; writing crontab directly: %v\n", err)
	}

	svc, err := localCronService()
	if err != nil {
		return nil, err
	}
	return svc.Add(context.Background(), create)
}

func updateCronJob(out io.Writer, id string, patch cron.JobPatch) (*cron.Job, error) {
	var resp struct {
		Job *cron.Job `json:"job"`
	}
	body := map[string]any{"patch": patch}
	if err := callCronAPI("POST", fmt.Sprintf("/cron/jobs/%s/update", id), body, &resp); err == nil {
		return resp.Job, nil
	} else {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; writing crontab directly: %v\n", err)
	}

	svc, err := localCronService()
	if err != nil {
		return nil, err
	}
	return svc.Update(context.Background(), id, patch)
}

func removeCronJob(out io.Writer, id string) error {
	if err := callCronAPI("DELETE", fmt.Sprintf("/cron/jobs/%s", id), nil, nil); err == nil {
		return nil
	} else {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; writing crontab directly: %v\n", err)
	}

	svc, err := localCronService()
	if err != nil {
		return err
	}
	return svc.Remove(context.Background(), id)
}

func runCronJob(out io.Writer, id, mode string) error {
	var result cron.RunResult
	body := map[string]string{"mode": mode}
	err := callCronAPI("POST", fmt.Sprintf("/cron/jobs/%s/run", id), body, &result)
	if err != nil {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; dispatching locally: %v\n", err)
		svc, svcErr := localCronService()
		if svcErr != nil {
			return svcErr
		}
		local, runErr := svc.Run(context.Background(), id, mode)
		if runErr != nil {
			return runErr
		}
		result = *local
	}

	if !result.Ran {
		_, _ = fmt.Fprintf(out, "Skipped: %s\n", result.Reason)
		return nil
	}
	if result.Outcome != nil {
		_, _ = fmt.Fprintf(out, "Ran: status=%s", result.Outcome.Status)
		if result.Outcome.Error != "" {
			_, _ = fmt.Fprintf(out, " error=%q", result.Outcome.Error)
		}
		_, _ = fmt.Fprintln(out)
	}
	return nil
}

func fetchCronRuns(out io.Writer, id string, limit int) (*cron.RunsResult, error) {
	var result cron.RunsResult
	path := fmt.Sprintf("/cron/jobs/%s/runs?limit=%d", id, limit)
	if err := callCronAPI("GET", path, nil, &result); err == nil {
		return &result, nil
	} else {
		_, _ = fmt.Fprintf(out, "Note: gateway not reachable; reading system log directly: %v\n", err)
	}

	svc, err := localCronService()
	if err != nil {
		return nil, err
	}
	return svc.Runs(context.Background(), id, limit)
}

func callCronAPI(method, path string, body interface{}, result interface{}) error {
	cfg, _ := config.LoadOrDefault()
	port := 18789
	if cfg != nil && cfg.Gateway.Port > 0 {
		port = cfg.Gateway.Port
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api%s", port, path)

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return err
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Add token authentication
	token, _ := gateway.LoadGatewayToken()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(b))
	}

	if result != nil {
		return json.NewDecoder(resp.Body).Decode(result)
	}
	return nil
}
