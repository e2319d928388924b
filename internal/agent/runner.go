package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openclaw/openclaw/internal/cron"
)

// SubprocessRunner executes isolated agent turns by shelling out to the
// agent binary. The turn is bounded by the context the dispatcher passes in.
// It satisfies cron.IsolatedRunner.
type SubprocessRunner struct {
	binPath string
	log     zerolog.Logger
}

// NewSubprocessRunner uses binPath as the agent executable. An empty path
// falls back to "openclaw" on PATH.
func NewSubprocessRunner(binPath string, logger zerolog.Logger) *SubprocessRunner {
	if binPath == "" {
		binPath = "openclaw"
	}
	return &SubprocessRunner{
		binPath: binPath,
		log:     logger.With().Str("component", "agent-runner").Logger(),
	}
}

// turnReport is the JSON the agent binary prints as its last stdout line.
type turnReport struct {
	Status    string `json:"status"`
	Summary   string `json:"summary"`
	Error     string `json:"error"`
	SessionID string `json:"sessionId"`
}

// RunTurn launches one agent turn and parses its report. Plain-text output
// without a report line becomes the summary of a successful turn.
func (r *SubprocessRunner) RunTurn(ctx context.Context, req cron.TurnRequest) (cron.TurnResult, error) {
	args := []string{"agent", "turn", "--session", req.SessionKey, "--output", "json"}
	if req.AgentID != "" {
		args = append(args, "--agent", req.AgentID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.Thinking != "" {
		args = append(args, "--thinking", req.Thinking)
	}
	if req.AllowUnsafeExternalContent {
		args = append(args, "--allow-unsafe-external-content")
	}
	args = append(args, "--message", req.Message)

	cmd := exec.CommandContext(ctx, r.binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.log.Debug().Str("jobId", req.JobID).Str("session", req.SessionKey).Msg("starting isolated turn")
	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return cron.TurnResult{}, fmt.Errorf("agent turn timed out")
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return cron.TurnResult{}, fmt.Errorf("agent turn failed: %s", msg)
	}

	if report, ok := parseReport(stdout.String()); ok {
		return cron.TurnResult{
			Status:    report.Status,
			Summary:   report.Summary,
			Error:     report.Error,
			SessionID: report.SessionID,
		}, nil
	}
	return cron.TurnResult{Summary: strings.TrimSpace(stdout.String())}, nil
}

// parseReport scans stdout bottom-up for the report line.
func parseReport(out string) (turnReport, bool) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var report turnReport
		if err := json.Unmarshal([]byte(line), &report); err == nil {
			return report, true
		}
	}
	return turnReport{}, false
}
