package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/openclaw/pkg/utils"
)

// EventSink receives main-session work: system events queued for the agent
// loop plus heartbeat wakes.
type EventSink interface {
	EnqueueSystemEvent(ctx context.Context, agentID, sessionKey, text string) error
	WakeHeartbeat(ctx context.Context, agentID, reason string) error
}

// TurnRequest describes one isolated agent turn.
type TurnRequest struct {
	JobID                      string
	AgentID                    string
	SessionKey                 string
	Message                    string
	Model                      string
	Thinking                   string
	AllowUnsafeExternalContent bool
}

// TurnResult is what an isolated turn reports back. An empty Status counts
// as success.
type TurnResult struct {
	Status    string
	Summary   string
	Error     string
	SessionID string
}

// IsolatedRunner executes an agent turn in its own bounded session.
type IsolatedRunner interface {
	RunTurn(ctx context.Context, req TurnRequest) (TurnResult, error)
}

// OutcomeSender delivers a finished run outcome out of the process.
type OutcomeSender interface {
	Send(ctx context.Context, job *Job, outcome *RunOutcome) error
}

const (
	defaultTurnTimeout = 10 * time.Minute
	maxAnnounceLen     = 2000
)

// DispatchConfig carries the fallbacks applied when a job does not pin its
// own agent or session.
type DispatchConfig struct {
	DefaultAgentID string
	MainSessionKey string
}

// Dispatcher executes one job firing: route the payload to the right
// session, then run the delivery step. Execute never returns an error; every
// failure is folded into the outcome.
type Dispatcher struct {
	cfg    DispatchConfig
	sink   EventSink
	runner IsolatedRunner
	sender OutcomeSender
	log    zerolog.Logger
}

func NewDispatcher(cfg DispatchConfig, sink EventSink, runner IsolatedRunner, sender OutcomeSender, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:    cfg,
		sink:   sink,
		runner: runner,
		sender: sender,
		log:    logger.With().Str("component", "cron-dispatch").Logger(),
	}
}

// Execute runs the job payload and delivery step, returning the outcome.
func (d *Dispatcher) Execute(ctx context.Context, job *Job) *RunOutcome {
	var outcome *RunOutcome
	if job.SessionTarget == SessionTargetIsolated {
		outcome = d.runIsolated(ctx, job)
	} else {
		outcome = d.runMain(ctx, job)
	}
	d.deliver(ctx, job, outcome)

	evt := d.log.Info()
	if outcome.Status == StatusError {
		evt = d.log.Error().Str("errorKind", outcome.ErrorKind).Str("error", outcome.Error)
	}
	evt.Str("jobId", job.ID).Str("status", outcome.Status).Msg("job executed")
	return outcome
}

func (d *Dispatcher) runMain(ctx context.Context, job *Job) *RunOutcome {
	if job.Payload.Kind != PayloadKindSystemEvent {
		return &RunOutcome{
			Status:    StatusError,
			Error:     "main session jobs require systemEvent payload",
			ErrorKind: "dispatch",
		}
	}
	agentID := job.AgentID
	if agentID == "" {
		agentID = d.cfg.DefaultAgentID
	}
	sessionKey := job.SessionKey
	if sessionKey == "" {
		sessionKey = d.cfg.MainSessionKey
	}

	if err := d.sink.EnqueueSystemEvent(ctx, agentID, sessionKey, job.Payload.Text); err != nil {
		return &RunOutcome{
			Status:     StatusError,
			Error:      err.Error(),
			ErrorKind:  "dispatch",
			SessionKey: sessionKey,
		}
	}
	// Both wake modes signal the heartbeat; the mode only tells the agent
	// loop whether to start a beat immediately or fold the event into the
	// next scheduled one. Wake failure does not undo the enqueue.
	if err := d.sink.WakeHeartbeat(ctx, agentID, "cron"); err != nil {
		d.log.Warn().Err(err).Str("jobId", job.ID).Msg("heartbeat wake failed")
	}
	return &RunOutcome{Status: StatusOK, SessionKey: sessionKey}
}

func (d *Dispatcher) runIsolated(ctx context.Context, job *Job) *RunOutcome {
	if job.Payload.Kind != PayloadKindAgentTurn {
		return &RunOutcome{
			Status:    StatusError,
			Error:     "isolated jobs require agentTurn payload",
			ErrorKind: "dispatch",
		}
	}
	agentID := job.AgentID
	if agentID == "" {
		agentID = d.cfg.DefaultAgentID
	}
	sessionKey := job.SessionKey
	if sessionKey == "" {
		sessionKey = fmt.Sprintf("cron:%s", job.ID)
	}

	timeout := defaultTurnTimeout
	if job.Payload.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Payload.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := d.runner.RunTurn(runCtx, TurnRequest{
		JobID:                      job.ID,
		AgentID:                    agentID,
		SessionKey:                 sessionKey,
		Message:                    job.Payload.Message,
		Model:                      job.Payload.Model,
		Thinking:                   job.Payload.Thinking,
		AllowUnsafeExternalContent: job.Payload.AllowUnsafeExternalContent,
	})
	if err != nil {
		return &RunOutcome{
			Status:     StatusError,
			Error:      err.Error(),
			ErrorKind:  "agent",
			SessionKey: sessionKey,
		}
	}

	status := result.Status
	if status == "" {
		status = StatusOK
	}
	return &RunOutcome{
		Status:     status,
		Summary:    result.Summary,
		Error:      result.Error,
		SessionID:  result.SessionID,
		SessionKey: sessionKey,
	}
}

// deliver runs the job's delivery step. A non-best-effort failure replaces
// the outcome status so callers see the run as failed end to end.
func (d *Dispatcher) deliver(ctx context.Context, job *Job, outcome *RunOutcome) {
	if job.Delivery == nil || job.Delivery.Mode == "" || job.Delivery.Mode == DeliveryModeNone {
		return
	}

	var err error
	switch job.Delivery.Mode {
	case DeliveryModeWebhook:
		err = d.sender.Send(ctx, job, outcome)
	case DeliveryModeAnnounce:
		// Announced summaries share the main session with user traffic; keep
		// them short.
		text := utils.Truncate(outcome.Summary, maxAnnounceLen)
		if text == "" {
			text = fmt.Sprintf("job %s finished: %s", job.Name, outcome.Status)
		}
		agentID := job.AgentID
		if agentID == "" {
			agentID = d.cfg.DefaultAgentID
		}
		err = d.sink.EnqueueSystemEvent(ctx, agentID, d.cfg.MainSessionKey, text)
	default:
		err = fmt.Errorf("unknown delivery mode: %s", job.Delivery.Mode)
	}
	if err == nil {
		return
	}
	if job.Delivery.BestEffort {
		d.log.Warn().Err(err).Str("jobId", job.ID).Msg("best-effort delivery failed")
		return
	}
	outcome.Status = StatusError
	outcome.Error = err.Error()
	outcome.ErrorKind = "delivery-target"
}
