// Package cron schedules jobs through the host crontab. The crontab is the
// only durable store: every operation re-reads it, applies the change in
// memory, and rewrites it atomically via crontab(1).
package cron

// ScheduleKind defines the type of schedule.
type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule defines when a job should run.
type Schedule struct {
	Kind      ScheduleKind `json:"kind" validate:"required,oneof=at every cron"`
	Expr      string       `json:"expr,omitempty"`      // for "cron": 5-field expression
	TZ        string       `json:"tz,omitempty"`        // for "cron"
	StaggerMs int64        `json:"staggerMs,omitempty"` // for "cron"
	EveryMs   int64        `json:"everyMs,omitempty"`   // for "every"
	AnchorMs  int64        `json:"anchorMs,omitempty"`  // for "every" alignment
	At        string       `json:"at,omitempty"`        // for "at": ISO-8601 instant
}

// PayloadKind defines what the job does when fired.
type PayloadKind string

const (
	PayloadKindSystemEvent PayloadKind = "systemEvent"
	PayloadKindAgentTurn   PayloadKind = "agentTurn"
)

// Payload defines the job execution details.
type Payload struct {
	Kind                       PayloadKind `json:"kind" validate:"required,oneof=systemEvent agentTurn"`
	Text                       string      `json:"text,omitempty"`    // for "systemEvent"
	Message                    string      `json:"message,omitempty"` // for "agentTurn"
	Model                      string      `json:"model,omitempty"`
	Thinking                   string      `json:"thinking,omitempty"`
	TimeoutSeconds             int         `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent bool        `json:"allowUnsafeExternalContent,omitempty"`
	Deliver                    bool        `json:"deliver,omitempty"`
	Channel                    string      `json:"channel,omitempty"`
	To                         string      `json:"to,omitempty"`
	BestEffortDeliver          bool        `json:"bestEffortDeliver,omitempty"`
}

// DeliveryMode controls how a run outcome leaves the process.
type DeliveryMode string

const (
	DeliveryModeNone     DeliveryMode = "none"
	DeliveryModeAnnounce DeliveryMode = "announce"
	DeliveryModeWebhook  DeliveryMode = "webhook"
)

// Delivery describes outcome delivery for a job.
type Delivery struct {
	Mode       DeliveryMode `json:"mode" validate:"omitempty,oneof=none announce webhook"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort bool         `json:"bestEffort,omitempty"`
}

// Session target constants.
const (
	SessionTargetMain     = "main"
	SessionTargetIsolated = "isolated"
)

// Wake mode constants (main-session only).
const (
	WakeModeNow           = "now"
	WakeModeNextHeartbeat = "next-heartbeat"
)

// JobState carries derived state; recomputed on every write.
type JobState struct {
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
}

// Job represents a scheduled job persisted in the crontab.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name" validate:"required"`
	Description    string   `json:"description,omitempty"`
	Enabled        bool     `json:"enabled"`
	AgentID        string   `json:"agentId,omitempty"`
	SessionKey     string   `json:"sessionKey,omitempty"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"` // meaningful for "at" only
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	Schedule       Schedule `json:"schedule"`
	SessionTarget  string   `json:"sessionTarget" validate:"omitempty,oneof=main isolated"`
	WakeMode       string   `json:"wakeMode,omitempty" validate:"omitempty,oneof=now next-heartbeat"`
	Payload        Payload  `json:"payload"`
	Delivery       *Delivery `json:"delivery,omitempty"`
	State          JobState `json:"state"`
}

// IsOneShot reports whether this job fires once ("at" schedule).
func (j *Job) IsOneShot() bool {
	return j.Schedule.Kind == ScheduleKindAt
}

// RunStatus values for outcomes and log entries.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// RunOutcome is the result of executing a job once.
type RunOutcome struct {
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorKind  string `json:"errorKind,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Run skip reasons.
const (
	ReasonNotDue = "not-due"
)

// RunResult is what cron.run returns when the pipeline itself succeeds.
// A nil Outcome with Ran=false means the gate vetoed the run.
type RunResult struct {
	Ran         bool        `json:"ran"`
	Reason      string      `json:"reason,omitempty"`
	Outcome     *RunOutcome `json:"outcome,omitempty"`
	NextRunAtMs *int64      `json:"nextRunAtMs,omitempty"`
}

// RunLogEntry is one reconstructed run from the system log.
type RunLogEntry struct {
	Ts     int64  `json:"ts"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// Snapshot is the decoded view of the current crontab.
type Snapshot struct {
	Jobs []*Job `json:"jobs"`
	// Lines holds every raw crontab line as read, managed and unmanaged.
	Lines []string `json:"-"`
	// Errors collects jobs skipped during decode (missing required fields).
	Errors []string `json:"errors,omitempty"`
}

// JobPatch is a partial update. Payload and Delivery merge shallowly onto
// the stored job; a patch whose payload kind differs from the stored kind
// is rejected.
type JobPatch struct {
	Name           *string       `json:"name,omitempty"`
	Description    *string       `json:"description,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	AgentID        *string       `json:"agentId,omitempty"`
	SessionKey     *string       `json:"sessionKey,omitempty"`
	DeleteAfterRun *bool         `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule     `json:"schedule,omitempty"`
	SessionTarget  *string       `json:"sessionTarget,omitempty"`
	WakeMode       *string       `json:"wakeMode,omitempty"`
	Payload        *PayloadPatch `json:"payload,omitempty"`
	Delivery       *DeliveryPatch `json:"delivery,omitempty"`
}

// PayloadPatch is a shallow payload merge.
type PayloadPatch struct {
	Kind                       *PayloadKind `json:"kind,omitempty"`
	Text                       *string      `json:"text,omitempty"`
	Message                    *string      `json:"message,omitempty"`
	Model                      *string      `json:"model,omitempty"`
	Thinking                   *string      `json:"thinking,omitempty"`
	TimeoutSeconds             *int         `json:"timeoutSeconds,omitempty"`
	AllowUnsafeExternalContent *bool        `json:"allowUnsafeExternalContent,omitempty"`
	Deliver                    *bool        `json:"deliver,omitempty"`
	Channel                    *string      `json:"channel,omitempty"`
	To                         *string      `json:"to,omitempty"`
	BestEffortDeliver          *bool        `json:"bestEffortDeliver,omitempty"`
}

// DeliveryPatch is a shallow delivery merge.
type DeliveryPatch struct {
	Mode       *DeliveryMode `json:"mode,omitempty"`
	Channel    *string       `json:"channel,omitempty"`
	To         *string       `json:"to,omitempty"`
	BestEffort *bool         `json:"bestEffort,omitempty"`
}
