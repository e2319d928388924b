package cron

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestError marks a caller mistake. The RPC layer maps it to
// invalid_request; everything else is internal_error.
type RequestError struct {
	Message string
}

func (e *RequestError) Error() string { return e.Message }

func invalidRequest(format string, args ...any) error {
	return &RequestError{Message: fmt.Sprintf(format, args...)}
}

const defaultListLimit = 50

// Service is the cron RPC facade. Every operation is stateless against the
// crontab: read, mutate, rewrite.
type Service struct {
	store      *Store
	dispatcher *Dispatcher
	history    *HistoryReader
	validate   *validator.Validate
	log        zerolog.Logger
	now        func() time.Time

	// command is swappable for tests; used by SchedulerStatus only.
	command func(ctx context.Context, name string, args ...string) (string, error)
}

func NewService(store *Store, dispatcher *Dispatcher, history *HistoryReader, logger zerolog.Logger) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		history:    history,
		validate:   validator.New(),
		log:        logger.With().Str("component", "cron-service").Logger(),
		now:        time.Now,
		command: func(ctx context.Context, name string, args ...string) (string, error) {
			out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
			return string(out), err
		},
	}
}

// --- list / status ------------------------------------------------------

// ListParams filters and pages the job listing.
type ListParams struct {
	IncludeDisabled bool   `json:"includeDisabled,omitempty" query:"includeDisabled"`
	Enabled         string `json:"enabled,omitempty" query:"enabled" validate:"omitempty,oneof=all enabled disabled"`
	Query           string `json:"query,omitempty" query:"query"`
	SortBy          string `json:"sortBy,omitempty" query:"sortBy" validate:"omitempty,oneof=nextRunAtMs updatedAtMs name"`
	SortDir         string `json:"sortDir,omitempty" query:"sortDir" validate:"omitempty,oneof=asc desc"`
	Limit           int    `json:"limit,omitempty" query:"limit" validate:"omitempty,min=1,max=500"`
	Offset          int    `json:"offset,omitempty" query:"offset" validate:"omitempty,min=0"`
}

// ListMeta describes the page returned by List.
type ListMeta struct {
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// ListResult is the cron.list response.
type ListResult struct {
	Jobs []*Job   `json:"jobs"`
	Meta ListMeta `json:"meta"`
}

func (s *Service) List(ctx context.Context, params ListParams) (*ListResult, error) {
	if err := s.validate.Struct(params); err != nil {
		return nil, invalidRequest("invalid list params: %v", err)
	}
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	jobs := filterJobs(snap.Jobs, params)
	sortJobs(jobs, params.SortBy, params.SortDir)

	total := len(jobs)
	limit := params.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	offset := params.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	return &ListResult{
		Jobs: jobs[offset:end],
		Meta: ListMeta{Total: total, Limit: limit, Offset: offset},
	}, nil
}

func filterJobs(jobs []*Job, params ListParams) []*Job {
	query := strings.ToLower(strings.TrimSpace(params.Query))
	out := make([]*Job, 0, len(jobs))
	for _, job := range jobs {
		switch params.Enabled {
		case "enabled":
			if !job.Enabled {
				continue
			}
		case "disabled":
			if job.Enabled {
				continue
			}
		case "", "all":
			if params.Enabled == "" && !params.IncludeDisabled && !job.Enabled {
				continue
			}
		}
		if query != "" && !strings.Contains(strings.ToLower(job.Name), query) {
			continue
		}
		out = append(out, job)
	}
	return out
}

func sortJobs(jobs []*Job, by, dir string) {
	if by == "" {
		by = "nextRunAtMs"
	}
	desc := dir == "desc"
	sort.SliceStable(jobs, func(i, j int) bool {
		var less bool
		switch by {
		case "name":
			less = strings.ToLower(jobs[i].Name) < strings.ToLower(jobs[j].Name)
		case "updatedAtMs":
			less = jobs[i].UpdatedAtMs < jobs[j].UpdatedAtMs
		default:
			// Jobs without a next run sort last.
			a, b := jobs[i].State.NextRunAtMs, jobs[j].State.NextRunAtMs
			switch {
			case a == nil && b == nil:
				return false
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				less = *a < *b
			}
		}
		if desc {
			return !less
		}
		return less
	})
}

// StatusResult is the cron.status response.
type StatusResult struct {
	Enabled bool `json:"enabled"`
	Jobs    int  `json:"jobs"`
}

func (s *Service) Status(ctx context.Context) (*StatusResult, error) {
	snap, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return &StatusResult{Enabled: len(snap.Jobs) > 0, Jobs: len(snap.Jobs)}, nil
}

// --- add / update / remove ----------------------------------------------

// JobCreate is the cron.add parameter set: a job minus its server-assigned
// fields.
type JobCreate struct {
	Name           string    `json:"name" validate:"required"`
	Description    string    `json:"description,omitempty"`
	Enabled        *bool     `json:"enabled,omitempty"`
	AgentID        string    `json:"agentId,omitempty"`
	SessionKey     string    `json:"sessionKey,omitempty"`
	DeleteAfterRun bool      `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule  `json:"schedule" validate:"required"`
	SessionTarget  string    `json:"sessionTarget,omitempty" validate:"omitempty,oneof=main isolated"`
	WakeMode       string    `json:"wakeMode,omitempty" validate:"omitempty,oneof=now next-heartbeat"`
	Payload        Payload   `json:"payload" validate:"required"`
	Delivery       *Delivery `json:"delivery,omitempty"`
}

func (s *Service) Add(ctx context.Context, create JobCreate) (*Job, error) {
	if err := s.validate.Struct(create); err != nil {
		return nil, invalidRequest("invalid job: %v", err)
	}
	if _, err := ResolveSchedule(create.Schedule); err != nil {
		return nil, invalidRequest("%v", err)
	}

	nowMs := s.now().UnixMilli()
	job := &Job{
		ID:             uuid.NewString(),
		Name:           create.Name,
		Description:    create.Description,
		Enabled:        create.Enabled == nil || *create.Enabled,
		AgentID:        create.AgentID,
		SessionKey:     create.SessionKey,
		DeleteAfterRun: create.DeleteAfterRun,
		CreatedAtMs:    nowMs,
		UpdatedAtMs:    nowMs,
		Schedule:       create.Schedule,
		SessionTarget:  create.SessionTarget,
		WakeMode:       create.WakeMode,
		Payload:        create.Payload,
		Delivery:       create.Delivery,
	}
	if job.SessionTarget == "" {
		job.SessionTarget = SessionTargetMain
	}
	if job.WakeMode == "" {
		job.WakeMode = WakeModeNow
	}

	_, err := s.store.Mutate(ctx, func(snap *Snapshot) error {
		snap.Jobs = append(snap.Jobs, job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("jobId", job.ID).Str("name", job.Name).Msg("job added")
	return job, nil
}

func (s *Service) Update(ctx context.Context, id string, patch JobPatch) (*Job, error) {
	if id == "" {
		return nil, invalidRequest("job id is required")
	}
	var updated *Job
	_, err := s.store.Mutate(ctx, func(snap *Snapshot) error {
		for _, job := range snap.Jobs {
			if job.ID != id {
				continue
			}
			if err := applyPatch(job, patch); err != nil {
				return err
			}
			job.UpdatedAtMs = s.now().UnixMilli()
			updated = job
			return nil
		}
		return invalidRequest("job not found: %s", id)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("jobId", id).Msg("job updated")
	return updated, nil
}

// applyPatch merges a partial update onto a stored job. Payload and
// delivery merge shallowly; a patch changing the stored kind is rejected.
func applyPatch(job *Job, patch JobPatch) error {
	if patch.Schedule != nil {
		if _, err := ResolveSchedule(*patch.Schedule); err != nil {
			return invalidRequest("%v", err)
		}
		job.Schedule = *patch.Schedule
	}
	if patch.Name != nil {
		job.Name = *patch.Name
	}
	if patch.Description != nil {
		job.Description = *patch.Description
	}
	if patch.Enabled != nil {
		job.Enabled = *patch.Enabled
	}
	if patch.AgentID != nil {
		job.AgentID = *patch.AgentID
	}
	if patch.SessionKey != nil {
		job.SessionKey = *patch.SessionKey
	}
	if patch.DeleteAfterRun != nil {
		job.DeleteAfterRun = *patch.DeleteAfterRun
	}
	if patch.SessionTarget != nil {
		job.SessionTarget = *patch.SessionTarget
	}
	if patch.WakeMode != nil {
		job.WakeMode = *patch.WakeMode
	}
	if p := patch.Payload; p != nil {
		if p.Kind != nil && *p.Kind != job.Payload.Kind {
			return invalidRequest("payload kind cannot change in a patch; send a full replacement")
		}
		mergePayload(&job.Payload, p)
	}
	if d := patch.Delivery; d != nil {
		if job.Delivery == nil {
			job.Delivery = &Delivery{}
		}
		mergeDelivery(job.Delivery, d)
	}
	return nil
}

func mergePayload(p *Payload, patch *PayloadPatch) {
	if patch.Text != nil {
		p.Text = *patch.Text
	}
	if patch.Message != nil {
		p.Message = *patch.Message
	}
	if patch.Model != nil {
		p.Model = *patch.Model
	}
	if patch.Thinking != nil {
		p.Thinking = *patch.Thinking
	}
	if patch.TimeoutSeconds != nil {
		p.TimeoutSeconds = *patch.TimeoutSeconds
	}
	if patch.AllowUnsafeExternalContent != nil {
		p.AllowUnsafeExternalContent = *patch.AllowUnsafeExternalContent
	}
	if patch.Deliver != nil {
		p.Deliver = *patch.Deliver
	}
	if patch.Channel != nil {
		p.Channel = *patch.Channel
	}
	if patch.To != nil {
		p.To = *patch.To
	}
	if patch.BestEffortDeliver != nil {
		p.BestEffortDeliver = *patch.BestEffortDeliver
	}
}

func mergeDelivery(d *Delivery, patch *DeliveryPatch) {
	if patch.Mode != nil {
		d.Mode = *patch.Mode
	}
	if patch.Channel != nil {
		d.Channel = *patch.Channel
	}
	if patch.To != nil {
		d.To = *patch.To
	}
	if patch.BestEffort != nil {
		d.BestEffort = *patch.BestEffort
	}
}

func (s *Service) Remove(ctx context.Context, id string) error {
	if id == "" {
		return invalidRequest("job id is required")
	}
	found := false
	_, err := s.store.Mutate(ctx, func(snap *Snapshot) error {
		kept := snap.Jobs[:0]
		for _, job := range snap.Jobs {
			if job.ID == id {
				found = true
				continue
			}
			kept = append(kept, job)
		}
		if !found {
			return invalidRequest("job not found: %s", id)
		}
		snap.Jobs = kept
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info().Str("jobId", id).Msg("job removed")
	return nil
}

// --- run ----------------------------------------------------------------

// RunModeDue fires only when the schedule matches the current minute;
// RunModeForce fires unconditionally. cron(8) invocations use force.
const (
	RunModeDue   = "due"
	RunModeForce = "force"
)

func (s *Service) Run(ctx context.Context, id, mode string) (*RunResult, error) {
	if id == "" {
		return nil, invalidRequest("job id is required")
	}
	if mode == "" {
		mode = RunModeDue
	}
	if mode != RunModeDue && mode != RunModeForce {
		return nil, invalidRequest("mode must be \"due\" or \"force\"")
	}

	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, invalidRequest("%v", err)
	}

	now := s.now()
	if mode == RunModeDue && !IsDue(job, now) {
		return &RunResult{
			Ran:         false,
			Reason:      ReasonNotDue,
			NextRunAtMs: ComputeNextRunAt(job, now),
		}, nil
	}

	outcome := s.dispatcher.Execute(ctx, job)
	result := &RunResult{Ran: true, Outcome: outcome}

	// One-shot cleanup: an "at" job marked deleteAfterRun leaves the
	// crontab once it has actually fired.
	if job.IsOneShot() && job.DeleteAfterRun {
		if err := s.Remove(ctx, id); err != nil {
			s.log.Warn().Err(err).Str("jobId", id).Msg("one-shot cleanup failed")
		}
	} else {
		result.NextRunAtMs = ComputeNextRunAt(job, s.now())
	}
	return result, nil
}

// --- runs / scheduler status --------------------------------------------

// RunsResult pages run history. The log sources have no total count, so
// pagination is single-page: hasMore is always false.
type RunsResult struct {
	Entries    []RunLogEntry `json:"entries"`
	Total      int           `json:"total"`
	HasMore    bool          `json:"hasMore"`
	NextOffset *int          `json:"nextOffset"`
}

func (s *Service) Runs(ctx context.Context, id string, limit int) (*RunsResult, error) {
	if id == "" {
		return nil, invalidRequest("job id is required")
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	entries := s.history.Runs(ctx, id, limit)
	if entries == nil {
		entries = []RunLogEntry{}
	}
	return &RunsResult{Entries: entries, Total: len(entries), HasMore: false, NextOffset: nil}, nil
}

// StatusBlock is one captured diagnostic command.
type StatusBlock struct {
	Command string `json:"command"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SchedulerStatusResult is the scheduler.status response.
type SchedulerStatusResult struct {
	Blocks []StatusBlock `json:"blocks"`
}

// SchedulerStatus captures the host scheduling state for diagnostics. Each
// block reports its stdout or the failure, never an error for the call.
func (s *Service) SchedulerStatus(ctx context.Context) *SchedulerStatusResult {
	commands := [][]string{
		{"crontab", "-l"},
		{"systemctl", "--user", "list-timers", "--no-pager"},
		{"systemctl", "--user", "list-units", "--type=timer", "--no-pager"},
	}
	result := &SchedulerStatusResult{}
	for _, cmd := range commands {
		block := StatusBlock{Command: strings.Join(cmd, " ")}
		out, err := s.command(ctx, cmd[0], cmd[1:]...)
		if err != nil {
			block.Error = err.Error()
		}
		block.Output = strings.TrimRight(out, "\n")
		result.Blocks = append(result.Blocks, block)
	}
	return result
}
