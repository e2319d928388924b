package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Tag marks every crontab line owned by this system. Lines without it are
// never touched.
const Tag = "# openclaw:cron"

// RunMarker is the run-command fragment on every execution line.
const RunMarker = "openclaw cron run"

var (
	jobIDPattern  = regexp.MustCompile(`^[A-Za-z0-9-]+$`)
	multiBlank    = regexp.MustCompile(`\n{3,}`)
	cronTZPattern = regexp.MustCompile(`^CRON_TZ=`)
)

// ValidJobID reports whether id is safe to place on an execution line.
// Anything outside [A-Za-z0-9-] could smuggle crontab metacharacters.
func ValidJobID(id string) bool {
	return id != "" && jobIDPattern.MatchString(id)
}

// --- percent-encoding ---------------------------------------------------

// Values are percent-encoded so whitespace, '#' and '=' inside them can
// never corrupt the key=value token grammar.
func encodeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' ||
			c == '-' || c == '.' || c == '_' || c == '~' || c == ':' || c == '/' || c == '@' {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
	}
	return b.String()
}

// decodeValue is best-effort: malformed escapes pass through literally.
func decodeValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// --- encoding -----------------------------------------------------------

// EncodeJob renders a job as its tagged crontab lines. The schedule must be
// feasible per ResolveSchedule.
func EncodeJob(job *Job) ([]string, error) {
	if !ValidJobID(job.ID) {
		return nil, fmt.Errorf("invalid job id %q", job.ID)
	}
	resolved, err := ResolveSchedule(job.Schedule)
	if err != nil {
		return nil, err
	}

	lines := []string{
		metaLine(job.ID, baseFields(job)),
		metaLine(job.ID, payloadFields(&job.Payload)),
	}
	if job.Delivery != nil && job.Delivery.Mode != "" && job.Delivery.Mode != DeliveryModeNone {
		lines = append(lines, metaLine(job.ID, deliveryFields(job.Delivery)))
	}
	lines = append(lines, metaLine(job.ID, scheduleFields(&job.Schedule)))

	// CRON_TZ bracketing is format extensibility: the resolver currently
	// rejects per-job timezones for crontab-backed schedules.
	if resolved.TZ != "" {
		lines = append(lines, "CRON_TZ="+resolved.TZ)
	}
	exec := fmt.Sprintf("%s %s %s %s id=%s", resolved.Expr, RunMarker, job.ID, Tag, encodeValue(job.ID))
	if !job.Enabled {
		exec = "# " + exec
	}
	lines = append(lines, exec)
	if resolved.TZ != "" {
		lines = append(lines, "CRON_TZ=")
	}
	return lines, nil
}

func metaLine(id string, fields [][2]string) string {
	var b strings.Builder
	b.WriteString(Tag)
	b.WriteString(" id=")
	b.WriteString(encodeValue(id))
	for _, kv := range fields {
		b.WriteByte(' ')
		b.WriteString(kv[0])
		b.WriteByte('=')
		b.WriteString(encodeValue(kv[1]))
	}
	return b.String()
}

func baseFields(job *Job) [][2]string {
	fields := [][2]string{
		{"name", job.Name},
		{"session_target", job.SessionTarget},
		{"wake_mode", job.WakeMode},
		{"created_at_ms", strconv.FormatInt(job.CreatedAtMs, 10)},
		{"updated_at_ms", strconv.FormatInt(job.UpdatedAtMs, 10)},
	}
	if job.Description != "" {
		fields = append(fields, [2]string{"description", job.Description})
	}
	if job.AgentID != "" {
		fields = append(fields, [2]string{"agent_id", job.AgentID})
	}
	if job.SessionKey != "" {
		fields = append(fields, [2]string{"session_key", job.SessionKey})
	}
	if job.DeleteAfterRun {
		fields = append(fields, [2]string{"delete_after_run", "true"})
	}
	return fields
}

func payloadFields(p *Payload) [][2]string {
	fields := [][2]string{{"payload_kind", string(p.Kind)}}
	switch p.Kind {
	case PayloadKindAgentTurn:
		fields = append(fields, [2]string{"payload_message", p.Message})
		if p.Model != "" {
			fields = append(fields, [2]string{"payload_model", p.Model})
		}
		if p.Thinking != "" {
			fields = append(fields, [2]string{"payload_thinking", p.Thinking})
		}
		if p.TimeoutSeconds > 0 {
			fields = append(fields, [2]string{"payload_timeout_seconds", strconv.Itoa(p.TimeoutSeconds)})
		}
		if p.AllowUnsafeExternalContent {
			fields = append(fields, [2]string{"payload_allow_unsafe_external_content", "true"})
		}
		if p.Deliver {
			fields = append(fields, [2]string{"payload_deliver", "true"})
		}
		if p.Channel != "" {
			fields = append(fields, [2]string{"payload_channel", p.Channel})
		}
		if p.To != "" {
			fields = append(fields, [2]string{"payload_to", p.To})
		}
		if p.BestEffortDeliver {
			fields = append(fields, [2]string{"payload_best_effort_deliver", "true"})
		}
	default:
		fields = append(fields, [2]string{"payload_text", p.Text})
	}
	return fields
}

func deliveryFields(d *Delivery) [][2]string {
	fields := [][2]string{{"delivery_mode", string(d.Mode)}}
	if d.Channel != "" {
		fields = append(fields, [2]string{"delivery_channel", d.Channel})
	}
	if d.To != "" {
		fields = append(fields, [2]string{"delivery_to", d.To})
	}
	if d.BestEffort {
		fields = append(fields, [2]string{"delivery_best_effort", "true"})
	}
	return fields
}

func scheduleFields(s *Schedule) [][2]string {
	fields := [][2]string{{"schedule_kind", string(s.Kind)}}
	switch s.Kind {
	case ScheduleKindCron:
		fields = append(fields, [2]string{"schedule_expr", s.Expr})
		if s.TZ != "" {
			fields = append(fields, [2]string{"schedule_tz", s.TZ})
		}
		if s.StaggerMs > 0 {
			fields = append(fields, [2]string{"schedule_stagger_ms", strconv.FormatInt(s.StaggerMs, 10)})
		}
	case ScheduleKindEvery:
		fields = append(fields, [2]string{"schedule_every_ms", strconv.FormatInt(s.EveryMs, 10)})
		if s.AnchorMs != 0 {
			fields = append(fields, [2]string{"schedule_anchor_ms", strconv.FormatInt(s.AnchorMs, 10)})
		}
	case ScheduleKindAt:
		fields = append(fields, [2]string{"schedule_at", s.At})
	}
	return fields
}

// --- decoding -----------------------------------------------------------

type execEntry struct {
	expr    string
	enabled bool
	tz      string
}

// DecodeLines parses crontab content into a snapshot. Unmanaged lines are
// retained verbatim in Snapshot.Lines; jobs missing required fields are
// skipped with an entry in Snapshot.Errors.
func DecodeLines(lines []string, now time.Time) *Snapshot {
	snap := &Snapshot{Lines: lines}

	meta := map[string]map[string]string{}
	exec := map[string]execEntry{}
	var order []string

	for i, line := range lines {
		if !strings.Contains(line, Tag) {
			continue
		}
		if strings.Contains(line, RunMarker) {
			id, entry, ok := parseExecLine(line)
			if !ok {
				snap.Errors = append(snap.Errors, fmt.Sprintf("unparseable execution line: %s", line))
				continue
			}
			if i > 0 {
				if tz, ok := strings.CutPrefix(strings.TrimSpace(lines[i-1]), "CRON_TZ="); ok && tz != "" {
					entry.tz = tz
				}
			}
			exec[id] = entry
			if _, seen := meta[id]; !seen {
				meta[id] = map[string]string{}
				order = append(order, id)
			}
			continue
		}
		id, kv := parseMetaLine(line)
		if id == "" {
			continue
		}
		if _, seen := meta[id]; !seen {
			meta[id] = map[string]string{}
			order = append(order, id)
		}
		for k, v := range kv {
			meta[id][k] = v
		}
	}

	for _, id := range order {
		entry, hasExec := exec[id]
		if !hasExec {
			snap.Errors = append(snap.Errors, fmt.Sprintf("job %s: missing execution line", id))
			continue
		}
		job, err := buildJob(id, meta[id], entry)
		if err != nil {
			snap.Errors = append(snap.Errors, fmt.Sprintf("job %s: %v", id, err))
			continue
		}
		job.State.NextRunAtMs = ComputeNextRunAt(job, now)
		snap.Jobs = append(snap.Jobs, job)
	}
	return snap
}

// parseExecLine recognizes `<5-field-expr> openclaw cron run <id> # openclaw:cron id=…`,
// optionally commented out with a leading "# ".
func parseExecLine(line string) (string, execEntry, bool) {
	entry := execEntry{enabled: true}
	body := strings.TrimSpace(line)
	if rest, ok := strings.CutPrefix(body, "#"); ok {
		entry.enabled = false
		body = strings.TrimSpace(rest)
	}
	idx := strings.Index(body, RunMarker)
	if idx < 0 {
		return "", entry, false
	}
	exprFields := strings.Fields(body[:idx])
	if len(exprFields) != 5 {
		return "", entry, false
	}
	entry.expr = strings.Join(exprFields, " ")

	rest := strings.Fields(body[idx+len(RunMarker):])
	if len(rest) == 0 {
		return "", entry, false
	}
	id := rest[0]
	if !ValidJobID(id) {
		return "", entry, false
	}
	return id, entry, true
}

func parseMetaLine(line string) (string, map[string]string) {
	trimmed := strings.TrimSpace(line)
	idx := strings.Index(trimmed, Tag)
	if idx != 0 {
		return "", nil
	}
	kv := map[string]string{}
	for _, token := range strings.Fields(trimmed[len(Tag):]) {
		key, value, ok := strings.Cut(token, "=")
		if !ok {
			continue
		}
		kv[key] = decodeValue(value)
	}
	return kv["id"], kv
}

func buildJob(id string, kv map[string]string, entry execEntry) (*Job, error) {
	job := &Job{
		ID:             id,
		Name:           kv["name"],
		Description:    kv["description"],
		Enabled:        entry.enabled,
		AgentID:        kv["agent_id"],
		SessionKey:     kv["session_key"],
		DeleteAfterRun: kv["delete_after_run"] == "true",
		SessionTarget:  kv["session_target"],
		WakeMode:       kv["wake_mode"],
	}
	if job.SessionTarget == "" {
		job.SessionTarget = SessionTargetMain
	}
	if job.WakeMode == "" {
		job.WakeMode = WakeModeNow
	}
	job.CreatedAtMs, _ = strconv.ParseInt(kv["created_at_ms"], 10, 64)
	job.UpdatedAtMs, _ = strconv.ParseInt(kv["updated_at_ms"], 10, 64)

	job.Payload = decodePayload(kv)
	job.Delivery = decodeDelivery(kv)

	sched, err := decodeSchedule(kv, entry)
	if err != nil {
		return nil, err
	}
	job.Schedule = sched
	return job, nil
}

func decodePayload(kv map[string]string) Payload {
	kind := PayloadKind(kv["payload_kind"])
	if kind == "" {
		kind = PayloadKindSystemEvent
	}
	p := Payload{Kind: kind}
	switch kind {
	case PayloadKindAgentTurn:
		p.Message = kv["payload_message"]
		p.Model = kv["payload_model"]
		p.Thinking = kv["payload_thinking"]
		p.TimeoutSeconds, _ = strconv.Atoi(kv["payload_timeout_seconds"])
		p.AllowUnsafeExternalContent = kv["payload_allow_unsafe_external_content"] == "true"
		p.Deliver = kv["payload_deliver"] == "true"
		p.Channel = kv["payload_channel"]
		p.To = kv["payload_to"]
		p.BestEffortDeliver = kv["payload_best_effort_deliver"] == "true"
	default:
		p.Text = kv["payload_text"]
	}
	return p
}

func decodeDelivery(kv map[string]string) *Delivery {
	mode := kv["delivery_mode"]
	if mode == "" {
		return nil
	}
	return &Delivery{
		Mode:       DeliveryMode(mode),
		Channel:    kv["delivery_channel"],
		To:         kv["delivery_to"],
		BestEffort: kv["delivery_best_effort"] == "true",
	}
}

// decodeSchedule builds the schedule from metadata fields first, falling
// back to the expression observed on the execution line.
func decodeSchedule(kv map[string]string, entry execEntry) (Schedule, error) {
	switch ScheduleKind(kv["schedule_kind"]) {
	case ScheduleKindCron:
		s := Schedule{Kind: ScheduleKindCron, Expr: kv["schedule_expr"], TZ: kv["schedule_tz"]}
		s.StaggerMs, _ = strconv.ParseInt(kv["schedule_stagger_ms"], 10, 64)
		if s.Expr == "" {
			s.Expr = entry.expr
		}
		if s.TZ == "" {
			s.TZ = entry.tz
		}
		return s, nil
	case ScheduleKindEvery:
		s := Schedule{Kind: ScheduleKindEvery}
		var err error
		s.EveryMs, err = strconv.ParseInt(kv["schedule_every_ms"], 10, 64)
		if err != nil || s.EveryMs <= 0 {
			return Schedule{}, fmt.Errorf("missing schedule_every_ms")
		}
		s.AnchorMs, _ = strconv.ParseInt(kv["schedule_anchor_ms"], 10, 64)
		return s, nil
	case ScheduleKindAt:
		at := kv["schedule_at"]
		if at == "" {
			return Schedule{}, fmt.Errorf("missing schedule_at")
		}
		return Schedule{Kind: ScheduleKindAt, At: at}, nil
	case "":
		if entry.expr == "" {
			return Schedule{}, fmt.Errorf("missing schedule")
		}
		return Schedule{Kind: ScheduleKindCron, Expr: entry.expr, TZ: entry.tz}, nil
	default:
		return Schedule{}, fmt.Errorf("unknown schedule_kind %q", kv["schedule_kind"])
	}
}

// --- rendering ----------------------------------------------------------

// RenderCrontab builds the new crontab content: unmanaged lines from the
// current content pass through untouched, all previously managed lines are
// replaced by the encoded jobs.
func RenderCrontab(current []string, jobs []*Job) (string, error) {
	residue := stripManaged(current)

	var out []string
	out = append(out, residue...)
	if len(residue) > 0 && len(jobs) > 0 {
		out = append(out, "")
	}
	for _, job := range jobs {
		encoded, err := EncodeJob(job)
		if err != nil {
			return "", fmt.Errorf("encode job %s: %w", job.ID, err)
		}
		out = append(out, encoded...)
	}

	content := strings.Join(out, "\n")
	content = multiBlank.ReplaceAllString(content, "\n\n")
	content = strings.Trim(content, "\n")
	if content != "" {
		content += "\n"
	}
	return content, nil
}

// stripManaged drops every tagged line plus CRON_TZ lines bracketing a
// managed execution line.
func stripManaged(lines []string) []string {
	managed := make([]bool, len(lines))
	for i, line := range lines {
		if strings.Contains(line, Tag) {
			managed[i] = true
			if strings.Contains(line, RunMarker) {
				if i > 0 && cronTZPattern.MatchString(strings.TrimSpace(lines[i-1])) {
					managed[i-1] = true
				}
				if i+1 < len(lines) && strings.TrimSpace(lines[i+1]) == "CRON_TZ=" {
					managed[i+1] = true
				}
			}
		}
	}
	var residue []string
	for i, line := range lines {
		if !managed[i] {
			residue = append(residue, line)
		}
	}
	// A trailing run of empty lines is noise once our block is gone.
	for len(residue) > 0 && strings.TrimSpace(residue[len(residue)-1]) == "" {
		residue = residue[:len(residue)-1]
	}
	return residue
}
