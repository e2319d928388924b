package cron

import (
	"context"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// timestampPattern matches a leading journal/syslog timestamp, either
// `YYYY-MM-DD HH:MM:SS` or the journalctl short-iso `YYYY-MM-DDTHH:MM:SS`
// with its optional zone suffix.
var timestampPattern = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2})[ T](\d{2}:\d{2}:\d{2})([+-]\d{4}|[+-]\d{2}:\d{2}|Z)?`)

// HistoryReader reconstructs per-job run history from the system logs.
// Nothing here is durable beyond what the OS retains; every failure
// degrades to an empty result.
type HistoryReader struct {
	log zerolog.Logger
	now func() time.Time

	// journal and readFile are swappable for tests.
	journal  func(ctx context.Context, unit string) (string, error)
	readFile func(path string) (string, error)
}

func NewHistoryReader(logger zerolog.Logger) *HistoryReader {
	return &HistoryReader{
		log: logger.With().Str("component", "cron-history").Logger(),
		now: time.Now,
		journal: func(ctx context.Context, unit string) (string, error) {
			out, err := exec.CommandContext(ctx, "journalctl", "-u", unit, "--no-pager", "-o", "short-iso").Output()
			return string(out), err
		},
		readFile: func(path string) (string, error) {
			data, err := os.ReadFile(path)
			return string(data), err
		},
	}
}

// Runs returns up to limit entries for jobID, newest first.
func (h *HistoryReader) Runs(ctx context.Context, jobID string, limit int) []RunLogEntry {
	if limit <= 0 {
		limit = 50
	}
	content := h.readSource(ctx)
	if content == "" {
		return nil
	}

	lines := strings.Split(content, "\n")
	var entries []RunLogEntry
	for i := len(lines) - 1; i >= 0 && len(entries) < limit; i-- {
		line := lines[i]
		if !strings.Contains(line, RunMarker) || !strings.Contains(line, jobID) {
			continue
		}
		status := StatusOK
		if strings.Contains(strings.ToLower(line), "error") {
			status = StatusError
		}
		entries = append(entries, RunLogEntry{
			Ts:     h.lineTimestamp(line),
			JobID:  jobID,
			Status: status,
		})
	}
	return entries
}

// readSource walks the sources in preference order: journal units first,
// then the classic log files.
func (h *HistoryReader) readSource(ctx context.Context) string {
	for _, unit := range []string{"cron.service", "crond.service"} {
		out, err := h.journal(ctx, unit)
		if err == nil && strings.TrimSpace(out) != "" {
			return out
		}
	}
	for _, path := range []string{"/var/log/cron", "/var/log/syslog"} {
		out, err := h.readFile(path)
		if err == nil && out != "" {
			return out
		}
	}
	h.log.Debug().Msg("no readable cron log source")
	return ""
}

// lineTimestamp extracts the leading timestamp. A zone suffix is honored;
// bare timestamps are read as UTC. Lines without one get the current time.
func (h *HistoryReader) lineTimestamp(line string) int64 {
	m := timestampPattern.FindStringSubmatch(line)
	if m == nil {
		return h.now().UnixMilli()
	}
	stamp := m[1] + " " + m[2]
	layout := "2006-01-02 15:04:05"
	if zone := m[3]; zone != "" {
		stamp += zone
		if zone == "Z" || strings.ContainsRune(zone, ':') {
			layout += "Z07:00"
		} else {
			layout += "-0700"
		}
	}
	t, err := time.Parse(layout, stamp)
	if err != nil {
		return h.now().UnixMilli()
	}
	return t.UnixMilli()
}
