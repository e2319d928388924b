package cron

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Crontab abstracts crontab(1) so the store can be tested without touching
// the host's real crontab.
type Crontab interface {
	Read(ctx context.Context) ([]string, error)
	Write(ctx context.Context, content string) error
}

// SystemCrontab drives the host crontab through `crontab -l` and `crontab -`.
type SystemCrontab struct{}

func NewSystemCrontab() *SystemCrontab {
	return &SystemCrontab{}
}

// Read returns the current crontab lines. A missing crontab ("no crontab
// for <user>") is an empty crontab, not an error.
func (c *SystemCrontab) Read(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, "crontab", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		// Wording and casing vary across cron implementations.
		if strings.Contains(strings.ToLower(stderr.String()), "no crontab") {
			return nil, nil
		}
		return nil, fmt.Errorf("crontab -l: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	out := stdout.String()
	if out == "" {
		return nil, nil
	}
	return strings.Split(strings.TrimRight(out, "\n"), "\n"), nil
}

// Write replaces the whole crontab from stdin. crontab(1) installs the new
// file atomically, so readers never observe a partial state.
func (c *SystemCrontab) Write(ctx context.Context, content string) error {
	cmd := exec.CommandContext(ctx, "crontab", "-")
	cmd.Stdin = strings.NewReader(content)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("crontab -: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return nil
}
