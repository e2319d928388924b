package cron

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

const webhookTimeout = 10 * time.Second

// WebhookSender posts run outcomes to the job's delivery target URL.
type WebhookSender struct {
	client *resty.Client
	token  string
	log    zerolog.Logger
}

// NewWebhookSender builds a sender whose transport refuses private,
// loopback and link-local addresses. The check runs at dial time, after
// DNS resolution, so a hostname cannot be used to reach internal targets.
func NewWebhookSender(token string, logger zerolog.Logger) *WebhookSender {
	dialer := &net.Dialer{
		Timeout: webhookTimeout,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			ip := net.ParseIP(host)
			if ip == nil {
				return fmt.Errorf("webhook target %q did not resolve to an IP", host)
			}
			if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
				ip.IsPrivate() || ip.IsUnspecified() {
				return fmt.Errorf("webhook target %s is not a public address", ip)
			}
			return nil
		},
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: webhookTimeout,
	}

	client := resty.New().
		SetTransport(transport).
		SetTimeout(webhookTimeout).
		SetRedirectPolicy(resty.NoRedirectPolicy())

	return &WebhookSender{
		client: client,
		token:  token,
		log:    logger.With().Str("component", "cron-webhook").Logger(),
	}
}

type webhookBody struct {
	JobID      string `json:"jobId"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	Summary    string `json:"summary,omitempty"`
	Error      string `json:"error,omitempty"`
	SessionID  string `json:"sessionId,omitempty"`
	SessionKey string `json:"sessionKey,omitempty"`
}

// Send posts the outcome to the job's delivery URL (Delivery.To).
func (w *WebhookSender) Send(ctx context.Context, job *Job, outcome *RunOutcome) error {
	if job.Delivery == nil {
		return fmt.Errorf("job has no delivery target")
	}
	url := strings.TrimSpace(job.Delivery.To)
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return fmt.Errorf("invalid webhook url")
	}

	req := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookBody{
			JobID:      job.ID,
			Name:       job.Name,
			Status:     outcome.Status,
			Summary:    outcome.Summary,
			Error:      outcome.Error,
			SessionID:  outcome.SessionID,
			SessionKey: outcome.SessionKey,
		})
	if w.token != "" {
		req.SetAuthToken(w.token)
	}

	resp, err := req.Post(url)
	if err != nil {
		return fmt.Errorf("webhook failed: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return fmt.Errorf("webhook failed: %d", resp.StatusCode())
	}
	w.log.Debug().Str("jobId", job.ID).Int("status", resp.StatusCode()).Msg("webhook delivered")
	return nil
}
