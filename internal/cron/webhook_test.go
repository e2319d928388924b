package cron

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhookSendRejectsNonHTTPURL(t *testing.T) {
	sender := NewWebhookSender("", zerolog.Nop())
	job := sampleJob()

	for _, to := range []string{"", "ftp://example.com", "example.com/hook", "file:///etc/passwd"} {
		job.Delivery = &Delivery{Mode: DeliveryModeWebhook, To: to}
		err := sender.Send(context.Background(), job, &RunOutcome{Status: StatusOK})
		require.Error(t, err, "url %q", to)
		assert.Contains(t, err.Error(), "invalid webhook url")
	}
}

func TestWebhookSendRejectsMissingDelivery(t *testing.T) {
	sender := NewWebhookSender("", zerolog.Nop())
	job := sampleJob()
	job.Delivery = nil

	err := sender.Send(context.Background(), job, &RunOutcome{Status: StatusOK})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no delivery target")
}

func TestWebhookSendRejectsLoopbackTarget(t *testing.T) {
	// The dial-time guard refuses loopback even for a live local server, so
	// internal services cannot be reached through a job's delivery URL.
	sender := NewWebhookSender("", zerolog.Nop())
	job := sampleJob()
	job.Delivery = &Delivery{Mode: DeliveryModeWebhook, To: "http://127.0.0.1:9/hook"}

	err := sender.Send(context.Background(), job, &RunOutcome{Status: StatusOK})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook failed")
}

func TestWebhookSendRejectsPrivateTarget(t *testing.T) {
	sender := NewWebhookSender("", zerolog.Nop())
	job := sampleJob()
	job.Delivery = &Delivery{Mode: DeliveryModeWebhook, To: "http://10.0.0.5/hook"}

	err := sender.Send(context.Background(), job, &RunOutcome{Status: StatusOK})
	require.Error(t, err)
}
