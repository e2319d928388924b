package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/openclaw/internal/cron"
)

const jobCreateJSON = `{
	"name": "Morning brief",
	"schedule": {"kind": "every", "everyMs": 300000},
	"payload": {"kind": "systemEvent", "text": "brief"}
}`

func TestDecodeJobCreateBare(t *testing.T) {
	create, err := decodeJobCreate(json.RawMessage(jobCreateJSON))
	require.NoError(t, err)
	assert.Equal(t, "Morning brief", create.Name)
	assert.Equal(t, cron.ScheduleKindEvery, create.Schedule.Kind)
	assert.Equal(t, cron.PayloadKindSystemEvent, create.Payload.Kind)
}

func TestDecodeJobCreateWrapped(t *testing.T) {
	create, err := decodeJobCreate(json.RawMessage(`{"job": ` + jobCreateJSON + `}`))
	require.NoError(t, err)
	assert.Equal(t, "Morning brief", create.Name)
	assert.Equal(t, int64(300000), create.Schedule.EveryMs)
}

func TestDecodeJobCreateInvalidJSON(t *testing.T) {
	_, err := decodeJobCreate(json.RawMessage(`{"name":`))
	require.Error(t, err)
	var reqErr *cron.RequestError
	assert.ErrorAs(t, err, &reqErr)
}
