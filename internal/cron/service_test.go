package cron

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceFixture struct {
	svc    *Service
	tab    *fakeCrontab
	sink   *fakeSink
	runner *fakeRunner
	sender *fakeSender
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	tab := &fakeCrontab{}
	store := newTestStore(t, tab)

	sink := &fakeSink{}
	runner := &fakeRunner{}
	sender := &fakeSender{}
	dispatcher := newTestDispatcher(sink, runner, sender)

	history := NewHistoryReader(zerolog.Nop())
	history.journal = func(_ context.Context, _ string) (string, error) {
		return "", fmt.Errorf("no journal")
	}
	history.readFile = func(_ string) (string, error) {
		return "", fmt.Errorf("no file")
	}

	svc := NewService(store, dispatcher, history, zerolog.Nop())
	svc.now = func() time.Time { return time.Date(2030, 6, 15, 12, 0, 30, 0, time.UTC) }
	return &serviceFixture{svc: svc, tab: tab, sink: sink, runner: runner, sender: sender}
}

func (f *serviceFixture) addJob(t *testing.T, create JobCreate) *Job {
	t.Helper()
	job, err := f.svc.Add(context.Background(), create)
	require.NoError(t, err)
	return job
}

func basicCreate(name string) JobCreate {
	return JobCreate{
		Name:     name,
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 300_000},
		Payload:  Payload{Kind: PayloadKindSystemEvent, Text: "ping"},
	}
}

func TestServiceAddAndList(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Daily brief"))

	assert.NotEmpty(t, job.ID)
	assert.True(t, job.Enabled)
	assert.Equal(t, SessionTargetMain, job.SessionTarget)
	assert.Equal(t, WakeModeNow, job.WakeMode)

	result, err := f.svc.List(context.Background(), ListParams{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, 1, result.Meta.Total)
	assert.Equal(t, defaultListLimit, result.Meta.Limit)
	assert.Contains(t, f.tab.content, "openclaw cron run "+job.ID)
}

func TestServiceAddValidation(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.svc.Add(context.Background(), JobCreate{
		Schedule: Schedule{Kind: ScheduleKindEvery, EveryMs: 300_000},
		Payload:  Payload{Kind: PayloadKindSystemEvent},
	})
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestServiceAddInfeasibleSchedule(t *testing.T) {
	f := newServiceFixture(t)

	create := basicCreate("Too fast")
	create.Schedule.EveryMs = 45_000
	_, err := f.svc.Add(context.Background(), create)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Contains(t, err.Error(), "not a multiple of one minute")
	assert.Empty(t, f.tab.content)
}

func TestServiceListFiltersDisabledByDefault(t *testing.T) {
	f := newServiceFixture(t)
	f.addJob(t, basicCreate("Visible"))
	disabled := false
	create := basicCreate("Hidden")
	create.Enabled = &disabled
	f.addJob(t, create)

	result, err := f.svc.List(context.Background(), ListParams{})
	require.NoError(t, err)
	require.Len(t, result.Jobs, 1)
	assert.Equal(t, "Visible", result.Jobs[0].Name)

	all, err := f.svc.List(context.Background(), ListParams{IncludeDisabled: true})
	require.NoError(t, err)
	assert.Len(t, all.Jobs, 2)

	onlyDisabled, err := f.svc.List(context.Background(), ListParams{Enabled: "disabled"})
	require.NoError(t, err)
	require.Len(t, onlyDisabled.Jobs, 1)
	assert.Equal(t, "Hidden", onlyDisabled.Jobs[0].Name)
}

func TestServiceListQueryAndSort(t *testing.T) {
	f := newServiceFixture(t)
	f.addJob(t, basicCreate("beta sweep"))
	f.addJob(t, basicCreate("Alpha brief"))

	byName, err := f.svc.List(context.Background(), ListParams{SortBy: "name", SortDir: "asc"})
	require.NoError(t, err)
	require.Len(t, byName.Jobs, 2)
	assert.Equal(t, "Alpha brief", byName.Jobs[0].Name)

	queried, err := f.svc.List(context.Background(), ListParams{Query: "sweep"})
	require.NoError(t, err)
	require.Len(t, queried.Jobs, 1)
	assert.Equal(t, "beta sweep", queried.Jobs[0].Name)
}

func TestServiceListPagination(t *testing.T) {
	f := newServiceFixture(t)
	for i := 0; i < 5; i++ {
		f.addJob(t, basicCreate(fmt.Sprintf("job %d", i)))
	}

	page, err := f.svc.List(context.Background(), ListParams{Limit: 2, Offset: 4, SortBy: "name"})
	require.NoError(t, err)
	assert.Len(t, page.Jobs, 1)
	assert.Equal(t, 5, page.Meta.Total)
	assert.Equal(t, 2, page.Meta.Limit)
	assert.Equal(t, 4, page.Meta.Offset)
}

func TestServiceListRejectsBadParams(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.List(context.Background(), ListParams{SortBy: "favoriteColor"})
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestServiceUpdate(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Original"))

	name := "Renamed"
	enabled := false
	updated, err := f.svc.Update(context.Background(), job.ID, JobPatch{Name: &name, Enabled: &enabled})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.False(t, updated.Enabled)

	// Disable shows up as a commented execution line, metadata untouched.
	assert.Contains(t, f.tab.content, "# */5 * * * * openclaw cron run "+job.ID)
}

func TestServiceUpdatePayloadKindChangeRejected(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Stable"))

	kind := PayloadKindAgentTurn
	_, err := f.svc.Update(context.Background(), job.ID, JobPatch{Payload: &PayloadPatch{Kind: &kind}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "payload kind cannot change in a patch")
}

func TestServiceUpdateInfeasibleScheduleRejected(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Stable"))

	_, err := f.svc.Update(context.Background(), job.ID, JobPatch{
		Schedule: &Schedule{Kind: ScheduleKindEvery, EveryMs: 90_000},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a multiple of one minute")

	// Original schedule survives the rejected patch.
	got, err := f.svc.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(300_000), got.Schedule.EveryMs)
}

func TestServiceUpdateNotFound(t *testing.T) {
	f := newServiceFixture(t)
	name := "x"
	_, err := f.svc.Update(context.Background(), "nope", JobPatch{Name: &name})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job not found")
}

func TestServiceRemove(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Short lived"))

	require.NoError(t, f.svc.Remove(context.Background(), job.ID))
	assert.NotContains(t, f.tab.content, job.ID)

	err := f.svc.Remove(context.Background(), job.ID)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestServiceRunForce(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Forced"))

	result, err := f.svc.Run(context.Background(), job.ID, RunModeForce)
	require.NoError(t, err)
	assert.True(t, result.Ran)
	require.NotNil(t, result.Outcome)
	assert.Equal(t, StatusOK, result.Outcome.Status)
	require.NotNil(t, result.NextRunAtMs)
	require.Len(t, f.sink.events, 1)
}

func TestServiceRunDueGate(t *testing.T) {
	f := newServiceFixture(t)
	// Hourly at minute 30; the fixture clock sits at 12:00:30.
	create := basicCreate("Gated")
	create.Schedule = Schedule{Kind: ScheduleKindCron, Expr: "30 * * * *"}
	job := f.addJob(t, create)

	result, err := f.svc.Run(context.Background(), job.ID, RunModeDue)
	require.NoError(t, err)
	assert.False(t, result.Ran)
	assert.Equal(t, ReasonNotDue, result.Reason)
	assert.Nil(t, result.Outcome)
	require.NotNil(t, result.NextRunAtMs)
	assert.Empty(t, f.sink.events)
}

func TestServiceRunDueFires(t *testing.T) {
	f := newServiceFixture(t)
	create := basicCreate("Due now")
	create.Schedule = Schedule{Kind: ScheduleKindCron, Expr: "0 12 * * *"}
	job := f.addJob(t, create)

	result, err := f.svc.Run(context.Background(), job.ID, RunModeDue)
	require.NoError(t, err)
	assert.True(t, result.Ran)
}

func TestServiceRunInvalidMode(t *testing.T) {
	f := newServiceFixture(t)
	job := f.addJob(t, basicCreate("Modal"))

	_, err := f.svc.Run(context.Background(), job.ID, "maybe")
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestServiceRunUnknownJob(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.svc.Run(context.Background(), "ghost", RunModeForce)
	require.Error(t, err)
	var reqErr *RequestError
	require.ErrorAs(t, err, &reqErr)
}

func TestServiceRunOneShotDeleteAfterRun(t *testing.T) {
	f := newServiceFixture(t)
	create := basicCreate("One shot")
	create.Schedule = Schedule{Kind: ScheduleKindAt, At: "2030-06-15T18:00:00Z"}
	create.DeleteAfterRun = true
	job := f.addJob(t, create)

	result, err := f.svc.Run(context.Background(), job.ID, RunModeForce)
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Nil(t, result.NextRunAtMs)

	// The job left the crontab once it fired.
	assert.NotContains(t, f.tab.content, job.ID)
}

func TestServiceRunOneShotWithoutDeleteStays(t *testing.T) {
	f := newServiceFixture(t)
	create := basicCreate("Sticky one shot")
	create.Schedule = Schedule{Kind: ScheduleKindAt, At: "2030-06-15T18:00:00Z"}
	job := f.addJob(t, create)

	result, err := f.svc.Run(context.Background(), job.ID, RunModeForce)
	require.NoError(t, err)
	assert.True(t, result.Ran)
	assert.Contains(t, f.tab.content, job.ID)
}

func TestServiceRunsEmptyOnLogFailure(t *testing.T) {
	f := newServiceFixture(t)
	result, err := f.svc.Runs(context.Background(), "whatever", 10)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
	assert.Zero(t, result.Total)
	assert.False(t, result.HasMore)
	assert.Nil(t, result.NextOffset)
}

func TestServiceSchedulerStatus(t *testing.T) {
	f := newServiceFixture(t)
	f.svc.command = func(_ context.Context, name string, args ...string) (string, error) {
		if name == "crontab" {
			return "# current crontab\n", nil
		}
		return "", fmt.Errorf("%s: command not found", name)
	}

	status := f.svc.SchedulerStatus(context.Background())
	require.Len(t, status.Blocks, 3)
	assert.Equal(t, "crontab -l", status.Blocks[0].Command)
	assert.Equal(t, "# current crontab", status.Blocks[0].Output)
	assert.Empty(t, status.Blocks[0].Error)
	assert.True(t, strings.HasPrefix(status.Blocks[1].Command, "systemctl --user list-timers"))
	assert.NotEmpty(t, status.Blocks[1].Error)
}
