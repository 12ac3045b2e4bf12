package scheduler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/username/flexledger/backend/src/models"
	"github.com/username/flexledger/backend/src/orchestrator"
	"github.com/username/flexledger/backend/src/store"
)

type fakeTrigger struct {
	err   error
	calls int
	types []string
}

func (f *fakeTrigger) RunIngestion(runType string) (*orchestrator.RunResult, error) {
	f.calls++
	f.types = append(f.types, runType)
	if f.err != nil {
		return nil, f.err
	}
	return &orchestrator.RunResult{RunID: "run-1", Status: models.RunStatusSuccess}, nil
}

func TestNewRejectsInvalidSchedule(t *testing.T) {
	_, err := New("not a cron expression", &fakeTrigger{})
	assert.Error(t, err)
}

func TestRunOnceUsesScheduledRunType(t *testing.T) {
	trigger := &fakeTrigger{}
	s, err := New("0 7 * * *", trigger)
	require.NoError(t, err)

	s.runOnce()
	require.Equal(t, 1, trigger.calls)
	assert.Equal(t, []string{models.RunTypeScheduled}, trigger.types)
}

func TestRunOnceSkipsOnActiveRunConflict(t *testing.T) {
	trigger := &fakeTrigger{err: store.ErrRunAlreadyActive}
	s, err := New("@hourly", trigger)
	require.NoError(t, err)

	// Conflicts are absorbed; the next tick tries again.
	s.runOnce()
	s.runOnce()
	assert.Equal(t, 2, trigger.calls)
}

func TestRunOnceAbsorbsTriggerErrors(t *testing.T) {
	trigger := &fakeTrigger{err: errors.New("database is locked")}
	s, err := New("@daily", trigger)
	require.NoError(t, err)

	s.runOnce()
	assert.Equal(t, 1, trigger.calls)
}
