package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatusesAreAbsorbing(t *testing.T) {
	terminal := []TaskStatus{TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled}
	all := append(append([]TaskStatus{}, NonTerminalStatuses...), terminal...)

	for _, from := range terminal {
		assert.True(t, from.IsTerminal())
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s must be rejected", from, to)
		}
	}
}

func TestForwardTransitions(t *testing.T) {
	cases := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskStatusQueued, TaskStatusStarting, true},
		{TaskStatusStarting, TaskStatusPending, true},
		{TaskStatusStarting, TaskStatusZipping, true},
		{TaskStatusZipping, TaskStatusQueued, true},
		{TaskStatusPending, TaskStatusProcessing, true},
		{TaskStatusProcessing, TaskStatusCompleted, true},
		{TaskStatusProcessing, TaskStatusFailed, true},
		{TaskStatusQueued, TaskStatusCancelled, true},
		{TaskStatusZipping, TaskStatusFailed, true},

		{TaskStatusProcessing, TaskStatusPending, false},
		{TaskStatusQueued, TaskStatusPending, false},
		{TaskStatusQueued, TaskStatusCompleted, false},
		{TaskStatusPending, TaskStatusQueued, false},
		{TaskStatusZipping, TaskStatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestUpdateWithoutStatusOnlyTargetsNonTerminal(t *testing.T) {
	u := TaskUpdate{}.WithProgress(150)
	assert.Equal(t, NonTerminalStatuses, u.AllowedFrom())
	assert.Equal(t, 100, *u.Progress)

	u = TaskUpdate{}.WithProgress(-3)
	assert.Equal(t, 0, *u.Progress)
}

func TestParseFlightModel(t *testing.T) {
	m, err := ParseFlightModel(" roof ")
	assert.NoError(t, err)
	assert.Equal(t, FlightModelRoof, m)

	_, err = ParseFlightModel("MEDIUM")
	assert.ErrorIs(t, err, ErrUnknownModel)
}
