package podflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStageStatusTransitions(t *testing.T) {
	allowed := map[StageStatus][]StageStatus{
		StagePending:           {StageRunning, StageFailed},
		StageRunning:           {StageRunning, StageSucceeded, StageSucceededDegraded, StageFailed},
		StageSucceeded:         nil,
		StageSucceededDegraded: nil,
		StageFailed:            nil,
	}
	all := []StageStatus{StagePending, StageRunning, StageSucceeded, StageSucceededDegraded, StageFailed}
	for from, targets := range allowed {
		for _, to := range all {
			require.Equal(t, contains(targets, to), from.canTransition(to), "%s -> %s", from, to)
		}
	}
}

func contains(statuses []StageStatus, s StageStatus) bool {
	for _, status := range statuses {
		if status == s {
			return true
		}
	}
	return false
}

func TestStateLifecycle(t *testing.T) {
	state := NewState("run_1", "p", []string{"a", "b"}, "tell me about tides")
	require.Equal(t, RunInitialized, state.Status())
	require.NoError(t, state.Start())
	require.Error(t, state.Start())

	_, err := state.RecordAttempt("a")
	require.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, state.BeginStage("a"))
	attempt, err := state.RecordAttempt("a")
	require.NoError(t, err)
	require.Equal(t, 1, attempt)
	require.NoError(t, state.CompleteStage("a", Output{"x": "1"}, false))

	require.ErrorIs(t, state.BeginStage("a"), ErrInvalidTransition)
	require.ErrorIs(t, state.BeginStage("nope"), ErrUnknownStage)

	value, ok := state.Get("x")
	require.True(t, ok)
	require.Equal(t, "1", value)
	value, ok = state.Get(FieldRequest)
	require.True(t, ok)
	require.Equal(t, "tell me about tides", value)
	value, ok = state.Get(FieldRunID)
	require.True(t, ok)
	require.Equal(t, "run_1", value)

	require.Error(t, state.Complete(nil), "b has not succeeded")

	require.NoError(t, state.BeginStage("b"))
	require.NoError(t, state.CompleteStage("b", Output{"y": 2.0}, true))
	require.Equal(t, StageSucceededDegraded, state.StageStatus("b"))
	require.NoError(t, state.Complete(map[string]any{"y": 2.0}))
	require.Equal(t, RunCompleted, state.Status())
	require.False(t, state.EndTime().IsZero())

	// Sealed
	require.ErrorIs(t, state.AppendError(&ErrorRecord{Stage: "b"}), ErrStateSealed)
	require.ErrorIs(t, state.ResetFrom("b"), ErrStateSealed)
	require.ErrorIs(t, state.Fail(), ErrStateSealed)
}

func TestStateOutputsAreNeverOverwritten(t *testing.T) {
	state := NewState("run_1", "p", []string{"a"}, "req")
	require.NoError(t, state.BeginStage("a"))
	require.NoError(t, state.CompleteStage("a", Output{"x": "first"}, false))

	// Force the stage back to running to show the output check is
	// independent of the status check.
	state.stages["a"].Status = StageRunning
	err := state.CompleteStage("a", Output{"x": "second"}, false)
	require.ErrorIs(t, err, ErrInvalidTransition)
	out, ok := state.Output("a")
	require.True(t, ok)
	require.Equal(t, "first", out["x"])
}

func TestStateOutputCopies(t *testing.T) {
	state := NewState("run_1", "p", []string{"a"}, "req")
	require.NoError(t, state.BeginStage("a"))
	original := Output{"x": "1"}
	require.NoError(t, state.CompleteStage("a", original, false))
	original["x"] = "changed"

	out, _ := state.Output("a")
	require.Equal(t, "1", out["x"])
	out["x"] = "changed again"
	again, _ := state.Output("a")
	require.Equal(t, "1", again["x"])
}

func TestStateResetFromAndReopen(t *testing.T) {
	state := NewState("run_1", "p", []string{"a", "b", "c"}, "req")
	require.NoError(t, state.Start())
	for _, name := range []string{"a", "b"} {
		require.NoError(t, state.BeginStage(name))
		_, err := state.RecordAttempt(name)
		require.NoError(t, err)
		require.NoError(t, state.CompleteStage(name, Output{name: name}, false))
	}
	require.NoError(t, state.BeginStage("c"))
	require.NoError(t, state.FailStage("c"))
	require.NoError(t, state.AppendError(&ErrorRecord{Stage: "c", Kind: ErrorKindUnavailable, Terminal: true}))
	require.NoError(t, state.Fail())
	require.NotNil(t, state.TerminalError())

	require.NoError(t, state.Reopen())
	require.Equal(t, RunRunning, state.Status())
	require.True(t, state.EndTime().IsZero())

	require.NoError(t, state.ResetFrom("b", "c"))
	require.Equal(t, StageSucceeded, state.StageStatus("a"))
	require.Equal(t, StagePending, state.StageStatus("b"))
	require.Equal(t, StagePending, state.StageStatus("c"))
	b, _ := state.Stage("b")
	require.Zero(t, b.Attempts)
	_, ok := state.Output("b")
	require.False(t, ok)
	_, ok = state.Output("a")
	require.True(t, ok)
	require.Len(t, state.Errors(), 1, "error records survive a reset")

	require.ErrorIs(t, state.ResetFrom("nope"), ErrUnknownStage)
}

func TestStateRecordRoundTrip(t *testing.T) {
	state := NewState("run_1", "p", []string{"a", "b"}, "req")
	require.NoError(t, state.Start())
	require.NoError(t, state.BeginStage("a"))
	_, err := state.RecordAttempt("a")
	require.NoError(t, err)
	require.NoError(t, state.CompleteStage("a", Output{"items": []any{"x", "y"}}, true))
	require.NoError(t, state.AppendError(&ErrorRecord{Stage: "a", Kind: ErrorKindRateLimited, Message: "slow down", Attempts: 1}))
	require.NoError(t, state.BeginStage("b"))

	data, err := json.Marshal(state.ToRecord())
	require.NoError(t, err)
	var record RunRecord
	require.NoError(t, json.Unmarshal(data, &record))

	restored, err := StateFromRecord(&record)
	require.NoError(t, err)
	require.Equal(t, "run_1", restored.RunID())
	require.Equal(t, RunRunning, restored.Status())
	require.Equal(t, []string{"a", "b"}, restored.StageNames())
	require.Equal(t, StageSucceededDegraded, restored.StageStatus("a"))
	require.Equal(t, StageRunning, restored.StageStatus("b"))
	items, ok := restored.Get("items")
	require.True(t, ok)
	require.Equal(t, []any{"x", "y"}, items)
	require.Len(t, restored.Errors(), 1)

	again, err := json.Marshal(restored.ToRecord())
	require.NoError(t, err)
	var reloaded RunRecord
	require.NoError(t, json.Unmarshal(again, &reloaded))
	require.Equal(t, record.Outputs, reloaded.Outputs)

	summary := record.Summary()
	require.Equal(t, 1, summary.StagesDone)
	require.Equal(t, 2, summary.StagesTotal)
	require.Equal(t, 1, summary.Degraded)
}

func TestStateFromRecordRejectsBadRecords(t *testing.T) {
	_, err := StateFromRecord(nil)
	require.Error(t, err)
	_, err = StateFromRecord(&RunRecord{})
	require.Error(t, err)
	_, err = StateFromRecord(&RunRecord{RunID: "r", Stages: []*StageRecord{{Name: "a", StageState: StageState{Status: "weird"}}}})
	require.Error(t, err)
	_, err = StateFromRecord(&RunRecord{
		RunID:   "r",
		Stages:  []*StageRecord{{Name: "a", StageState: StageState{Status: StageSucceeded}}},
		Outputs: []*StageOutput{{Stage: "b"}},
	})
	require.Error(t, err)
}
