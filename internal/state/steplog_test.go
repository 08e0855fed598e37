package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStep(taskID, stageID string) *Step {
	return NewStep(taskID, stageID, "agent-1", "test step", StepKindSkill, "planning")
}

func TestStepStatusTransitions(t *testing.T) {
	step := newTestStep("task-1", "stage-1")
	require.Equal(t, StepInit, step.Status)

	require.NoError(t, step.SetStatus(StepRunning))
	require.NoError(t, step.SetStatus(StepFinished))

	// Terminal status never changes again.
	err := step.SetStatus(StepRunning)
	require.Error(t, err)
	assert.Equal(t, StepFinished, step.Status)
}

func TestStepPendingRoundTrip(t *testing.T) {
	step := NewStep("task-1", "stage-1", "agent-1", "call tool", StepKindTool, "server-x")
	require.NoError(t, step.SetStatus(StepPending))
	require.NoError(t, step.SetStatus(StepInit))
	require.NoError(t, step.SetStatus(StepRunning))
	require.NoError(t, step.SetStatus(StepFailed))
	require.Error(t, step.SetStatus(StepInit))
}

func TestStepDefaultsToNoStage(t *testing.T) {
	step := NewStep("task-1", "", "agent-1", "task-scoped", StepKindSkill, "decision")
	assert.Equal(t, NoStage, step.StageID)
}

func TestStepLogFIFOOrdering(t *testing.T) {
	log := NewStepLog("agent-1")
	a := newTestStep("task-1", "stage-1")
	b := newTestStep("task-1", "stage-1")
	c := newTestStep("task-1", "stage-1")

	log.Append(a)
	log.Append(b)
	log.Append(c)

	for _, want := range []*Step{a, b, c} {
		got, ok := log.PopReady()
		require.True(t, ok)
		assert.Equal(t, want.StepID, got.StepID)
	}
	_, ok := log.PopReady()
	assert.False(t, ok)
}

func TestStepLogInsertNextPreempts(t *testing.T) {
	log := NewStepLog("agent-1")
	a := newTestStep("task-1", "stage-1")
	b := newTestStep("task-1", "stage-1")
	urgent := newTestStep("task-1", "stage-1")

	log.Append(a)
	log.Append(b)
	log.InsertNext(urgent)

	got, ok := log.PopReady()
	require.True(t, ok)
	assert.Equal(t, urgent.StepID, got.StepID)

	got, ok = log.PopReady()
	require.True(t, ok)
	assert.Equal(t, a.StepID, got.StepID)
}

func TestStepLogPopSkipsTerminal(t *testing.T) {
	log := NewStepLog("agent-1")
	a := newTestStep("task-1", "stage-1")
	b := newTestStep("task-1", "stage-1")
	log.Append(a)
	log.Append(b)

	require.NoError(t, a.SetStatus(StepRunning))
	require.NoError(t, a.SetStatus(StepFailed))

	got, ok := log.PopReady()
	require.True(t, ok)
	assert.Equal(t, b.StepID, got.StepID)
}

func TestStepLogPopLeavesPendingQueued(t *testing.T) {
	log := NewStepLog("agent-1")
	tool := NewStep("task-1", "stage-1", "agent-1", "call tool", StepKindTool, "server-x")
	require.NoError(t, tool.SetStatus(StepPending))
	after := newTestStep("task-1", "stage-1")

	log.Append(tool)
	log.Append(after)

	// The uninstructed tool step is skipped in place, not popped.
	got, ok := log.PopReady()
	require.True(t, ok)
	assert.Equal(t, after.StepID, got.StepID)
	assert.Equal(t, 1, log.ReadyLen())

	// Nothing runnable while the tool step waits on its instruction.
	_, ok = log.PopReady()
	require.False(t, ok)
	assert.Equal(t, 1, log.ReadyLen())

	// Once instructed, it pops from its original queue position.
	require.NoError(t, tool.SetStatus(StepInit))
	got, ok = log.PopReady()
	require.True(t, ok)
	assert.Equal(t, tool.StepID, got.StepID)
	assert.Equal(t, 0, log.ReadyLen())
}

func TestStepLogRemoveByStage(t *testing.T) {
	log := NewStepLog("agent-1")
	s1a := newTestStep("task-1", "stage-1")
	s1b := newTestStep("task-1", "stage-1")
	s2 := newTestStep("task-1", "stage-2")
	log.Append(s1a)
	log.Append(s1b)
	log.Append(s2)

	removed := log.RemoveByStage("stage-1")
	assert.Equal(t, 2, removed)
	assert.Len(t, log.All(), 1)

	// Second application purges nothing further.
	assert.Equal(t, 0, log.RemoveByStage("stage-1"))

	got, ok := log.PopReady()
	require.True(t, ok)
	assert.Equal(t, s2.StepID, got.StepID)
	_, ok = log.PopReady()
	assert.False(t, ok)
}

func TestStepLogRemoveByTask(t *testing.T) {
	log := NewStepLog("agent-1")
	t1 := newTestStep("task-1", "stage-1")
	t2 := newTestStep("task-2", "stage-9")
	log.Append(t1)
	log.Append(t2)

	assert.Equal(t, 1, log.RemoveByTask("task-1"))
	_, ok := log.Get(t1.StepID)
	assert.False(t, ok)
	_, ok = log.Get(t2.StepID)
	assert.True(t, ok)
}

func TestStepLogByStageKeepsOrder(t *testing.T) {
	log := NewStepLog("agent-1")
	a := newTestStep("task-1", "stage-1")
	b := newTestStep("task-1", "stage-2")
	c := newTestStep("task-1", "stage-1")
	log.Append(a)
	log.Append(b)
	log.InsertNext(c)

	// InsertNext affects the ready queue, not the history order.
	steps := log.ByStage("stage-1")
	require.Len(t, steps, 2)
	assert.Equal(t, a.StepID, steps[0].StepID)
	assert.Equal(t, c.StepID, steps[1].StepID)
}
