package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
)

func newTestTask(t *testing.T, stageCount int) (*Task, []*Stage) {
	t.Helper()
	task := NewTask("build the thing", "manager")
	stages := make([]*Stage, 0, stageCount)
	for i := 0; i < stageCount; i++ {
		stage := NewStage(task.TaskID, "stage goal", map[string]string{"agent-1": "do part"})
		task.AddStage(stage)
		stages = append(stages, stage)
	}
	return task, stages
}

func TestStartStageEnforcesOrder(t *testing.T) {
	task, stages := newTestTask(t, 3)

	// A later stage cannot start while a prior stage is not terminal.
	err := task.StartStage(stages[1].StageID)
	require.Error(t, err)
	assert.True(t, apperrors.IsStageLogic(err))

	require.NoError(t, task.StartStage(stages[0].StageID))
	assert.Equal(t, StageRunning, stages[0].ExecutionState)

	// Only one stage runs at a time.
	err = task.StartStage(stages[1].StageID)
	assert.True(t, apperrors.IsStageLogic(err))

	// Restart of the running stage is a no-op.
	require.NoError(t, task.StartStage(stages[0].StageID))
}

func TestStartStageUnknown(t *testing.T) {
	task, _ := newTestTask(t, 1)
	err := task.StartStage("nope")
	assert.True(t, apperrors.IsStageLogic(err))
}

func TestFinishStageAdvances(t *testing.T) {
	task, stages := newTestTask(t, 2)
	require.NoError(t, task.StartStage(stages[0].StageID))

	next, done, err := task.FinishStage(stages[0].StageID)
	require.NoError(t, err)
	assert.False(t, done)
	require.NotNil(t, next)
	assert.Equal(t, stages[1].StageID, next.StageID)
	assert.Equal(t, StageFinished, stages[0].ExecutionState)
	assert.Equal(t, StageRunning, stages[1].ExecutionState)

	next, done, err = task.FinishStage(stages[1].StageID)
	require.NoError(t, err)
	assert.Nil(t, next)
	assert.True(t, done)
	assert.True(t, task.Finished())
}

func TestFinishStageKeepsFailed(t *testing.T) {
	task, stages := newTestTask(t, 2)
	require.NoError(t, task.StartStage(stages[0].StageID))
	require.NoError(t, task.FailStage(stages[0].StageID))

	_, _, err := task.FinishStage(stages[0].StageID)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, stages[0].ExecutionState)
}

func TestRetryStageInsertsReplacement(t *testing.T) {
	task, stages := newTestTask(t, 2)
	require.NoError(t, task.StartStage(stages[0].StageID))

	replacement, err := task.RetryStage(stages[0].StageID, "", nil)
	require.NoError(t, err)
	assert.Equal(t, StageFailed, stages[0].ExecutionState)
	assert.Equal(t, stages[0].Intention, replacement.Intention)
	assert.Equal(t, stages[0].AgentAllocation, replacement.AgentAllocation)
	assert.Equal(t, StageInit, replacement.ExecutionState)

	got := task.Stages()
	require.Len(t, got, 3)
	assert.Equal(t, replacement.StageID, got[1].StageID)
}

func TestAddNextStage(t *testing.T) {
	task, stages := newTestTask(t, 3)
	require.NoError(t, task.StartStage(stages[0].StageID))

	inserted := NewStage(task.TaskID, "urgent detour", map[string]string{"agent-2": "handle it"})
	task.AddNextStage(inserted)

	got := task.Stages()
	require.Len(t, got, 4)
	assert.Equal(t, stages[0].StageID, got[0].StageID)
	assert.Equal(t, inserted.StageID, got[1].StageID)
}

func TestStageCompletionFiresOnce(t *testing.T) {
	task := NewTask("two-agent work", "manager")
	stage := NewStage(task.TaskID, "goal", map[string]string{"a": "part a", "b": "part b"})
	task.AddStage(stage)

	fired, err := task.RecordCompletion(stage.StageID, "a", "done a")
	require.NoError(t, err)
	assert.False(t, fired)

	fired, err = task.RecordCompletion(stage.StageID, "b", "done b")
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, AgentFinished, stage.PerAgentState["a"])
	assert.Equal(t, AgentFinished, stage.PerAgentState["b"])

	// A repeat summary never fires again.
	fired, err = task.RecordCompletion(stage.StageID, "a", "again")
	require.NoError(t, err)
	assert.False(t, fired)
}

func TestSetAgentStateRejectsUnallocated(t *testing.T) {
	task, stages := newTestTask(t, 1)
	require.NoError(t, task.SetAgentState(stages[0].StageID, "agent-1", AgentWorking))
	assert.Equal(t, AgentWorking, stages[0].PerAgentState["agent-1"])

	err := task.SetAgentState(stages[0].StageID, "stranger", AgentWorking)
	assert.True(t, apperrors.IsStageLogic(err))
}

func TestQueueDrainFIFO(t *testing.T) {
	task, _ := newTestTask(t, 1)
	m1 := &Message{TaskID: task.TaskID, SenderID: "a", Receiver: []string{"b"}, Content: "one"}
	m2 := &Message{TaskID: task.TaskID, SenderID: "a", Receiver: []string{"b"}, Content: "two"}
	task.Enqueue(m1)
	task.Enqueue(m2)

	assert.Equal(t, 2, task.QueueLen())
	got := task.Drain()
	require.Len(t, got, 2)
	assert.Equal(t, "one", got[0].Content)
	assert.Equal(t, "two", got[1].Content)
	assert.Equal(t, 0, task.QueueLen())
	assert.Empty(t, task.Drain())
}

func TestSharedPoolsAreSeparate(t *testing.T) {
	task, stages := newTestTask(t, 1)
	task.RecordConversation(&Message{TaskID: task.TaskID, SenderID: "a", Receiver: []string{"b"}, Content: "hi"})
	task.AppendSharedMessage(SharedMessageEntry{
		AgentID: "agent-1",
		Role:    "worker",
		StageID: stages[0].StageID,
		Content: "finished step",
	})

	assert.Len(t, task.Conversations(), 1)
	notes := task.SharedMessages()
	require.Len(t, notes, 1)
	assert.False(t, notes[0].Timestamp.IsZero())

	byStage := task.SharedMessagesByStage(stages[0].StageID)
	assert.Len(t, byStage, 1)
	assert.Empty(t, task.SharedMessagesByStage("other"))
}
