package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

type fakeDirectory struct {
	agents  map[string]AgentSummary
	spawned []config.RoleConfig
}

func (d *fakeDirectory) AgentSummaries() []AgentSummary {
	out := make([]AgentSummary, 0, len(d.agents))
	for _, a := range d.agents {
		out = append(out, a)
	}
	return out
}

func (d *fakeDirectory) AgentSummary(agentID string) (AgentSummary, bool) {
	a, ok := d.agents[agentID]
	return a, ok
}

func (d *fakeDirectory) SpawnAgent(cfg config.RoleConfig) error {
	d.spawned = append(d.spawned, cfg)
	return nil
}

func newTestSyncer(t *testing.T) (*Syncer, *fakeDirectory) {
	t.Helper()
	dir := &fakeDirectory{agents: map[string]AgentSummary{
		"manager": {AgentID: "manager", Name: "Manager", Role: "manager", WorkingState: "idle"},
		"worker":  {AgentID: "worker", Name: "Worker", Role: "worker", WorkingState: "idle"},
	}}
	log := logger.Default()
	mon := events.NewMonitor(events.NewMemoryBus(log), "test", log)
	return New(dir, mon, log, Options{}), dir
}

func addTaskWithStage(t *testing.T, s *Syncer, allocation map[string]string) (*state.Task, *state.Stage) {
	t.Helper()
	task := state.NewTask("goal", "manager")
	s.AddTask(task)
	stage := state.NewStage(task.TaskID, "stage goal", allocation)
	task.AddStage(stage)
	task.AddGroupMembers(stage.AllocatedAgents()...)
	return task, stage
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func drainInstructions(t *testing.T, task *state.Task) []*state.Message {
	t.Helper()
	msgs := task.Drain()
	for _, m := range msgs {
		require.NoError(t, m.AttachInstruction())
	}
	return msgs
}

func TestStartStageSendsInstructionToAllocation(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, stage := addTaskWithStage(t, s, map[string]string{"worker": "do it", "manager": "watch"})

	require.NoError(t, s.StartStage(task.TaskID, stage.StageID, "manager"))
	assert.Equal(t, state.StageRunning, stage.ExecutionState)

	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []string{"worker", "manager"}, msgs[0].Receiver)
	require.NotNil(t, msgs[0].Instruction)
	assert.Equal(t, state.ActionStartStage, msgs[0].Instruction.Action)
	assert.Equal(t, stage.StageID, msgs[0].StageRelative)
}

func TestApplyAddTaskEnqueuesWorkingMemoryUpdate(t *testing.T) {
	s, _ := newTestSyncer(t)
	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action:        executor.TaskAddTask,
			AgentID:       "manager",
			TaskIntention: "new goal",
		},
	})

	tasks := s.Tasks()
	require.Len(t, tasks, 1)
	task := tasks[0]
	assert.Equal(t, "manager", task.ManagerID)
	assert.Equal(t, []string{"manager"}, task.Group())

	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 1)
	assert.Equal(t, state.ActionUpdateWorkingMemory, msgs[0].Instruction.Action)
	var payload state.UpdateWorkingMemoryPayload
	require.NoError(t, msgs[0].Instruction.Decode(&payload))
	assert.Equal(t, task.TaskID, payload.TaskID)
	assert.Nil(t, payload.StageID)
}

func TestApplyAddStageExtendsGroup(t *testing.T) {
	s, _ := newTestSyncer(t)
	task := state.NewTask("goal", "manager")
	s.AddTask(task)

	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action:  executor.TaskAddStage,
			AgentID: "manager",
			TaskID:  task.TaskID,
			Stages: []executor.StageSpec{
				{Intention: "research", AgentAllocation: map[string]string{"worker": "dig"}},
			},
		},
	})

	stages := task.Stages()
	require.Len(t, stages, 1)
	assert.True(t, task.InGroup("worker"))

	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"worker"}, msgs[0].Receiver)
	var payload state.UpdateWorkingMemoryPayload
	require.NoError(t, msgs[0].Instruction.Decode(&payload))
	require.NotNil(t, payload.StageID)
	assert.Equal(t, stages[0].StageID, *payload.StageID)
}

func TestApplyFinishStageAdvancesAndChecksCompletion(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, first := addTaskWithStage(t, s, map[string]string{"worker": "part one"})
	second := state.NewStage(task.TaskID, "part two", map[string]string{"worker": "part two"})
	task.AddStage(second)
	require.NoError(t, s.StartStage(task.TaskID, first.StageID, "manager"))
	task.Drain()

	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action: executor.TaskFinishStage, AgentID: "manager",
			TaskID: task.TaskID, StageID: first.StageID,
		},
	})
	assert.Equal(t, state.StageFinished, first.ExecutionState)
	assert.Equal(t, state.StageRunning, second.ExecutionState)

	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 2)
	assert.Equal(t, state.ActionFinishStage, msgs[0].Instruction.Action)
	assert.Equal(t, state.ActionStartStage, msgs[1].Instruction.Action)

	// Finishing the last stage triggers the completion check instead.
	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action: executor.TaskFinishStage, AgentID: "manager",
			TaskID: task.TaskID, StageID: second.StageID,
		},
	})
	assert.True(t, task.Finished())

	msgs = task.Drain()
	require.Len(t, msgs, 2)
	check := msgs[1]
	assert.Equal(t, []string{"manager"}, check.Receiver)
	assert.Contains(t, check.Content, "All stages of task")
}

func TestApplyCompletionNotifiesManagerOnce(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, stage := addTaskWithStage(t, s, map[string]string{"worker": "solo"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	s.Apply(context.Background(), &executor.Effect{
		UpdateStageAgentCompletion: &executor.StageCompletionEffect{
			TaskID: task.TaskID, StageID: stage.StageID,
			AgentID: "worker", CompletionSummary: "all done",
		},
	})

	waitFor(t, func() bool { return task.QueueLen() == 1 })
	msgs := task.Drain()
	assert.Equal(t, []string{"manager"}, msgs[0].Receiver)
	assert.Contains(t, msgs[0].Content, "is complete")
	assert.Contains(t, msgs[0].Content, "all done")

	// A repeat summary does not re-notify.
	s.Apply(context.Background(), &executor.Effect{
		UpdateStageAgentCompletion: &executor.StageCompletionEffect{
			TaskID: task.TaskID, StageID: stage.StageID,
			AgentID: "worker", CompletionSummary: "again",
		},
	})
	assert.Equal(t, 0, task.QueueLen())
}

func TestApplyRetryStage(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, stage := addTaskWithStage(t, s, map[string]string{"worker": "try"})
	require.NoError(t, s.StartStage(task.TaskID, stage.StageID, "manager"))
	task.Drain()

	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action: executor.TaskRetryStage, AgentID: "manager",
			TaskID: task.TaskID, StageID: stage.StageID,
		},
	})

	stages := task.Stages()
	require.Len(t, stages, 2)
	assert.Equal(t, state.StageFailed, stages[0].ExecutionState)
	assert.Equal(t, state.StageRunning, stages[1].ExecutionState)
	assert.Equal(t, stage.Intention, stages[1].Intention)

	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 3)
	assert.Equal(t, state.ActionUpdateWorkingMemory, msgs[0].Instruction.Action)
	assert.Equal(t, state.ActionFinishStage, msgs[1].Instruction.Action)
	assert.Equal(t, state.ActionStartStage, msgs[2].Instruction.Action)
}

func TestApplyFinishTaskBroadcastsToGroup(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, _ := addTaskWithStage(t, s, map[string]string{"worker": "w"})

	s.Apply(context.Background(), &executor.Effect{
		TaskInstruction: &executor.TaskInstruction{
			Action: executor.TaskFinishTask, AgentID: "manager",
			TaskID: task.TaskID, Summary: "delivered",
		},
	})

	assert.True(t, task.Finished())
	assert.Equal(t, "delivered", task.Summary())
	msgs := drainInstructions(t, task)
	require.Len(t, msgs, 1)
	assert.ElementsMatch(t, []string{"manager", "worker"}, msgs[0].Receiver)
	assert.Equal(t, state.ActionFinishTask, msgs[0].Instruction.Action)
}

func TestApplyInitNewAgentSpawns(t *testing.T) {
	s, dir := newTestSyncer(t)
	s.Apply(context.Background(), &executor.Effect{
		AgentInstruction: &executor.AgentInstruction{
			Action: executor.AgentInitNewAgent,
			AgentConfig: &executor.AgentSpec{
				Name: "scout", Role: "researcher", Skills: []string{"planning"},
			},
		},
	})
	require.Len(t, dir.spawned, 1)
	assert.Equal(t, "scout", dir.spawned[0].Name)
}

func TestApplyAskInfoRepliesWithWaitingID(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, stage := addTaskWithStage(t, s, map[string]string{"worker": "dig"})

	s.Apply(context.Background(), &executor.Effect{
		AskInfo: &executor.AskInfo{
			Type:         executor.AskStageInfo,
			WaitingID:    "wait-1",
			SenderID:     "manager",
			SenderTaskID: task.TaskID,
			TaskID:       task.TaskID,
			StageID:      stage.StageID,
		},
	})

	msgs := task.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, "wait-1", msgs[0].ReturnWaitingID)
	assert.Equal(t, systemSender, msgs[0].SenderID)
	assert.Equal(t, []string{"manager"}, msgs[0].Receiver)
	assert.Contains(t, msgs[0].Content, stage.StageID)
	assert.Contains(t, msgs[0].Content, "stage goal")
}

func TestApplySharedMessageAndAgentState(t *testing.T) {
	s, _ := newTestSyncer(t)
	task, stage := addTaskWithStage(t, s, map[string]string{"worker": "dig"})

	s.Apply(context.Background(), &executor.Effect{
		UpdateStageAgentState: &executor.StageAgentStateEffect{
			TaskID: task.TaskID, StageID: stage.StageID,
			AgentID: "worker", State: state.AgentWorking,
		},
		SendSharedMessage: &executor.SharedMessageEffect{
			TaskID: task.TaskID, StageID: stage.StageID,
			AgentID: "worker", Role: "worker", Content: "started digging",
		},
	})

	assert.Equal(t, state.AgentWorking, stage.PerAgentState["worker"])
	notes := task.SharedMessages()
	require.Len(t, notes, 1)
	assert.Equal(t, "started digging", notes[0].Content)
}
