package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

type fakeSync struct {
	mu      sync.Mutex
	applied []*executor.Effect
	stages  map[string]*state.Stage
}

func (f *fakeSync) Apply(_ context.Context, effect *executor.Effect) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, effect)
}

func (f *fakeSync) StartStage(_, _, _ string) error { return nil }

func (f *fakeSync) GetTask(_ string) (*state.Task, bool) { return nil, false }

func (f *fakeSync) GetStage(_, stageID string) (*state.Stage, bool) {
	stage, ok := f.stages[stageID]
	return stage, ok
}

func (f *fakeSync) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func newTestAgent(t *testing.T, reg *executor.Registry) (*Agent, *fakeSync) {
	t.Helper()
	fs := &fakeSync{stages: make(map[string]*state.Stage)}
	cfg := config.RoleConfig{
		Name:    "Researcher",
		Role:    "researcher",
		Profile: "digs things up",
		Skills:  []string{executor.SkillPlanning, executor.SkillSendMessage, executor.SkillProcessMessage},
		Tools:   []string{"web_search"},
	}
	a := New(cfg, reg, fs, nil, logger.Default(), Options{ParkInterval: 5 * time.Millisecond})
	return a, fs
}

func skillStep(a *Agent, executorName string) *state.Step {
	return state.NewStep("task-1", "stage-1", a.ID(), "test", state.StepKindSkill, executorName)
}

func TestAddStepPendingForToolWithoutInstruction(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	tool := state.NewStep("task-1", "stage-1", a.ID(), "call tool", state.StepKindTool, "web_search")
	a.mu.Lock()
	a.AddStep(tool)
	a.mu.Unlock()

	assert.Equal(t, state.StepPending, tool.Status)
	assert.Contains(t, a.WorkingMemoryView()["task-1"]["stage-1"], tool.StepID)

	withInstr := state.NewStep("task-1", "stage-1", a.ID(), "call tool", state.StepKindTool, "web_search")
	withInstr.SetInstruction(map[string]any{"instruction_type": "function_call"})
	a.mu.Lock()
	a.AddStep(withInstr)
	a.mu.Unlock()

	assert.Equal(t, state.StepInit, withInstr.Status)
}

func TestReceiveMessageNeedReplyInsertsReplyStep(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	a.mu.Lock()
	a.AddStep(skillStep(a, executor.SkillPlanning))
	a.mu.Unlock()

	ok := a.ReceiveMessage(&state.Message{
		TaskID:        "task-1",
		SenderID:      "manager",
		Receiver:      []string{"other", a.ID()},
		Content:       "what is the status?",
		StageRelative: "stage-1",
		NeedReply:     true,
		Waiting:       []string{"wait-other", "wait-me"},
	})
	require.True(t, ok)

	a.mu.Lock()
	head, popped := a.stepLog.PopReady()
	a.mu.Unlock()
	require.True(t, popped)
	assert.Equal(t, executor.SkillSendMessage, head.ExecutorName)
	assert.Contains(t, head.TextContent, "<return_waiting_id>wait-me</return_waiting_id>")
	assert.Contains(t, head.TextContent, "what is the status?")
}

func TestReceiveMessageReturnWaitingIDUnlocks(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	a.mu.Lock()
	a.LockStep("wait-1")
	a.LockStep("wait-2")
	a.mu.Unlock()

	a.ReceiveMessage(&state.Message{
		TaskID:          "task-1",
		SenderID:        "manager",
		Receiver:        []string{a.ID()},
		Content:         "",
		ReturnWaitingID: "wait-1",
	})
	a.ReceiveMessage(&state.Message{
		TaskID:          "task-1",
		SenderID:        "manager",
		Receiver:        []string{a.ID()},
		Content:         "",
		ReturnWaitingID: "wait-unknown",
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, []string{"wait-2"}, a.stepLock)
}

func TestReceiveMessageMalformedInstructionDropped(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	ok := a.ReceiveMessage(&state.Message{
		TaskID:   "task-1",
		SenderID: "manager",
		Receiver: []string{a.ID()},
		Content:  "hello <instruction>not json</instruction>",
	})

	assert.False(t, ok)
	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Equal(t, 0, a.stepLog.ReadyLen())
}

func TestStartStageSeedsOnePlanningStep(t *testing.T) {
	a, fs := newTestAgent(t, executor.NewRegistry())
	fs.stages["stage-1"] = state.NewStage("task-1", "research the topic", map[string]string{
		a.ID(): "find sources",
	})

	msg := func() *state.Message {
		instr, err := state.NewInstruction(state.ActionStartStage, state.StartStagePayload{StageID: "stage-1"})
		require.NoError(t, err)
		return &state.Message{
			TaskID:        "task-1",
			SenderID:      "[system]",
			Receiver:      []string{a.ID()},
			Content:       instr.Encode(),
			StageRelative: "stage-1",
		}
	}

	a.ReceiveMessage(msg())
	a.ReceiveMessage(msg())

	a.mu.Lock()
	steps := a.stepLog.ByStage("stage-1")
	a.mu.Unlock()
	require.Len(t, steps, 1)
	assert.Equal(t, executor.SkillPlanning, steps[0].ExecutorName)
	assert.Contains(t, steps[0].TextContent, "research the topic")
	assert.Contains(t, steps[0].TextContent, "find sources")
}

func TestFinishStageTearsDownStepsAndMemory(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	a.mu.Lock()
	a.AddStep(skillStep(a, executor.SkillPlanning))
	a.AddStep(skillStep(a, executor.SkillProcessMessage))
	a.mu.Unlock()

	instr, err := state.NewInstruction(state.ActionFinishStage, state.FinishStagePayload{StageID: "stage-1"})
	require.NoError(t, err)
	a.ReceiveMessage(&state.Message{
		TaskID:   "task-1",
		SenderID: "[system]",
		Receiver: []string{a.ID()},
		Content:  instr.Encode(),
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.stepLog.ByStage("stage-1"))
	_, stageKept := a.workingMemory["task-1"]["stage-1"]
	assert.False(t, stageKept)
}

func TestFinishTaskPurgesWorkingMemory(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	a.mu.Lock()
	a.AddStep(skillStep(a, executor.SkillPlanning))
	a.mu.Unlock()

	instr, err := state.NewInstruction(state.ActionFinishTask, state.FinishTaskPayload{TaskID: "task-1"})
	require.NoError(t, err)
	a.ReceiveMessage(&state.Message{
		TaskID:   "task-1",
		SenderID: "[system]",
		Receiver: []string{a.ID()},
		Content:  instr.Encode(),
	})

	a.mu.Lock()
	defer a.mu.Unlock()
	assert.Empty(t, a.stepLog.ByTask("task-1"))
	_, kept := a.workingMemory["task-1"]
	assert.False(t, kept)
}

func TestAddToolDecisionInstructionPreempts(t *testing.T) {
	a, _ := newTestAgent(t, executor.NewRegistry())

	a.mu.Lock()
	a.AddStep(skillStep(a, executor.SkillPlanning))
	a.mu.Unlock()

	instr, err := state.NewInstruction(state.ActionAddToolDecision, state.AddToolDecisionPayload{
		TaskID:   "task-1",
		StageID:  "stage-1",
		ToolName: "web_search",
	})
	require.NoError(t, err)
	a.ReceiveMessage(&state.Message{
		TaskID:   "task-1",
		SenderID: "manager",
		Receiver: []string{a.ID()},
		Content:  instr.Encode(),
	})

	a.mu.Lock()
	head, popped := a.stepLog.PopReady()
	a.mu.Unlock()
	require.True(t, popped)
	assert.Equal(t, executor.SkillToolDecision, head.ExecutorName)
	assert.Equal(t, "<tool_name>web_search</tool_name>", head.TextContent)
}

func TestWorkerRunsStepAndAppliesEffect(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(state.StepKindSkill, executor.SkillPlanning, executor.ExecutorFunc(
		func(_ context.Context, step *state.Step, _ executor.AgentState) (*executor.Effect, error) {
			step.SetResult(map[string]any{"planned": true})
			require.NoError(t, step.SetStatus(state.StepFinished))
			return &executor.Effect{UpdateStageAgentState: &executor.StageAgentStateEffect{
				TaskID:  step.TaskID,
				StageID: step.StageID,
				AgentID: step.AgentID,
				State:   state.AgentWorking,
			}}, nil
		}))
	reg.Freeze()

	a, fs := newTestAgent(t, reg)
	step := skillStep(a, executor.SkillPlanning)
	a.mu.Lock()
	a.AddStep(step)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return fs.appliedCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, state.StepFinished, step.Status)
}

func TestWorkerFailsStepOnExecutorError(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(state.StepKindSkill, executor.SkillPlanning, executor.ExecutorFunc(
		func(_ context.Context, _ *state.Step, _ executor.AgentState) (*executor.Effect, error) {
			return nil, assert.AnError
		}))
	reg.Freeze()

	a, _ := newTestAgent(t, reg)
	failing := skillStep(a, executor.SkillPlanning)
	second := skillStep(a, executor.SkillPlanning)
	a.mu.Lock()
	a.AddStep(failing)
	a.AddStep(second)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return second.Status.Terminal() }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, state.StepFailed, failing.Status)
}

func TestWorkerParksWhileStepLockHeld(t *testing.T) {
	reg := executor.NewRegistry()
	reg.Register(state.StepKindSkill, executor.SkillPlanning, executor.ExecutorFunc(
		func(_ context.Context, step *state.Step, _ executor.AgentState) (*executor.Effect, error) {
			require.NoError(t, step.SetStatus(state.StepFinished))
			return nil, nil
		}))
	reg.Freeze()

	a, _ := newTestAgent(t, reg)
	step := skillStep(a, executor.SkillPlanning)
	a.mu.Lock()
	a.LockStep("wait-1")
	a.AddStep(step)
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = a.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, state.StepInit, step.Status)

	a.ReceiveMessage(&state.Message{
		TaskID:          "task-1",
		SenderID:        "manager",
		Receiver:        []string{a.ID()},
		Content:         "",
		ReturnWaitingID: "wait-1",
	})

	require.Eventually(t, func() bool { return step.Status == state.StepFinished }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
