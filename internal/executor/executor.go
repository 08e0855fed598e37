package executor

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

// AgentState is the view of an agent that executors operate on. The worker
// loop holds the agent mutex for the full executor call, so implementations
// of these methods must not lock again.
type AgentState interface {
	ID() string
	Name() string
	Role() string
	// Profile is the free-text persona used in prompts.
	Profile() string

	// LLMContext is the agent's rolling chat window. Operator agents have
	// no model behind them and return nil.
	LLMContext() *llm.Context

	// SkillNames and ToolNames are the agent's executor whitelists.
	SkillNames() []string
	ToolNames() []string
	HasSkill(name string) bool
	HasTool(name string) bool

	// AddStep appends the step to the tail of the log and ready queue and
	// records it in working memory. Tool steps without an instruction are
	// moved to pending.
	AddStep(step *state.Step)
	// AddNextStep inserts the step at the head of the ready queue.
	AddNextStep(step *state.Step)

	Step(stepID string) (*state.Step, bool)
	StepsByStage(stageID string) []*state.Step
	StepsByTask(taskID string) []*state.Step
	AllSteps() []*state.Step

	// LockStep registers a waiting ID; the worker loop parks until every
	// registered ID has been returned by an inbound message.
	LockStep(waitingID string)

	PersistentMemory() string
	AppendPersistentMemory(text string)

	// WorkingMemoryView returns the live task -> stage -> step IDs index.
	WorkingMemoryView() map[string]map[string][]string
}

// Executor runs one step to completion. It must leave the step in finished
// or failed status and populate ExecuteResult; the returned descriptor (may
// be nil) is handed to the synchronizer by the worker loop.
type Executor interface {
	Execute(ctx context.Context, step *state.Step, agent AgentState) (*Effect, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, step *state.Step, agent AgentState) (*Effect, error)

func (f ExecutorFunc) Execute(ctx context.Context, step *state.Step, agent AgentState) (*Effect, error) {
	return f(ctx, step, agent)
}
