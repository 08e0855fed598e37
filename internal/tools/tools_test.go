package tools

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

type fakeToolClient struct {
	caps      []Capability
	capsErr   error
	invoked   []string
	result    any
	invokeErr error
}

func (f *fakeToolClient) ListCapabilities(_ context.Context, serverName string) ([]Capability, error) {
	if f.capsErr != nil {
		return nil, f.capsErr
	}
	return f.caps, nil
}

func (f *fakeToolClient) Invoke(_ context.Context, serverName, kind, name string, _ map[string]any) (any, error) {
	f.invoked = append(f.invoked, serverName+"/"+kind+"/"+name)
	if f.invokeErr != nil {
		return nil, f.invokeErr
	}
	return f.result, nil
}

// fakeToolAgent records queued steps; only the methods the handler touches
// matter.
type fakeToolAgent struct {
	id        string
	nextSteps []*state.Step
}

func (f *fakeToolAgent) ID() string      { return f.id }
func (f *fakeToolAgent) Name() string    { return "searcher" }
func (f *fakeToolAgent) Role() string    { return "researcher" }
func (f *fakeToolAgent) Profile() string { return "" }

func (f *fakeToolAgent) LLMContext() *llm.Context { return nil }

func (f *fakeToolAgent) SkillNames() []string   { return []string{executor.SkillToolDecision} }
func (f *fakeToolAgent) ToolNames() []string    { return []string{"web_search"} }
func (f *fakeToolAgent) HasSkill(n string) bool { return n == executor.SkillToolDecision }
func (f *fakeToolAgent) HasTool(n string) bool  { return n == "web_search" }

func (f *fakeToolAgent) AddStep(s *state.Step)     {}
func (f *fakeToolAgent) AddNextStep(s *state.Step) { f.nextSteps = append(f.nextSteps, s) }

func (f *fakeToolAgent) Step(string) (*state.Step, bool)   { return nil, false }
func (f *fakeToolAgent) StepsByStage(string) []*state.Step { return nil }
func (f *fakeToolAgent) StepsByTask(string) []*state.Step  { return nil }
func (f *fakeToolAgent) AllSteps() []*state.Step           { return nil }

func (f *fakeToolAgent) LockStep(string)                  {}
func (f *fakeToolAgent) PersistentMemory() string         { return "" }
func (f *fakeToolAgent) AppendPersistentMemory(string)    {}
func (f *fakeToolAgent) WorkingMemoryView() map[string]map[string][]string { return nil }

func toolStep(instruction map[string]any) *state.Step {
	step := state.NewStep("task-1", "stage-1", "agent-1", "search the web", state.StepKindTool, "web_search")
	_ = step.SetStatus(state.StepRunning)
	if instruction != nil {
		step.SetInstruction(instruction)
	}
	return step
}

func newHandler(client Client) *Handler {
	return &Handler{client: client, logger: logger.Default()}
}

func TestHandlerFailsWithoutInstruction(t *testing.T) {
	h := newHandler(&fakeToolClient{})
	agent := &fakeToolAgent{id: "agent-1"}
	step := toolStep(nil)

	eff, err := h.Execute(context.Background(), step, agent)
	require.Error(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	require.NotNil(t, eff.UpdateStageAgentState)
	assert.Equal(t, state.AgentFailed, eff.UpdateStageAgentState.State)
}

func TestHandlerGetDescriptionQueuesDecision(t *testing.T) {
	client := &fakeToolClient{caps: []Capability{
		{Kind: KindTool, Name: "search", Description: "web search"},
		{Kind: KindResource, Name: "file://readme", Description: "project readme"},
	}}
	h := newHandler(client)
	agent := &fakeToolAgent{id: "agent-1"}
	step := toolStep(map[string]any{"instruction_type": "get_description"})

	eff, err := h.Execute(context.Background(), step, agent)
	require.NoError(t, err)
	assert.Equal(t, state.StepFinished, step.Status)
	assert.Contains(t, step.ExecuteResult, "description")

	require.Len(t, agent.nextSteps, 1)
	decision := agent.nextSteps[0]
	assert.Equal(t, executor.SkillToolDecision, decision.ExecutorName)
	assert.Contains(t, decision.TextContent, "<tool_name>web_search</tool_name>")
	assert.Contains(t, decision.TextContent, "search: web search")

	require.NotNil(t, eff.UpdateStageAgentState)
	assert.Equal(t, state.AgentWorking, eff.UpdateStageAgentState.State)
	require.NotNil(t, eff.SendSharedMessage)
}

func TestHandlerFunctionCallInvokesTool(t *testing.T) {
	client := &fakeToolClient{result: "42 results"}
	h := newHandler(client)
	agent := &fakeToolAgent{id: "agent-1"}
	step := toolStep(map[string]any{
		"instruction_type": "function_call",
		"tool_name":        "search",
		"arguments":        map[string]any{"query": "golang"},
	})

	_, err := h.Execute(context.Background(), step, agent)
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search/tool/search"}, client.invoked)
	assert.Equal(t, "42 results", step.ExecuteResult["mcp_server_result"])

	require.Len(t, agent.nextSteps, 1)
	assert.Contains(t, agent.nextSteps[0].TextContent, "42 results")
}

func TestHandlerFunctionCallPrefersToolOverPrompt(t *testing.T) {
	client := &fakeToolClient{result: "ok"}
	h := newHandler(client)
	step := toolStep(map[string]any{
		"instruction_type": "function_call",
		"tool_name":        "search",
		"prompt_name":      "summarize",
	})

	_, err := h.Execute(context.Background(), step, &fakeToolAgent{id: "agent-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"web_search/tool/search"}, client.invoked)
}

func TestHandlerFunctionCallWithoutTargetFails(t *testing.T) {
	h := newHandler(&fakeToolClient{})
	step := toolStep(map[string]any{"instruction_type": "function_call"})

	_, err := h.Execute(context.Background(), step, &fakeToolAgent{id: "agent-1"})
	require.Error(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
}

func TestHandlerInvokeErrorFailsStep(t *testing.T) {
	client := &fakeToolClient{invokeErr: errors.New("server unreachable")}
	h := newHandler(client)
	agent := &fakeToolAgent{id: "agent-1"}
	step := toolStep(map[string]any{
		"instruction_type": "function_call",
		"tool_name":        "search",
	})

	eff, err := h.Execute(context.Background(), step, agent)
	require.Error(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
	assert.Equal(t, state.AgentFailed, eff.UpdateStageAgentState.State)
	assert.Empty(t, agent.nextSteps)
}

func TestHandlerUnknownInstructionTypeFails(t *testing.T) {
	h := newHandler(&fakeToolClient{})
	step := toolStep(map[string]any{"instruction_type": "restart"})

	_, err := h.Execute(context.Background(), step, &fakeToolAgent{id: "agent-1"})
	require.Error(t, err)
	assert.Equal(t, state.StepFailed, step.Status)
}
