// Package tools implements the single generic tool executor every tool step
// runs through. The step's executor name identifies the target tool server;
// the step's instruction_content says what to do there.
package tools

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

// Capability kinds a tool server can expose.
const (
	KindTool     = "tool"
	KindPrompt   = "prompt"
	KindResource = "resource"
)

// Capability describes one callable capability of a tool server.
type Capability struct {
	Kind        string `json:"kind"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Client is the external tool service consumed by the handler. Safe for
// concurrent use from multiple agent workers.
type Client interface {
	ListCapabilities(ctx context.Context, serverName string) ([]Capability, error)
	Invoke(ctx context.Context, serverName, kind, capabilityName string, arguments map[string]any) (any, error)
}

// Register binds the generic handler into the registry.
func Register(reg *executor.Registry, client Client, log *logger.Logger) {
	reg.Register(state.StepKindTool, executor.GenericToolHandler, &Handler{client: client, logger: log})
}

// Handler interprets a tool step's instruction_content: get_description
// fetches the server's capability catalog, function_call invokes one
// capability. Both append-next a tool-decision step so the agent judges the
// result before anything else runs.
type Handler struct {
	client Client
	logger *logger.Logger
}

func (h *Handler) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	if step.InstructionContent == nil {
		return h.fail(step, agent, "tool step has no instruction"),
			apperrors.StageLogic("tool step " + step.StepID + " has no instruction_content")
	}
	instructionType, _ := step.InstructionContent["instruction_type"].(string)

	switch instructionType {
	case "get_description":
		return h.getDescription(ctx, step, agent)
	case "function_call":
		return h.functionCall(ctx, step, agent)
	default:
		return h.fail(step, agent, "unknown tool instruction type"),
			apperrors.Protocol(fmt.Sprintf("unknown instruction_type %q", instructionType), nil)
	}
}

func (h *Handler) getDescription(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	caps, err := h.client.ListCapabilities(ctx, step.ExecutorName)
	if err != nil {
		return h.fail(step, agent, "capability catalog fetch failed"),
			apperrors.Transport("list capabilities of "+step.ExecutorName, err)
	}

	step.SetResult(map[string]any{"description": caps})
	_ = step.SetStatus(state.StepFinished)
	h.queueDecision(step, agent, renderCatalog(step.ExecutorName, caps))
	return h.done(step, agent, "fetched capability catalog of "+step.ExecutorName), nil
}

func (h *Handler) functionCall(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	kind, name, ok := capabilityTarget(step.InstructionContent)
	if !ok {
		return h.fail(step, agent, "function_call names no capability"),
			apperrors.Protocol("function_call needs tool_name, resource_name, or prompt_name", nil)
	}
	arguments, _ := step.InstructionContent["arguments"].(map[string]any)

	result, err := h.client.Invoke(ctx, step.ExecutorName, kind, name, arguments)
	if err != nil {
		return h.fail(step, agent, "tool call failed: "+name),
			apperrors.Transport("invoke "+name+" on "+step.ExecutorName, err)
	}

	step.SetResult(map[string]any{"mcp_server_result": result})
	_ = step.SetStatus(state.StepFinished)
	h.queueDecision(step, agent, fmt.Sprintf("%s returned: %v", name, result))
	return h.done(step, agent, "called "+name+" on "+step.ExecutorName), nil
}

// queueDecision inserts the tool-decision step that closes or extends the
// tool loop.
func (h *Handler) queueDecision(step *state.Step, agent executor.AgentState, resultText string) {
	decision := state.NewStep(step.TaskID, step.StageID, agent.ID(),
		"judge result of "+step.ExecutorName, state.StepKindSkill, executor.SkillToolDecision)
	decision.TextContent = "<tool_name>" + step.ExecutorName + "</tool_name>\n" + resultText
	agent.AddNextStep(decision)
}

func (h *Handler) done(step *state.Step, agent executor.AgentState, note string) *executor.Effect {
	if step.StageID == state.NoStage {
		return &executor.Effect{}
	}
	return &executor.Effect{
		UpdateStageAgentState: &executor.StageAgentStateEffect{
			TaskID: step.TaskID, StageID: step.StageID, AgentID: agent.ID(), State: state.AgentWorking,
		},
		SendSharedMessage: &executor.SharedMessageEffect{
			TaskID: step.TaskID, StageID: step.StageID, AgentID: agent.ID(), Role: agent.Role(), Content: note,
		},
	}
}

func (h *Handler) fail(step *state.Step, agent executor.AgentState, note string) *executor.Effect {
	_ = step.SetStatus(state.StepFailed)
	h.logger.WithTaskID(step.TaskID).WithAgentID(agent.ID()).Warn("tool step failed: " + note)
	eff := h.done(step, agent, note)
	if eff.UpdateStageAgentState != nil {
		eff.UpdateStageAgentState.State = state.AgentFailed
	}
	return eff
}

// capabilityTarget picks the named capability out of a function_call
// instruction, preferring tools, then resources, then prompts.
func capabilityTarget(instruction map[string]any) (kind, name string, ok bool) {
	if n, _ := instruction["tool_name"].(string); n != "" {
		return KindTool, n, true
	}
	if n, _ := instruction["resource_name"].(string); n != "" {
		return KindResource, n, true
	}
	if n, _ := instruction["prompt_name"].(string); n != "" {
		return KindPrompt, n, true
	}
	return "", "", false
}

// renderCatalog formats a capability catalog for the tool-decision prompt.
func renderCatalog(serverName string, caps []Capability) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Capabilities of %s:\n", serverName)
	for _, c := range caps {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", c.Kind, c.Name, c.Description)
	}
	if len(caps) == 0 {
		b.WriteString("(none)\n")
	}
	return b.String()
}
