package skills

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const toolDecisionRules = "Judge the latest tool result in the step content. Output a JSON " +
	"object between <tool_decision> tags: {\"action\": \"continue\", \"tool_name\": ..., " +
	"\"reason\": ...} to keep calling the tool, or {\"action\": \"terminate\", " +
	"\"result\": ..., \"reason\": ...} to end the tool loop."

// toolDecisionPayload is the model's verdict on a tool loop.
type toolDecisionPayload struct {
	Action   string `json:"action"`
	ToolName string `json:"tool_name"`
	Result   string `json:"result"`
	Reason   string `json:"reason"`
}

// ToolDecision ends or extends a long-tail tool loop. Continuing queues an
// instruction-generation step and a fresh pending tool step at the head of
// the queue; terminating leaves the loop's result in the step record.
type ToolDecision struct {
	deps
}

func (t *ToolDecision) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := t.callModel(ctx, agent, buildPrompt(agent, step, toolDecisionRules))
	if err != nil {
		return failStep(step, agent, "tool decision failed"), err
	}

	var payload toolDecisionPayload
	if err := llm.ExtractTaggedJSON(response, "tool_decision", &payload); err != nil {
		return failParse(step, agent, "tool decision produced no parseable verdict", response), err
	}

	step.SetResult(map[string]any{"tool_decision": payload})

	switch payload.Action {
	case "terminate":
		_ = step.SetStatus(state.StepFinished)
		return finishEffect(step, agent, state.AgentWorking, "tool loop ended: "+payload.Result), nil

	case "continue":
		if !agent.HasTool(payload.ToolName) {
			return failStep(step, agent, "tool decision named unavailable tool"),
				fmt.Errorf("tool %q is not whitelisted", payload.ToolName)
		}

		toolStep := state.NewStep(step.TaskID, step.StageID, agent.ID(),
			"call "+payload.ToolName, state.StepKindTool, payload.ToolName)
		toolStep.TextContent = payload.Reason
		agent.AddNextStep(toolStep)

		gen := state.NewStep(step.TaskID, step.StageID, agent.ID(),
			"generate instruction for "+payload.ToolName, state.StepKindSkill,
			executor.SkillInstructionGeneration)
		gen.TextContent = "<tool_name>" + payload.ToolName + "</tool_name>\n" + payload.Reason
		agent.AddNextStep(gen)

		_ = step.SetStatus(state.StepFinished)
		return finishEffect(step, agent, state.AgentWorking, "tool loop continues: "+payload.ToolName), nil

	default:
		return failStep(step, agent, "tool decision used unknown action"),
			fmt.Errorf("unknown tool_decision action %q", payload.Action)
	}
}
