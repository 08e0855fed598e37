package skills

import (
	"context"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const instructionGenerationRules = "Generate the structured instruction for the pending tool " +
	"step described below. Output a JSON object between <tool_instruction> tags: either " +
	`{"instruction_type": "get_description"} to fetch the tool server's capability catalog, or ` +
	`{"instruction_type": "function_call", "tool_name": ..., "arguments": {...}} to invoke a ` +
	"capability you already know from a previous catalog result."

// InstructionGeneration fills in the instruction_content of the next
// pending tool step in the stage and moves it from pending to init. Without
// a pending tool step, or without parseable model output, it fails.
type InstructionGeneration struct {
	deps
}

func (g *InstructionGeneration) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	toolStep := nextPendingTool(agent, step.StageID)
	if toolStep == nil {
		return failStep(step, agent, "no pending tool step to instruct"),
			apperrors.StageLogic("instruction generation found no pending tool step")
	}

	prompt := buildPrompt(agent, step, instructionGenerationRules) +
		"\n# Pending tool step\nTool server: " + toolStep.ExecutorName +
		"\nIntention: " + toolStep.Intention + "\nContent:\n" + toolStep.TextContent + "\n"

	response, err := g.callModel(ctx, agent, prompt)
	if err != nil {
		return failStep(step, agent, "instruction generation failed"), err
	}

	var instruction map[string]any
	if err := llm.ExtractTaggedJSON(response, "tool_instruction", &instruction); err != nil {
		return failParse(step, agent, "instruction generation produced no parseable instruction", response), err
	}
	if _, ok := instruction["instruction_type"]; !ok {
		return failParse(step, agent, "tool instruction missing instruction_type", response),
			apperrors.Parse("tool_instruction has no instruction_type", nil)
	}

	toolStep.SetInstruction(instruction)
	if err := toolStep.SetStatus(state.StepInit); err != nil {
		return failStep(step, agent, "tool step no longer pending"), err
	}

	step.SetResult(map[string]any{"instruction_generation": instruction})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking, "generated instruction for "+toolStep.ExecutorName), nil
}

// nextPendingTool returns the earliest pending tool step of the stage.
func nextPendingTool(agent executor.AgentState, stageID string) *state.Step {
	for _, s := range agent.StepsByStage(stageID) {
		if s.Kind == state.StepKindTool && s.Status == state.StepPending {
			return s
		}
	}
	return nil
}
