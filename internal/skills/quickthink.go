package skills

import (
	"context"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const quickThinkRules = "Think through the step content and output your conclusion " +
	"between <quick_think> tags. No steps are created and no actions are taken; " +
	"the conclusion is recorded for later steps to read."

// QuickThink is a single free-form reasoning step. Its only output is the
// recorded conclusion and a shared-pool note.
type QuickThink struct {
	deps
}

func (q *QuickThink) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := q.callModel(ctx, agent, buildPrompt(agent, step, quickThinkRules))
	if err != nil {
		return failStep(step, agent, "quick think failed"), err
	}

	text, ok := llm.ExtractTagged(response, "quick_think")
	if !ok {
		return failParse(step, agent, "quick think produced no conclusion", response),
			apperrors.Parse("model output has no <quick_think> block", nil)
	}

	step.SetResult(map[string]any{"quick_think": text})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking, "thought through: "+step.Intention), nil
}
