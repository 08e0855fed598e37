package skills

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const reflectionRules = "Review the stage history against the stage goal. " +
	"If corrective work is needed, output the new steps as a JSON array between " +
	"<reflection_step> tags (same element shape as planning). " +
	"Output an empty array when the work so far is sound."

// Reflection inspects the agent's stage history and appends corrective
// steps at the tail of the queue.
type Reflection struct {
	deps
}

func (r *Reflection) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := r.callModel(ctx, agent, buildPrompt(agent, step, reflectionRules))
	if err != nil {
		return failStep(step, agent, "reflection failed"), err
	}

	var steps []plannedStep
	if err := llm.ExtractTaggedJSON(response, "reflection_step", &steps); err != nil {
		return failParse(step, agent, "reflection produced no parseable steps", response), err
	}
	if offender, ok := validatePlanned(agent, steps); !ok {
		return failParse(step, agent, "reflection used unavailable executor", response),
			fmt.Errorf("reflected executor %q is not whitelisted", offender)
	}

	for _, ps := range steps {
		agent.AddStep(materialize(agent, step, ps))
	}
	step.SetResult(map[string]any{"reflection_step": steps})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking,
		fmt.Sprintf("reflection added %d corrective steps", len(steps))), nil
}
