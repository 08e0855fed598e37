package skills

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const decisionRules = "Something off-plan needs a reaction. Decide which steps to run " +
	"immediately and output them as a JSON array between <decision_step> tags " +
	"(same element shape as planning). The steps will run before anything else queued."

// Decision is reflection for reactive work: the produced steps go to the
// head of the ready queue instead of the tail.
type Decision struct {
	deps
}

func (d *Decision) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := d.callModel(ctx, agent, buildPrompt(agent, step, decisionRules))
	if err != nil {
		return failStep(step, agent, "decision failed"), err
	}

	var steps []plannedStep
	if err := llm.ExtractTaggedJSON(response, "decision_step", &steps); err != nil {
		return failParse(step, agent, "decision produced no parseable steps", response), err
	}
	if offender, ok := validatePlanned(agent, steps); !ok {
		return failParse(step, agent, "decision used unavailable executor", response),
			fmt.Errorf("decided executor %q is not whitelisted", offender)
	}

	// Insert in reverse so the listed order is preserved at the queue head.
	for i := len(steps) - 1; i >= 0; i-- {
		agent.AddNextStep(materialize(agent, step, steps[i]))
	}
	step.SetResult(map[string]any{"decision_step": steps})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking,
		fmt.Sprintf("decision queued %d immediate steps", len(steps))), nil
}
