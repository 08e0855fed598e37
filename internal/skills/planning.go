package skills

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const planningRules = "Break the stage goal into an ordered list of steps. " +
	"Output a JSON array between <planned_step> tags; each element has " +
	`"step_intention", "type" ("skill" or "tool"), "executor", and "text_content". ` +
	"Use only executors from your whitelists. An empty array means nothing to do."

// Planning turns a stage-start step into the agent's plan for the stage.
// Planned executors outside the agent's whitelists get one corrective
// re-prompt; a second violation fails the step and plans nothing.
type Planning struct {
	deps
}

func (p *Planning) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	prompt := buildPrompt(agent, step, planningRules)

	steps, response, err := p.planOnce(ctx, agent, prompt)
	if err == nil {
		if offender, ok := validatePlanned(agent, steps); !ok {
			p.logger.WithAgentID(agent.ID()).Warn("plan used unavailable executor, re-prompting",
				zap.String("executor", offender))
			retry := prompt + fmt.Sprintf(
				"\nYour previous plan used %q, which is not in your whitelists. Plan again without it.\n", offender)
			steps, response, err = p.planOnce(ctx, agent, retry)
			if err == nil {
				if offender, ok := validatePlanned(agent, steps); !ok {
					err = fmt.Errorf("planned executor %q is not whitelisted", offender)
				}
			}
		}
	}
	if err != nil {
		return failParse(step, agent, "planning failed", response), err
	}

	for _, ps := range steps {
		agent.AddStep(materialize(agent, step, ps))
	}
	step.SetResult(map[string]any{"planned_step": steps})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking,
		fmt.Sprintf("planned %d steps for the stage", len(steps))), nil
}

func (p *Planning) planOnce(ctx context.Context, agent executor.AgentState, prompt string) ([]plannedStep, string, error) {
	response, err := p.callModel(ctx, agent, prompt)
	if err != nil {
		return nil, "", err
	}
	var steps []plannedStep
	if err := llm.ExtractTaggedJSON(response, "planned_step", &steps); err != nil {
		return nil, response, err
	}
	return steps, response, nil
}
