package skills

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const processMessageRules = "Read the inbound message in the step content and state what " +
	"you take away from it between <process_message> tags. Record anything worth keeping " +
	"across tasks between <persistent_memory> tags."

// ProcessMessage absorbs an inbound message: a pure model read whose only
// lasting outputs are the recorded takeaway and optional persistent memory.
type ProcessMessage struct {
	deps
}

func (p *ProcessMessage) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := p.callModel(ctx, agent, buildPrompt(agent, step, processMessageRules))
	if err != nil {
		return failStep(step, agent, "process message failed"), err
	}

	takeaway, _ := llm.ExtractTagged(response, "process_message")
	step.SetResult(map[string]any{"process_message": takeaway})
	_ = step.SetStatus(state.StepFinished)
	return finishEffect(step, agent, state.AgentWorking, "absorbed message: "+step.Intention), nil
}
