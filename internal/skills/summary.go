package skills

import (
	"context"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const summaryRules = "Summarize what you accomplished in this stage, based on the stage " +
	"history. Output the summary text between <summary> tags. This is your completion " +
	"report; the stage completes once every allocated agent has one."

// Summary closes out the agent's share of a stage: it reports the completion
// summary and flips the agent's stage state to finished.
type Summary struct {
	deps
}

func (s *Summary) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := s.callModel(ctx, agent, buildPrompt(agent, step, summaryRules))
	if err != nil {
		return failStep(step, agent, "summary failed"), err
	}

	text, ok := llm.ExtractTagged(response, "summary")
	if !ok {
		return failParse(step, agent, "summary produced no <summary> block", response),
			apperrors.Parse("model output has no <summary> block", nil)
	}

	step.SetResult(map[string]any{"summary": text})
	_ = step.SetStatus(state.StepFinished)

	effect := finishEffect(step, agent, state.AgentFinished, "stage work summarized")
	effect.UpdateStageAgentCompletion = &executor.StageCompletionEffect{
		TaskID:            step.TaskID,
		StageID:           step.StageID,
		AgentID:           agent.ID(),
		CompletionSummary: text,
	}
	return effect, nil
}
