package skills

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const agentManagerRules = "Manage the agent roster. Output a JSON object between " +
	"<agent_instruction> tags with \"action\" (init_new_agent or add_task_participant) " +
	"and the fields the action needs: \"agent_config\" ({\"name\", \"role\", \"profile\", " +
	"\"skills\", \"tools\"}) for init_new_agent; \"task_id\" and \"agent_ids\" for " +
	"add_task_participant."

// agentInstructionPayload is the model's agent-manager directive.
type agentInstructionPayload struct {
	Action      string              `json:"action"`
	TaskID      string              `json:"task_id"`
	AgentConfig *executor.AgentSpec `json:"agent_config"`
	AgentIDs    []string            `json:"agent_ids"`
}

// AgentManager emits agent_instruction descriptors: spawning new agents and
// extending task membership.
type AgentManager struct {
	deps
}

func (a *AgentManager) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := a.callModel(ctx, agent, buildPrompt(agent, step, agentManagerRules))
	if err != nil {
		return failStep(step, agent, "agent manager failed"), err
	}

	var payload agentInstructionPayload
	if err := llm.ExtractTaggedJSON(response, "agent_instruction", &payload); err != nil {
		return failParse(step, agent, "agent manager produced no parseable instruction", response), err
	}

	switch payload.Action {
	case executor.AgentInitNewAgent:
		if payload.AgentConfig == nil || payload.AgentConfig.Name == "" || payload.AgentConfig.Role == "" {
			return failParse(step, agent, "init_new_agent missing agent config", response),
				fmt.Errorf("init_new_agent requires agent_config with name and role")
		}
	case executor.AgentAddTaskParticipant:
		if len(payload.AgentIDs) == 0 {
			return failParse(step, agent, "add_task_participant missing agent ids", response),
				fmt.Errorf("add_task_participant requires agent_ids")
		}
	default:
		return failParse(step, agent, "agent manager used unknown action", response),
			fmt.Errorf("unknown agent_instruction action %q", payload.Action)
	}
	if payload.TaskID == "" {
		payload.TaskID = step.TaskID
	}

	step.SetResult(map[string]any{"agent_instruction": payload})
	_ = step.SetStatus(state.StepFinished)

	effect := finishEffect(step, agent, state.AgentWorking, "agent instruction: "+payload.Action)
	effect.AgentInstruction = &executor.AgentInstruction{
		Action:      payload.Action,
		SenderID:    agent.ID(),
		TaskID:      payload.TaskID,
		AgentConfig: payload.AgentConfig,
		AgentIDs:    payload.AgentIDs,
	}
	return effect, nil
}
