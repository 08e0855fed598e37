package skills

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const askInfoRules = "Decide what to ask the synchronizer. Output a JSON object between " +
	"<ask_info> tags with \"type\" and, as the type requires, \"task_id\", \"stage_id\", " +
	"\"agent_id\". Valid types: managed_task_and_stage_info, assigned_task_and_stage_info, " +
	"task_info, stage_info, all_agents, task_agents, stage_agents, agent, " +
	"available_agents_config, skills_and_tools."

// askInfoPayload is the model's query description.
type askInfoPayload struct {
	Type    string `json:"type"`
	TaskID  string `json:"task_id"`
	StageID string `json:"stage_id"`
	AgentID string `json:"agent_id"`
}

var askInfoTypes = map[string]bool{
	executor.AskManagedTaskAndStageInfo:  true,
	executor.AskAssignedTaskAndStageInfo: true,
	executor.AskTaskInfo:                 true,
	executor.AskStageInfo:                true,
	executor.AskAllAgents:                true,
	executor.AskTaskAgents:               true,
	executor.AskStageAgents:              true,
	executor.AskAgent:                    true,
	executor.AskAvailableAgentsConfig:    true,
	executor.AskSkillsAndTools:           true,
}

// AskInfo queries the synchronizer for runtime facts. The skill parks the
// agent on a fresh waiting ID; the synchronizer's reply message unlocks it.
type AskInfo struct {
	deps
}

func (a *AskInfo) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := a.callModel(ctx, agent, buildPrompt(agent, step, askInfoRules))
	if err != nil {
		return failStep(step, agent, "ask info failed"), err
	}

	var payload askInfoPayload
	if err := llm.ExtractTaggedJSON(response, "ask_info", &payload); err != nil {
		return failParse(step, agent, "ask info produced no parseable query", response), err
	}
	if !askInfoTypes[payload.Type] {
		return failParse(step, agent, "ask info used unknown query type", response),
			fmt.Errorf("unknown ask_info type %q", payload.Type)
	}

	waitingID := uuid.New().String()
	agent.LockStep(waitingID)

	step.SetResult(map[string]any{"ask_info": payload, "waiting_id": waitingID})
	_ = step.SetStatus(state.StepFinished)

	effect := finishEffect(step, agent, state.AgentWaiting, "asked synchronizer: "+payload.Type)
	effect.AskInfo = &executor.AskInfo{
		Type:         payload.Type,
		WaitingID:    waitingID,
		SenderID:     agent.ID(),
		SenderTaskID: step.TaskID,
		TaskID:       payload.TaskID,
		StageID:      payload.StageID,
		AgentID:      payload.AgentID,
	}
	return effect, nil
}
