package skills

import (
	"context"
	"fmt"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const taskManagerRules = "Manage the task lifecycle. Output a JSON object between " +
	"<task_instruction> tags with \"action\" (add_task, add_stage, finish_stage, " +
	"finish_task, retry_stage) and the fields the action needs: \"task_id\", " +
	"\"stage_id\", \"task_intention\" (add_task), \"summary\" (finish_task), and " +
	"\"stages\" (add_stage/retry_stage: list of {\"stage_intention\", " +
	"\"agent_allocation\": {agent_id: goal}})."

// taskInstructionPayload is the model's task-manager directive.
type taskInstructionPayload struct {
	Action        string               `json:"action"`
	TaskID        string               `json:"task_id"`
	StageID       string               `json:"stage_id"`
	TaskIntention string               `json:"task_intention"`
	Summary       string               `json:"summary"`
	Stages        []executor.StageSpec `json:"stages"`
}

var taskActions = map[string]bool{
	executor.TaskAddTask:     true,
	executor.TaskAddStage:    true,
	executor.TaskFinishStage: true,
	executor.TaskFinishTask:  true,
	executor.TaskRetryStage:  true,
}

// TaskManager emits task_instruction descriptors: creating tasks and
// stages, finishing them, and retrying failed stages.
type TaskManager struct {
	deps
}

func (t *TaskManager) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := t.callModel(ctx, agent, buildPrompt(agent, step, taskManagerRules))
	if err != nil {
		return failStep(step, agent, "task manager failed"), err
	}

	var payload taskInstructionPayload
	if err := llm.ExtractTaggedJSON(response, "task_instruction", &payload); err != nil {
		return failParse(step, agent, "task manager produced no parseable instruction", response), err
	}
	if !taskActions[payload.Action] {
		return failParse(step, agent, "task manager used unknown action", response),
			fmt.Errorf("unknown task_instruction action %q", payload.Action)
	}
	if payload.TaskID == "" {
		payload.TaskID = step.TaskID
	}

	step.SetResult(map[string]any{"task_instruction": payload})
	_ = step.SetStatus(state.StepFinished)

	effect := finishEffect(step, agent, state.AgentWorking, "task instruction: "+payload.Action)
	effect.TaskInstruction = &executor.TaskInstruction{
		Action:        payload.Action,
		AgentID:       agent.ID(),
		TaskID:        payload.TaskID,
		StageID:       payload.StageID,
		TaskIntention: payload.TaskIntention,
		Summary:       payload.Summary,
		Stages:        payload.Stages,
	}
	return effect, nil
}
