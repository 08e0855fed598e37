// Package executor defines the executor contract shared by skills and the
// tool adapter, the side-effect descriptor they return, and the immutable
// registry the worker loop resolves executors through.
package executor

import (
	"github.com/agentmesh/agentmesh/internal/state"
)

// Task-instruction actions handled by the synchronizer.
const (
	TaskAddTask     = "add_task"
	TaskAddStage    = "add_stage"
	TaskFinishStage = "finish_stage"
	TaskFinishTask  = "finish_task"
	TaskRetryStage  = "retry_stage"
)

// Agent-instruction actions handled by the synchronizer.
const (
	AgentInitNewAgent       = "init_new_agent"
	AgentAddTaskParticipant = "add_task_participant"
)

// Ask-info query types.
const (
	AskManagedTaskAndStageInfo  = "managed_task_and_stage_info"
	AskAssignedTaskAndStageInfo = "assigned_task_and_stage_info"
	AskTaskInfo                 = "task_info"
	AskStageInfo                = "stage_info"
	AskAllAgents                = "all_agents"
	AskTaskAgents               = "task_agents"
	AskStageAgents              = "stage_agents"
	AskAgent                    = "agent"
	AskAvailableAgentsConfig    = "available_agents_config"
	AskSkillsAndTools           = "skills_and_tools"
)

// StageAgentStateEffect sets one agent's per-stage state.
type StageAgentStateEffect struct {
	TaskID  string
	StageID string
	AgentID string
	State   state.AgentStageState
}

// SharedMessageEffect appends a progress note to the task's shared message
// pool.
type SharedMessageEffect struct {
	TaskID  string
	StageID string
	AgentID string
	Role    string
	Content string
}

// StageCompletionEffect records an agent's stage completion summary.
type StageCompletionEffect struct {
	TaskID            string
	StageID           string
	AgentID           string
	CompletionSummary string
}

// StageSpec describes one stage to be created by an add_stage instruction.
type StageSpec struct {
	Intention       string            `json:"stage_intention"`
	AgentAllocation map[string]string `json:"agent_allocation"`
}

// TaskInstruction is a task-manager side effect.
type TaskInstruction struct {
	Action  string
	AgentID string // issuing agent
	TaskID  string
	StageID string

	// TaskIntention is set for add_task.
	TaskIntention string
	// Summary is set for finish_task.
	Summary string
	// Stages is set for add_stage; for retry_stage, an optional single spec
	// overrides the replacement stage's goal and allocation.
	Stages []StageSpec
}

// AgentSpec describes a new agent for init_new_agent.
type AgentSpec struct {
	Name    string   `json:"name"`
	Role    string   `json:"role"`
	Profile string   `json:"profile"`
	Skills  []string `json:"skills"`
	Tools   []string `json:"tools"`
}

// AgentInstruction is an agent-manager side effect.
type AgentInstruction struct {
	Action   string
	SenderID string
	TaskID   string

	// AgentConfig describes the agent to spawn for init_new_agent.
	AgentConfig *AgentSpec
	// AgentIDs lists the agents to add for add_task_participant.
	AgentIDs []string
}

// AskInfo asks the synchronizer to compute a query and reply with a message
// carrying WaitingID. The issuing skill stores WaitingID in the agent's step
// lock before returning.
type AskInfo struct {
	Type         string
	WaitingID    string
	SenderID     string
	SenderTaskID string

	// Query targets, used per type.
	TaskID  string
	StageID string
	AgentID string
}

// Effect is the side-effect descriptor returned by an executor. Every field
// is optional and any combination may be set in one descriptor; the
// synchronizer applies them in declaration order.
type Effect struct {
	UpdateStageAgentState *StageAgentStateEffect
	SendSharedMessage     *SharedMessageEffect
	// SendMessages enqueues outbound envelopes on their task queues.
	SendMessages               []*state.Message
	TaskInstruction            *TaskInstruction
	AgentInstruction           *AgentInstruction
	AskInfo                    *AskInfo
	UpdateStageAgentCompletion *StageCompletionEffect
}

// Empty reports whether the descriptor carries no effect.
func (e *Effect) Empty() bool {
	if e == nil {
		return true
	}
	return e.UpdateStageAgentState == nil &&
		e.SendSharedMessage == nil &&
		len(e.SendMessages) == 0 &&
		e.TaskInstruction == nil &&
		e.AgentInstruction == nil &&
		e.AskInfo == nil &&
		e.UpdateStageAgentCompletion == nil
}

// Merge folds other into e. Scalar variants in other win; messages append.
func (e *Effect) Merge(other *Effect) {
	if other == nil {
		return
	}
	if other.UpdateStageAgentState != nil {
		e.UpdateStageAgentState = other.UpdateStageAgentState
	}
	if other.SendSharedMessage != nil {
		e.SendSharedMessage = other.SendSharedMessage
	}
	e.SendMessages = append(e.SendMessages, other.SendMessages...)
	if other.TaskInstruction != nil {
		e.TaskInstruction = other.TaskInstruction
	}
	if other.AgentInstruction != nil {
		e.AgentInstruction = other.AgentInstruction
	}
	if other.AskInfo != nil {
		e.AskInfo = other.AskInfo
	}
	if other.UpdateStageAgentCompletion != nil {
		e.UpdateStageAgentCompletion = other.UpdateStageAgentCompletion
	}
}
