// Package v1 defines the serializable snapshot views of the runtime state.
// The snapshot archive persists these; monitor consumers read them.
package v1

import "time"

// Snapshot is a full point-in-time capture of the runtime.
type Snapshot struct {
	TakenAt time.Time   `json:"taken_at"`
	Tasks   []TaskView  `json:"tasks"`
	Agents  []AgentView `json:"agents"`
}

// TaskView is the serialized state of one task.
type TaskView struct {
	TaskID         string              `json:"task_id"`
	Intention      string              `json:"task_intention"`
	ManagerID      string              `json:"manager_id"`
	Group          []string            `json:"group,omitempty"`
	Summary        string              `json:"summary,omitempty"`
	Finished       bool                `json:"finished"`
	Stages         []StageView         `json:"stages,omitempty"`
	SharedMessages []SharedMessageView `json:"shared_messages,omitempty"`
	Conversations  []MessageView       `json:"conversations,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
}

// StageView is the serialized state of one stage.
type StageView struct {
	StageID           string            `json:"stage_id"`
	Intention         string            `json:"stage_intention"`
	AgentAllocation   map[string]string `json:"agent_allocation,omitempty"`
	ExecutionState    string            `json:"execution_state"`
	PerAgentState     map[string]string `json:"per_agent_state,omitempty"`
	CompletionSummary map[string]string `json:"completion_summary,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
}

// SharedMessageView is one progress note from the task's shared pool.
type SharedMessageView struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	StageID   string    `json:"stage_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageView is one delivered envelope from the task's conversation pool.
type MessageView struct {
	SenderID      string   `json:"sender_id"`
	Receiver      []string `json:"receiver"`
	Content       string   `json:"message"`
	StageRelative string   `json:"stage_relative"`
	NeedReply     bool     `json:"need_reply"`
}
