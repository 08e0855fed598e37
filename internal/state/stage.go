package state

import (
	"time"

	"github.com/google/uuid"
)

// StageState is the execution state of a stage within its task.
type StageState string

const (
	StageInit     StageState = "init"
	StageRunning  StageState = "running"
	StageFinished StageState = "finished"
	StageFailed   StageState = "failed"
)

// Terminal reports whether the stage state is final.
func (s StageState) Terminal() bool {
	return s == StageFinished || s == StageFailed
}

// AgentStageState tracks one allocated agent's progress within a stage.
type AgentStageState string

const (
	AgentIdle     AgentStageState = "idle"
	AgentWorking  AgentStageState = "working"
	AgentWaiting  AgentStageState = "waiting"
	AgentFinished AgentStageState = "finished"
	AgentFailed   AgentStageState = "failed"
)

// Stage is a goal shared by a subset of agents within a task. It is not
// self-locking: the owning Task's mutex guards every mutation, and the
// synchronizer is the only writer.
type Stage struct {
	StageID string `json:"stage_id"`
	TaskID  string `json:"task_id"`

	// Intention is the overall stage goal.
	Intention string `json:"stage_intention"`
	// AgentAllocation maps each allocated agent to its per-agent goal text.
	AgentAllocation map[string]string `json:"agent_allocation"`

	ExecutionState StageState `json:"execution_state"`

	// PerAgentState tracks each allocated agent's progress. All idle at start.
	PerAgentState map[string]AgentStageState `json:"per_agent_state"`
	// CompletionSummary accumulates per-agent summaries as agents finish.
	CompletionSummary map[string]string `json:"completion_summary"`

	CreatedAt time.Time `json:"created_at"`

	// completionFired latches once the summary set covers the allocation so
	// the completion signal is emitted at most once.
	completionFired bool
}

// NewStage creates a stage in init state with every allocated agent idle.
func NewStage(taskID, intention string, allocation map[string]string) *Stage {
	perAgent := make(map[string]AgentStageState, len(allocation))
	for agentID := range allocation {
		perAgent[agentID] = AgentIdle
	}
	return &Stage{
		StageID:           uuid.New().String(),
		TaskID:            taskID,
		Intention:         intention,
		AgentAllocation:   allocation,
		ExecutionState:    StageInit,
		PerAgentState:     perAgent,
		CompletionSummary: make(map[string]string),
		CreatedAt:         time.Now().UTC(),
	}
}

// SetAgentState updates one agent's state. Unknown agents are ignored so a
// late descriptor for a torn-down allocation cannot grow the map.
func (s *Stage) SetAgentState(agentID string, state AgentStageState) bool {
	if _, ok := s.AgentAllocation[agentID]; !ok {
		return false
	}
	s.PerAgentState[agentID] = state
	return true
}

// RecordCompletion records an agent's completion summary and marks it
// finished. It returns true exactly once, on the call that makes the summary
// set cover the full allocation.
func (s *Stage) RecordCompletion(agentID, summary string) bool {
	if _, ok := s.AgentAllocation[agentID]; !ok {
		return false
	}
	s.CompletionSummary[agentID] = summary
	s.PerAgentState[agentID] = AgentFinished
	if s.completionFired || len(s.CompletionSummary) < len(s.AgentAllocation) {
		return false
	}
	for agent := range s.AgentAllocation {
		if _, ok := s.CompletionSummary[agent]; !ok {
			return false
		}
	}
	s.completionFired = true
	return true
}

// Complete reports whether the completion summary covers the allocation.
func (s *Stage) Complete() bool {
	return s.completionFired
}

// AllocatedAgents returns the allocated agent IDs in no particular order.
func (s *Stage) AllocatedAgents() []string {
	out := make([]string, 0, len(s.AgentAllocation))
	for agentID := range s.AgentAllocation {
		out = append(out, agentID)
	}
	return out
}

// Clone returns a read-only copy for snapshots.
func (s *Stage) Clone() *Stage {
	cp := *s
	cp.AgentAllocation = make(map[string]string, len(s.AgentAllocation))
	for k, v := range s.AgentAllocation {
		cp.AgentAllocation[k] = v
	}
	cp.PerAgentState = make(map[string]AgentStageState, len(s.PerAgentState))
	for k, v := range s.PerAgentState {
		cp.PerAgentState[k] = v
	}
	cp.CompletionSummary = make(map[string]string, len(s.CompletionSummary))
	for k, v := range s.CompletionSummary {
		cp.CompletionSummary[k] = v
	}
	return &cp
}
