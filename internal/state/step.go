// Package state holds the task/stage/step records and the message envelope
// that flow through the agentmesh core. Identifiers are opaque UUID strings.
package state

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel IDs for steps and messages that are not bound to a stage.
const (
	// NoStage marks a step that belongs to a task but no particular stage.
	NoStage = "no_stage"
	// NoRelative marks a message that is not related to any stage.
	NoRelative = "no_relative"
)

// StepKind discriminates skill steps from tool steps.
type StepKind string

const (
	StepKindSkill StepKind = "skill"
	StepKindTool  StepKind = "tool"
)

// StepStatus is the execution status of a step.
type StepStatus string

const (
	// StepInit is the initial status of a ready-to-run step.
	StepInit StepStatus = "init"
	// StepPending marks a tool step whose instruction has not been generated
	// yet. Instruction generation moves it back to init.
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	// StepFinished and StepFailed are terminal.
	StepFinished StepStatus = "finished"
	StepFailed   StepStatus = "failed"
)

// Terminal reports whether the status is final.
func (s StepStatus) Terminal() bool {
	return s == StepFinished || s == StepFailed
}

// canTransition encodes the allowed status moves: init <-> pending feed into
// running, running ends in finished or failed, and nothing leaves a terminal
// status.
func canTransition(from, to StepStatus) bool {
	switch from {
	case StepInit:
		return to == StepPending || to == StepRunning || to == StepFailed
	case StepPending:
		return to == StepInit || to == StepRunning || to == StepFailed
	case StepRunning:
		return to == StepFinished || to == StepFailed
	default:
		return false
	}
}

// Step is the smallest unit of work owned by one agent: a single skill
// invocation or tool call. Identity fields are immutable after creation;
// status and result fields are mutated by the owning agent's worker under
// the agent mutex.
type Step struct {
	StepID  string `json:"step_id"`
	TaskID  string `json:"task_id"`
	StageID string `json:"stage_id"` // stage ID or NoStage
	AgentID string `json:"agent_id"`

	// Intention is a short human-readable goal, advisory only.
	Intention string `json:"step_intention"`

	Kind         StepKind   `json:"kind"`
	ExecutorName string     `json:"executor_name"`
	Status       StepStatus `json:"status"`

	// TextContent is free text consumed by the executor.
	TextContent string `json:"text_content,omitempty"`
	// InstructionContent is the structured tool instruction, populated by the
	// instruction-generation skill for tool steps.
	InstructionContent map[string]any `json:"instruction_content,omitempty"`
	// ExecuteResult is populated when the step completes.
	ExecuteResult map[string]any `json:"execute_result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewStep creates a step in init status with a generated ID.
func NewStep(taskID, stageID, agentID, intention string, kind StepKind, executorName string) *Step {
	if stageID == "" {
		stageID = NoStage
	}
	return &Step{
		StepID:       uuid.New().String(),
		TaskID:       taskID,
		StageID:      stageID,
		AgentID:      agentID,
		Intention:    intention,
		Kind:         kind,
		ExecutorName: executorName,
		Status:       StepInit,
		CreatedAt:    time.Now().UTC(),
	}
}

// SetStatus transitions the step's status, rejecting regressions. Terminal
// statuses never change again.
func (s *Step) SetStatus(to StepStatus) error {
	if s.Status == to {
		return nil
	}
	if !canTransition(s.Status, to) {
		return fmt.Errorf("step %s: invalid status transition %s -> %s", s.StepID, s.Status, to)
	}
	s.Status = to
	return nil
}

// SetResult records the step's execution result.
func (s *Step) SetResult(result map[string]any) {
	s.ExecuteResult = result
}

// SetInstruction records the generated tool instruction.
func (s *Step) SetInstruction(instruction map[string]any) {
	s.InstructionContent = instruction
}

// Clone returns a deep-enough copy for read-only snapshots. Map values are
// copied one level deep; nested values are shared but treated as immutable
// once recorded.
func (s *Step) Clone() *Step {
	cp := *s
	if s.InstructionContent != nil {
		cp.InstructionContent = make(map[string]any, len(s.InstructionContent))
		for k, v := range s.InstructionContent {
			cp.InstructionContent[k] = v
		}
	}
	if s.ExecuteResult != nil {
		cp.ExecuteResult = make(map[string]any, len(s.ExecuteResult))
		for k, v := range s.ExecuteResult {
			cp.ExecuteResult[k] = v
		}
	}
	return &cp
}
