package events

import (
	"context"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/state"
)

// Monitor publishes runtime transitions on the bus. Publish failures are
// logged and swallowed: the monitor stream is observational and must never
// stall the runtime.
type Monitor struct {
	bus    Bus
	prefix string
	logger *logger.Logger
}

// NewMonitor creates a monitor publishing under the given subject prefix,
// e.g. "agentmesh.events".
func NewMonitor(bus Bus, prefix string, log *logger.Logger) *Monitor {
	return &Monitor{bus: bus, prefix: prefix, logger: log}
}

func (m *Monitor) publish(eventType string, data map[string]any) {
	if m == nil || m.bus == nil {
		return
	}
	event := NewEvent(eventType, "agentmesh", data)
	if err := m.bus.Publish(context.Background(), m.prefix+"."+eventType, event); err != nil {
		m.logger.WithError(err).Warn("publish monitor event")
	}
}

// TaskCreated reports a new task registration.
func (m *Monitor) TaskCreated(taskID, managerID, intention string) {
	m.publish(TypeTaskCreated, map[string]any{
		"task_id":        taskID,
		"manager_id":     managerID,
		"task_intention": intention,
	})
}

// TaskFinished reports task teardown.
func (m *Monitor) TaskFinished(taskID string) {
	m.publish(TypeTaskFinished, map[string]any{"task_id": taskID})
}

// StageAdded reports a stage appended to a task.
func (m *Monitor) StageAdded(taskID, stageID, intention string) {
	m.publish(TypeStageAdded, map[string]any{
		"task_id":         taskID,
		"stage_id":        stageID,
		"stage_intention": intention,
	})
}

// StageStarted reports a stage moving to running.
func (m *Monitor) StageStarted(taskID, stageID string) {
	m.publish(TypeStageStarted, map[string]any{"task_id": taskID, "stage_id": stageID})
}

// StageFinished reports a stage reaching a terminal state.
func (m *Monitor) StageFinished(taskID, stageID string, st state.StageState) {
	eventType := TypeStageFinished
	if st == state.StageFailed {
		eventType = TypeStageFailed
	}
	m.publish(eventType, map[string]any{
		"task_id":  taskID,
		"stage_id": stageID,
		"state":    string(st),
	})
}

// StepStatus reports a step status transition.
func (m *Monitor) StepStatus(step *state.Step) {
	m.publish(TypeStepStatus, map[string]any{
		"step_id":       step.StepID,
		"task_id":       step.TaskID,
		"stage_id":      step.StageID,
		"agent_id":      step.AgentID,
		"executor_name": step.ExecutorName,
		"status":        string(step.Status),
	})
}

// AgentRegistered reports a new agent joining the runtime.
func (m *Monitor) AgentRegistered(agentID, role string) {
	m.publish(TypeAgentRegistered, map[string]any{"agent_id": agentID, "role": role})
}

// AgentState reports an agent's per-stage state change.
func (m *Monitor) AgentState(taskID, stageID, agentID string, st state.AgentStageState) {
	m.publish(TypeAgentState, map[string]any{
		"task_id":  taskID,
		"stage_id": stageID,
		"agent_id": agentID,
		"state":    string(st),
	})
}

// MessageDelivered reports a dispatched envelope.
func (m *Monitor) MessageDelivered(msg *state.Message, accepted int) {
	m.publish(TypeMessageDelivered, map[string]any{
		"task_id":   msg.TaskID,
		"sender_id": msg.SenderID,
		"receivers": msg.Receiver,
		"accepted":  accepted,
	})
}
