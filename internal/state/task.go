package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
)

// SharedMessageEntry is one per-step progress note in a task's shared
// message pool.
type SharedMessageEntry struct {
	AgentID   string    `json:"agent_id"`
	Role      string    `json:"role"`
	StageID   string    `json:"stage_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is a top-level goal: an ordered list of stages executed sequentially,
// a communication queue drained by the dispatcher, and two append-only pools.
// All access goes through the methods below, which hold the task mutex; the
// synchronizer is the only writer, agents read accepting eventual
// consistency.
type Task struct {
	mu sync.Mutex

	TaskID string `json:"task_id"`
	// Intention is the top-level goal text.
	Intention string `json:"task_intention"`
	// ManagerID is the agent responsible for the task's lifecycle.
	ManagerID string `json:"manager_id"`

	stages   []*Stage
	group    []string
	summary  string
	finished bool

	queue []*Message
	// conversationPool logs every envelope delivered within the task.
	conversationPool []*Message
	// messagePool logs per-step progress notes.
	messagePool []SharedMessageEntry

	CreatedAt time.Time `json:"created_at"`
}

// NewTask creates a task with no stages. The manager is the first member of
// the task group.
func NewTask(intention, managerID string) *Task {
	return &Task{
		TaskID:    uuid.New().String(),
		Intention: intention,
		ManagerID: managerID,
		group:     []string{managerID},
		CreatedAt: time.Now().UTC(),
	}
}

// AddGroupMembers extends the task group with agents not yet in it.
func (t *Task) AddGroupMembers(agentIDs ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range agentIDs {
		known := false
		for _, member := range t.group {
			if member == id {
				known = true
				break
			}
		}
		if !known {
			t.group = append(t.group, id)
		}
	}
}

// Group returns the task group members in join order.
func (t *Task) Group() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.group))
	copy(out, t.group)
	return out
}

// InGroup reports whether the agent is a task participant.
func (t *Task) InGroup(agentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, member := range t.group {
		if member == agentID {
			return true
		}
	}
	return false
}

// SetSummary records the closing task summary.
func (t *Task) SetSummary(summary string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.summary = summary
}

// Summary returns the closing task summary, empty until finish_task.
func (t *Task) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary
}

// AddStage appends a stage to the tail of the stage list.
func (t *Task) AddStage(stage *Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stages = append(t.stages, stage)
}

// AddNextStage inserts the stage immediately after the last stage that has
// left init, so it runs before any still-unstarted stage.
func (t *Task) AddNextStage(stage *Stage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pos := 0
	for i, s := range t.stages {
		if s.ExecutionState != StageInit {
			pos = i + 1
		}
	}
	t.stages = append(t.stages[:pos], append([]*Stage{stage}, t.stages[pos:]...)...)
}

// GetStage returns the stage by ID.
func (t *Task) GetStage(stageID string) (*Stage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.findStage(stageID)
}

func (t *Task) findStage(stageID string) (*Stage, bool) {
	for _, s := range t.stages {
		if s.StageID == stageID {
			return s, true
		}
	}
	return nil, false
}

// Stages returns a copy of the stage list in order.
func (t *Task) Stages() []*Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stage, len(t.stages))
	copy(out, t.stages)
	return out
}

// SnapshotStages returns cloned copies of the stage list in order. The
// clones share nothing with the live stages, so readers can walk them
// while the synchronizer keeps updating allocation and completion maps.
func (t *Task) SnapshotStages() []*Stage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Stage, len(t.stages))
	for i, s := range t.stages {
		out[i] = s.Clone()
	}
	return out
}

// Finished reports whether the task has been marked done.
func (t *Task) Finished() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finished
}

// Finish marks the task done.
func (t *Task) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = true
}

// StartStage moves the identified stage to running. The transition is
// refused if the stage is unknown, already terminal, another stage is
// running, or a prior stage has not reached a terminal state.
func (t *Task) StartStage(stageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.findStage(stageID)
	if !ok {
		return apperrors.StageLogic("start_stage: unknown stage " + stageID)
	}
	if target.ExecutionState == StageRunning {
		return nil
	}
	if target.ExecutionState.Terminal() {
		return apperrors.StageLogic("start_stage: stage " + stageID + " already " + string(target.ExecutionState))
	}
	for _, s := range t.stages {
		if s.StageID == stageID {
			break
		}
		if !s.ExecutionState.Terminal() {
			return apperrors.StageLogic("start_stage: prior stage " + s.StageID + " still " + string(s.ExecutionState))
		}
	}
	for _, s := range t.stages {
		if s.ExecutionState == StageRunning {
			return apperrors.StageLogic("start_stage: stage " + s.StageID + " already running")
		}
	}
	target.ExecutionState = StageRunning
	return nil
}

// FinishStage marks the stage finished (a failed stage stays failed) and
// selects the next stage to run: the first init stage, preferring one
// already running. The selected stage is moved to running and returned. When
// no stage remains the task is marked done. Applying finish twice is a
// no-op on the second call.
func (t *Task) FinishStage(stageID string) (next *Stage, taskDone bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	target, ok := t.findStage(stageID)
	if !ok {
		return nil, false, apperrors.StageLogic("finish_stage: unknown stage " + stageID)
	}
	if target.ExecutionState != StageFailed {
		target.ExecutionState = StageFinished
	}

	for _, s := range t.stages {
		if s.ExecutionState == StageRunning {
			return s, false, nil
		}
	}
	for _, s := range t.stages {
		if s.ExecutionState == StageInit {
			s.ExecutionState = StageRunning
			return s, false, nil
		}
	}
	t.finished = true
	return nil, true, nil
}

// FailStage marks the stage failed.
func (t *Task) FailStage(stageID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.findStage(stageID)
	if !ok {
		return apperrors.StageLogic("fail_stage: unknown stage " + stageID)
	}
	target.ExecutionState = StageFailed
	return nil
}

// RetryStage fails the identified stage and inserts a replacement
// immediately after it. An empty intention or nil allocation reuses the old
// stage's values. The caller cascades finish_stage cleanup for the old stage
// and then starts the replacement.
func (t *Task) RetryStage(stageID, intention string, allocation map[string]string) (*Stage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	idx := -1
	for i, s := range t.stages {
		if s.StageID == stageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, apperrors.StageLogic("retry_stage: unknown stage " + stageID)
	}
	old := t.stages[idx]
	old.ExecutionState = StageFailed

	if intention == "" {
		intention = old.Intention
	}
	if allocation == nil {
		allocation = make(map[string]string, len(old.AgentAllocation))
		for k, v := range old.AgentAllocation {
			allocation[k] = v
		}
	}
	replacement := NewStage(t.TaskID, intention, allocation)
	t.stages = append(t.stages[:idx+1], append([]*Stage{replacement}, t.stages[idx+1:]...)...)
	return replacement, nil
}

// SetAgentState updates one agent's state within a stage.
func (t *Task) SetAgentState(stageID, agentID string, state AgentStageState) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.findStage(stageID)
	if !ok {
		return apperrors.NotFound("stage", stageID)
	}
	if !target.SetAgentState(agentID, state) {
		return apperrors.StageLogic("agent " + agentID + " is not allocated to stage " + stageID)
	}
	return nil
}

// RecordCompletion records an agent's stage completion summary. It reports
// true exactly once per stage, when the summaries cover the allocation.
func (t *Task) RecordCompletion(stageID, agentID, summary string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	target, ok := t.findStage(stageID)
	if !ok {
		return false, apperrors.NotFound("stage", stageID)
	}
	return target.RecordCompletion(agentID, summary), nil
}

// Enqueue pushes a message onto the task's communication queue.
func (t *Task) Enqueue(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue = append(t.queue, msg)
}

// Drain removes and returns every queued message in FIFO order.
func (t *Task) Drain() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.queue
	t.queue = nil
	return out
}

// QueueLen returns the number of undelivered messages.
func (t *Task) QueueLen() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// RecordConversation appends a delivered envelope to the conversation pool.
func (t *Task) RecordConversation(msg *Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conversationPool = append(t.conversationPool, msg)
}

// Conversations returns the delivered envelopes in delivery order.
func (t *Task) Conversations() []*Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Message, len(t.conversationPool))
	copy(out, t.conversationPool)
	return out
}

// AppendSharedMessage appends a progress note to the shared message pool.
func (t *Task) AppendSharedMessage(entry SharedMessageEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	t.messagePool = append(t.messagePool, entry)
}

// SharedMessages returns the progress notes in append order.
func (t *Task) SharedMessages() []SharedMessageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]SharedMessageEntry, len(t.messagePool))
	copy(out, t.messagePool)
	return out
}

// SharedMessagesByStage returns the progress notes for one stage.
func (t *Task) SharedMessagesByStage(stageID string) []SharedMessageEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []SharedMessageEntry
	for _, e := range t.messagePool {
		if e.StageID == stageID {
			out = append(out, e)
		}
	}
	return out
}
