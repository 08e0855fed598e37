package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
	"github.com/agentmesh/agentmesh/internal/syncer"
)

// ConversationEntry is one message in an operator's private conversation
// log with a peer agent, inbound or outbound.
type ConversationEntry struct {
	SenderID  string
	Content   string
	NeedReply bool
	// WaitingID is the token the peer parked on when it asked for a reply.
	// Cleared once a reply consumes it.
	WaitingID string
	Outbound  bool
	Timestamp time.Time
}

// Notice is a global operator notification, e.g. an agent awaiting a reply.
type Notice struct {
	Text      string
	Timestamp time.Time
}

// Operator is the human-driven agent variant. It has no model and no worker
// loop: inbound messages accumulate in per-peer per-task conversation logs
// and global notices, and outbound sends are driven by API calls. Sends go
// through the synchronizer like any agent's, so task records stay
// consistent.
type Operator struct {
	mu sync.Mutex

	id      string
	name    string
	role    string
	profile string

	stepLog       *state.StepLog
	workingMemory map[string]map[string][]string

	// conversations is keyed by peer agent ID, then task ID.
	conversations map[string]map[string][]ConversationEntry
	notices       []Notice

	sync   Synchronizer
	logger *logger.Logger
}

// NewOperator builds an operator agent.
func NewOperator(name string, syn Synchronizer, log *logger.Logger) *Operator {
	id := uuid.New().String()
	return &Operator{
		id:            id,
		name:          name,
		role:          "operator",
		profile:       "Human operator relaying decisions into the mesh.",
		stepLog:       state.NewStepLog(id),
		workingMemory: make(map[string]map[string][]string),
		conversations: make(map[string]map[string][]ConversationEntry),
		sync:          syn,
		logger:        log.WithAgentID(id),
	}
}

func (o *Operator) ID() string   { return o.id }
func (o *Operator) Name() string { return o.name }
func (o *Operator) Role() string { return o.role }

// ReceiveMessage records the inbound message in the conversation log and,
// when a reply is requested, raises a global notice. Instructions are
// honored only for state upkeep; the operator never auto-runs skills.
func (o *Operator) ReceiveMessage(msg *state.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	log := o.logger.WithTaskID(msg.TaskID).WithFields(zap.String("sender_id", msg.SenderID))
	if err := msg.AttachInstruction(); err != nil {
		log.WithError(err).Warn("dropping message with malformed instruction")
		return false
	}

	text := msg.TextWithoutInstruction()
	if text != "" || msg.NeedReply {
		o.record(msg.SenderID, msg.TaskID, ConversationEntry{
			SenderID:  msg.SenderID,
			Content:   text,
			NeedReply: msg.NeedReply,
			WaitingID: msg.ReturnWaitingIDFor(o.id),
			Timestamp: time.Now().UTC(),
		})
	}
	if msg.NeedReply {
		o.notices = append(o.notices, Notice{
			Text:      msg.SenderID + " awaits your reply on task " + msg.TaskID,
			Timestamp: time.Now().UTC(),
		})
	}

	if msg.Instruction != nil {
		o.handleInstruction(msg, log)
	}
	return true
}

func (o *Operator) handleInstruction(msg *state.Message, log *logger.Logger) {
	switch msg.Instruction.Action {
	case state.ActionStartStage:
		var p state.StartStagePayload
		if msg.Instruction.Decode(&p) == nil {
			o.notices = append(o.notices, Notice{
				Text:      "stage " + p.StageID + " of task " + msg.TaskID + " started",
				Timestamp: time.Now().UTC(),
			})
		}

	case state.ActionFinishStage:
		var p state.FinishStagePayload
		if msg.Instruction.Decode(&p) == nil {
			o.stepLog.RemoveByStage(p.StageID)
			if byStage, ok := o.workingMemory[msg.TaskID]; ok {
				delete(byStage, p.StageID)
			}
		}

	case state.ActionFinishTask:
		var p state.FinishTaskPayload
		if msg.Instruction.Decode(&p) == nil {
			taskID := p.TaskID
			if taskID == "" {
				taskID = msg.TaskID
			}
			o.stepLog.RemoveByTask(taskID)
			delete(o.workingMemory, taskID)
			for _, byTask := range o.conversations {
				delete(byTask, taskID)
			}
		}

	case state.ActionUpdateWorkingMemory:
		var p state.UpdateWorkingMemoryPayload
		if msg.Instruction.Decode(&p) == nil {
			byStage, ok := o.workingMemory[p.TaskID]
			if !ok {
				byStage = make(map[string][]string)
				o.workingMemory[p.TaskID] = byStage
			}
			if p.StageID != nil {
				if _, exists := byStage[*p.StageID]; !exists {
					byStage[*p.StageID] = nil
				}
			}
		}

	default:
		log.Debug("operator ignoring instruction", zap.String("action", msg.Instruction.Action))
	}
}

func (o *Operator) record(peerID, taskID string, entry ConversationEntry) {
	byTask, ok := o.conversations[peerID]
	if !ok {
		byTask = make(map[string][]ConversationEntry)
		o.conversations[peerID] = byTask
	}
	byTask[taskID] = append(byTask[taskID], entry)
}

// SendPrivateMessage sends content to one peer on a task. If the peer's
// last recorded message asked for a reply with a waiting ID, that ID is
// consumed as return_waiting_id so the peer unparks.
func (o *Operator) SendPrivateMessage(ctx context.Context, taskID, receiverID, content, stageRelative string, needReply bool) error {
	o.mu.Lock()

	returnWaitingID := o.consumeWaitingID(receiverID, taskID)
	msg := &state.Message{
		TaskID:          taskID,
		SenderID:        o.id,
		Receiver:        []string{receiverID},
		Content:         content,
		StageRelative:   stageRelative,
		NeedReply:       needReply,
		ReturnWaitingID: returnWaitingID,
	}
	if err := msg.Validate(); err != nil {
		o.mu.Unlock()
		return err
	}

	o.record(receiverID, taskID, ConversationEntry{
		SenderID:  o.id,
		Content:   content,
		NeedReply: needReply,
		Outbound:  true,
		Timestamp: time.Now().UTC(),
	})
	o.recordSendStep(taskID, stageRelative, "private message to "+receiverID)
	o.mu.Unlock()

	o.sync.Apply(ctx, &executor.Effect{SendMessages: []*state.Message{msg}})
	return nil
}

// SendGroupMessage sends one envelope to several peers on a task, with an
// explicit return_waiting_id when the operator is answering a group wait.
func (o *Operator) SendGroupMessage(ctx context.Context, taskID string, receivers []string, content, stageRelative string, needReply bool, returnWaitingID string) error {
	msg := &state.Message{
		TaskID:          taskID,
		SenderID:        o.id,
		Receiver:        append([]string(nil), receivers...),
		Content:         content,
		StageRelative:   stageRelative,
		NeedReply:       needReply,
		ReturnWaitingID: returnWaitingID,
	}
	if err := msg.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	for _, receiverID := range receivers {
		o.record(receiverID, taskID, ConversationEntry{
			SenderID:  o.id,
			Content:   content,
			NeedReply: needReply,
			Outbound:  true,
			Timestamp: time.Now().UTC(),
		})
	}
	o.recordSendStep(taskID, stageRelative, "group message to task "+taskID)
	o.mu.Unlock()

	o.sync.Apply(ctx, &executor.Effect{SendMessages: []*state.Message{msg}})
	return nil
}

// consumeWaitingID returns, and clears, the newest unanswered waiting ID
// the peer attached on this task. Caller holds mu.
func (o *Operator) consumeWaitingID(peerID, taskID string) string {
	entries := o.conversations[peerID][taskID]
	for i := len(entries) - 1; i >= 0; i-- {
		if !entries[i].Outbound && entries[i].WaitingID != "" {
			id := entries[i].WaitingID
			entries[i].WaitingID = ""
			return id
		}
	}
	return ""
}

// recordSendStep logs the outbound send as an already-finished step so the
// operator's history reads like any agent's. Caller holds mu.
func (o *Operator) recordSendStep(taskID, stageRelative, intention string) {
	stageID := stageRelative
	if stageID == "" || stageID == state.NoRelative {
		stageID = state.NoStage
	}
	step := state.NewStep(taskID, stageID, o.id, intention, state.StepKindSkill, executor.SkillSendMessage)
	_ = step.SetStatus(state.StepRunning)
	_ = step.SetStatus(state.StepFinished)
	o.stepLog.Append(step)

	byStage, ok := o.workingMemory[taskID]
	if !ok {
		byStage = make(map[string][]string)
		o.workingMemory[taskID] = byStage
	}
	byStage[stageID] = append(byStage[stageID], step.StepID)
}

// Conversations returns a copy of the private log with the given peer on
// the given task.
func (o *Operator) Conversations(peerID, taskID string) []ConversationEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]ConversationEntry(nil), o.conversations[peerID][taskID]...)
}

// Notices returns the accumulated global notices.
func (o *Operator) Notices() []Notice {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Notice(nil), o.notices...)
}

// Summary renders the operator for the directory.
func (o *Operator) Summary() syncer.AgentSummary {
	o.mu.Lock()
	defer o.mu.Unlock()
	return syncer.AgentSummary{
		AgentID:       o.id,
		Name:          o.name,
		Role:          o.role,
		Profile:       o.profile,
		WorkingState:  WorkStateIdle,
		WorkingMemory: cloneWorkingMemory(o.workingMemory),
	}
}
