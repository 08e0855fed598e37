// Package syncer implements the synchronizer: the single writer to task and
// stage records. Skills return side-effect descriptors from the worker loop
// and the synchronizer applies them, enqueuing control messages on task
// queues for the dispatcher to deliver.
package syncer

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/config"
	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

// AgentSummary is the read-only agent view the synchronizer renders for
// ask_info queries.
type AgentSummary struct {
	AgentID          string
	Name             string
	Role             string
	Profile          string
	WorkingState     string
	WorkingMemory    map[string]map[string][]string
	Skills           []string
	Tools            []string
	PersistentMemory string
}

// Directory is the agent directory the synchronizer queries and spawns
// through. The supervisor implements it.
type Directory interface {
	AgentSummaries() []AgentSummary
	AgentSummary(agentID string) (AgentSummary, bool)
	// SpawnAgent instantiates and starts a new autonomous agent.
	SpawnAgent(cfg config.RoleConfig) error
}

// CapabilityDoc describes one skill or tool for the skills_and_tools query.
type CapabilityDoc struct {
	Name        string
	Kind        string // "skill" or "tool"
	Description string
}

// stageCompletion is queued on the completion channel when a stage's
// summaries cover its allocation.
type stageCompletion struct {
	taskID  string
	stageID string
}

// Options configures a Syncer.
type Options struct {
	// RoleConfigDir is scanned for the available_agents_config query.
	RoleConfigDir string
	// Catalog documents registered skills and tools.
	Catalog []CapabilityDoc
}

// Syncer owns the authoritative task map. Apply calls are serialized by an
// internal mutex; reads through GetTask/GetStage are lock-free on the map's
// own read lock and eventually consistent with respect to in-flight applies.
type Syncer struct {
	applyMu sync.Mutex

	tasksMu sync.RWMutex
	tasks   map[string]*state.Task

	dir     Directory
	monitor *events.Monitor
	logger  *logger.Logger
	opts    Options

	completions chan stageCompletion
}

// New creates a synchronizer.
func New(dir Directory, monitor *events.Monitor, log *logger.Logger, opts Options) *Syncer {
	return &Syncer{
		tasks:       make(map[string]*state.Task),
		dir:         dir,
		monitor:     monitor,
		logger:      log,
		opts:        opts,
		completions: make(chan stageCompletion, 64),
	}
}

// AddTask registers a task.
func (s *Syncer) AddTask(task *state.Task) {
	s.tasksMu.Lock()
	s.tasks[task.TaskID] = task
	s.tasksMu.Unlock()
	s.monitor.TaskCreated(task.TaskID, task.ManagerID, task.Intention)
}

// GetTask returns the task by ID.
func (s *Syncer) GetTask(taskID string) (*state.Task, bool) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	task, ok := s.tasks[taskID]
	return task, ok
}

// GetStage returns the stage by task and stage ID.
func (s *Syncer) GetStage(taskID, stageID string) (*state.Stage, bool) {
	task, ok := s.GetTask(taskID)
	if !ok {
		return nil, false
	}
	return task.GetStage(stageID)
}

// Tasks returns every registered task.
func (s *Syncer) Tasks() []*state.Task {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	out := make([]*state.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, task)
	}
	return out
}

// Run consumes the stage-completion channel, notifying each completed
// stage's task manager. It returns when ctx is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case done := <-s.completions:
			s.notifyStageComplete(done.taskID, done.stageID)
		}
	}
}

// StartStage moves the stage to running and instructs every allocated agent
// to begin. The transition is refused when stage ordering would be violated.
func (s *Syncer) StartStage(taskID, stageID, senderID string) error {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()
	return s.startStageLocked(taskID, stageID, senderID)
}

func (s *Syncer) startStageLocked(taskID, stageID, senderID string) error {
	task, ok := s.GetTask(taskID)
	if !ok {
		return apperrors.NotFound("task", taskID)
	}
	if err := task.StartStage(stageID); err != nil {
		s.logger.WithTaskID(taskID).WithStageID(stageID).WithError(err).Warn("refused stage start")
		return err
	}
	s.sendStartStage(task, stageID, senderID)
	s.monitor.StageStarted(taskID, stageID)
	return nil
}

// sendStartStage enqueues a start_stage instruction to the stage's agents.
func (s *Syncer) sendStartStage(task *state.Task, stageID, senderID string) {
	stage, ok := task.GetStage(stageID)
	if !ok {
		return
	}
	s.sendInstruction(task, senderID, stage.AllocatedAgents(), stageID,
		state.ActionStartStage, state.StartStagePayload{StageID: stageID})
}

// sendFinishStage instructs the stage's agents to tear down their steps and
// working memory for the stage.
func (s *Syncer) sendFinishStage(task *state.Task, stageID, senderID string) {
	stage, ok := task.GetStage(stageID)
	if !ok {
		return
	}
	s.sendInstruction(task, senderID, stage.AllocatedAgents(), stageID,
		state.ActionFinishStage, state.FinishStagePayload{StageID: stageID})
}

func (s *Syncer) sendInstruction(task *state.Task, senderID string, receivers []string, stageRelative, action string, payload any) {
	if len(receivers) == 0 {
		return
	}
	instr, err := state.NewInstruction(action, payload)
	if err != nil {
		s.logger.WithError(err).Error("encode instruction", zap.String("action", action))
		return
	}
	if stageRelative == "" {
		stageRelative = state.NoRelative
	}
	task.Enqueue(&state.Message{
		TaskID:        task.TaskID,
		SenderID:      senderID,
		Receiver:      receivers,
		Content:       instr.Encode(),
		StageRelative: stageRelative,
	})
}

// sendText enqueues a plain-text system message.
func (s *Syncer) sendText(task *state.Task, senderID string, receivers []string, text string) {
	task.Enqueue(&state.Message{
		TaskID:        task.TaskID,
		SenderID:      senderID,
		Receiver:      receivers,
		Content:       text,
		StageRelative: state.NoRelative,
	})
}

// Apply dispatches one side-effect descriptor. Concurrent calls are
// serialized; unknown or partially invalid variants are logged and skipped
// so one bad effect cannot poison the rest of the descriptor.
func (s *Syncer) Apply(ctx context.Context, effect *executor.Effect) {
	if effect.Empty() {
		return
	}
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	if up := effect.UpdateStageAgentState; up != nil {
		s.applyAgentState(up)
	}
	if sh := effect.SendSharedMessage; sh != nil {
		s.applySharedMessage(sh)
	}
	if comp := effect.UpdateStageAgentCompletion; comp != nil {
		s.applyCompletion(comp)
	}
	for _, msg := range effect.SendMessages {
		s.applySendMessage(msg)
	}
	if ti := effect.TaskInstruction; ti != nil {
		s.applyTaskInstruction(ti)
	}
	if ai := effect.AgentInstruction; ai != nil {
		s.applyAgentInstruction(ai)
	}
	if ask := effect.AskInfo; ask != nil {
		s.applyAskInfo(ask)
	}
}

func (s *Syncer) applyAgentState(up *executor.StageAgentStateEffect) {
	task, ok := s.GetTask(up.TaskID)
	if !ok {
		s.logger.WithTaskID(up.TaskID).Warn("update_stage_agent_state: unknown task")
		return
	}
	// Task-scoped steps carry no stage; nothing to record.
	if up.StageID == state.NoStage || up.StageID == state.NoRelative {
		return
	}
	if err := task.SetAgentState(up.StageID, up.AgentID, up.State); err != nil {
		s.logger.WithStageID(up.StageID).WithAgentID(up.AgentID).WithError(err).Warn("update_stage_agent_state refused")
		return
	}
	s.monitor.AgentState(up.TaskID, up.StageID, up.AgentID, up.State)
}

func (s *Syncer) applySharedMessage(sh *executor.SharedMessageEffect) {
	task, ok := s.GetTask(sh.TaskID)
	if !ok {
		s.logger.WithTaskID(sh.TaskID).Warn("send_shared_message: unknown task")
		return
	}
	task.AppendSharedMessage(state.SharedMessageEntry{
		AgentID: sh.AgentID,
		Role:    sh.Role,
		StageID: sh.StageID,
		Content: sh.Content,
	})
}

func (s *Syncer) applyCompletion(comp *executor.StageCompletionEffect) {
	task, ok := s.GetTask(comp.TaskID)
	if !ok {
		s.logger.WithTaskID(comp.TaskID).Warn("update_stage_agent_completion: unknown task")
		return
	}
	fired, err := task.RecordCompletion(comp.StageID, comp.AgentID, comp.CompletionSummary)
	if err != nil {
		s.logger.WithStageID(comp.StageID).WithError(err).Warn("update_stage_agent_completion refused")
		return
	}
	if fired {
		select {
		case s.completions <- stageCompletion{taskID: comp.TaskID, stageID: comp.StageID}:
		default:
			// Channel full: notify inline rather than drop the signal.
			s.notifyStageComplete(comp.TaskID, comp.StageID)
		}
	}
}

func (s *Syncer) applySendMessage(msg *state.Message) {
	if err := msg.Validate(); err != nil {
		s.logger.WithError(err).Warn("send_message: dropped invalid envelope")
		return
	}
	task, ok := s.GetTask(msg.TaskID)
	if !ok {
		s.logger.WithTaskID(msg.TaskID).Warn("send_message: unknown task")
		return
	}
	task.Enqueue(msg)
}

func (s *Syncer) applyTaskInstruction(ti *executor.TaskInstruction) {
	switch ti.Action {
	case executor.TaskAddTask:
		s.addTask(ti)
	case executor.TaskAddStage:
		s.addStages(ti)
	case executor.TaskFinishStage:
		s.finishStage(ti.TaskID, ti.StageID, ti.AgentID)
	case executor.TaskFinishTask:
		s.finishTask(ti)
	case executor.TaskRetryStage:
		s.retryStage(ti)
	default:
		s.logger.Warn("unknown task_instruction action", zap.String("action", ti.Action))
	}
}

func (s *Syncer) addTask(ti *executor.TaskInstruction) {
	task := state.NewTask(ti.TaskIntention, ti.AgentID)
	s.tasksMu.Lock()
	s.tasks[task.TaskID] = task
	s.tasksMu.Unlock()

	// The creator's working memory picks up the new task.
	s.sendInstruction(task, ti.AgentID, []string{ti.AgentID}, state.NoRelative,
		state.ActionUpdateWorkingMemory, state.UpdateWorkingMemoryPayload{TaskID: task.TaskID})
	s.monitor.TaskCreated(task.TaskID, ti.AgentID, ti.TaskIntention)
	s.logger.WithTaskID(task.TaskID).WithAgentID(ti.AgentID).Info("task added")
}

func (s *Syncer) addStages(ti *executor.TaskInstruction) {
	task, ok := s.GetTask(ti.TaskID)
	if !ok {
		s.logger.WithTaskID(ti.TaskID).Warn("add_stage: unknown task")
		return
	}
	for _, spec := range ti.Stages {
		stage := state.NewStage(task.TaskID, spec.Intention, spec.AgentAllocation)
		task.AddStage(stage)
		task.AddGroupMembers(stage.AllocatedAgents()...)

		stageID := stage.StageID
		s.sendInstruction(task, ti.AgentID, stage.AllocatedAgents(), state.NoRelative,
			state.ActionUpdateWorkingMemory, state.UpdateWorkingMemoryPayload{TaskID: task.TaskID, StageID: &stageID})
		s.monitor.StageAdded(task.TaskID, stage.StageID, stage.Intention)
	}
}

func (s *Syncer) finishStage(taskID, stageID, senderID string) {
	task, ok := s.GetTask(taskID)
	if !ok {
		s.logger.WithTaskID(taskID).Warn("finish_stage: unknown task")
		return
	}
	// Teardown instruction goes to the finished stage's agents before the
	// stage list advances.
	s.sendFinishStage(task, stageID, senderID)

	next, taskDone, err := task.FinishStage(stageID)
	if err != nil {
		s.logger.WithStageID(stageID).WithError(err).Warn("finish_stage refused")
		return
	}
	if stage, ok := task.GetStage(stageID); ok {
		s.monitor.StageFinished(taskID, stageID, stage.ExecutionState)
	}

	if next != nil {
		s.sendStartStage(task, next.StageID, senderID)
		s.monitor.StageStarted(taskID, next.StageID)
		return
	}
	if taskDone {
		s.checkTaskCompletion(task)
	}
}

// checkTaskCompletion asks the task manager to judge the finished task:
// deliver it with finish_task or extend it with add_stage.
func (s *Syncer) checkTaskCompletion(task *state.Task) {
	text := fmt.Sprintf(
		"All stages of task %s have completed.\n"+
			"As the managing agent you must now judge the task outcome. "+
			"Use the ask_info skill to gather the task's details first.\n"+
			"- If the outcome meets the goal, deliver the task with the task_manager skill's finish_task action.\n"+
			"- If it falls short, consider the task_manager skill's add_stage action to cover the gap.",
		task.TaskID)
	s.sendText(task, systemSender, []string{task.ManagerID}, text)
	s.logger.WithTaskID(task.TaskID).Info("task completion check requested")
}

const systemSender = "[system]"

func (s *Syncer) finishTask(ti *executor.TaskInstruction) {
	task, ok := s.GetTask(ti.TaskID)
	if !ok {
		s.logger.WithTaskID(ti.TaskID).Warn("finish_task: unknown task")
		return
	}
	task.Finish()
	if ti.Summary != "" {
		task.SetSummary(ti.Summary)
	}
	s.sendInstruction(task, ti.AgentID, task.Group(), state.NoRelative,
		state.ActionFinishTask, state.FinishTaskPayload{TaskID: task.TaskID})
	s.monitor.TaskFinished(task.TaskID)
	s.logger.WithTaskID(task.TaskID).Info("task finished")
}

func (s *Syncer) retryStage(ti *executor.TaskInstruction) {
	task, ok := s.GetTask(ti.TaskID)
	if !ok {
		s.logger.WithTaskID(ti.TaskID).Warn("retry_stage: unknown task")
		return
	}

	var intention string
	var allocation map[string]string
	if len(ti.Stages) > 0 {
		intention = ti.Stages[0].Intention
		allocation = ti.Stages[0].AgentAllocation
	}
	replacement, err := task.RetryStage(ti.StageID, intention, allocation)
	if err != nil {
		s.logger.WithStageID(ti.StageID).WithError(err).Warn("retry_stage refused")
		return
	}
	task.AddGroupMembers(replacement.AllocatedAgents()...)

	stageID := replacement.StageID
	s.sendInstruction(task, ti.AgentID, replacement.AllocatedAgents(), state.NoRelative,
		state.ActionUpdateWorkingMemory, state.UpdateWorkingMemoryPayload{TaskID: task.TaskID, StageID: &stageID})
	s.monitor.StageAdded(task.TaskID, replacement.StageID, replacement.Intention)

	// Tear down the failed stage, then start the replacement.
	s.sendFinishStage(task, ti.StageID, ti.AgentID)
	s.monitor.StageFinished(task.TaskID, ti.StageID, state.StageFailed)

	if err := task.StartStage(replacement.StageID); err != nil {
		s.logger.WithStageID(replacement.StageID).WithError(err).Warn("retry_stage: replacement start refused")
		return
	}
	s.sendStartStage(task, replacement.StageID, ti.AgentID)
	s.monitor.StageStarted(task.TaskID, replacement.StageID)
}

func (s *Syncer) applyAgentInstruction(ai *executor.AgentInstruction) {
	switch ai.Action {
	case executor.AgentInitNewAgent:
		if ai.AgentConfig == nil {
			s.logger.Warn("init_new_agent: missing agent config")
			return
		}
		cfg := config.RoleConfig{
			Name:    ai.AgentConfig.Name,
			Role:    ai.AgentConfig.Role,
			Profile: ai.AgentConfig.Profile,
			Skills:  ai.AgentConfig.Skills,
			Tools:   ai.AgentConfig.Tools,
		}
		if err := s.dir.SpawnAgent(cfg); err != nil {
			s.logger.WithError(err).Error("init_new_agent failed", zap.String("name", cfg.Name))
			return
		}
		s.logger.Info("agent spawned", zap.String("name", cfg.Name), zap.String("role", cfg.Role))
	case executor.AgentAddTaskParticipant:
		task, ok := s.GetTask(ai.TaskID)
		if !ok {
			s.logger.WithTaskID(ai.TaskID).Warn("add_task_participant: unknown task")
			return
		}
		task.AddGroupMembers(ai.AgentIDs...)
	default:
		s.logger.Warn("unknown agent_instruction action", zap.String("action", ai.Action))
	}
}

// notifyStageComplete tells the task manager that every allocated agent has
// reported a completion summary for the stage.
func (s *Syncer) notifyStageComplete(taskID, stageID string) {
	task, ok := s.GetTask(taskID)
	if !ok {
		return
	}
	stage, ok := task.GetStage(stageID)
	if !ok {
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Stage %s of task %s is complete: every allocated agent has reported a summary.\n", stageID, taskID)
	fmt.Fprintf(&b, "Stage goal: %s\n\nPer-agent results:\n", stage.Intention)
	for agentID, goal := range stage.AgentAllocation {
		fmt.Fprintf(&b, "- %s (assigned: %s): %s\n", agentID, goal, stage.CompletionSummary[agentID])
	}
	b.WriteString("\nAs the managing agent, judge the stage outcome and close it with the task_manager skill's finish_stage action, or retry it with retry_stage.")

	s.sendText(task, systemSender, []string{task.ManagerID}, b.String())
	s.logger.WithTaskID(taskID).WithStageID(stageID).Info("stage completion reported to manager")
}
