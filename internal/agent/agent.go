// Package agent implements the autonomous agent runtime: the locked agent
// state that executors operate on, the worker loop that drains the ready
// queue, and the message intake called by the dispatcher. A single mutex per
// agent serializes the worker, intake, and snapshot paths.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
	"github.com/agentmesh/agentmesh/internal/syncer"
)

// Worker states reported in agent summaries.
const (
	WorkStateIdle    = "idle"
	WorkStateWorking = "working"
	WorkStateWaiting = "waiting"
)

// Synchronizer is the slice of the synchronizer the agent runtime depends
// on. *syncer.Syncer implements it.
type Synchronizer interface {
	Apply(ctx context.Context, effect *executor.Effect)
	StartStage(taskID, stageID, senderID string) error
	GetTask(taskID string) (*state.Task, bool)
	GetStage(taskID, stageID string) (*state.Stage, bool)
}

// Options tunes the worker loop.
type Options struct {
	// ParkInterval is the pause when the ready queue is empty or the step
	// lock is held. Zero means the default.
	ParkInterval time.Duration
}

const defaultParkInterval = 100 * time.Millisecond

// Agent is one autonomous agent: identity, executor whitelists, the step
// log, working memory, and the step lock. All mutable state is guarded by
// mu. The executor.AgentState methods are documented as unlocked because
// the worker already holds mu across the executor call.
type Agent struct {
	mu sync.Mutex

	id      string
	name    string
	role    string
	profile string

	skills []string
	tools  []string

	workingState string
	stepLog      *state.StepLog
	// workingMemory indexes step IDs by task then stage.
	workingMemory map[string]map[string][]string
	// stepLock holds the waiting IDs this agent awaits replies for.
	stepLock         []string
	persistentMemory string

	llmCtx *llm.Context

	registry *executor.Registry
	sync     Synchronizer
	monitor  *events.Monitor
	logger   *logger.Logger
	park     time.Duration
}

// New builds an agent from a role config. The agent does not run until Run
// is called.
func New(cfg config.RoleConfig, reg *executor.Registry, syn Synchronizer, monitor *events.Monitor, log *logger.Logger, opts Options) *Agent {
	park := opts.ParkInterval
	if park <= 0 {
		park = defaultParkInterval
	}
	id := uuid.New().String()
	return &Agent{
		id:            id,
		name:          cfg.Name,
		role:          cfg.Role,
		profile:       cfg.Profile,
		skills:        append([]string(nil), cfg.Skills...),
		tools:         append([]string(nil), cfg.Tools...),
		workingState:  WorkStateIdle,
		stepLog:       state.NewStepLog(id),
		workingMemory: make(map[string]map[string][]string),
		llmCtx:        llm.NewContext(0),
		registry:      reg,
		sync:          syn,
		monitor:       monitor,
		logger:        log.WithAgentID(id),
		park:          park,
	}
}

func (a *Agent) ID() string      { return a.id }
func (a *Agent) Name() string    { return a.name }
func (a *Agent) Role() string    { return a.role }
func (a *Agent) Profile() string { return a.profile }

// LLMContext returns the agent's rolling chat window.
func (a *Agent) LLMContext() *llm.Context { return a.llmCtx }

func (a *Agent) SkillNames() []string { return a.skills }
func (a *Agent) ToolNames() []string  { return a.tools }

func (a *Agent) HasSkill(name string) bool { return contains(a.skills, name) }
func (a *Agent) HasTool(name string) bool  { return contains(a.tools, name) }

func contains(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

// AddStep appends the step to the log tail and records it in working
// memory. Tool steps without a generated instruction start pending. Caller
// holds mu.
func (a *Agent) AddStep(step *state.Step) {
	a.prepareStep(step)
	a.stepLog.Append(step)
	a.recordWorkingMemory(step)
}

// AddNextStep inserts the step at the head of the ready queue. Caller
// holds mu.
func (a *Agent) AddNextStep(step *state.Step) {
	a.prepareStep(step)
	a.stepLog.InsertNext(step)
	a.recordWorkingMemory(step)
}

func (a *Agent) prepareStep(step *state.Step) {
	if step.Kind == state.StepKindTool && step.InstructionContent == nil && step.Status == state.StepInit {
		_ = step.SetStatus(state.StepPending)
	}
}

func (a *Agent) recordWorkingMemory(step *state.Step) {
	byStage, ok := a.workingMemory[step.TaskID]
	if !ok {
		byStage = make(map[string][]string)
		a.workingMemory[step.TaskID] = byStage
	}
	byStage[step.StageID] = append(byStage[step.StageID], step.StepID)
}

// Step returns the step by ID. Caller holds mu.
func (a *Agent) Step(stepID string) (*state.Step, bool) { return a.stepLog.Get(stepID) }

// StepsByStage returns the agent's steps for the stage. Caller holds mu.
func (a *Agent) StepsByStage(stageID string) []*state.Step { return a.stepLog.ByStage(stageID) }

// StepsByTask returns the agent's steps for the task. Caller holds mu.
func (a *Agent) StepsByTask(taskID string) []*state.Step { return a.stepLog.ByTask(taskID) }

// AllSteps returns every step in append order. Caller holds mu.
func (a *Agent) AllSteps() []*state.Step { return a.stepLog.All() }

// SnapshotSteps returns cloned copies of every step in append order. Unlike
// AllSteps it locks internally, so external readers can call it while the
// worker keeps mutating the log.
func (a *Agent) SnapshotSteps() []*state.Step {
	a.mu.Lock()
	defer a.mu.Unlock()
	steps := a.stepLog.All()
	out := make([]*state.Step, len(steps))
	for i, s := range steps {
		out[i] = s.Clone()
	}
	return out
}

// LockStep registers a waiting ID: the worker parks until it is returned.
// Caller holds mu.
func (a *Agent) LockStep(waitingID string) {
	if waitingID == "" || contains(a.stepLock, waitingID) {
		return
	}
	a.stepLock = append(a.stepLock, waitingID)
}

// unlockStep removes a returned waiting ID. Unknown IDs are ignored so
// duplicate returns stay harmless.
func (a *Agent) unlockStep(waitingID string) {
	for i, id := range a.stepLock {
		if id == waitingID {
			a.stepLock = append(a.stepLock[:i], a.stepLock[i+1:]...)
			return
		}
	}
}

func (a *Agent) PersistentMemory() string { return a.persistentMemory }

// AppendPersistentMemory adds a note that survives task teardown. Caller
// holds mu.
func (a *Agent) AppendPersistentMemory(text string) {
	if text == "" {
		return
	}
	if a.persistentMemory != "" {
		a.persistentMemory += "\n"
	}
	a.persistentMemory += text
}

// WorkingMemoryView returns the live task -> stage -> step IDs index.
// Caller holds mu.
func (a *Agent) WorkingMemoryView() map[string]map[string][]string { return a.workingMemory }

// Summary renders a read-only snapshot for the directory and ask_info
// queries.
func (a *Agent) Summary() syncer.AgentSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return syncer.AgentSummary{
		AgentID:          a.id,
		Name:             a.name,
		Role:             a.role,
		Profile:          a.profile,
		WorkingState:     a.workingState,
		WorkingMemory:    cloneWorkingMemory(a.workingMemory),
		Skills:           append([]string(nil), a.skills...),
		Tools:            append([]string(nil), a.tools...),
		PersistentMemory: a.persistentMemory,
	}
}

func cloneWorkingMemory(wm map[string]map[string][]string) map[string]map[string][]string {
	out := make(map[string]map[string][]string, len(wm))
	for task, byStage := range wm {
		stages := make(map[string][]string, len(byStage))
		for stage, ids := range byStage {
			stages[stage] = append([]string(nil), ids...)
		}
		out[task] = stages
	}
	return out
}
