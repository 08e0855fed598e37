// Package mas assembles the runtime: it owns the agent directory, wires the
// synchronizer and dispatcher together, and runs every worker loop under one
// lifecycle.
package mas

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/agent"
	"github.com/agentmesh/agentmesh/internal/common/config"
	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/dispatch"
	"github.com/agentmesh/agentmesh/internal/events"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
	"github.com/agentmesh/agentmesh/internal/syncer"
	v1 "github.com/agentmesh/agentmesh/pkg/api/v1"
)

// Supervisor is the agent directory and lifecycle root. It implements
// syncer.Directory and dispatch.Directory.
type Supervisor struct {
	mu        sync.RWMutex
	agents    map[string]*agent.Agent
	operators map[string]*agent.Operator

	registry   *executor.Registry
	syn        *syncer.Syncer
	dispatcher *dispatch.Dispatcher
	monitor    *events.Monitor
	logger     *logger.Logger
	cfg        config.RuntimeConfig

	group  *errgroup.Group
	runCtx context.Context
}

// New wires a supervisor around a frozen executor registry.
func New(cfg config.RuntimeConfig, reg *executor.Registry, monitor *events.Monitor, log *logger.Logger, catalog []syncer.CapabilityDoc) *Supervisor {
	s := &Supervisor{
		agents:    make(map[string]*agent.Agent),
		operators: make(map[string]*agent.Operator),
		registry:  reg,
		monitor:   monitor,
		logger:    log,
		cfg:       cfg,
	}
	s.syn = syncer.New(s, monitor, log, syncer.Options{
		RoleConfigDir: cfg.RoleConfigDir,
		Catalog:       catalog,
	})
	s.dispatcher = dispatch.New(s.syn, s, monitor, log, cfg.DispatchInterval)
	return s
}

// Syncer exposes the synchronizer for read access and task registration.
func (s *Supervisor) Syncer() *syncer.Syncer { return s.syn }

// RegisterAgent creates an autonomous agent from a role config and adds it
// to the directory. If the supervisor is already running the agent's worker
// starts immediately.
func (s *Supervisor) RegisterAgent(rc config.RoleConfig) (*agent.Agent, error) {
	if rc.Name == "" || rc.Role == "" {
		return nil, apperrors.Config("agent role config needs name and role")
	}

	a := agent.New(rc, s.registry, s.syn, s.monitor, s.logger,
		agent.Options{ParkInterval: s.cfg.ParkInterval})

	s.mu.Lock()
	s.agents[a.ID()] = a
	running := s.group != nil
	s.mu.Unlock()

	s.monitor.AgentRegistered(a.ID(), a.Role())
	if running {
		s.startWorker(a)
	}
	return a, nil
}

// RegisterOperator adds a human-backed operator to the directory.
func (s *Supervisor) RegisterOperator(name string) *agent.Operator {
	o := agent.NewOperator(name, s.syn, s.logger)

	s.mu.Lock()
	s.operators[o.ID()] = o
	s.mu.Unlock()

	s.monitor.AgentRegistered(o.ID(), o.Role())
	return o
}

// SpawnAgent implements syncer.Directory: agent-manager skills create new
// agents at runtime through it.
func (s *Supervisor) SpawnAgent(rc config.RoleConfig) error {
	_, err := s.RegisterAgent(rc)
	return err
}

// Receiver implements dispatch.Directory.
func (s *Supervisor) Receiver(id string) (dispatch.Receiver, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[id]; ok {
		return a, true
	}
	if o, ok := s.operators[id]; ok {
		return o, true
	}
	return nil, false
}

// AgentSummaries implements syncer.Directory.
func (s *Supervisor) AgentSummaries() []syncer.AgentSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]syncer.AgentSummary, 0, len(s.agents)+len(s.operators))
	for _, a := range s.agents {
		out = append(out, a.Summary())
	}
	for _, o := range s.operators {
		out = append(out, o.Summary())
	}
	return out
}

// AgentSummary implements syncer.Directory.
func (s *Supervisor) AgentSummary(agentID string) (syncer.AgentSummary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.agents[agentID]; ok {
		return a.Summary(), true
	}
	if o, ok := s.operators[agentID]; ok {
		return o.Summary(), true
	}
	return syncer.AgentSummary{}, false
}

// CreateTask registers a new task with its participant group.
func (s *Supervisor) CreateTask(intention, managerID string, group []string) *state.Task {
	task := state.NewTask(intention, managerID)
	task.AddGroupMembers(group...)
	s.syn.AddTask(task)
	s.monitor.TaskCreated(task.TaskID, managerID, intention)
	return task
}

// StartStage kicks off a stage; the synchronizer notifies the allocated
// agents.
func (s *Supervisor) StartStage(taskID, stageID, senderID string) error {
	return s.syn.StartStage(taskID, stageID, senderID)
}

// Run starts the synchronizer, the dispatcher, and every registered agent,
// then blocks until the context is cancelled. Cancellation is a clean stop.
func (s *Supervisor) Run(ctx context.Context) error {
	g, runCtx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.group = g
	s.runCtx = runCtx
	agents := make([]*agent.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a)
	}
	s.mu.Unlock()

	g.Go(func() error { return s.syn.Run(runCtx) })
	g.Go(func() error { return s.dispatcher.Run(runCtx) })
	for _, a := range agents {
		s.startWorker(a)
	}

	s.logger.Info("supervisor running")
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Supervisor) startWorker(a *agent.Agent) {
	s.mu.RLock()
	g, runCtx := s.group, s.runCtx
	s.mu.RUnlock()
	if g == nil {
		return
	}
	g.Go(func() error {
		err := a.Run(runCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

// Snapshot captures the full runtime state. It implements snapshot.Source.
func (s *Supervisor) Snapshot() *v1.Snapshot {
	snap := &v1.Snapshot{TakenAt: time.Now().UTC()}

	for _, task := range s.syn.Tasks() {
		snap.Tasks = append(snap.Tasks, taskView(task))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.agents {
		snap.Agents = append(snap.Agents, agentView(a.Summary(), a.SnapshotSteps()))
	}
	for _, o := range s.operators {
		snap.Agents = append(snap.Agents, agentView(o.Summary(), nil))
	}
	return snap
}

func taskView(task *state.Task) v1.TaskView {
	tv := v1.TaskView{
		TaskID:    task.TaskID,
		Intention: task.Intention,
		ManagerID: task.ManagerID,
		Group:     task.Group(),
		Summary:   task.Summary(),
		Finished:  task.Finished(),
		CreatedAt: task.CreatedAt,
	}
	for _, stage := range task.SnapshotStages() {
		sv := v1.StageView{
			StageID:           stage.StageID,
			Intention:         stage.Intention,
			AgentAllocation:   stage.AgentAllocation,
			ExecutionState:    string(stage.ExecutionState),
			CompletionSummary: stage.CompletionSummary,
			CreatedAt:         stage.CreatedAt,
		}
		if len(stage.PerAgentState) > 0 {
			sv.PerAgentState = make(map[string]string, len(stage.PerAgentState))
			for id, st := range stage.PerAgentState {
				sv.PerAgentState[id] = string(st)
			}
		}
		tv.Stages = append(tv.Stages, sv)
	}
	for _, entry := range task.SharedMessages() {
		tv.SharedMessages = append(tv.SharedMessages, v1.SharedMessageView{
			AgentID:   entry.AgentID,
			Role:      entry.Role,
			StageID:   entry.StageID,
			Content:   entry.Content,
			Timestamp: entry.Timestamp,
		})
	}
	for _, msg := range task.Conversations() {
		tv.Conversations = append(tv.Conversations, v1.MessageView{
			SenderID:      msg.SenderID,
			Receiver:      msg.Receiver,
			Content:       msg.Content,
			StageRelative: msg.StageRelative,
			NeedReply:     msg.NeedReply,
		})
	}
	return tv
}

func agentView(sum syncer.AgentSummary, steps []*state.Step) v1.AgentView {
	av := v1.AgentView{
		AgentID:          sum.AgentID,
		Name:             sum.Name,
		Role:             sum.Role,
		Profile:          sum.Profile,
		WorkingState:     sum.WorkingState,
		Skills:           sum.Skills,
		Tools:            sum.Tools,
		PersistentMemory: sum.PersistentMemory,
		WorkingMemory:    sum.WorkingMemory,
	}
	for _, step := range steps {
		av.Steps = append(av.Steps, v1.StepView{
			StepID:             step.StepID,
			TaskID:             step.TaskID,
			StageID:            step.StageID,
			AgentID:            step.AgentID,
			Intention:          step.Intention,
			Kind:               string(step.Kind),
			ExecutorName:       step.ExecutorName,
			Status:             string(step.Status),
			TextContent:        step.TextContent,
			InstructionContent: step.InstructionContent,
			ExecuteResult:      step.ExecuteResult,
		})
	}
	return av
}
