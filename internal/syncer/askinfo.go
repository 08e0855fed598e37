package syncer

import (
	"fmt"
	"strings"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

// applyAskInfo computes the query and replies to the sender with a message
// carrying the waiting ID, unlocking the asking step.
func (s *Syncer) applyAskInfo(ask *executor.AskInfo) {
	var b strings.Builder

	switch ask.Type {
	case executor.AskManagedTaskAndStageInfo:
		s.renderTasksFor(&b, ask.SenderID, func(t *state.Task) bool { return t.ManagerID == ask.SenderID }, false)
	case executor.AskAssignedTaskAndStageInfo:
		s.renderTasksFor(&b, ask.SenderID, func(t *state.Task) bool { return t.InGroup(ask.SenderID) }, true)
	case executor.AskTaskInfo:
		s.renderTaskInfo(&b, ask.TaskID)
	case executor.AskStageInfo:
		if stage, ok := s.GetStage(ask.TaskID, ask.StageID); ok {
			renderStage(&b, stage)
		} else {
			fmt.Fprintf(&b, "No stage %s found in task %s.\n", ask.StageID, ask.TaskID)
		}
	case executor.AskAllAgents:
		b.WriteString("### All agents\n\n")
		for _, agent := range s.dir.AgentSummaries() {
			renderAgent(&b, agent, false)
		}
	case executor.AskTaskAgents:
		s.renderTaskAgents(&b, ask.TaskID)
	case executor.AskStageAgents:
		s.renderStageAgents(&b, ask.TaskID, ask.StageID)
	case executor.AskAgent:
		if agent, ok := s.dir.AgentSummary(ask.AgentID); ok {
			renderAgent(&b, agent, true)
		} else {
			fmt.Fprintf(&b, "No agent %s found.\n", ask.AgentID)
		}
	case executor.AskAvailableAgentsConfig:
		s.renderAvailableConfigs(&b)
	case executor.AskSkillsAndTools:
		s.renderCatalog(&b)
	default:
		fmt.Fprintf(&b, "Unknown ask_info query type %q.\n", ask.Type)
		s.logger.Warn("unknown ask_info type " + ask.Type)
	}

	task, ok := s.GetTask(ask.SenderTaskID)
	if !ok {
		s.logger.WithTaskID(ask.SenderTaskID).Warn("ask_info: sender task unknown, reply dropped")
		return
	}
	task.Enqueue(&state.Message{
		TaskID:          ask.SenderTaskID,
		SenderID:        systemSender,
		Receiver:        []string{ask.SenderID},
		Content:         b.String(),
		StageRelative:   state.NoRelative,
		ReturnWaitingID: ask.WaitingID,
	})
}

// renderTasksFor renders every task matching include. When onlyAllocated is
// set, stage detail is limited to stages the sender is allocated to.
func (s *Syncer) renderTasksFor(b *strings.Builder, senderID string, include func(*state.Task) bool, onlyAllocated bool) {
	for _, task := range s.Tasks() {
		if !include(task) {
			continue
		}
		renderTask(b, task)
		for _, stage := range task.Stages() {
			if onlyAllocated {
				if _, ok := stage.AgentAllocation[senderID]; !ok {
					continue
				}
			}
			renderStage(b, stage)
		}
	}
	if b.Len() == 0 {
		b.WriteString("No matching tasks.\n")
	}
}

func (s *Syncer) renderTaskInfo(b *strings.Builder, taskID string) {
	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(b, "No task %s found.\n", taskID)
		return
	}
	renderTask(b, task)

	b.WriteString("### Last 20 shared pool entries (separated by '---')\n\n")
	entries := task.SharedMessages()
	if len(entries) > 20 {
		entries = entries[len(entries)-20:]
	}
	for _, e := range entries {
		fmt.Fprintf(b, "---\nAgent: %s\nRole: %s\nStage: %s\nContent: %s\n\n",
			e.AgentID, e.Role, e.StageID, e.Content)
	}
}

func (s *Syncer) renderTaskAgents(b *strings.Builder, taskID string) {
	task, ok := s.GetTask(taskID)
	if !ok {
		fmt.Fprintf(b, "No task %s found.\n", taskID)
		return
	}
	b.WriteString("### Task group agents\n\n")
	for _, agentID := range task.Group() {
		if agent, ok := s.dir.AgentSummary(agentID); ok {
			renderAgent(b, agent, false)
		}
	}
}

func (s *Syncer) renderStageAgents(b *strings.Builder, taskID, stageID string) {
	stage, ok := s.GetStage(taskID, stageID)
	if !ok {
		fmt.Fprintf(b, "No stage %s found in task %s.\n", stageID, taskID)
		return
	}
	b.WriteString("### Stage agents\n\n")
	for _, agentID := range stage.AllocatedAgents() {
		if agent, ok := s.dir.AgentSummary(agentID); ok {
			renderAgent(b, agent, false)
		}
	}
}

func (s *Syncer) renderAvailableConfigs(b *strings.Builder) {
	b.WriteString("### Instantiable agent configurations\n\n")
	b.WriteString("These role configs can be used to spawn new agents with init_new_agent. Keep names unique.\n\n")
	configs, err := config.LoadRoleConfigs(s.opts.RoleConfigDir)
	if err != nil {
		fmt.Fprintf(b, "(failed to read role configs: %v)\n", err)
		return
	}
	for _, cfg := range configs {
		fmt.Fprintf(b, "#### %s\nrole: %s\nprofile: %s\nskills: %s\ntools: %s\n\n",
			cfg.Name, cfg.Role, cfg.Profile,
			strings.Join(cfg.Skills, ", "), strings.Join(cfg.Tools, ", "))
	}
}

func (s *Syncer) renderCatalog(b *strings.Builder) {
	b.WriteString("### Registered skills and tools\n\n")
	for _, doc := range s.opts.Catalog {
		fmt.Fprintf(b, "#### %s: %s\n%s\n\n", doc.Kind, doc.Name, doc.Description)
	}
}

func renderTask(b *strings.Builder, task *state.Task) {
	st := "running"
	if task.Finished() {
		st = "finished"
	}
	fmt.Fprintf(b, "### Task info\n\nTask ID: %s\nIntention: %s\nManager: %s\nGroup: %s\nState: %s\nSummary: %s\n\n",
		task.TaskID, task.Intention, task.ManagerID,
		strings.Join(task.Group(), ", "), st, task.Summary())
}

func renderStage(b *strings.Builder, stage *state.Stage) {
	fmt.Fprintf(b, "#### Stage info\n\nStage ID: %s\nIntention: %s\nState: %s\n",
		stage.StageID, stage.Intention, stage.ExecutionState)
	b.WriteString("Allocation:\n")
	for agentID, goal := range stage.AgentAllocation {
		fmt.Fprintf(b, "- %s: %s (state: %s)\n", agentID, goal, stage.PerAgentState[agentID])
	}
	if len(stage.CompletionSummary) > 0 {
		b.WriteString("Completion summaries:\n")
		for agentID, summary := range stage.CompletionSummary {
			fmt.Fprintf(b, "- %s: %s\n", agentID, summary)
		}
	}
	b.WriteString("\n")
}

func renderAgent(b *strings.Builder, agent AgentSummary, includeMemory bool) {
	fmt.Fprintf(b, "#### Agent %s\n\nName: %s\nRole: %s\nProfile: %s\nWorking state: %s\nSkills: %s\nTools: %s\n",
		agent.AgentID, agent.Name, agent.Role, agent.Profile, agent.WorkingState,
		strings.Join(agent.Skills, ", "), strings.Join(agent.Tools, ", "))
	if len(agent.WorkingMemory) > 0 {
		b.WriteString("Working memory:\n")
		for taskID, stages := range agent.WorkingMemory {
			for stageID, stepIDs := range stages {
				fmt.Fprintf(b, "- task %s / stage %s: %d live steps\n", taskID, stageID, len(stepIDs))
			}
		}
	}
	if includeMemory && agent.PersistentMemory != "" {
		fmt.Fprintf(b, "Persistent memory:\n%s\n", agent.PersistentMemory)
	}
	b.WriteString("\n")
}
