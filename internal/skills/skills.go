// Package skills implements the built-in skill executors. Every skill is a
// thin adapter around one model call: assemble a prompt from the agent's
// role and history, call the model, extract the tagged block the skill
// expects, and translate it into new steps or a side-effect descriptor.
package skills

import (
	"context"
	"fmt"
	"strings"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
	"github.com/agentmesh/agentmesh/internal/syncer"
)

// deps is what every skill needs: a model and a logger.
type deps struct {
	client llm.Client
	logger *logger.Logger
}

// RegisterAll binds every built-in skill into the registry. Call once at
// bootstrap, before Freeze.
func RegisterAll(reg *executor.Registry, client llm.Client, log *logger.Logger) {
	d := deps{client: client, logger: log}
	reg.Register(state.StepKindSkill, executor.SkillPlanning, &Planning{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillReflection, &Reflection{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillDecision, &Decision{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillSummary, &Summary{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillQuickThink, &QuickThink{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillSendMessage, &SendMessage{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillProcessMessage, &ProcessMessage{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillAskInfo, &AskInfo{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillTaskManager, &TaskManager{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillAgentManager, &AgentManager{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillInstructionGeneration, &InstructionGeneration{deps: d})
	reg.Register(state.StepKindSkill, executor.SkillToolDecision, &ToolDecision{deps: d})
}

// Catalog documents the built-in skills for the skills_and_tools query.
func Catalog() []syncer.CapabilityDoc {
	return []syncer.CapabilityDoc{
		{Name: executor.SkillPlanning, Kind: "skill", Description: "Break a stage goal into an ordered list of steps."},
		{Name: executor.SkillReflection, Kind: "skill", Description: "Review stage history and append corrective steps."},
		{Name: executor.SkillDecision, Kind: "skill", Description: "React to new information with steps that run next."},
		{Name: executor.SkillSummary, Kind: "skill", Description: "Summarize the stage and report completion."},
		{Name: executor.SkillQuickThink, Kind: "skill", Description: "One free-form reasoning step with no side effects."},
		{Name: executor.SkillSendMessage, Kind: "skill", Description: "Compose and send a message to other agents."},
		{Name: executor.SkillProcessMessage, Kind: "skill", Description: "Absorb an inbound message into context and memory."},
		{Name: executor.SkillAskInfo, Kind: "skill", Description: "Query the synchronizer for task, stage, or agent facts."},
		{Name: executor.SkillTaskManager, Kind: "skill", Description: "Create tasks and stages, finish or retry them."},
		{Name: executor.SkillAgentManager, Kind: "skill", Description: "Spawn agents and manage task membership."},
		{Name: executor.SkillInstructionGeneration, Kind: "skill", Description: "Generate the structured instruction for the next tool step."},
		{Name: executor.SkillToolDecision, Kind: "skill", Description: "Judge a tool result and continue or end the tool loop."},
	}
}

const systemPreamble = "You are one agent inside a multi-agent orchestration mesh. " +
	"Agents collaborate on tasks split into stages; each agent works through its own step queue. " +
	"Respond only with the tagged blocks the current skill asks for."

// buildPrompt assembles the shared prompt skeleton: system preamble, agent
// role, whitelists, the current step, stage history, and persistent memory.
func buildPrompt(agent executor.AgentState, step *state.Step, skillRules string) string {
	var b strings.Builder
	b.WriteString("# System\n" + systemPreamble + "\n\n")

	b.WriteString("# Your role\n")
	fmt.Fprintf(&b, "Name: %s\nRole: %s\nProfile: %s\n\n", agent.Name(), agent.Role(), agent.Profile())
	fmt.Fprintf(&b, "## Available skills\n%s\n## Available tools\n%s\n\n",
		strings.Join(agent.SkillNames(), ", "), strings.Join(agent.ToolNames(), ", "))

	b.WriteString("# Current step\n")
	fmt.Fprintf(&b, "Intention: %s\n", step.Intention)
	if step.TextContent != "" {
		fmt.Fprintf(&b, "Content:\n%s\n", step.TextContent)
	}
	b.WriteString("\n## Skill rules\n" + skillRules + "\n\n")

	if history := historyPrompt(agent, step); history != "" {
		b.WriteString("# Stage history\n" + history + "\n")
	}

	b.WriteString("# Persistent memory\n")
	b.WriteString("Append durable notes between <persistent_memory> tags; leave them out otherwise.\n")
	if mem := agent.PersistentMemory(); mem != "" {
		b.WriteString("Your current notes:\n" + mem + "\n")
	}
	return b.String()
}

// historyPrompt renders the finished steps of the current stage, newest
// last, so the model sees what already happened.
func historyPrompt(agent executor.AgentState, step *state.Step) string {
	steps := agent.StepsByStage(step.StageID)
	var b strings.Builder
	for _, s := range steps {
		if s.StepID == step.StepID || !s.Status.Terminal() {
			continue
		}
		fmt.Fprintf(&b, "- [%s/%s] %s", s.ExecutorName, s.Status, s.Intention)
		if len(s.ExecuteResult) > 0 {
			fmt.Fprintf(&b, " -> %v", s.ExecuteResult)
		}
		b.WriteString("\n")
	}
	return b.String()
}

// callModel runs one model round trip on the agent's context and harvests
// any persistent-memory block. The context is cleared afterwards so skills
// stay independent.
func (d deps) callModel(ctx context.Context, agent executor.AgentState, prompt string) (string, error) {
	chatCtx := agent.LLMContext()
	defer chatCtx.Clear()

	response, err := d.client.Call(ctx, prompt, chatCtx)
	if err != nil {
		return "", err
	}
	if note, ok := llm.ExtractTagged(response, "persistent_memory"); ok {
		agent.AppendPersistentMemory(note)
	}
	return response, nil
}

// finishEffect reports the step's outcome on the stage view: the agent's
// per-stage state plus a shared-pool progress note. Steps outside a stage
// produce no effect.
func finishEffect(step *state.Step, agent executor.AgentState, st state.AgentStageState, note string) *executor.Effect {
	if step.StageID == state.NoStage {
		return &executor.Effect{}
	}
	return &executor.Effect{
		UpdateStageAgentState: &executor.StageAgentStateEffect{
			TaskID:  step.TaskID,
			StageID: step.StageID,
			AgentID: agent.ID(),
			State:   st,
		},
		SendSharedMessage: &executor.SharedMessageEffect{
			TaskID:  step.TaskID,
			StageID: step.StageID,
			AgentID: agent.ID(),
			Role:    agent.Role(),
			Content: note,
		},
	}
}

// failStep marks the step failed and reports it on the stage view.
func failStep(step *state.Step, agent executor.AgentState, note string) *executor.Effect {
	_ = step.SetStatus(state.StepFailed)
	return finishEffect(step, agent, state.AgentFailed, note)
}

// failParse is failStep for unusable model output: the raw response is kept
// in the step record so the failure can be diagnosed later.
func failParse(step *state.Step, agent executor.AgentState, note, response string) *executor.Effect {
	step.SetResult(map[string]any{"error": note, "llm_response": response})
	return failStep(step, agent, note)
}

var errNoReceivers = apperrors.Protocol("send_message payload has no receivers", nil)

func joinIDs(ids []string) string {
	return strings.Join(ids, ", ")
}

// plannedStep is one step description produced by the planning, reflection,
// and decision skills.
type plannedStep struct {
	Intention   string `json:"step_intention"`
	Kind        string `json:"type"`
	Executor    string `json:"executor"`
	TextContent string `json:"text_content"`
}

// validatePlanned checks every planned step against the agent's whitelists
// and returns the first offending executor name.
func validatePlanned(agent executor.AgentState, steps []plannedStep) (string, bool) {
	for _, ps := range steps {
		switch state.StepKind(ps.Kind) {
		case state.StepKindSkill:
			if !agent.HasSkill(ps.Executor) {
				return ps.Executor, false
			}
		case state.StepKindTool:
			if !agent.HasTool(ps.Executor) {
				return ps.Executor, false
			}
		default:
			return ps.Executor, false
		}
	}
	return "", true
}

// materialize turns a planned step into a live step owned by the agent.
func materialize(agent executor.AgentState, origin *state.Step, ps plannedStep) *state.Step {
	step := state.NewStep(origin.TaskID, origin.StageID, agent.ID(), ps.Intention,
		state.StepKind(ps.Kind), ps.Executor)
	step.TextContent = ps.TextContent
	return step
}
