package executor

import (
	"fmt"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
	"github.com/agentmesh/agentmesh/internal/state"
)

// GenericToolHandler is the registry name of the single tool adapter. Every
// tool step resolves to it; the step's ExecutorName identifies the target
// tool server.
const GenericToolHandler = "mcp_tool"

// Canonical skill executor names. The agent runtime references a few of
// these directly (reply steps, instruction handling); the rest exist so
// bootstrap and role configs agree on spelling.
const (
	SkillPlanning              = "planning"
	SkillReflection            = "reflection"
	SkillDecision              = "decision"
	SkillSummary               = "summary"
	SkillQuickThink            = "quick_think"
	SkillSendMessage           = "send_message"
	SkillProcessMessage        = "process_message"
	SkillAskInfo               = "ask_info"
	SkillTaskManager           = "task_manager"
	SkillAgentManager          = "agent_manager"
	SkillInstructionGeneration = "instruction_generation"
	SkillToolDecision          = "tool_decision"
)

type registryKey struct {
	kind state.StepKind
	name string
}

// Registry maps (kind, executor name) to executors. Registration happens at
// bootstrap; Freeze makes the table immutable before any worker starts, so
// lookups need no lock.
type Registry struct {
	executors map[registryKey]Executor
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[registryKey]Executor)}
}

// Register binds an executor. Registering after Freeze or re-binding an
// existing key panics: both are programming errors at bootstrap.
func (r *Registry) Register(kind state.StepKind, name string, ex Executor) {
	if r.frozen {
		panic("executor registry is frozen")
	}
	key := registryKey{kind: kind, name: name}
	if _, exists := r.executors[key]; exists {
		panic(fmt.Sprintf("executor %s/%s registered twice", kind, name))
	}
	r.executors[key] = ex
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Resolve returns the executor for a step. Tool steps all resolve to the
// generic tool handler regardless of the step's executor name.
func (r *Registry) Resolve(kind state.StepKind, name string) (Executor, error) {
	if kind == state.StepKindTool {
		name = GenericToolHandler
	}
	ex, ok := r.executors[registryKey{kind: kind, name: name}]
	if !ok {
		return nil, apperrors.Config(fmt.Sprintf("no executor registered for %s/%s", kind, name))
	}
	return ex, nil
}

// Names returns the registered skill names, for validation at startup.
func (r *Registry) Names(kind state.StepKind) []string {
	var out []string
	for key := range r.executors {
		if key.kind == kind {
			out = append(out, key.name)
		}
	}
	return out
}
