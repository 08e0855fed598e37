package v1

// AgentView is the serialized state of one registered agent.
type AgentView struct {
	AgentID          string                         `json:"agent_id"`
	Name             string                         `json:"name"`
	Role             string                         `json:"role"`
	Profile          string                         `json:"profile,omitempty"`
	WorkingState     string                         `json:"working_state"`
	Skills           []string                       `json:"skills,omitempty"`
	Tools            []string                       `json:"tools,omitempty"`
	PersistentMemory string                         `json:"persistent_memory,omitempty"`
	WorkingMemory    map[string]map[string][]string `json:"working_memory,omitempty"`
	Steps            []StepView                     `json:"steps,omitempty"`
}

// StepView is the serialized form of one step in an agent's log.
type StepView struct {
	StepID             string         `json:"step_id"`
	TaskID             string         `json:"task_id"`
	StageID            string         `json:"stage_id"`
	AgentID            string         `json:"agent_id"`
	Intention          string         `json:"step_intention"`
	Kind               string         `json:"kind"`
	ExecutorName       string         `json:"executor_name"`
	Status             string         `json:"status"`
	TextContent        string         `json:"text_content,omitempty"`
	InstructionContent map[string]any `json:"instruction_content,omitempty"`
	ExecuteResult      map[string]any `json:"execute_result,omitempty"`
}
