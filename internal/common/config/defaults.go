package config

// DefaultRoleConfigs returns the built-in role catalog used when no role
// config directory is set. It covers a minimal working group: one manager
// that owns task and agent lifecycles and one generalist worker.
func DefaultRoleConfigs() []*RoleConfig {
	return []*RoleConfig{
		{
			Name:    "manager",
			Role:    "manager",
			Profile: "Coordinates the group: breaks tasks into stages, allocates agents, and judges stage completion.",
			Skills: []string{
				"planning",
				"reflection",
				"decision",
				"summary",
				"quick_think",
				"send_message",
				"process_message",
				"ask_info",
				"task_manager",
				"agent_manager",
			},
		},
		{
			Name:    "worker",
			Role:    "worker",
			Profile: "Executes allocated stage goals and reports progress back to the manager.",
			Skills: []string{
				"planning",
				"reflection",
				"decision",
				"summary",
				"quick_think",
				"send_message",
				"process_message",
				"ask_info",
				"instruction_generation",
				"tool_decision",
			},
		},
	}
}
