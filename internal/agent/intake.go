package agent

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/state"
)

// ReceiveMessage is the dispatcher-facing intake. It competes with the
// worker loop for the agent mutex, so delivery lands only at step
// boundaries. Returns false when the message is dropped.
func (a *Agent) ReceiveMessage(msg *state.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	log := a.logger.WithTaskID(msg.TaskID).WithFields(zap.String("sender_id", msg.SenderID))
	if err := msg.AttachInstruction(); err != nil {
		log.WithError(err).Warn("dropping message with malformed instruction")
		return false
	}

	if msg.NeedReply {
		a.addReplyStep(msg)
	} else {
		a.processMessage(msg, log)
	}

	if msg.ReturnWaitingID != "" {
		a.unlockStep(msg.ReturnWaitingID)
	}
	return true
}

// addReplyStep queues a send-message step answering the sender. When the
// message carries a waiting ID for this agent, the reply text embeds it and
// the step preempts other queued work.
func (a *Agent) addReplyStep(msg *state.Message) {
	waitingID := msg.ReturnWaitingIDFor(a.id)

	step := state.NewStep(msg.TaskID, stageOf(msg), a.id,
		"reply to "+msg.SenderID, state.StepKindSkill, executor.SkillSendMessage)
	step.TextContent = fmt.Sprintf("<sender>%s</sender>\n%s", msg.SenderID, msg.Content)
	if waitingID != "" {
		step.TextContent += "\n<return_waiting_id>" + waitingID + "</return_waiting_id>"
		a.AddNextStep(step)
		return
	}
	a.AddStep(step)
}

// processMessage splits the body into its last instruction block and the
// remaining text. Non-empty text becomes a process-message skill step; the
// instruction is handled inline.
func (a *Agent) processMessage(msg *state.Message, log *logger.Logger) {
	closing := msg.ReturnWaitingID != ""

	if text := msg.TextWithoutInstruction(); text != "" {
		step := state.NewStep(msg.TaskID, stageOf(msg), a.id,
			"absorb message from "+msg.SenderID, state.StepKindSkill, executor.SkillProcessMessage)
		step.TextContent = fmt.Sprintf("<sender>%s</sender>\n%s", msg.SenderID, text)
		if closing {
			a.AddNextStep(step)
		} else {
			a.AddStep(step)
		}
	}

	if msg.Instruction == nil {
		return
	}
	switch msg.Instruction.Action {
	case state.ActionStartStage:
		var p state.StartStagePayload
		if err := msg.Instruction.Decode(&p); err != nil {
			log.WithError(err).Warn("bad start_stage payload")
			return
		}
		a.seedPlanningStep(msg.TaskID, p.StageID, log)

	case state.ActionFinishStage:
		var p state.FinishStagePayload
		if err := msg.Instruction.Decode(&p); err != nil {
			log.WithError(err).Warn("bad finish_stage payload")
			return
		}
		removed := a.stepLog.RemoveByStage(p.StageID)
		if byStage, ok := a.workingMemory[msg.TaskID]; ok {
			delete(byStage, p.StageID)
		}
		log.WithStageID(p.StageID).Debug("stage torn down", zap.Int("steps_removed", removed))

	case state.ActionFinishTask:
		var p state.FinishTaskPayload
		if err := msg.Instruction.Decode(&p); err != nil {
			log.WithError(err).Warn("bad finish_task payload")
			return
		}
		taskID := p.TaskID
		if taskID == "" {
			taskID = msg.TaskID
		}
		removed := a.stepLog.RemoveByTask(taskID)
		delete(a.workingMemory, taskID)
		log.Debug("task torn down", zap.Int("steps_removed", removed))

	case state.ActionUpdateWorkingMemory:
		var p state.UpdateWorkingMemoryPayload
		if err := msg.Instruction.Decode(&p); err != nil {
			log.WithError(err).Warn("bad update_working_memory payload")
			return
		}
		byStage, ok := a.workingMemory[p.TaskID]
		if !ok {
			byStage = make(map[string][]string)
			a.workingMemory[p.TaskID] = byStage
		}
		if p.StageID != nil {
			if _, ok := byStage[*p.StageID]; !ok {
				byStage[*p.StageID] = nil
			}
		}

	case state.ActionAddToolDecision:
		var p state.AddToolDecisionPayload
		if err := msg.Instruction.Decode(&p); err != nil {
			log.WithError(err).Warn("bad add_tool_decision payload")
			return
		}
		step := state.NewStep(p.TaskID, p.StageID, a.id,
			"decide next call of "+p.ToolName, state.StepKindSkill, executor.SkillToolDecision)
		step.TextContent = "<tool_name>" + p.ToolName + "</tool_name>"
		a.AddNextStep(step)

	default:
		log.Debug("ignoring unknown instruction", zap.String("action", msg.Instruction.Action))
	}
}

// seedPlanningStep queues the stage's opening planning step. Each stage is
// seeded at most once per agent.
func (a *Agent) seedPlanningStep(taskID, stageID string, log *logger.Logger) {
	stage, ok := a.sync.GetStage(taskID, stageID)
	if !ok {
		log.WithStageID(stageID).Warn("start_stage for unknown stage")
		return
	}
	if len(a.stepLog.ByStage(stageID)) > 0 {
		return
	}

	step := state.NewStep(taskID, stageID, a.id, "plan stage", state.StepKindSkill, executor.SkillPlanning)
	step.TextContent = fmt.Sprintf("<stage_intention>%s</stage_intention>\n<agent_goal>%s</agent_goal>",
		stage.Intention, stage.AgentAllocation[a.id])
	a.AddStep(step)
}

func stageOf(msg *state.Message) string {
	if msg.StageRelative == state.NoRelative {
		return state.NoStage
	}
	return msg.StageRelative
}
