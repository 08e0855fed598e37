package skills

import (
	"context"

	"github.com/google/uuid"

	"github.com/agentmesh/agentmesh/internal/executor"
	"github.com/agentmesh/agentmesh/internal/llm"
	"github.com/agentmesh/agentmesh/internal/state"
)

const sendMessageRules = "Compose the message this step asks for. Output a JSON object " +
	"between <send_message> tags with \"receiver\" (list of agent IDs), \"message\", " +
	"\"stage_relative\" (stage ID or \"no_relative\"), \"need_reply\" (bool), and " +
	"\"waiting\" (bool: true to pause your own work until every receiver answers). " +
	"If you are missing information needed to compose it, output " +
	"<missing_info>what is missing</missing_info> instead and no <send_message> block."

// sendMessagePayload is the model's message description.
type sendMessagePayload struct {
	Receiver      []string `json:"receiver"`
	Message       string   `json:"message"`
	StageRelative string   `json:"stage_relative"`
	NeedReply     bool     `json:"need_reply"`
	Waiting       bool     `json:"waiting"`
}

// SendMessage composes and emits outbound envelopes. A reply step (text
// carrying a <return_waiting_id> tag) produces one envelope per receiver so
// each closure lands individually; waiting=true parks the agent on a fresh
// waiting ID per receiver. When the model reports missing information, the
// skill queues a decision step plus a retry of itself instead of sending.
type SendMessage struct {
	deps
}

func (s *SendMessage) Execute(ctx context.Context, step *state.Step, agent executor.AgentState) (*executor.Effect, error) {
	response, err := s.callModel(ctx, agent, buildPrompt(agent, step, sendMessageRules))
	if err != nil {
		return failStep(step, agent, "send message failed"), err
	}

	if missing, ok := llm.ExtractTagged(response, "missing_info"); ok {
		s.queueRetry(step, agent, missing)
		step.SetResult(map[string]any{"missing_info": missing})
		_ = step.SetStatus(state.StepFinished)
		return finishEffect(step, agent, state.AgentWorking, "send deferred: gathering missing information"), nil
	}

	var payload sendMessagePayload
	if err := llm.ExtractTaggedJSON(response, "send_message", &payload); err != nil {
		return failParse(step, agent, "send message produced no parseable body", response), err
	}
	if len(payload.Receiver) == 0 {
		return failParse(step, agent, "send message had no receivers", response),
			errNoReceivers
	}

	returnWaitingID, _ := llm.ExtractTagged(step.TextContent, "return_waiting_id")
	messages := s.buildEnvelopes(step, agent, payload, returnWaitingID)

	step.SetResult(map[string]any{"send_message": payload})
	_ = step.SetStatus(state.StepFinished)

	effect := finishEffect(step, agent, state.AgentWorking, "sent message to "+joinIDs(payload.Receiver))
	effect.SendMessages = messages
	return effect, nil
}

// buildEnvelopes renders the payload into envelopes. Replies fan out one
// envelope per receiver; fresh sends use a single multi-receiver envelope
// with the waiting list parallel to the receiver list.
func (s *SendMessage) buildEnvelopes(step *state.Step, agent executor.AgentState, payload sendMessagePayload, returnWaitingID string) []*state.Message {
	stageRelative := payload.StageRelative
	if stageRelative == "" {
		stageRelative = step.StageID
	}

	if returnWaitingID != "" {
		out := make([]*state.Message, 0, len(payload.Receiver))
		for _, receiverID := range payload.Receiver {
			msg := &state.Message{
				TaskID:          step.TaskID,
				SenderID:        agent.ID(),
				Receiver:        []string{receiverID},
				Content:         payload.Message,
				StageRelative:   stageRelative,
				NeedReply:       payload.NeedReply,
				ReturnWaitingID: returnWaitingID,
			}
			if payload.Waiting {
				waitingID := uuid.New().String()
				agent.LockStep(waitingID)
				msg.Waiting = []string{waitingID}
			}
			out = append(out, msg)
		}
		return out
	}

	msg := &state.Message{
		TaskID:        step.TaskID,
		SenderID:      agent.ID(),
		Receiver:      append([]string(nil), payload.Receiver...),
		Content:       payload.Message,
		StageRelative: stageRelative,
		NeedReply:     payload.NeedReply,
	}
	if payload.Waiting {
		waiting := make([]string, len(payload.Receiver))
		for i := range payload.Receiver {
			waiting[i] = uuid.New().String()
			agent.LockStep(waiting[i])
		}
		msg.Waiting = waiting
	}
	return []*state.Message{msg}
}

// queueRetry turns this send into a long-tail: a decision step to gather the
// missing information runs first, then a fresh copy of the send step.
func (s *SendMessage) queueRetry(step *state.Step, agent executor.AgentState, missing string) {
	retry := state.NewStep(step.TaskID, step.StageID, agent.ID(), step.Intention,
		state.StepKindSkill, executor.SkillSendMessage)
	retry.TextContent = step.TextContent
	agent.AddNextStep(retry)

	decide := state.NewStep(step.TaskID, step.StageID, agent.ID(),
		"gather information for pending send", state.StepKindSkill, executor.SkillDecision)
	decide.TextContent = "A message could not be composed yet. Missing: " + missing
	agent.AddNextStep(decide)
}
