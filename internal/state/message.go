package state

import (
	"encoding/json"
	"regexp"
	"strings"

	apperrors "github.com/agentmesh/agentmesh/internal/common/errors"
)

// Message is the universal envelope moved by the dispatcher. The body may
// carry one embedded control instruction delimited by <instruction> tags; it
// is parsed once on receive and attached as Instruction.
type Message struct {
	TaskID   string   `json:"task_id"`
	SenderID string   `json:"sender_id"`
	Receiver []string `json:"receiver"`
	// Content is the message text, optionally including an
	// <instruction>{...}</instruction> block.
	Content string `json:"message"`
	// StageRelative is the related stage ID, or NoRelative.
	StageRelative string `json:"stage_relative"`
	NeedReply     bool   `json:"need_reply"`
	// Waiting is nil, or a list of fresh waiting IDs parallel to Receiver.
	Waiting []string `json:"waiting,omitempty"`
	// ReturnWaitingID closes the named waiting ID at the receiver.
	ReturnWaitingID string `json:"return_waiting_id,omitempty"`

	// Instruction is the parsed embedded instruction, attached by the
	// receiving side. Never serialized; Content remains authoritative.
	Instruction *Instruction `json:"-"`
}

// ReturnWaitingIDFor derives the waiting token addressed to the given
// receiver: Waiting is parallel to Receiver.
func (m *Message) ReturnWaitingIDFor(agentID string) string {
	if m.Waiting == nil {
		return ""
	}
	for i, id := range m.Receiver {
		if id == agentID && i < len(m.Waiting) {
			return m.Waiting[i]
		}
	}
	return ""
}

// Instruction action names recognized by agent intake.
const (
	ActionStartStage          = "start_stage"
	ActionFinishStage         = "finish_stage"
	ActionFinishTask          = "finish_task"
	ActionUpdateWorkingMemory = "update_working_memory"
	ActionAddToolDecision     = "add_tool_decision"
)

// Instruction is a parsed control instruction: a single-key JSON object
// whose key names the action.
type Instruction struct {
	Action  string
	payload json.RawMessage
}

// StartStagePayload carries the stage to start.
type StartStagePayload struct {
	StageID string `json:"stage_id"`
}

// FinishStagePayload carries the stage to tear down.
type FinishStagePayload struct {
	StageID string `json:"stage_id"`
}

// FinishTaskPayload carries the task to tear down.
type FinishTaskPayload struct {
	TaskID string `json:"task_id"`
}

// UpdateWorkingMemoryPayload initializes a working-memory entry. StageID is
// nil for task-level entries.
type UpdateWorkingMemoryPayload struct {
	TaskID  string  `json:"task_id"`
	StageID *string `json:"stage_id"`
}

// AddToolDecisionPayload asks the agent to insert a tool-decision step.
type AddToolDecisionPayload struct {
	TaskID   string `json:"task_id"`
	StageID  string `json:"stage_id"`
	ToolName string `json:"tool_name"`
}

// Decode unmarshals the instruction payload into out.
func (i *Instruction) Decode(out any) error {
	if err := json.Unmarshal(i.payload, out); err != nil {
		return apperrors.Protocol("decode instruction payload", err)
	}
	return nil
}

// NewInstruction builds an instruction for embedding into a message body.
func NewInstruction(action string, payload any) (*Instruction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Instruction{Action: action, payload: raw}, nil
}

// Encode renders the instruction as an embeddable tagged block.
func (i *Instruction) Encode() string {
	body, _ := json.Marshal(map[string]json.RawMessage{i.Action: i.payload})
	return "<instruction>" + string(body) + "</instruction>"
}

var instructionRe = regexp.MustCompile(`(?s)<instruction>\s*(.*?)\s*</instruction>`)

// ExtractInstruction parses the last <instruction> block out of text. It
// returns the parsed instruction (nil if no block exists) and the text with
// every instruction block removed. A block that is present but unparseable
// is a protocol error; the cleaned text is still returned so the caller can
// salvage it.
func ExtractInstruction(text string) (*Instruction, string, error) {
	matches := instructionRe.FindAllStringSubmatch(text, -1)
	remainder := strings.TrimSpace(instructionRe.ReplaceAllString(text, ""))
	if len(matches) == 0 {
		return nil, remainder, nil
	}

	// The last block wins; earlier ones may be quoted or superseded.
	raw := matches[len(matches)-1][1]
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil, remainder, apperrors.Protocol("instruction block is not valid JSON", err)
	}
	if len(obj) != 1 {
		return nil, remainder, apperrors.Protocol("instruction must be a single-key object", nil)
	}
	for action, payload := range obj {
		return &Instruction{Action: action, payload: payload}, remainder, nil
	}
	return nil, remainder, nil
}

// AttachInstruction parses m.Content once and attaches the result. Parse
// failures leave the message usable as plain text and report the error.
func (m *Message) AttachInstruction() error {
	instr, _, err := ExtractInstruction(m.Content)
	if err != nil {
		return err
	}
	m.Instruction = instr
	return nil
}

// TextWithoutInstruction returns the message body with instruction blocks
// stripped.
func (m *Message) TextWithoutInstruction() string {
	_, remainder, _ := ExtractInstruction(m.Content)
	return remainder
}

// Validate checks the envelope shape before delivery.
func (m *Message) Validate() error {
	if m.TaskID == "" {
		return apperrors.Protocol("message missing task_id", nil)
	}
	if len(m.Receiver) == 0 {
		return apperrors.Protocol("message has no receivers", nil)
	}
	if m.Waiting != nil && len(m.Waiting) != len(m.Receiver) {
		return apperrors.Protocol("waiting list must be parallel to receiver list", nil)
	}
	if m.StageRelative == "" {
		m.StageRelative = NoRelative
	}
	return nil
}
