// Package llm provides the synchronous language-model client used by skill
// executors, a per-agent bounded conversation context, and helpers for
// pulling tagged blocks out of model output.
package llm

// Chat roles accepted by Context.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one turn of conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Context maintains a bounded conversation history for one agent. It is
// accessed only under the owning agent's mutex.
type Context struct {
	// contextSize is the number of retained turns; each turn is a user
	// message plus the assistant reply.
	contextSize int
	history     []ChatMessage
}

// NewContext creates a context retaining the last contextSize turns.
func NewContext(contextSize int) *Context {
	if contextSize <= 0 {
		contextSize = 30
	}
	return &Context{contextSize: contextSize}
}

// Add appends a message and trims the history to the retained window.
func (c *Context) Add(role, content string) {
	c.history = append(c.history, ChatMessage{Role: role, Content: content})
	c.trim()
}

// RemoveLast drops the most recent message.
func (c *Context) RemoveLast() {
	if len(c.history) > 0 {
		c.history = c.history[:len(c.history)-1]
	}
}

func (c *Context) trim() {
	max := c.contextSize * 2
	if len(c.history) > max {
		c.history = c.history[len(c.history)-max:]
	}
}

// History returns the retained messages, oldest first.
func (c *Context) History() []ChatMessage {
	out := make([]ChatMessage, len(c.history))
	copy(out, c.history)
	return out
}

// Clear empties the history. Skills clear the context between invocations
// that must not see each other's turns.
func (c *Context) Clear() {
	c.history = nil
}
