package llm

// Event is one wire event of a streaming session. The set of event types is
// closed: only types in this package implement it.
type Event interface {
	eventType() EventType
}

// EventType identifies the kind of streaming event.
type EventType string

const (
	EventTypeThinkingStarted  EventType = "thinking_started"
	EventTypeThinkingPartial  EventType = "thinking_partial"
	EventTypeThinkingComplete EventType = "thinking_complete"
	EventTypePartialResponse  EventType = "partial_response"
	EventTypeToolCallRequest  EventType = "tool_call"
	EventTypeMessagesAdded    EventType = "messages_added"
	EventTypeComplete         EventType = "complete"
	EventTypeError            EventType = "error"
	EventTypeStatusChange     EventType = "status"
)

// ThinkingStarted marks the beginning of the reasoning phase.
type ThinkingStarted struct{}

// ThinkingPartial carries a chunk of reasoning text.
type ThinkingPartial struct{ Text string }

// ThinkingComplete ends the reasoning phase.
type ThinkingComplete struct {
	DurationSeconds float64
	Status          string
}

// PartialResponse carries a chunk of response text.
type PartialResponse struct{ Text string }

// ToolCallRequest asks the caller to execute a tool and submit the result
// back to the session under RequestID.
type ToolCallRequest struct {
	Call      ToolCall
	RequestID string
}

// MessagesAdded signals that interim messages were persisted mid-stream.
// Text streamed afterwards belongs to a new message.
type MessagesAdded struct{}

// Complete ends the session successfully.
type Complete struct{ FullText string }

// Error ends the session with a failure.
type Error struct {
	Message   string
	Code      string
	Retryable bool
}

// StatusChange is diagnostic only.
type StatusChange struct{ Status string }

func (ThinkingStarted) eventType() EventType  { return EventTypeThinkingStarted }
func (ThinkingPartial) eventType() EventType  { return EventTypeThinkingPartial }
func (ThinkingComplete) eventType() EventType { return EventTypeThinkingComplete }
func (PartialResponse) eventType() EventType  { return EventTypePartialResponse }
func (ToolCallRequest) eventType() EventType  { return EventTypeToolCallRequest }
func (MessagesAdded) eventType() EventType    { return EventTypeMessagesAdded }
func (Complete) eventType() EventType         { return EventTypeComplete }
func (Error) eventType() EventType            { return EventTypeError }
func (StatusChange) eventType() EventType     { return EventTypeStatusChange }

// TypeOf returns the EventType of ev.
func TypeOf(ev Event) EventType {
	return ev.eventType()
}

// IsTerminal reports whether ev ends a session.
func IsTerminal(ev Event) bool {
	switch ev.(type) {
	case Complete, Error:
		return true
	default:
		return false
	}
}
