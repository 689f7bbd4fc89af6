package dify

import "encoding/json"

// ResponseMode selects between an SSE answer and a single JSON object.
type ResponseMode string

const (
	ResponseModeStreaming ResponseMode = "streaming"
	ResponseModeBlocking  ResponseMode = "blocking"
)

// ChatRequest is the body of POST {base}/chat-messages. History is never a
// separate field: it only ever travels inside Query.
type ChatRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   ResponseMode           `json:"response_mode"`
	ConversationID string                 `json:"conversation_id,omitempty"`
	User           string                 `json:"user"`
}

// HistoryMessage is one entry of conversation_history on message_end.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// AgentThought is one reasoning step reported by agent apps.
type AgentThought struct {
	ID          string `json:"id"`
	Position    int    `json:"position,omitempty"`
	Thought     string `json:"thought"`
	Tool        string `json:"tool,omitempty"`
	ToolInput   string `json:"tool_input,omitempty"`
	Observation string `json:"observation,omitempty"`
}

// ChatResponse is the blocking response of POST {base}/chat-messages.
//
// Answer is a pointer so that a present-but-empty answer can be told apart
// from agent apps that omit it and report the reply through AgentThoughts.
type ChatResponse struct {
	Event               string           `json:"event,omitempty"`
	MessageID           string           `json:"message_id"`
	ConversationID      string           `json:"conversation_id"`
	Mode                string           `json:"mode,omitempty"`
	Answer              *string          `json:"answer,omitempty"`
	AgentThoughts       []AgentThought   `json:"agent_thoughts,omitempty"`
	ConversationHistory []HistoryMessage `json:"conversation_history,omitempty"`
	CreatedAt           int64            `json:"created_at,omitempty"`
}

// AppInfo is the response of GET {base}/info.
type AppInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// EventKind tags an upstream stream record.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventMessage
	EventAgentMessage
	EventAgentThought
	EventMessageFile
	EventMessageEnd
	EventError
)

var eventKindNames = map[string]EventKind{
	"message":       EventMessage,
	"agent_message": EventAgentMessage,
	"agent_thought": EventAgentThought,
	"message_file":  EventMessageFile,
	"message_end":   EventMessageEnd,
	"error":         EventError,
}

// ParseEventKind maps the wire name to a kind. Unrecognized names map to
// EventUnknown, which consumers ignore.
func ParseEventKind(name string) EventKind {
	if k, ok := eventKindNames[name]; ok {
		return k
	}
	return EventUnknown
}

func (k EventKind) String() string {
	for name, kind := range eventKindNames {
		if kind == k {
			return name
		}
	}
	return "unknown"
}

// AnswerBearing reports whether events of this kind carry visible text.
func (k EventKind) AnswerBearing() bool {
	return k == EventMessage || k == EventAgentMessage
}

// Event is one classified record from the upstream stream. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind
	// Name is the raw event name, kept for logging unknown kinds.
	Name string

	MessageID      string
	ConversationID string

	// message, agent_message
	Answer string

	// agent_thought
	Thought AgentThought

	// message_file
	FileID   string
	FileType string
	FileURL  string

	// message_end
	History []HistoryMessage

	// error
	Status  int
	Code    string
	Message string
}

// wireEvent is the raw shape shared by all stream records.
type wireEvent struct {
	Event               *string          `json:"event"`
	ID                  string           `json:"id"`
	MessageID           string           `json:"message_id"`
	ConversationID      string           `json:"conversation_id"`
	Answer              string           `json:"answer"`
	Position            int              `json:"position"`
	Thought             string           `json:"thought"`
	Tool                string           `json:"tool"`
	ToolInput           string           `json:"tool_input"`
	Observation         string           `json:"observation"`
	Type                string           `json:"type"`
	URL                 string           `json:"url"`
	ConversationHistory []HistoryMessage `json:"conversation_history"`
	Status              int              `json:"status"`
	Code                string           `json:"code"`
	Message             string           `json:"message"`
}

func (w wireEvent) toEvent() Event {
	name := *w.Event
	ev := Event{
		Kind:           ParseEventKind(name),
		Name:           name,
		MessageID:      w.MessageID,
		ConversationID: w.ConversationID,
	}
	switch ev.Kind {
	case EventMessage, EventAgentMessage:
		ev.Answer = w.Answer
	case EventAgentThought:
		ev.Thought = AgentThought{
			ID:          w.ID,
			Position:    w.Position,
			Thought:     w.Thought,
			Tool:        w.Tool,
			ToolInput:   w.ToolInput,
			Observation: w.Observation,
		}
	case EventMessageFile:
		ev.FileID = w.ID
		ev.FileType = w.Type
		ev.FileURL = w.URL
	case EventMessageEnd:
		ev.History = w.ConversationHistory
	case EventError:
		ev.Status = w.Status
		ev.Code = w.Code
		ev.Message = w.Message
	}
	return ev
}

// ErrorBody is the JSON error Dify returns with non-2xx statuses.
type ErrorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Status  int             `json:"status"`
	Params  json.RawMessage `json:"params,omitempty"`
}
