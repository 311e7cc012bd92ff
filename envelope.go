package carapace

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// MessageType discriminates the three envelope kinds carried on the
// sockets.
type MessageType string

const (
	TypeEvent    MessageType = "event"
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
)

// ProtocolVersion is the single supported wire protocol version.
const ProtocolVersion = 1

// Fixed topics. tool.invoke.<name> is the only open topic family; its
// suffix must match the tool-name regex.
const (
	TopicMessageInbound = "message.inbound"

	TopicAgentStarted   = "agent.started"
	TopicAgentCompleted = "agent.completed"
	TopicAgentError     = "agent.error"

	TopicTaskCreated   = "task.created"
	TopicTaskTriggered = "task.triggered"

	TopicPluginReady    = "plugin.ready"
	TopicPluginStopping = "plugin.stopping"

	TopicResponseSystem     = "response.system"
	TopicResponseChunk      = "response.chunk"
	TopicResponseToolCall   = "response.tool_call"
	TopicResponseToolResult = "response.tool_result"
	TopicResponseEnd        = "response.end"
	TopicResponseError      = "response.error"

	// ToolInvokePrefix opens the tool.invoke.<name> topic family.
	ToolInvokePrefix = "tool.invoke."
)

// fixedTopics is the closed set of non-tool topics.
var fixedTopics = map[string]bool{
	TopicMessageInbound:     true,
	TopicAgentStarted:       true,
	TopicAgentCompleted:     true,
	TopicAgentError:         true,
	TopicTaskCreated:        true,
	TopicTaskTriggered:      true,
	TopicPluginReady:        true,
	TopicPluginStopping:     true,
	TopicResponseSystem:     true,
	TopicResponseChunk:      true,
	TopicResponseToolCall:   true,
	TopicResponseToolResult: true,
	TopicResponseEnd:        true,
	TopicResponseError:      true,
}

// toolNameRE constrains tool names and the tool.invoke.<name> suffix.
var toolNameRE = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// ValidToolName reports whether name matches the tool-name grammar.
func ValidToolName(name string) bool { return toolNameRE.MatchString(name) }

// ValidTopic reports whether topic belongs to the closed topic set.
func ValidTopic(topic string) bool {
	if fixedTopics[topic] {
		return true
	}
	name, ok := ToolNameFromTopic(topic)
	return ok && ValidToolName(name)
}

// ToolNameFromTopic extracts <name> from tool.invoke.<name>.
func ToolNameFromTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, ToolInvokePrefix) {
		return "", false
	}
	name := topic[len(ToolInvokePrefix):]
	return name, name != ""
}

// Envelope wraps every message on either socket. The six identity
// fields (id, version, type, source, group, timestamp) are set by the
// core and never by a client.
type Envelope struct {
	ID        string      `json:"id"`
	Version   int         `json:"version"`
	Type      MessageType `json:"type"`
	Source    string      `json:"source"`
	Group     string      `json:"group"`
	Timestamp time.Time   `json:"timestamp"`

	Topic       string          `json:"topic,omitempty"`
	Correlation string          `json:"correlation,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ResponsePayload is the payload of a response envelope. Exactly one of
// Result and Error is non-null.
type ResponsePayload struct {
	Result json.RawMessage `json:"result"`
	Error  *ErrorPayload   `json:"error"`
}

// WireMessage is the three-field client-supplied object inside a
// request frame. The wire and identity field sets are disjoint.
type WireMessage struct {
	Topic       string          `json:"topic"`
	Correlation string          `json:"correlation"`
	Arguments   json.RawMessage `json:"arguments"`
}

// identityFields are the envelope fields a client must never supply.
var identityFields = []string{"id", "version", "type", "source", "group", "timestamp"}

// wireFields are the only keys a wire message may carry.
var wireFields = map[string]bool{"topic": true, "correlation": true, "arguments": true}

// WireError describes why an inbound frame was rejected during decode.
// Correlation is the client correlation id when one could be recovered,
// so the caller can decide between replying and dropping.
type WireError struct {
	Reason      string
	Field       string
	Correlation string
}

func (e *WireError) Error() string { return "wire: " + e.Reason }

// DecodeWireMessage parses an inbound request frame. It rejects frames
// carrying any identity field (spoof prevention), unknown fields,
// invalid topics, and non-object arguments. Correlation emptiness is
// left to the pipeline, which drops such frames silently.
func DecodeWireMessage(data []byte) (WireMessage, *WireError) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return WireMessage{}, &WireError{Reason: "malformed JSON: " + err.Error()}
	}

	var msg WireMessage
	if c, ok := raw["correlation"]; ok {
		_ = json.Unmarshal(c, &msg.Correlation)
	}

	for _, f := range identityFields {
		if _, ok := raw[f]; ok {
			return WireMessage{}, &WireError{
				Reason:      fmt.Sprintf("identity field %q not allowed on the wire", f),
				Field:       f,
				Correlation: msg.Correlation,
			}
		}
	}
	for k := range raw {
		if !wireFields[k] {
			return WireMessage{}, &WireError{
				Reason:      fmt.Sprintf("unknown wire field %q", k),
				Field:       k,
				Correlation: msg.Correlation,
			}
		}
	}

	if t, ok := raw["topic"]; ok {
		if err := json.Unmarshal(t, &msg.Topic); err != nil {
			return WireMessage{}, &WireError{Reason: "topic must be a string", Field: "topic", Correlation: msg.Correlation}
		}
	}
	if msg.Topic == "" {
		return WireMessage{}, &WireError{Reason: "topic must be non-empty", Field: "topic", Correlation: msg.Correlation}
	}
	if !ValidTopic(msg.Topic) {
		return WireMessage{}, &WireError{Reason: fmt.Sprintf("unknown topic %q", msg.Topic), Field: "topic", Correlation: msg.Correlation}
	}

	args, ok := raw["arguments"]
	if !ok {
		return WireMessage{}, &WireError{Reason: "arguments object required", Field: "arguments", Correlation: msg.Correlation}
	}
	trimmed := strings.TrimSpace(string(args))
	if !strings.HasPrefix(trimmed, "{") {
		return WireMessage{}, &WireError{Reason: "arguments must be an object", Field: "arguments", Correlation: msg.Correlation}
	}
	if !json.Valid(args) {
		return WireMessage{}, &WireError{Reason: "arguments not valid JSON", Field: "arguments", Correlation: msg.Correlation}
	}
	msg.Arguments = args

	return msg, nil
}

// NewEventEnvelope stamps a fresh event envelope. payload is marshalled
// as the topic-specific payload object.
func NewEventEnvelope(topic, source, group string, payload any) (Envelope, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal event payload: %w", err)
	}
	return Envelope{
		ID:        NewID(),
		Version:   ProtocolVersion,
		Type:      TypeEvent,
		Source:    source,
		Group:     group,
		Timestamp: NowUTC(),
		Topic:     topic,
		Payload:   body,
	}, nil
}

// NewResponseEnvelope stamps a response envelope echoing correlation.
// Exactly one of result and errPayload must be non-nil.
func NewResponseEnvelope(source, group, correlation string, result json.RawMessage, errPayload *ErrorPayload) Envelope {
	if errPayload != nil {
		result = nil
	}
	if result == nil {
		result = json.RawMessage("null")
	}
	body, _ := json.Marshal(ResponsePayload{Result: result, Error: errPayload})
	return Envelope{
		ID:          NewID(),
		Version:     ProtocolVersion,
		Type:        TypeResponse,
		Source:      source,
		Group:       group,
		Timestamp:   NowUTC(),
		Correlation: correlation,
		Payload:     body,
	}
}
