package carapace

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
)

// MaxOutputLine caps one NDJSON line from a container. Longer lines
// produce an inline response.error and the stream continues.
const MaxOutputLine = 1 << 20 // 1 MiB

// OutputReader turns one container's stdout stream into typed
// response.* events: readline → parse → typed event → sanitise →
// envelope → publish → resume-token save. It owns the monotonic seq
// counter for its stream; ordering across containers is not
// guaranteed.
type OutputReader struct {
	containerID string
	group       string
	bus         Publisher
	store       ResumeTokenStore
	sanitizer   *Sanitizer
	logger      *slog.Logger

	seq uint64
}

// ReaderOption configures an OutputReader.
type ReaderOption func(*OutputReader)

// ReaderSanitizer enables the defense-in-depth sanitiser pass on every
// event payload before publish.
func ReaderSanitizer(s *Sanitizer) ReaderOption {
	return func(r *OutputReader) { r.sanitizer = s }
}

// ReaderLogger sets the structured logger.
func ReaderLogger(l *slog.Logger) ReaderOption {
	return func(r *OutputReader) { r.logger = l }
}

// NewOutputReader creates a reader for one container's stdout. store
// may be nil when resume tokens are not persisted.
func NewOutputReader(containerID, group string, bus Publisher, store ResumeTokenStore, opts ...ReaderOption) *OutputReader {
	r := &OutputReader{
		containerID: containerID,
		group:       group,
		bus:         bus,
		store:       store,
		logger:      nopLogger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Seq returns the last stamped sequence number.
func (r *OutputReader) Seq() uint64 { return r.seq }

// streamLine is one parsed claude stream-json line. Unknown types are
// skipped without consuming a sequence number.
type streamLine struct {
	Type         string          `json:"type"`
	SessionID    string          `json:"session_id"`
	Model        string          `json:"model"`
	Message      json.RawMessage `json:"message"`
	IsError      bool            `json:"is_error"`
	ToolName     string          `json:"tool_name"`
	DurationMs   int64           `json:"duration_ms"`
	Usage        json.RawMessage `json:"usage"`
	TotalCostUSD float64         `json:"total_cost_usd"`
}

// assistantMessage is the message field of an assistant line.
type assistantMessage struct {
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Run consumes the stream until EOF or error. A read error emits a
// final response.error and is returned so the lifecycle manager can
// mark the container dead; EOF closes quietly.
func (r *OutputReader) Run(ctx context.Context, stream io.Reader) error {
	br := bufio.NewReaderSize(stream, 64*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, tooLong, err := readLine(br, MaxOutputLine)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					r.handleLine(ctx, line, tooLong)
				}
				return nil
			}
			r.publishError(ctx, err.Error())
			return err
		}
		r.handleLine(ctx, line, tooLong)
	}
}

// readLine reads one newline-terminated line, reporting whether it
// exceeded limit. Oversized lines are consumed to their newline and
// returned truncated so the stream survives.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var buf []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 && !tooLong {
			buf = append(buf, chunk...)
			// +1 leaves room for the trailing newline.
			if len(buf) > limit+1 {
				tooLong = true
				buf = buf[:limit]
			}
		}
		switch {
		case err == nil:
			buf = bytes.TrimSuffix(buf, []byte("\n"))
			if len(buf) > limit {
				tooLong = true
				buf = buf[:limit]
			}
			return buf, tooLong, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		default:
			return buf, tooLong, err
		}
	}
}

func (r *OutputReader) handleLine(ctx context.Context, line []byte, tooLong bool) {
	if tooLong {
		r.publishError(ctx, "line too large")
		return
	}
	if len(bytes.TrimSpace(line)) == 0 {
		r.publishError(ctx, "malformed JSON: empty line")
		return
	}

	var parsed streamLine
	if err := json.Unmarshal(line, &parsed); err != nil {
		r.publishError(ctx, "malformed JSON: "+err.Error())
		return
	}

	switch parsed.Type {
	case "system":
		payload := map[string]any{
			"claudeSessionId": parsed.SessionID,
			"raw":             json.RawMessage(line),
		}
		if parsed.Model != "" {
			payload["model"] = parsed.Model
		}
		r.publish(ctx, TopicResponseSystem, payload)
		r.saveToken(ctx, parsed.SessionID)

	case "assistant":
		var msg assistantMessage
		if err := json.Unmarshal(parsed.Message, &msg); err != nil {
			r.publishError(ctx, "malformed assistant message: "+err.Error())
			return
		}
		// A tool_use block wins over text when both are present.
		for _, block := range msg.Content {
			if block.Type == "tool_use" {
				r.publish(ctx, TopicResponseToolCall, map[string]any{
					"toolName":  block.Name,
					"toolInput": block.Input,
					"raw":       json.RawMessage(line),
				})
				return
			}
		}
		var texts []string
		for _, block := range msg.Content {
			if block.Type == "text" {
				texts = append(texts, block.Text)
			}
		}
		if len(texts) == 0 {
			return
		}
		r.publish(ctx, TopicResponseChunk, map[string]any{
			"text": strings.Join(texts, ""),
			"raw":  json.RawMessage(line),
		})

	case "tool_result":
		// Metadata only: the content field never reaches the event.
		payload := map[string]any{
			"toolName": parsed.ToolName,
			"success":  !parsed.IsError,
		}
		if parsed.DurationMs > 0 {
			payload["durationMs"] = parsed.DurationMs
		}
		r.publish(ctx, TopicResponseToolResult, payload)

	case "result":
		exitCode := 0
		if parsed.IsError {
			exitCode = 1
		}
		payload := map[string]any{
			"claudeSessionId": parsed.SessionID,
			"exitCode":        exitCode,
			"raw":             json.RawMessage(line),
		}
		if len(parsed.Usage) > 0 {
			payload["usage"] = parsed.Usage
		}
		if parsed.TotalCostUSD > 0 {
			payload["cost"] = parsed.TotalCostUSD
		}
		r.publish(ctx, TopicResponseEnd, payload)
		r.saveToken(ctx, parsed.SessionID)

	default:
		// Unknown type: no event, no seq increment.
	}
}

// publish stamps seq, runs the sanitiser, wraps the payload in an
// envelope and hands it to the bus.
func (r *OutputReader) publish(ctx context.Context, topic string, payload map[string]any) {
	r.seq++
	payload["seq"] = r.seq

	body, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("marshal response event", "topic", topic, "error", err)
		r.seq--
		return
	}
	if r.sanitizer != nil {
		body, _ = r.sanitizer.Sanitize(body)
	}

	env := Envelope{
		ID:        NewID(),
		Version:   ProtocolVersion,
		Type:      TypeEvent,
		Source:    r.containerID,
		Group:     r.group,
		Timestamp: NowUTC(),
		Topic:     topic,
		Payload:   body,
	}
	r.bus.Publish(env)
}

func (r *OutputReader) publishError(ctx context.Context, reason string) {
	r.publish(ctx, TopicResponseError, map[string]any{"reason": reason})
}

// saveToken persists a resume token when the claude session id has the
// UUID v4 shape. Only response.system and response.end reach here.
func (r *OutputReader) saveToken(ctx context.Context, claudeSessionID string) {
	if r.store == nil || !IsUUIDv4(claudeSessionID) {
		return
	}
	if err := r.store.Save(ctx, r.group, claudeSessionID); err != nil {
		r.logger.Error("save resume token", "group", r.group, "error", err)
	}
}
