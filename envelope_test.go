package carapace

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeWireMessage(t *testing.T) {
	frame := []byte(`{"topic":"tool.invoke.echo","correlation":"c-1","arguments":{"message":"hi"}}`)
	msg, werr := DecodeWireMessage(frame)
	if werr != nil {
		t.Fatalf("decode: %v", werr)
	}
	if msg.Topic != "tool.invoke.echo" || msg.Correlation != "c-1" {
		t.Errorf("unexpected message: %+v", msg)
	}
	if string(msg.Arguments) != `{"message":"hi"}` {
		t.Errorf("arguments not preserved: %s", msg.Arguments)
	}
}

func TestDecodeRejectsIdentityFields(t *testing.T) {
	for _, field := range []string{"id", "version", "type", "source", "group", "timestamp"} {
		frame := []byte(`{"topic":"tool.invoke.echo","correlation":"c-1","arguments":{},"` + field + `":"x"}`)
		_, werr := DecodeWireMessage(frame)
		if werr == nil {
			t.Fatalf("field %q accepted", field)
		}
		if werr.Field != field {
			t.Errorf("field %q: reported %q", field, werr.Field)
		}
		if werr.Correlation != "c-1" {
			t.Errorf("field %q: correlation lost, got %q", field, werr.Correlation)
		}
	}
}

func TestDecodeRejectsUnknownField(t *testing.T) {
	frame := []byte(`{"topic":"tool.invoke.echo","correlation":"c-1","arguments":{},"extra":1}`)
	_, werr := DecodeWireMessage(frame)
	if werr == nil || werr.Field != "extra" {
		t.Fatalf("expected unknown-field error, got %v", werr)
	}
}

func TestDecodeRejectsBadTopics(t *testing.T) {
	cases := []string{
		`{"correlation":"c-1","arguments":{}}`,
		`{"topic":"","correlation":"c-1","arguments":{}}`,
		`{"topic":"nope.nope","correlation":"c-1","arguments":{}}`,
		`{"topic":"tool.invoke.Bad-Name","correlation":"c-1","arguments":{}}`,
		`{"topic":"tool.invoke.","correlation":"c-1","arguments":{}}`,
	}
	for _, c := range cases {
		if _, werr := DecodeWireMessage([]byte(c)); werr == nil {
			t.Errorf("accepted %s", c)
		}
	}
}

func TestDecodeRejectsNonObjectArguments(t *testing.T) {
	for _, args := range []string{`[]`, `"str"`, `42`, `null`} {
		frame := []byte(`{"topic":"tool.invoke.echo","correlation":"c-1","arguments":` + args + `}`)
		_, werr := DecodeWireMessage([]byte(frame))
		if werr == nil || werr.Field != "arguments" {
			t.Errorf("arguments %s: expected rejection, got %v", args, werr)
		}
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, werr := DecodeWireMessage([]byte(`{not json`))
	if werr == nil || werr.Correlation != "" {
		t.Fatalf("expected anonymous decode error, got %v", werr)
	}
}

func TestValidTopic(t *testing.T) {
	valid := []string{TopicMessageInbound, TopicAgentStarted, TopicResponseEnd, "tool.invoke.echo", "tool.invoke.a_b_9"}
	for _, topic := range valid {
		if !ValidTopic(topic) {
			t.Errorf("%q rejected", topic)
		}
	}
	invalid := []string{"", "tool.invoke", "tool.invoke.", "tool.invoke.9abc", "response.bogus"}
	for _, topic := range invalid {
		if ValidTopic(topic) {
			t.Errorf("%q accepted", topic)
		}
	}
}

func TestToolNameLength(t *testing.T) {
	if !ValidToolName("a" + strings.Repeat("b", 62)) {
		t.Error("63-char name rejected")
	}
	if ValidToolName("a" + strings.Repeat("b", 63)) {
		t.Error("64-char name accepted")
	}
}

func TestResponseEnvelopeExclusivity(t *testing.T) {
	env := NewResponseEnvelope("host", "g", "c-1", json.RawMessage(`{"ok":true}`), nil)
	var p ResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if string(p.Result) != `{"ok":true}` || p.Error != nil {
		t.Errorf("success payload wrong: %+v", p)
	}

	env = NewResponseEnvelope("host", "g", "c-1", json.RawMessage(`{"ok":true}`), NewError(CodeUnknownTool, StageLookup, "nope"))
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if string(p.Result) != "null" {
		t.Errorf("error payload must carry null result, got %s", p.Result)
	}
	if p.Error == nil || p.Error.Code != CodeUnknownTool {
		t.Errorf("error lost: %+v", p.Error)
	}
	if env.Correlation != "c-1" || env.Type != TypeResponse || env.Version != ProtocolVersion {
		t.Errorf("envelope identity wrong: %+v", env)
	}
}

func TestEnvelopeJSONRoundTrip(t *testing.T) {
	event, err := NewEventEnvelope(TopicResponseChunk, "cid-1", "research", map[string]any{"text": "hi", "seq": 1})
	if err != nil {
		t.Fatal(err)
	}
	response := NewResponseEnvelope("carapace-host", "research", "c-1", json.RawMessage(`{"ok":true}`), nil)

	for _, env := range []Envelope{event, response} {
		data, err := json.Marshal(env)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Envelope
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.ID != env.ID || got.Version != env.Version || got.Type != env.Type ||
			got.Source != env.Source || got.Group != env.Group {
			t.Errorf("identity fields changed: %+v vs %+v", got, env)
		}
		if !got.Timestamp.Equal(env.Timestamp) {
			t.Errorf("timestamp changed: %v vs %v", got.Timestamp, env.Timestamp)
		}
		if got.Topic != env.Topic || got.Correlation != env.Correlation {
			t.Errorf("routing fields changed: %+v vs %+v", got, env)
		}
		if string(got.Payload) != string(env.Payload) {
			t.Errorf("payload changed: %s vs %s", got.Payload, env.Payload)
		}
	}
}

func TestNilResultBecomesNull(t *testing.T) {
	env := NewResponseEnvelope("host", "g", "c-1", nil, nil)
	var p ResponsePayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if string(p.Result) != "null" || p.Error != nil {
		t.Errorf("expected null result, got %+v", p)
	}
}
