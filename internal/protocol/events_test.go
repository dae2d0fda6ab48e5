package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestEncodeOutboundSessionStart(t *testing.T) {
	raw, err := EncodeOutbound(SessionStart{
		Inference: InferenceConfig{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7},
	})
	if err != nil {
		t.Fatalf("EncodeOutbound() error = %v", err)
	}

	var envelope map[string]map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	payload, ok := envelope["event"][NameSessionStart]
	if !ok {
		t.Fatalf("envelope missing %s: %s", NameSessionStart, raw)
	}
	if !strings.Contains(string(payload), `"maxTokens":1024`) {
		t.Fatalf("payload missing inference config: %s", payload)
	}
}

func TestEncodeOutboundAudioContentStart(t *testing.T) {
	raw, err := EncodeOutbound(ContentStart{
		PromptName:  "p1",
		ContentName: "c1",
		Type:        ContentTypeAudio,
		Interactive: true,
		Role:        RoleUser,
		AudioInput: &AudioInputConfig{
			MediaType:       "audio/lpcm",
			SampleRateHertz: 16000,
			SampleSizeBits:  16,
			ChannelCount:    1,
			AudioType:       "SPEECH",
			Encoding:        "base64",
		},
	})
	if err != nil {
		t.Fatalf("EncodeOutbound() error = %v", err)
	}
	if strings.Contains(string(raw), "textInputConfiguration") {
		t.Fatalf("audio content start must omit text config: %s", raw)
	}
	if !strings.Contains(string(raw), `"sampleRateHertz":16000`) {
		t.Fatalf("missing audio input config: %s", raw)
	}
}

func TestDecodeInboundTextOutput(t *testing.T) {
	raw := []byte(`{"event":{"textOutput":{"promptName":"p1","role":"ASSISTANT","content":"hello there"}}}`)
	ev, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	text, ok := ev.(InTextOutput)
	if !ok {
		t.Fatalf("event type = %T, want InTextOutput", ev)
	}
	if text.Role != RoleAssistant || text.Content != "hello there" {
		t.Fatalf("unexpected text output: %+v", text)
	}
}

func TestDecodeInboundUnknownTagIsNotAnError(t *testing.T) {
	raw := []byte(`{"event":{"somethingNew":{"x":1}}}`)
	ev, err := DecodeInbound(raw)
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v, want nil for unknown tag", err)
	}
	unknown, ok := ev.(InUnknown)
	if !ok {
		t.Fatalf("event type = %T, want InUnknown", ev)
	}
	if unknown.Name != "somethingNew" {
		t.Fatalf("Name = %q, want %q", unknown.Name, "somethingNew")
	}
}

func TestDecodeInboundMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"event":`,
		"no event":     `{"other":{}}`,
		"two events":   `{"event":{"textOutput":{},"audioOutput":{}}}`,
		"bad payload":  `{"event":{"usageEvent":{"totalTokens":"NaN"}}}`,
		"event scalar": `{"event":3}`,
	}
	for name, raw := range cases {
		if _, err := DecodeInbound([]byte(raw)); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("%s: error = %v, want ErrMalformedFrame", name, err)
		}
	}
}

func TestDecodeInboundSessionEnd(t *testing.T) {
	ev, err := DecodeInbound([]byte(`{"event":{"sessionEnd":{}}}`))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	if _, ok := ev.(InSessionEnd); !ok {
		t.Fatalf("event type = %T, want InSessionEnd", ev)
	}
}

func TestInContentStartSpeculative(t *testing.T) {
	ev := InContentStart{AdditionalModelFields: `{"generationStage":"SPECULATIVE"}`}
	if !ev.Speculative() {
		t.Fatalf("Speculative() = false, want true")
	}
	ev = InContentStart{AdditionalModelFields: `{"generationStage":"FINAL"}`}
	if ev.Speculative() {
		t.Fatalf("Speculative() = true, want false")
	}
	ev = InContentStart{AdditionalModelFields: `not-json`}
	if ev.Speculative() {
		t.Fatalf("Speculative() = true for unparsable fields, want false")
	}
}

func TestOutboundEventNamesRoundTrip(t *testing.T) {
	events := []OutboundEvent{
		SessionStart{},
		PromptStart{PromptName: "p"},
		ContentStart{PromptName: "p", ContentName: "c"},
		TextInput{PromptName: "p", ContentName: "c", Content: "hi"},
		AudioInput{PromptName: "p", ContentName: "c", Content: "AAAA"},
		ContentEnd{PromptName: "p", ContentName: "c"},
		PromptEnd{PromptName: "p"},
		SessionEnd{},
	}
	for _, ev := range events {
		raw, err := EncodeOutbound(ev)
		if err != nil {
			t.Fatalf("EncodeOutbound(%s) error = %v", ev.EventName(), err)
		}
		var envelope map[string]map[string]json.RawMessage
		if err := json.Unmarshal(raw, &envelope); err != nil {
			t.Fatalf("unmarshal %s envelope: %v", ev.EventName(), err)
		}
		if _, ok := envelope["event"][ev.EventName()]; !ok {
			t.Fatalf("envelope for %s missing its tag: %s", ev.EventName(), raw)
		}
	}
}
