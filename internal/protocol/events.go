package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Every frame on the model stream wraps a single named event:
//
//	{ "event": { "<name>": { ...fields } } }
//
// Outbound names cover the session/prompt/content lifecycle; inbound names
// cover the model's completion lifecycle plus usage accounting.

const (
	NameSessionStart = "sessionStart"
	NamePromptStart  = "promptStart"
	NameContentStart = "contentStart"
	NameTextInput    = "textInput"
	NameAudioInput   = "audioInput"
	NameContentEnd   = "contentEnd"
	NamePromptEnd    = "promptEnd"
	NameSessionEnd   = "sessionEnd"

	NameCompletionStart = "completionStart"
	NameTextOutput      = "textOutput"
	NameAudioOutput     = "audioOutput"
	NameCompletionEnd   = "completionEnd"
	NameUsage           = "usageEvent"
)

// Content block types and roles used by contentStart.
const (
	ContentTypeText  = "TEXT"
	ContentTypeAudio = "AUDIO"

	RoleSystem    = "SYSTEM"
	RoleUser      = "USER"
	RoleAssistant = "ASSISTANT"
)

// GenerationStageSpeculative marks assistant text that may still be revised.
const GenerationStageSpeculative = "SPECULATIVE"

// InterruptionMarker appears inside a textOutput when the user barged in.
const InterruptionMarker = `{ "interrupted" : true }`

var ErrMalformedFrame = errors.New("malformed protocol frame")

// InferenceConfig carries the model sampling parameters sent in sessionStart.
type InferenceConfig struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

type TextConfig struct {
	MediaType string `json:"mediaType"`
}

type AudioOutputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type AudioInputConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	AudioType       string `json:"audioType"`
	Encoding        string `json:"encoding"`
}

// OutboundEvent is one protocol message headed for the model stream.
// Implementations are immutable value types; ownership transfers to the
// session event queue on enqueue.
type OutboundEvent interface {
	EventName() string
}

type SessionStart struct {
	Inference InferenceConfig `json:"inferenceConfiguration"`
}

func (SessionStart) EventName() string { return NameSessionStart }

type PromptStart struct {
	PromptName  string            `json:"promptName"`
	TextOutput  TextConfig        `json:"textOutputConfiguration"`
	AudioOutput AudioOutputConfig `json:"audioOutputConfiguration"`
}

func (PromptStart) EventName() string { return NamePromptStart }

type ContentStart struct {
	PromptName  string            `json:"promptName"`
	ContentName string            `json:"contentName"`
	Type        string            `json:"type"`
	Interactive bool              `json:"interactive"`
	Role        string            `json:"role"`
	TextInput   *TextConfig       `json:"textInputConfiguration,omitempty"`
	AudioInput  *AudioInputConfig `json:"audioInputConfiguration,omitempty"`
}

func (ContentStart) EventName() string { return NameContentStart }

type TextInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

func (TextInput) EventName() string { return NameTextInput }

// AudioInput carries one pacing chunk of base64-encoded PCM16LE samples.
type AudioInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

func (AudioInput) EventName() string { return NameAudioInput }

type ContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

func (ContentEnd) EventName() string { return NameContentEnd }

type PromptEnd struct {
	PromptName string `json:"promptName"`
}

func (PromptEnd) EventName() string { return NamePromptEnd }

type SessionEnd struct{}

func (SessionEnd) EventName() string { return NameSessionEnd }

// EncodeOutbound wraps the event in the protocol envelope.
func EncodeOutbound(ev OutboundEvent) ([]byte, error) {
	if ev == nil {
		return nil, errors.New("nil outbound event")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", ev.EventName(), err)
	}
	envelope := map[string]map[string]json.RawMessage{
		"event": {ev.EventName(): payload},
	}
	return json.Marshal(envelope)
}

// InboundEvent is one decoded frame from the model stream.
type InboundEvent interface {
	EventName() string
}

type InCompletionStart struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
}

func (InCompletionStart) EventName() string { return NameCompletionStart }

type InContentStart struct {
	PromptName            string `json:"promptName"`
	ContentName           string `json:"contentName"`
	Type                  string `json:"type"`
	Role                  string `json:"role"`
	AdditionalModelFields string `json:"additionalModelFields"`
}

func (InContentStart) EventName() string { return NameContentStart }

// Speculative reports whether the block is marked as speculative generation.
// The stage rides inside additionalModelFields as a nested JSON document;
// anything unparsable counts as final.
func (e InContentStart) Speculative() bool {
	if e.AdditionalModelFields == "" {
		return false
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(e.AdditionalModelFields), &fields); err != nil {
		return false
	}
	return fields.GenerationStage == GenerationStageSpeculative
}

type InTextOutput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Role        string `json:"role"`
	Content     string `json:"content"`
}

func (InTextOutput) EventName() string { return NameTextOutput }

type InAudioOutput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

func (InAudioOutput) EventName() string { return NameAudioOutput }

type InContentEnd struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	StopReason  string `json:"stopReason"`
}

func (InContentEnd) EventName() string { return NameContentEnd }

type InCompletionEnd struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason"`
}

func (InCompletionEnd) EventName() string { return NameCompletionEnd }

type InUsage struct {
	PromptName         string `json:"promptName"`
	TotalInputTokens   int    `json:"totalInputTokens"`
	TotalOutputTokens  int    `json:"totalOutputTokens"`
	TotalTokens        int    `json:"totalTokens"`
	SpeechInputTokens  int    `json:"speechInputTokens"`
	SpeechOutputTokens int    `json:"speechOutputTokens"`
}

func (InUsage) EventName() string { return NameUsage }

type InSessionEnd struct{}

func (InSessionEnd) EventName() string { return NameSessionEnd }

// InUnknown preserves frames with tags this build does not recognize.
// Callers log and skip them; they never terminate the inbound loop.
type InUnknown struct {
	Name string
	Raw  json.RawMessage
}

func (e InUnknown) EventName() string { return e.Name }

// DecodeInbound unwraps one envelope into a typed inbound event.
// A frame that is not valid envelope JSON returns ErrMalformedFrame;
// a well-formed frame with an unrecognized name returns InUnknown.
func DecodeInbound(data []byte) (InboundEvent, error) {
	var envelope struct {
		Event map[string]json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if len(envelope.Event) != 1 {
		return nil, fmt.Errorf("%w: expected exactly one event, got %d", ErrMalformedFrame, len(envelope.Event))
	}

	var name string
	var payload json.RawMessage
	for k, v := range envelope.Event {
		name, payload = k, v
	}

	decode := func(dst InboundEvent) (InboundEvent, error) {
		if err := json.Unmarshal(payload, dst); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedFrame, name, err)
		}
		return dst, nil
	}

	switch name {
	case NameCompletionStart:
		ev, err := decode(&InCompletionStart{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InCompletionStart), nil
	case NameContentStart:
		ev, err := decode(&InContentStart{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InContentStart), nil
	case NameTextOutput:
		ev, err := decode(&InTextOutput{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InTextOutput), nil
	case NameAudioOutput:
		ev, err := decode(&InAudioOutput{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InAudioOutput), nil
	case NameContentEnd:
		ev, err := decode(&InContentEnd{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InContentEnd), nil
	case NameCompletionEnd:
		ev, err := decode(&InCompletionEnd{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InCompletionEnd), nil
	case NameUsage:
		ev, err := decode(&InUsage{})
		if err != nil {
			return nil, err
		}
		return *ev.(*InUsage), nil
	case NameSessionEnd:
		return InSessionEnd{}, nil
	default:
		return InUnknown{Name: name, Raw: append(json.RawMessage(nil), payload...)}, nil
	}
}
