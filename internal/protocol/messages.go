package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeChatMessage        MessageType = "chat_message"
	TypeSymptomCheck       MessageType = "symptom_check"
	TypeClientControl      MessageType = "client_control"
	TypeAssistantTextDelta MessageType = "assistant_text_delta"
	TypeAssistantTurnEnd   MessageType = "assistant_turn_end"
	TypeSystemEvent        MessageType = "system_event"
	TypeErrorEvent         MessageType = "error_event"
)

const (
	ActionCancel = "cancel"

	TurnEndDone      = "done"
	TurnEndFailed    = "failed"
	TurnEndCancelled = "cancelled"

	TurnKindChat    = "chat"
	TurnKindSymptom = "symptom_check"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

// ChatMessage is a user turn in the session's conversation.
type ChatMessage struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Text      string      `json:"text"`
}

// SymptomCheck asks for a one-off symptom analysis outside the conversation.
type SymptomCheck struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Symptoms  string      `json:"symptoms"`
}

type ClientControl struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Action    string      `json:"action"`
}

// AssistantTextDelta carries one applied delta and the full in-progress
// message, so clients re-render a single message instead of appending.
type AssistantTextDelta struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Kind      string      `json:"kind"`
	TextDelta string      `json:"text_delta"`
	Text      string      `json:"text"`
}

type AssistantTurnEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id"`
	Kind      string      `json:"kind"`
	Reason    string      `json:"reason"`
	Text      string      `json:"text"`
	MessageID string      `json:"message_id,omitempty"`
}

type SystemEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Detail    string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	TurnID    string      `json:"turn_id,omitempty"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Text = strings.TrimSpace(msg.Text)
		if msg.SessionID == "" || msg.Text == "" {
			return nil, errors.New("invalid chat_message")
		}
		return msg, nil
	case TypeSymptomCheck:
		var msg SymptomCheck
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Symptoms = strings.TrimSpace(msg.Symptoms)
		if msg.SessionID == "" || msg.Symptoms == "" {
			return nil, errors.New("invalid symptom_check")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}

// TypeOf returns the type tag of any message defined in this package.
func TypeOf(v any) (MessageType, bool) {
	switch m := v.(type) {
	case ChatMessage:
		return m.Type, true
	case SymptomCheck:
		return m.Type, true
	case ClientControl:
		return m.Type, true
	case AssistantTextDelta:
		return m.Type, true
	case AssistantTurnEnd:
		return m.Type, true
	case SystemEvent:
		return m.Type, true
	case ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
