package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	TypeProcessRequest MessageType = "process_request"
	TypeProcessResult  MessageType = "process_result"
	TypeClientControl  MessageType = "client_control"
	TypeSystemEvent    MessageType = "system_event"
	TypeErrorEvent     MessageType = "error_event"
)

var ErrUnsupportedType = errors.New("unsupported message type")

var validate = validator.New(validator.WithRequiredStructEnabled())

type Envelope struct {
	Type MessageType `json:"type"`
}

// ProcessRequest asks the server to run one message through the pipeline.
// RequestID is echoed on the reply; the server assigns one when empty.
type ProcessRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty" validate:"omitempty,max=128"`
	UserID    string      `json:"user_id" validate:"required,max=256"`
	Message   string      `json:"message" validate:"required,max=4000"`
}

type ClientControl struct {
	Type   MessageType `json:"type"`
	Action string      `json:"action" validate:"required,oneof=ping close"`
}

type ProcessResult struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
	Result    any         `json:"result"`
}

type SystemEvent struct {
	Type         MessageType `json:"type"`
	ConnectionID string      `json:"connection_id"`
	Code         string      `json:"code"`
	Detail       string      `json:"detail,omitempty"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
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
	case TypeProcessRequest:
		var msg ProcessRequest
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validate.Struct(msg); err != nil {
			return nil, fmt.Errorf("invalid process_request: %w", err)
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if err := validate.Struct(msg); err != nil {
			return nil, fmt.Errorf("invalid client_control: %w", err)
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
