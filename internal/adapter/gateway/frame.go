package gateway

import (
	"encoding/json"
	"fmt"

	"clawdeck/internal/domain"
)

// FrameType identifies the kind of frame exchanged with the gateway.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Frame is the envelope exchanged with the gateway over the transport.
// One JSON object per transport message.
type Frame struct {
	Type    FrameType            `json:"type"`
	ID      string               `json:"id,omitempty"`      // request/response correlation id
	Method  string               `json:"method,omitempty"`  // RPC method name (request only)
	Params  json.RawMessage      `json:"params,omitempty"`  // request params
	OK      bool                 `json:"ok,omitempty"`      // response success flag
	Result  json.RawMessage      `json:"result,omitempty"`  // response result (ok=true)
	Error   *domain.GatewayError `json:"error,omitempty"`   // response error (ok=false)
	Topic   string               `json:"topic,omitempty"`   // event routing key
	Payload json.RawMessage      `json:"payload,omitempty"` // event payload
}

// DecodeError reports a malformed inbound frame. The connection manager logs
// it and discards the frame; a single malformed frame never kills the
// connection.
type DecodeError struct {
	Reason string
	Data   []byte
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %s", e.Reason)
}

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// DecodeFrame parses and validates one wire message. Malformed input yields a
// *DecodeError; DecodeFrame never panics on adversarial bytes.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, &DecodeError{Reason: err.Error(), Data: data}
	}

	switch f.Type {
	case FrameTypeRequest:
		if f.Method == "" {
			return Frame{}, &DecodeError{Reason: "request frame missing method", Data: data}
		}
	case FrameTypeResponse:
		if f.ID == "" {
			return Frame{}, &DecodeError{Reason: "response frame missing id", Data: data}
		}
	case FrameTypeEvent:
		if f.Topic == "" {
			return Frame{}, &DecodeError{Reason: "event frame missing topic", Data: data}
		}
	case "":
		return Frame{}, &DecodeError{Reason: "frame missing type", Data: data}
	default:
		return Frame{}, &DecodeError{Reason: fmt.Sprintf("unknown frame type %q", f.Type), Data: data}
	}
	return f, nil
}
