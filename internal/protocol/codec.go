package protocol

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/sharetube/lockstep/pkg/validator"
)

var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var validate = validator.NewValidator()

// Validate checks msg against its schema tags.
func Validate(msg any) error {
	if errs, ok := validate.Validate(msg); !ok {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, errs)
	}

	return nil
}

func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msg.Type(), err)
	}

	return json.Marshal(Envelope{Type: msg.Type(), Payload: payload})
}

// Decode parses one envelope into its concrete payload type and validates it.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	switch env.Type {
	case TypeRoomJoin:
		return decodeAs[RoomJoin](env.Payload)
	case TypeRoomState:
		return decodeAs[RoomState](env.Payload)
	case TypeRoomUpdateUrl:
		return decodeAs[RoomUpdateUrl](env.Payload)
	case TypeHostSnapshot:
		return decodeAs[HostSnapshot](env.Payload)
	case TypeForceSnapshot:
		return decodeAs[ForceSnapshot](env.Payload)
	case TypeNavigate:
		return decodeAs[Navigate](env.Payload)
	case TypePlayIntent:
		return decodeAs[PlayIntent](env.Payload)
	case TypePauseIntent:
		return decodeAs[PauseIntent](env.Payload)
	case TypeSetReferenceTime:
		return decodeAs[SetReferenceTime](env.Payload)
	case TypeViewerStatus:
		return decodeAs[ViewerStatus](env.Payload)
	case TypeViewerRequestSync:
		return decodeAs[ViewerRequestSync](env.Payload)
	case TypeSystemEvent:
		return decodeAs[SystemEvent](env.Payload)
	case TypeChatSend:
		return decodeAs[ChatSend](env.Payload)
	case TypeChatMessage:
		return decodeAs[ChatMessage](env.Payload)
	case TypeError:
		return decodeAs[Error](env.Payload)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
}

func decodeAs[T Message](raw json.RawMessage) (Message, error) {
	var payload T
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
	}

	if err := Validate(payload); err != nil {
		return nil, err
	}

	return payload, nil
}
