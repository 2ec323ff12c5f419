package collab

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// frame: byte(type) ++ varint-prefixed-submessage*
// varints are unsigned LEB128, 7 bits per byte with the high bit as continuation.
// The rename control frame carries the raw utf-8 key after the type byte.

type MessageType byte

const (
	MessageSyncStep1     MessageType = 0
	MessageSyncStep2     MessageType = 1
	MessageUpdate        MessageType = 2
	MessageRenameSession MessageType = 127
)

func (self MessageType) String() string {
	switch self {
	case MessageSyncStep1:
		return "sync-step1"
	case MessageSyncStep2:
		return "sync-step2"
	case MessageUpdate:
		return "update"
	case MessageRenameSession:
		return "rename-session"
	default:
		return fmt.Sprintf("unknown(%d)", byte(self))
	}
}

var (
	ErrEmptyMessage       = errors.New("Empty message")
	ErrUnknownMessageType = errors.New("Unknown message type")
	ErrTruncatedVarint    = errors.New("Truncated varint")
	ErrTruncatedPayload   = errors.New("Declared length exceeds remaining bytes")
	ErrMissingPayload     = errors.New("Missing payload")
	ErrExtraPayload       = errors.New("Unexpected extra payload")
)

// a malformed frame. The connection survives isolated frame errors.
type FrameError struct {
	Err error
}

func (self *FrameError) Error() string {
	return fmt.Sprintf("Malformed frame: %s", self.Err)
}

func (self *FrameError) Unwrap() error {
	return self.Err
}

func frameError(err error) error {
	return &FrameError{Err: err}
}

type Message struct {
	Type MessageType
	// varint-framed sub-messages. Empty for rename.
	Parts [][]byte
	// rename target
	Key string
	// the undecoded frame
	Raw []byte
}

func EncodeMessage(messageType MessageType, parts ...[]byte) []byte {
	size := 1
	for _, part := range parts {
		size += protowire.SizeBytes(len(part))
	}
	b := make([]byte, 0, size)
	b = append(b, byte(messageType))
	for _, part := range parts {
		b = protowire.AppendBytes(b, part)
	}
	return b
}

func EncodeRename(key ResourceKey) []byte {
	keyStr := key.String()
	b := make([]byte, 0, 1+len(keyStr))
	b = append(b, byte(MessageRenameSession))
	return append(b, keyStr...)
}

// single byte acknowledgment of a rename
func EncodeRenameAck() []byte {
	return []byte{byte(MessageRenameSession)}
}

func IsRenameAck(message []byte) bool {
	return len(message) == 1 && MessageType(message[0]) == MessageRenameSession
}

// DecodeMessage decodes one frame. Decoding is total over the frame: every declared
// sub-message length must fit in the remaining bytes.
func DecodeMessage(message []byte) (*Message, error) {
	if len(message) == 0 {
		return nil, frameError(ErrEmptyMessage)
	}
	messageType := MessageType(message[0])
	payload := message[1:]

	switch messageType {
	case MessageRenameSession:
		if len(payload) == 0 {
			return nil, frameError(ErrMissingPayload)
		}
		return &Message{
			Type: messageType,
			Key:  string(payload),
			Raw:  message,
		}, nil
	case MessageSyncStep1, MessageSyncStep2, MessageUpdate:
	default:
		return nil, frameError(fmt.Errorf("%w: %d", ErrUnknownMessageType, byte(messageType)))
	}

	parts := [][]byte{}
	for 0 < len(payload) {
		length, n := protowire.ConsumeVarint(payload)
		if n < 0 {
			return nil, frameError(ErrTruncatedVarint)
		}
		payload = payload[n:]
		if uint64(len(payload)) < length {
			return nil, frameError(fmt.Errorf("%w: %d < %d", ErrTruncatedPayload, len(payload), length))
		}
		parts = append(parts, payload[:length])
		payload = payload[length:]
	}
	if len(parts) == 0 {
		return nil, frameError(ErrMissingPayload)
	}
	if messageType == MessageSyncStep1 && 1 < len(parts) {
		return nil, frameError(fmt.Errorf("%w: sync-step1 carries one state vector, got %d", ErrExtraPayload, len(parts)))
	}
	return &Message{
		Type:  messageType,
		Parts: parts,
		Raw:   message,
	}, nil
}
