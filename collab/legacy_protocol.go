package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// json messages of the transaction log protocol

type LegacyMessageType string

const (
	LegacyTransactionBroadcast LegacyMessageType = "transaction-broadcast"
	LegacyHistoryRequest       LegacyMessageType = "history-request"
	LegacyHistoryReply         LegacyMessageType = "history-reply"
	LegacyTransactionRequest   LegacyMessageType = "transaction-request"
	LegacyTransactionReply     LegacyMessageType = "transaction-reply"
	LegacySerialRequest        LegacyMessageType = "serial-request"
	LegacySerialReply          LegacyMessageType = "serial-reply"
	LegacyPermissionsRequest   LegacyMessageType = "permissions-request"
	LegacyPermissionsReply     LegacyMessageType = "permissions-reply"
	LegacySerialUpdate         LegacyMessageType = "serial-update"
	LegacyErrorReply           LegacyMessageType = "error-reply"
	LegacyStateStable          LegacyMessageType = "state-stable"
	LegacyTransactionAck       LegacyMessageType = "transaction-ack"
)

// error-reply reasons
const (
	LegacyReasonSerialGap        = "serial-gap"
	LegacyReasonResyncRequired   = "resync-required"
	LegacyReasonPermissionDenied = "permission-denied"
	LegacyReasonMalformed        = "malformed"
	LegacyReasonInternal         = "internal"
)

var ErrMalformedLegacyMessage = errors.New("Malformed legacy message")

type LegacyEnvelope struct {
	MsgId    string            `json:"msgId"`
	MsgType  LegacyMessageType `json:"msgType"`
	ParentId string            `json:"parentId,omitempty"`
	Content  json.RawMessage   `json:"content,omitempty"`
}

func NewLegacyEnvelope(msgType LegacyMessageType, parentId string, content any) (*LegacyEnvelope, error) {
	envelope := &LegacyEnvelope{
		MsgId:    uuid.NewString(),
		MsgType:  msgType,
		ParentId: parentId,
	}
	if content != nil {
		b, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		envelope.Content = b
	}
	return envelope, nil
}

func EncodeLegacyMessage(msgType LegacyMessageType, parentId string, content any) ([]byte, error) {
	envelope, err := NewLegacyEnvelope(msgType, parentId, content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope)
}

func DecodeLegacyMessage(message []byte) (*LegacyEnvelope, error) {
	var envelope LegacyEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedLegacyMessage, err)
	}
	if envelope.MsgType == "" {
		return nil, fmt.Errorf("%w: missing msgType", ErrMalformedLegacyMessage)
	}
	return &envelope, nil
}

func (self *LegacyEnvelope) DecodeContent(content any) error {
	if len(self.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(self.Content, content); err != nil {
		return fmt.Errorf("%w: %s content: %s", ErrMalformedLegacyMessage, self.MsgType, err)
	}
	return nil
}

// LegacyTransaction is one opaque patch. `Serial` is the client serial when
// submitted and the central serial once stored.
type LegacyTransaction struct {
	Id      string          `json:"id"`
	StoreId int64           `json:"storeId,omitempty"`
	Patch   json.RawMessage `json:"patch,omitempty"`
	Serial  int64           `json:"serial"`
}

type LegacyTransactionBroadcastContent struct {
	Transactions []*LegacyTransaction `json:"transactions"`
}

type LegacyTransactionAckContent struct {
	// central serials by transaction id
	Serials map[string]int64 `json:"serials"`
	// the client serial the server expects next
	ExpectedSerial int64 `json:"expectedSerial"`
}

type LegacyHistoryReplyContent struct {
	Transactions   []*LegacyTransaction `json:"transactions"`
	ExpectedSerial int64                `json:"expectedSerial"`
	StableSerial   int64                `json:"stableSerial"`
}

type LegacyTransactionRequestContent struct {
	Ids []string `json:"ids"`
}

type LegacyTransactionReplyContent struct {
	Transactions []*LegacyTransaction `json:"transactions"`
}

type LegacySerialReplyContent struct {
	// last central serial
	Serial         int64 `json:"serial"`
	ExpectedSerial int64 `json:"expectedSerial"`
	StableSerial   int64 `json:"stableSerial"`
}

type LegacyPermissionsReplyContent struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

type LegacySerialUpdateContent struct {
	Serial int64 `json:"serial"`
}

type LegacyStateStableContent struct {
	Serial int64 `json:"serial"`
}

type LegacyErrorReplyContent struct {
	Reason   string `json:"reason"`
	Message  string `json:"message,omitempty"`
	Expected int64  `json:"expected,omitempty"`
	Got      int64  `json:"got,omitempty"`
	Resync   bool   `json:"resync,omitempty"`
}
