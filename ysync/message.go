package ysync

import (
	"errors"
	"fmt"

	"github.com/kevinxiao27/ycrdt/codec"
	"github.com/kevinxiao27/ycrdt/crdt"
)

// MessageType is the first var uint of every sync message.
type MessageType uint64

const (
	// MessageSyncStep1 carries the sender's state vector.
	MessageSyncStep1 MessageType = 0
	// MessageSyncStep2 carries the update the receiver of step 1 is missing.
	MessageSyncStep2 MessageType = 1
	// MessageUpdate carries an incremental v1 update.
	MessageUpdate MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSyncStep1:
		return "sync-step-1"
	case MessageSyncStep2:
		return "sync-step-2"
	case MessageUpdate:
		return "update"
	}
	return fmt.Sprintf("unknown(%d)", uint64(t))
}

var ErrUnknownMessage = errors.New("ysync: unknown message type")

type Message struct {
	Type    MessageType
	Payload []byte
}

func encode(t MessageType, payload []byte) []byte {
	enc := codec.NewEncoder()
	enc.WriteVarUint(uint64(t))
	enc.WriteVarBytes(payload)
	return enc.Bytes()
}

// EncodeSyncStep1 announces the state of doc.
func EncodeSyncStep1(doc *crdt.Doc) []byte {
	return encode(MessageSyncStep1, crdt.EncodeStateVector(doc))
}

// EncodeSyncStep2 answers a step 1 carrying the encoded state vector sv.
func EncodeSyncStep2(doc *crdt.Doc, sv []byte) ([]byte, error) {
	update, err := crdt.EncodeStateAsUpdate(doc, sv)
	if err != nil {
		return nil, err
	}
	return encode(MessageSyncStep2, update), nil
}

func EncodeUpdate(update []byte) []byte {
	return encode(MessageUpdate, update)
}

func DecodeMessage(b []byte) (Message, error) {
	dec := codec.NewDecoder(b)
	t := MessageType(dec.ReadVarUint())
	payload := dec.ReadVarBytes()
	if err := dec.Err(); err != nil {
		return Message{}, fmt.Errorf("%w: %w", crdt.ErrMalformedUpdate, err)
	}
	if t > MessageUpdate {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownMessage, t)
	}
	return Message{Type: t, Payload: payload}, nil
}
