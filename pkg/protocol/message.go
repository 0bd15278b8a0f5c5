package protocol

import (
	"errors"
	"strconv"
)

// MessageType is the leading varint tag of every frame. It selects the
// sub-protocol that owns the rest of the payload.
type MessageType uint64

const (
	MessageSync      MessageType = 0 // Document content synchronization
	MessageAwareness MessageType = 1 // Presence (cursors, selections, user info)
)

// String returns the string representation of the message type.
func (mt MessageType) String() string {
	switch mt {
	case MessageSync:
		return "Sync"
	case MessageAwareness:
		return "Awareness"
	default:
		return "Unknown(" + strconv.FormatUint(uint64(mt), 10) + ")"
	}
}

// Known reports whether a handler exists for the message type.
func (mt MessageType) Known() bool {
	return mt == MessageSync || mt == MessageAwareness
}

// SyncStep identifies a message inside the sync sub-protocol.
type SyncStep uint64

const (
	SyncStep1  SyncStep = 0 // Sender's state vector; asks for what it is missing
	SyncStep2  SyncStep = 1 // Diff computed against a received state vector
	SyncUpdate SyncStep = 2 // Incremental update produced by an edit
)

// String returns the string representation of the sync step.
func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "Step1"
	case SyncStep2:
		return "Step2"
	case SyncUpdate:
		return "Update"
	default:
		return "Unknown(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// ErrUnknownSyncStep is returned when a sync message carries an unassigned step.
var ErrUnknownSyncStep = errors.New("protocol: unknown sync step")

// SyncMessage is a decoded sync sub-protocol message.
type SyncMessage struct {
	Step    SyncStep
	Payload []byte // state vector for Step1, update otherwise
}

// ReadMessageType reads the envelope tag. Unknown tags are returned as-is;
// use MessageType.Known to decide whether to route or drop the frame.
func ReadMessageType(d *Decoder) (MessageType, error) {
	v, err := d.ReadUvarint()
	if err != nil {
		return 0, err
	}
	return MessageType(v), nil
}

// ReadSyncMessage decodes a sync message body (everything after the tag).
func ReadSyncMessage(d *Decoder) (*SyncMessage, error) {
	step, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	switch SyncStep(step) {
	case SyncStep1, SyncStep2, SyncUpdate:
	default:
		return nil, ErrUnknownSyncStep
	}
	payload, err := d.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	return &SyncMessage{Step: SyncStep(step), Payload: payload}, nil
}

// ReadAwarenessMessage decodes an awareness message body (everything after
// the tag) and returns the presence delta it carries.
func ReadAwarenessMessage(d *Decoder) ([]byte, error) {
	return d.ReadVarBytes()
}

// EncodeSyncStep1 builds a complete frame asking the peer for missing updates.
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeSyncStep2 builds a complete frame carrying a diff update.
func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

// EncodeSyncUpdate builds a complete frame carrying an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

func encodeSync(step SyncStep, payload []byte) []byte {
	e := NewEncoder(UvarintLen(uint64(MessageSync)) + UvarintLen(uint64(step)) +
		UvarintLen(uint64(len(payload))) + len(payload))
	e.WriteUvarint(uint64(MessageSync))
	e.WriteUvarint(uint64(step))
	e.WriteVarBytes(payload)
	return e.Bytes()
}

// EncodeAwareness builds a complete frame carrying a presence delta.
func EncodeAwareness(update []byte) []byte {
	e := NewEncoder(UvarintLen(uint64(MessageAwareness)) + UvarintLen(uint64(len(update))) + len(update))
	e.WriteUvarint(uint64(MessageAwareness))
	e.WriteVarBytes(update)
	return e.Bytes()
}
