package protocol

import (
	"encoding/json"
	"fmt"
)

// ===== OUTBOUND FRAMES =====

// OutboundFrame is one JSON object sent to the server.
type OutboundFrame struct {
	Type      FrameType `json:"type"`
	Version   int       `json:"v"`
	Data      *Message  `json:"data,omitempty"`
	Typing    *bool     `json:"typing,omitempty"`
	MessageID string    `json:"messageId,omitempty"`
	RKey      string    `json:"rkey,omitempty"`
}

// NewChatFrame wraps a message for delivery.
func NewChatFrame(msg *Message) *OutboundFrame {
	return &OutboundFrame{Type: FrameChatMessage, Version: ProtocolVersion, Data: msg}
}

// NewTypingFrame announces that the local identity started or stopped typing.
func NewTypingFrame(typing bool) *OutboundFrame {
	return &OutboundFrame{Type: FrameTyping, Version: ProtocolVersion, Typing: &typing}
}

// NewMarkReadFrame emits a read receipt.
func NewMarkReadFrame(messageID string) *OutboundFrame {
	return &OutboundFrame{Type: FrameMarkRead, Version: ProtocolVersion, MessageID: messageID}
}

// NewDeleteFrame requests deletion of a message. rkey may be empty.
func NewDeleteFrame(messageID, rkey string) *OutboundFrame {
	return &OutboundFrame{Type: FrameDeleteMessage, Version: ProtocolVersion, MessageID: messageID, RKey: rkey}
}

// NewPingFrame builds the keepalive frame.
func NewPingFrame() *OutboundFrame {
	return &OutboundFrame{Type: FramePing, Version: ProtocolVersion}
}

// Encode serializes the frame.
func (f *OutboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// ===== INBOUND FRAMES =====

// InboundFrame is the tagged union of everything the server sends. Which
// fields are populated depends on Type.
type InboundFrame struct {
	Type         FrameType       `json:"type"`
	Version      int             `json:"v,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	User         string          `json:"user,omitempty"`
	Typing       bool            `json:"typing,omitempty"`
	Status       string          `json:"status,omitempty"`
	MessageID    string          `json:"messageId,omitempty"`
	Participants []string        `json:"participants,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// ParseInbound decodes and validates one inbound frame. Unknown types are
// not an error here; callers decide whether to ignore them.
func ParseInbound(raw []byte) (*InboundFrame, error) {
	var f InboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	if f.Version == 0 {
		f.Version = ProtocolVersion
	}
	if f.Version > ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, f.Version)
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

func (f *InboundFrame) validate() error {
	switch f.Type {
	case FrameMessage:
		if len(f.Data) == 0 {
			return fmt.Errorf("%w: message frame without data", ErrMalformedFrame)
		}
	case FrameTyping, FrameUserJoined, FrameUserLeft, FramePresence:
		if f.User == "" {
			return fmt.Errorf("%w: %s frame without user", ErrMalformedFrame, f.Type)
		}
	case FrameMessageDeleted:
		if f.MessageID == "" {
			return fmt.Errorf("%w: message_deleted frame without messageId", ErrMalformedFrame)
		}
	}
	return nil
}

// Message decodes the payload of a "message" frame.
func (f *InboundFrame) Message() (*Message, error) {
	if f.Type != FrameMessage {
		return nil, fmt.Errorf("%w: %s frame carries no message", ErrMalformedFrame, f.Type)
	}
	var msg Message
	if err := json.Unmarshal(f.Data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return &msg, nil
}

// MessageEvent builds the inbound frame delivering msg to participants.
func MessageEvent(msg *Message) (*InboundFrame, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return &InboundFrame{Type: FrameMessage, Version: ProtocolVersion, Data: data}, nil
}

// Encode serializes the frame.
func (f *InboundFrame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DeletedMessageID returns the id carried by a message_deleted frame.
func (f *InboundFrame) DeletedMessageID() (string, bool) {
	if f.Type != FrameMessageDeleted || f.MessageID == "" {
		return "", false
	}
	return f.MessageID, true
}
