package network

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ZentaChain/zentalk-sync/pkg/protocol"
)

// SendMessage encrypts plaintext for recipients and the sender and sends
// it as a chat_message frame. The returned message is what was sent.
func (m *Manager) SendMessage(plaintext []byte, recipients []protocol.Fingerprint, sender protocol.Fingerprint) (*protocol.Message, error) {
	body, err := m.codec.Encode(plaintext, recipients, sender)
	if err != nil {
		return nil, err
	}

	msg := &protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: m.session.ConversationID,
		Sender:         sender,
		Body:           body,
		Timestamp:      protocol.UnixMilli(m.clock.Now()),
	}
	if err := m.Send(protocol.NewChatFrame(msg)); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return msg, nil
}

// SendTyping announces that the local identity started or stopped typing.
func (m *Manager) SendTyping(typing bool) error {
	return m.Send(protocol.NewTypingFrame(typing))
}

// MarkRead emits a read receipt.
func (m *Manager) MarkRead(messageID string) error {
	return m.Send(protocol.NewMarkReadFrame(messageID))
}

// DeleteMessage asks the server to delete a message. rkey may be empty.
func (m *Manager) DeleteMessage(messageID, rkey string) error {
	return m.Send(protocol.NewDeleteFrame(messageID, rkey))
}
