package protocol

// Presence statuses carried in "presence" frames.
const (
	PresenceOffline = "offline"
	PresenceOnline  = "online"
	PresenceAway    = "away"
)

// ===== SERVER-SIDE FRAME BUILDERS =====

// TypingEvent builds the inbound typing frame relayed to other participants.
func TypingEvent(user string, typing bool) *InboundFrame {
	return &InboundFrame{Type: FrameTyping, Version: ProtocolVersion, User: user, Typing: typing}
}

// PresenceEvent builds a presence frame.
func PresenceEvent(user, status string) *InboundFrame {
	return &InboundFrame{Type: FramePresence, Version: ProtocolVersion, User: user, Status: status}
}

// MembershipEvent builds user_joined / user_left frames.
func MembershipEvent(t FrameType, user string) *InboundFrame {
	return &InboundFrame{Type: t, Version: ProtocolVersion, User: user}
}

// ParticipantsEvent lists the users currently connected to a conversation.
func ParticipantsEvent(users []string) *InboundFrame {
	return &InboundFrame{Type: FrameParticipants, Version: ProtocolVersion, Participants: users}
}

// DeletedEvent announces a deleted message.
func DeletedEvent(messageID string) *InboundFrame {
	return &InboundFrame{Type: FrameMessageDeleted, Version: ProtocolVersion, MessageID: messageID}
}

// ErrorEvent reports a server-side failure for the connection.
func ErrorEvent(msg string) *InboundFrame {
	return &InboundFrame{Type: FrameError, Version: ProtocolVersion, Error: msg}
}
