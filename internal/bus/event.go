package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the state layer for UI observers.
const (
	ConversationChanged = "conversation.changed"
	MessageStateChanged = "message.state_changed"
	MessageSending      = "message.sending"
	MessageSendAck      = "message.send_ack"
	MessageSendFailed   = "message.send_failed"
	TypingChanged       = "typing.changed"
	PresenceChanged     = "presence.changed"
)
