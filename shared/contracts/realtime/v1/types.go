package v1

import "time"

// Command is an inbound client frame. The set is closed; dispatch with a type switch.
type Command interface {
	CommandType() string
	isCommand()
}

// NewMessageCommand asks the server to append and fan out a message.
type NewMessageCommand struct {
	Message string `json:"message" validate:"required,max=4000"`
}

// TypingCommand broadcasts a typing status to the other members.
type TypingCommand struct {
	Status string `json:"status" validate:"required,oneof=typing stopped"`
}

// ReadReceiptCommand advances the sender's read cursor to "now".
type ReadReceiptCommand struct{}

func (NewMessageCommand) CommandType() string  { return CommandNewMessage }
func (TypingCommand) CommandType() string      { return CommandTyping }
func (ReadReceiptCommand) CommandType() string { return CommandReadReceipt }

func (NewMessageCommand) isCommand()  {}
func (TypingCommand) isCommand()      {}
func (ReadReceiptCommand) isCommand() {}

// Event is an outbound server frame. The set is closed; dispatch with a type switch.
type Event interface {
	EventType() string
	isEvent()
}

// MessageBody is the denormalized message carried by ChatMessageEvent.
type MessageBody struct {
	ID             string    `json:"id"`
	AuthorUsername string    `json:"authorUsername"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// ChatMessageEvent announces a newly appended message.
type ChatMessageEvent struct {
	ConversationID string      `json:"conversation_id"`
	Message        MessageBody `json:"message"`
}

// TypingIndicatorEvent announces a member's typing status.
type TypingIndicatorEvent struct {
	Username string `json:"username"`
	Status   string `json:"status"`
}

// ReadReceiptEvent announces that a member read the conversation up to Timestamp.
type ReadReceiptEvent struct {
	Username  string    `json:"username"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent is sent to a single client; it is never fanned out.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ChatMessageEvent) EventType() string     { return EventChatMessage }
func (TypingIndicatorEvent) EventType() string { return EventTypingIndicator }
func (ReadReceiptEvent) EventType() string     { return EventReadReceipt }
func (ErrorEvent) EventType() string           { return EventError }

func (ChatMessageEvent) isEvent()     {}
func (TypingIndicatorEvent) isEvent() {}
func (ReadReceiptEvent) isEvent()     {}
func (ErrorEvent) isEvent()           {}
