// Package v1 defines the murmur realtime protocol v1 contract.
//
// Frames are JSON objects carrying a "type" discriminator. Inbound frames are
// commands (client -> server); outbound frames are events (server -> client).
// Both are closed sets: Command and Event are sealed interfaces and every
// concrete type lives in this package.
//
// This package is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Command type tags (client -> server, wire-stable).
const (
	CommandNewMessage  = "new_message"
	CommandTyping      = "typing"
	CommandReadReceipt = "read_receipt"
)

// Event type tags (server -> client, wire-stable).
const (
	EventChatMessage     = "chat.message"
	EventTypingIndicator = "typing.indicator"
	EventReadReceipt     = "read.receipt"
	EventError           = "error"
)

// Typing statuses.
const (
	TypingStarted = "typing"
	TypingStopped = "stopped"
)

// MaxMessageChars bounds message bodies (runes, after trimming).
const MaxMessageChars = 4000

// Error codes carried by ErrorEvent.
const (
	CodeStoreUnavailable = "store_unavailable"
	CodeInvalidPayload   = "invalid_payload"
	CodeRateLimited      = "rate_limited"
)

// Decode errors. Callers branch on these with errors.Is.
var (
	ErrBadJSON        = errors.New("v1: invalid json")
	ErrMissingType    = errors.New("v1: missing type")
	ErrUnknownCommand = errors.New("v1: unknown command")
	ErrUnknownEvent   = errors.New("v1: unknown event")
	ErrInvalidPayload = errors.New("v1: invalid payload")
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

type frameHead struct {
	Type string `json:"type"`
}

func readType(data []byte) (string, error) {
	var h frameHead
	if err := json.Unmarshal(data, &h); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadJSON, err)
	}
	t := strings.TrimSpace(h.Type)
	if t == "" {
		return "", ErrMissingType
	}
	return t, nil
}

// DecodeCommand parses and validates an inbound frame.
//
// Unknown type tags return ErrUnknownCommand so the caller can ignore them
// without failing the connection.
func DecodeCommand(data []byte) (Command, error) {
	typ, err := readType(data)
	if err != nil {
		return nil, err
	}

	var cmd Command
	switch typ {
	case CommandNewMessage:
		var c NewMessageCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
		}
		c.Message = strings.TrimSpace(c.Message)
		cmd = c
	case CommandTyping:
		var c TypingCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadJSON, err)
		}
		c.Status = strings.TrimSpace(c.Status)
		cmd = c
	case CommandReadReceipt:
		cmd = ReadReceiptCommand{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, typ)
	}

	if err := structValidator().Struct(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return cmd, nil
}

// EncodeCommand renders a command with its type tag (clients, tests).
func EncodeCommand(cmd Command) ([]byte, error) {
	switch c := cmd.(type) {
	case NewMessageCommand:
		type alias NewMessageCommand
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{CommandNewMessage, alias(c)})
	case TypingCommand:
		type alias TypingCommand
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{CommandTyping, alias(c)})
	case ReadReceiptCommand:
		return json.Marshal(frameHead{Type: CommandReadReceipt})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

// EncodeEvent renders an event with its type tag.
func EncodeEvent(ev Event) ([]byte, error) {
	switch e := ev.(type) {
	case ChatMessageEvent:
		type alias ChatMessageEvent
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{EventChatMessage, alias(e)})
	case TypingIndicatorEvent:
		type alias TypingIndicatorEvent
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{EventTypingIndicator, alias(e)})
	case ReadReceiptEvent:
		type alias ReadReceiptEvent
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{EventReadReceipt, alias(e)})
	case ErrorEvent:
		type alias ErrorEvent
		return json.Marshal(struct {
			Type string `json:"type"`
			alias
		}{EventError, alias(e)})
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

// DecodeEvent parses an outbound frame (clients, cross-node relay, tests).
func DecodeEvent(data []byte) (Event, error) {
	typ, err := readType(data)
	if err != nil {
		return nil, err
	}

	var (
		ev   Event
		uerr error
	)
	switch typ {
	case EventChatMessage:
		var e ChatMessageEvent
		uerr = json.Unmarshal(data, &e)
		ev = e
	case EventTypingIndicator:
		var e TypingIndicatorEvent
		uerr = json.Unmarshal(data, &e)
		ev = e
	case EventReadReceipt:
		var e ReadReceiptEvent
		uerr = json.Unmarshal(data, &e)
		ev = e
	case EventError:
		var e ErrorEvent
		uerr = json.Unmarshal(data, &e)
		ev = e
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, typ)
	}
	if uerr != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadJSON, uerr)
	}
	return ev, nil
}
