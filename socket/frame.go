package socket

import (
	"encoding/json"
	"fmt"
)

// Action names an outbound request.
type Action string

const (
	ActionSendMessage             Action = "sendMessage"
	ActionSendSMS                 Action = "send_sms"
	ActionFetchMessages           Action = "fetchMessages"
	ActionFetchConversations      Action = "route1"
	ActionResetConversationUnread Action = "reset_conversation_unread"
)

// Event names an inbound frame.
type Event string

const (
	EventNewMessage      Event = "new_message"
	EventFetchedMessages Event = "fetchedMessages"
)

// Request is an outbound frame. Encode adds the "action" field.
type Request interface {
	Action() Action
}

type SendMessage struct {
	From   string `json:"from_no"`
	To     string `json:"to_no"`
	Body   string `json:"body"`
	Twilio bool   `json:"twilio"`
}

type SendSMS struct {
	From string `json:"from_no"`
	To   string `json:"to_no"`
	Body string `json:"body"`
}

type FetchMessages struct {
	From string `json:"from_no"`
	To   string `json:"to_no"`
}

type FetchConversations struct{}

type ResetConversationUnread struct {
	From string `json:"from_no"`
	To   string `json:"to_no"`
}

// RawRequest carries an action this package has no type for.
type RawRequest struct {
	Name   Action
	Fields map[string]any
}

func (SendMessage) Action() Action             { return ActionSendMessage }
func (SendSMS) Action() Action                 { return ActionSendSMS }
func (FetchMessages) Action() Action           { return ActionFetchMessages }
func (FetchConversations) Action() Action      { return ActionFetchConversations }
func (ResetConversationUnread) Action() Action { return ActionResetConversationUnread }
func (r RawRequest) Action() Action            { return r.Name }

func (r SendMessage) MarshalJSON() ([]byte, error) {
	type fields SendMessage
	return json.Marshal(struct {
		Action Action `json:"action"`
		fields
	}{r.Action(), fields(r)})
}

func (r SendSMS) MarshalJSON() ([]byte, error) {
	type fields SendSMS
	return json.Marshal(struct {
		Action Action `json:"action"`
		fields
	}{r.Action(), fields(r)})
}

func (r FetchMessages) MarshalJSON() ([]byte, error) {
	type fields FetchMessages
	return json.Marshal(struct {
		Action Action `json:"action"`
		fields
	}{r.Action(), fields(r)})
}

func (r FetchConversations) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Action Action `json:"action"`
	}{r.Action()})
}

func (r ResetConversationUnread) MarshalJSON() ([]byte, error) {
	type fields ResetConversationUnread
	return json.Marshal(struct {
		Action Action `json:"action"`
		fields
	}{r.Action(), fields(r)})
}

func (r RawRequest) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		m[k] = v
	}
	m["action"] = r.Name
	return json.Marshal(m)
}

// Encode serializes a request into one text frame.
func Encode(r Request) ([]byte, error) {
	if r == nil || r.Action() == "" {
		return nil, fmt.Errorf("encode request: missing action")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", r.Action(), err)
	}
	return data, nil
}

// Payload is the event-specific body of an inbound frame.
type Payload interface {
	isPayload()
}

// NewMessage is the body of a new_message event.
type NewMessage struct {
	Message json.RawMessage `json:"message"`
}

// Summary is the optional notification attached to fetchedMessages.
type Summary struct {
	Event   string `json:"event"`
	Summary string `json:"summary"`
}

// FetchedMessages is the body of a fetchedMessages event.
type FetchedMessages struct {
	Messages []json.RawMessage `json:"messages"`
	Message  json.RawMessage   `json:"message,omitempty"`
}

// Summary decodes the optional "message" field. It reports false when the
// field is absent or is not a summary object.
func (p *FetchedMessages) Summary() (Summary, bool) {
	var s Summary
	if len(p.Message) == 0 {
		return s, false
	}
	if err := json.Unmarshal(p.Message, &s); err != nil {
		return Summary{}, false
	}
	return s, true
}

// UnknownEvent keeps every field of an event without a dedicated type.
type UnknownEvent struct {
	Fields map[string]json.RawMessage
}

func (*NewMessage) isPayload()      {}
func (*FetchedMessages) isPayload() {}
func (*UnknownEvent) isPayload()    {}

// Frame is a decoded inbound frame.
type Frame struct {
	Event   Event
	Payload Payload
	Raw     []byte
}

// Decode parses one inbound text frame. Errors wrap ErrInvalidMessage.
func Decode(data []byte) (Frame, error) {
	var head struct {
		Event Event `json:"event"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	frame := Frame{Event: head.Event, Raw: data}
	switch head.Event {
	case EventNewMessage:
		var p NewMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, head.Event, err)
		}
		frame.Payload = &p
	case EventFetchedMessages:
		var p FetchedMessages
		if err := json.Unmarshal(data, &p); err != nil {
			return Frame{}, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, head.Event, err)
		}
		frame.Payload = &p
	default:
		p := UnknownEvent{}
		if err := json.Unmarshal(data, &p.Fields); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		frame.Payload = &p
	}
	return frame, nil
}
