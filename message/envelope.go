// Package message defines the socket envelopes received from the chat
// platform and the domain messages the relay derives from them.
package message

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/c360/chatrelay/errors"
)

// EnvelopeType discriminates inbound socket frames.
type EnvelopeType string

// Envelope types sent by the platform.
const (
	EnvelopeHello      EnvelopeType = "hello"
	EnvelopeDisconnect EnvelopeType = "disconnect"
	EnvelopeEventsAPI  EnvelopeType = "events_api"

	// EnvelopeKeepAlive marks a plain-text "Ping from ..." frame.
	EnvelopeKeepAlive EnvelopeType = "keepalive"
)

// Envelope is one parsed socket frame. Exactly one of Hello, Disconnect or
// Event is set for the matching Type; other types carry only Raw.
type Envelope struct {
	Type EnvelopeType
	// ID is the envelope_id to acknowledge. Empty when none was sent.
	ID string

	Hello      *Hello
	Disconnect *Disconnect
	Event      *EventCallback

	// Raw is the complete frame.
	Raw json.RawMessage
}

// NeedsAck reports whether the frame carried an envelope id.
func (e *Envelope) NeedsAck() bool {
	return e.ID != ""
}

// Hello is sent once a session is established.
type Hello struct {
	NumConnections int    `json:"num_connections"`
	AppID          string `json:"app_id"`
	// ApproximateConnectionTime is the platform's planned session length in seconds.
	ApproximateConnectionTime int `json:"approximate_connection_time"`
}

// Disconnect asks the client to reconnect.
type Disconnect struct {
	Reason string
	// RetryAfter is the delay requested by the platform, zero when none.
	RetryAfter time.Duration
}

// EventCallback is the payload of an events_api envelope.
type EventCallback struct {
	TeamID  string          `json:"team_id"`
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Event   json.RawMessage `json:"event"`
}

// InnerEvent is the subset of a platform event the relay inspects.
type InnerEvent struct {
	Type        string `json:"type"`
	Subtype     string `json:"subtype,omitempty"`
	User        string `json:"user"`
	BotID       string `json:"bot_id,omitempty"`
	Text        string `json:"text"`
	Channel     string `json:"channel"`
	TS          string `json:"ts"`
	ClientMsgID string `json:"client_msg_id,omitempty"`
}

// IsPlainMessage reports whether the event is a user-authored message.
// Edits, deletions, joins and other subtyped messages are excluded.
func (e *InnerEvent) IsPlainMessage() bool {
	return e.Type == "message" && e.Subtype == "" && e.User != ""
}

// Inner decodes the nested event.
func (c *EventCallback) Inner() (*InnerEvent, error) {
	if len(c.Event) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "message", "Inner", "missing event")
	}
	var ev InnerEvent
	if err := json.Unmarshal(c.Event, &ev); err != nil {
		return nil, errors.WrapInvalid(err, "message", "Inner", "unmarshal event")
	}
	return &ev, nil
}

// keepAlivePrefix starts the text frames the platform sends between envelopes.
const keepAlivePrefix = "Ping from"

type wireEnvelope struct {
	Type       EnvelopeType    `json:"type"`
	EnvelopeID string          `json:"envelope_id"`
	Payload    json.RawMessage `json:"payload"`

	// hello
	NumConnections int `json:"num_connections"`
	ConnectionInfo struct {
		AppID string `json:"app_id"`
	} `json:"connection_info"`
	DebugInfo struct {
		ApproximateConnectionTime int `json:"approximate_connection_time"`
	} `json:"debug_info"`

	// disconnect
	Reason     string `json:"reason"`
	RetryAfter int    `json:"retry_after"`
}

// ParseEnvelope decodes one socket frame. Keep-alive text frames return an
// envelope of type EnvelopeKeepAlive.
func ParseEnvelope(data []byte) (*Envelope, error) {
	if strings.HasPrefix(string(data), keepAlivePrefix) {
		return &Envelope{Type: EnvelopeKeepAlive, Raw: data}, nil
	}

	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, errors.WrapInvalid(err, "message", "ParseEnvelope", "unmarshal envelope")
	}
	if w.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "message", "ParseEnvelope", "envelope type missing")
	}

	env := &Envelope{
		Type: w.Type,
		ID:   w.EnvelopeID,
		Raw:  append(json.RawMessage(nil), data...),
	}

	switch w.Type {
	case EnvelopeHello:
		env.Hello = &Hello{
			NumConnections:            w.NumConnections,
			AppID:                     w.ConnectionInfo.AppID,
			ApproximateConnectionTime: w.DebugInfo.ApproximateConnectionTime,
		}
	case EnvelopeDisconnect:
		env.Disconnect = &Disconnect{
			Reason:     w.Reason,
			RetryAfter: time.Duration(w.RetryAfter) * time.Second,
		}
	case EnvelopeEventsAPI:
		if len(w.Payload) == 0 {
			return nil, errors.WrapInvalid(errors.ErrInvalidData, "message", "ParseEnvelope", "events_api without payload")
		}
		var cb EventCallback
		if err := json.Unmarshal(w.Payload, &cb); err != nil {
			return nil, errors.WrapInvalid(err, "message", "ParseEnvelope", "unmarshal events_api payload")
		}
		env.Event = &cb
	}

	return env, nil
}

// Ack is the acknowledgement frame for an envelope id.
type Ack struct {
	EnvelopeID string `json:"envelope_id"`
}

// AckFrame encodes the acknowledgement for id.
func AckFrame(id string) ([]byte, error) {
	return json.Marshal(Ack{EnvelopeID: id})
}

// EnvelopeIDOf extracts envelope_id from a frame that failed ParseEnvelope,
// so that it can still be acknowledged. Returns "" if none can be found.
func EnvelopeIDOf(data []byte) string {
	var w struct {
		EnvelopeID string `json:"envelope_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return ""
	}
	return w.EnvelopeID
}
