package message

import (
	"strconv"
	"strings"
	"time"

	"github.com/c360/chatrelay/errors"
)

// Profile is the resolved identity of a message sender.
type Profile struct {
	UserID      string    `json:"user_id"`
	RealName    string    `json:"real_name"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar"`
	FetchedAt   time.Time `json:"-"`
}

// Name returns the display name, falling back to the real name.
func (p Profile) Name() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.RealName
}

// UnknownProfile is the placeholder used when a sender cannot be resolved.
func UnknownProfile(userID string) Profile {
	return Profile{UserID: userID, RealName: "Unknown"}
}

// DomainMessage is the normalized chat message broadcast to subscribers and
// persisted once per ID.
type DomainMessage struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	EnvelopeID  string    `json:"envelope_id"`
	Channel     string    `json:"channel"`
	UserID      string    `json:"user_id"`
	Text        string    `json:"text"`
	Profile     Profile   `json:"profile"`
	Timestamp   time.Time `json:"timestamp"`
	Translation string    `json:"translation,omitempty"`
}

// MessageID returns the platform's client_msg_id when present and otherwise
// derives a stable id from the event ts and sender.
func MessageID(ev *InnerEvent) string {
	if ev.ClientMsgID != "" {
		return ev.ClientMsgID
	}
	return ev.TS + "-" + ev.User
}

// ParseTS converts a platform ts ("1700000000.000200") to a UTC time.
func ParseTS(ts string) (time.Time, error) {
	secs, frac, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, errors.WrapInvalid(err, "message", "ParseTS", "parse seconds")
	}
	var micros int64
	if frac != "" {
		if len(frac) > 6 {
			frac = frac[:6]
		}
		frac += strings.Repeat("0", 6-len(frac))
		micros, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			return time.Time{}, errors.WrapInvalid(err, "message", "ParseTS", "parse fraction")
		}
	}
	return time.Unix(s, micros*int64(time.Microsecond)).UTC(), nil
}

// FromEvent builds a DomainMessage for a plain message event. now is used
// when the event ts cannot be parsed.
func FromEvent(envelopeID string, ev *InnerEvent, profile Profile, now time.Time) DomainMessage {
	ts, err := ParseTS(ev.TS)
	if err != nil {
		ts = now.UTC()
	}
	return DomainMessage{
		ID:         MessageID(ev),
		Type:       "message",
		EnvelopeID: envelopeID,
		Channel:    ev.Channel,
		UserID:     ev.User,
		Text:       ev.Text,
		Profile:    profile,
		Timestamp:  ts,
	}
}
