package message

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/chatrelay/errors"
)

const eventsAPIFrame = `{
  "envelope_id": "e-1",
  "type": "events_api",
  "accepts_response_payload": false,
  "payload": {
    "team_id": "T1",
    "event_id": "Ev1",
    "type": "event_callback",
    "event": {"type": "message", "user": "U1", "text": "hi", "channel": "C1", "ts": "1700000000.000200", "client_msg_id": "m-1"}
  }
}`

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		typ    EnvelopeType
		id     string
		verify func(t *testing.T, env *Envelope)
	}{
		{
			name:  "hello",
			frame: `{"type":"hello","num_connections":1,"connection_info":{"app_id":"A1"},"debug_info":{"approximate_connection_time":18060}}`,
			typ:   EnvelopeHello,
			verify: func(t *testing.T, env *Envelope) {
				require.NotNil(t, env.Hello)
				assert.Equal(t, "A1", env.Hello.AppID)
				assert.Equal(t, 18060, env.Hello.ApproximateConnectionTime)
			},
		},
		{
			name:  "disconnect with delay",
			frame: `{"type":"disconnect","reason":"refresh_requested","retry_after":3}`,
			typ:   EnvelopeDisconnect,
			verify: func(t *testing.T, env *Envelope) {
				require.NotNil(t, env.Disconnect)
				assert.Equal(t, "refresh_requested", env.Disconnect.Reason)
				assert.Equal(t, 3*time.Second, env.Disconnect.RetryAfter)
			},
		},
		{
			name:  "disconnect without delay",
			frame: `{"type":"disconnect","reason":"warning"}`,
			typ:   EnvelopeDisconnect,
			verify: func(t *testing.T, env *Envelope) {
				assert.Zero(t, env.Disconnect.RetryAfter)
			},
		},
		{
			name:  "events api",
			frame: eventsAPIFrame,
			typ:   EnvelopeEventsAPI,
			id:    "e-1",
			verify: func(t *testing.T, env *Envelope) {
				require.NotNil(t, env.Event)
				inner, err := env.Event.Inner()
				require.NoError(t, err)
				assert.True(t, inner.IsPlainMessage())
				assert.Equal(t, "C1", inner.Channel)
			},
		},
		{
			name:  "keep alive",
			frame: "Ping from wss-primary.example",
			typ:   EnvelopeKeepAlive,
		},
		{
			name:  "unknown type still carries id",
			frame: `{"type":"slash_commands","envelope_id":"s-9","payload":{}}`,
			typ:   EnvelopeType("slash_commands"),
			id:    "s-9",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(test.frame))
			require.NoError(t, err)
			assert.Equal(t, test.typ, env.Type)
			assert.Equal(t, test.id, env.ID)
			assert.Equal(t, test.id != "", env.NeedsAck())
			if test.verify != nil {
				test.verify(t, env)
			}
		})
	}
}

func TestParseEnvelope_Malformed(t *testing.T) {
	for _, frame := range []string{
		`{not json`,
		`{"envelope_id":"x"}`,
		`{"type":"events_api","envelope_id":"x"}`,
	} {
		_, err := ParseEnvelope([]byte(frame))
		assert.True(t, errors.IsInvalid(err), frame)
	}
}

func TestInnerEvent_IsPlainMessage(t *testing.T) {
	tests := []struct {
		name string
		ev   InnerEvent
		want bool
	}{
		{"plain", InnerEvent{Type: "message", User: "U1"}, true},
		{"edited", InnerEvent{Type: "message", Subtype: "message_changed", User: "U1"}, false},
		{"bot without user", InnerEvent{Type: "message", BotID: "B1"}, false},
		{"reaction", InnerEvent{Type: "reaction_added", User: "U1"}, false},
	}
	for _, test := range tests {
		assert.Equal(t, test.want, test.ev.IsPlainMessage(), test.name)
	}
}

func TestAckFrame(t *testing.T) {
	frame, err := AckFrame("e-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"envelope_id":"e-1"}`, string(frame))
}

func TestParseTS(t *testing.T) {
	ts, err := ParseTS("1700000000.000200")
	require.NoError(t, err)
	assert.Equal(t, time.Unix(1700000000, 200_000).UTC(), ts)

	ts, err = ParseTS("1700000000")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), ts.Unix())

	_, err = ParseTS("abc")
	assert.Error(t, err)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "m-1", MessageID(&InnerEvent{ClientMsgID: "m-1", TS: "1.2", User: "U1"}))
	assert.Equal(t, "1.2-U1", MessageID(&InnerEvent{TS: "1.2", User: "U1"}))
}

func TestFromEvent(t *testing.T) {
	env, err := ParseEnvelope([]byte(eventsAPIFrame))
	require.NoError(t, err)
	inner, err := env.Event.Inner()
	require.NoError(t, err)

	profile := Profile{UserID: "U1", RealName: "Alice", AvatarURL: "https://img/a.png"}
	msg := FromEvent(env.ID, inner, profile, time.Now())

	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "e-1", msg.EnvelopeID)
	assert.Equal(t, "C1", msg.Channel)
	assert.Equal(t, "hi", msg.Text)
	assert.Equal(t, "Alice", msg.Profile.Name())

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"timestamp":"2023-11-14T22:13:20.0002Z"`)
	assert.Contains(t, string(data), `"avatar":"https://img/a.png"`)
	assert.NotContains(t, string(data), "translation")
}

func TestUnknownProfile(t *testing.T) {
	p := UnknownProfile("U9")
	assert.Equal(t, "Unknown", p.Name())
	assert.Empty(t, p.AvatarURL)
}

func TestEnvelopeIDOf(t *testing.T) {
	assert.Equal(t, "x", EnvelopeIDOf([]byte(`{"type":"events_api","envelope_id":"x"}`)))
	assert.Equal(t, "", EnvelopeIDOf([]byte(`{not json`)))
}
