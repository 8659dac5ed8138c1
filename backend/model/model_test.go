package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind Kind
		err  error
	}{
		{name: "offer", raw: `{"type":"offer","sdp":"v=0"}`, kind: KindOffer},
		{name: "answer object sdp", raw: `{"type":"answer","sdp":{"type":"answer","sdp":"v=0"}}`, kind: KindAnswer},
		{name: "candidate string", raw: `{"type":"candidate","candidate":"candidate:1 1 udp"}`, kind: KindCandidate},
		{name: "ready", raw: `{"type":"ready"}`, kind: KindReady},
		{name: "bye", raw: `{"type":"bye"}`, kind: KindBye},
		{name: "start", raw: `{"type":"start"}`, kind: KindStart},
		{name: "stop", raw: `{"type":"stop"}`, kind: KindStop},
		{name: "start-recording", raw: `{"type":"start-recording"}`, kind: KindStartRecording},
		{name: "stop-recording", raw: `{"type":"stop-recording"}`, kind: KindStopRecording},
		{name: "unknown", raw: `{"type":"mute"}`, kind: KindUnknown, err: ErrUnknownMessageKind},
		{name: "empty type", raw: `{"type":""}`, kind: KindUnknown, err: ErrUnknownMessageKind},
		{name: "garbage", raw: `{"type":`, err: ErrMalformedMessage},
		{name: "string", raw: `"offer"`, err: ErrMalformedMessage},
		{name: "null", raw: `null`, err: ErrMalformedMessage},
		{name: "missing type", raw: `{"sdp":"v=0"}`, err: ErrMalformedMessage},
		{name: "object type", raw: `{"type":{"kind":"offer"}}`, err: ErrMalformedMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.raw))
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.kind, env.Kind)
			if !errors.Is(err, ErrMalformedMessage) {
				assert.Equal(t, tt.raw, string(env.Raw))
			}
		})
	}
}

func TestParseEnvelope_CopiesInput(t *testing.T) {
	raw := []byte(`{"type":"ready"}`)
	env, err := ParseEnvelope(raw)
	require.NoError(t, err)
	raw[2] = 'X'
	assert.Equal(t, `{"type":"ready"}`, string(env.Raw))
}

func TestKind_IsNegotiation(t *testing.T) {
	assert.True(t, KindOffer.IsNegotiation())
	assert.True(t, KindAnswer.IsNegotiation())
	assert.True(t, KindCandidate.IsNegotiation())
	assert.False(t, KindReady.IsNegotiation())
	assert.False(t, KindStopRecording.IsNegotiation())
}

func TestNewAnnouncement(t *testing.T) {
	env := NewAnnouncement(KindPeerLeft, "abc")
	assert.Equal(t, KindPeerLeft, env.Kind)
	assert.JSONEq(t, `{"type":"peer-left","peer":"abc"}`, string(env.Raw))
}

func TestNewWire(t *testing.T) {
	a, b := NewWire(0), NewWire(3)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, DefaultQueueSize, cap(a.TX))
	assert.Equal(t, 3, cap(b.TX))
}

func TestState_Next(t *testing.T) {
	s, err := StateConnecting.Next(EventAccepted)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s)

	for _, ev := range []Event{EventCloseMessage, EventTransportError, EventShutdown, EventEvicted} {
		s, err = StateOpen.Next(ev)
		require.NoError(t, err, ev.String())
		assert.Equal(t, StateClosed, s, ev.String())
	}

	s, err = StateConnecting.Next(EventTransportError)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, s)

	_, err = StateOpen.Next(EventAccepted)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	s, err = StateClosed.Next(EventAccepted)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, StateClosed, s)
}
