package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adwski/webrtc-relay/backend/model"
	wsServer "github.com/adwski/webrtc-relay/backend/server/websocket"
	"github.com/adwski/webrtc-relay/backend/service"
	sw "github.com/adwski/webrtc-relay/backend/switch"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, raw string) model.Envelope {
	t.Helper()
	env, err := model.ParseEnvelope([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestDecodeSessionDescription(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want webrtc.SessionDescription
		err  error
	}{
		{
			name: "browser offer",
			raw:  `{"type":"offer","sdp":"v=0\r\n"}`,
			want: webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"},
		},
		{
			name: "nested answer",
			raw:  `{"type":"answer","sdp":{"type":"answer","sdp":"v=0\r\n"}}`,
			want: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
		},
		{
			name: "nested without type",
			raw:  `{"type":"answer","sdp":{"sdp":"v=0\r\n"}}`,
			want: webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"},
		},
		{
			name: "nested type mismatch",
			raw:  `{"type":"offer","sdp":{"type":"answer","sdp":"v=0\r\n"}}`,
			err:  ErrInvalidDescription,
		},
		{name: "missing sdp", raw: `{"type":"offer"}`, err: ErrMissingField},
		{name: "numeric sdp", raw: `{"type":"offer","sdp":5}`, err: ErrInvalidDescription},
		{name: "not a description", raw: `{"type":"ready"}`, err: ErrWrongKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeSessionDescription(parse(t, tt.raw))
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeCandidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)

	got, err := DecodeCandidate(parse(t, `{"type":"candidate","candidate":"candidate:1 1 udp 1 10.0.0.1 5000 typ host"}`))
	require.NoError(t, err)
	assert.Equal(t, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 10.0.0.1 5000 typ host"}, got)

	got, err = DecodeCandidate(parse(t,
		`{"type":"candidate","candidate":{"candidate":"candidate:2","sdpMid":"0","sdpMLineIndex":0}}`))
	require.NoError(t, err)
	assert.Equal(t, webrtc.ICECandidateInit{Candidate: "candidate:2", SDPMid: &mid, SDPMLineIndex: &idx}, got)

	_, err = DecodeCandidate(parse(t, `{"type":"candidate"}`))
	assert.ErrorIs(t, err, ErrMissingField)

	_, err = DecodeCandidate(parse(t, `{"type":"candidate","candidate":[1]}`))
	assert.ErrorIs(t, err, ErrInvalidCandidate)

	_, err = DecodeCandidate(parse(t, `{"type":"offer","sdp":"x"}`))
	assert.ErrorIs(t, err, ErrWrongKind)
}

func startRelay(t *testing.T, announce bool) (string, *sw.Switch) {
	t.Helper()
	logger := zerolog.Nop()
	swtch := sw.NewSwitch(&logger, 0)
	srv := wsServer.NewServer(wsServer.Config{
		Logger: &logger,
		SignalingService: service.NewService(service.Config{
			Switch:   swtch,
			Logger:   &logger,
			Announce: announce,
		}),
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/", swtch
}

func dial(t *testing.T, url string, swtch *sw.Switch) *Client {
	t.Helper()
	logger := zerolog.Nop()
	before := swtch.Len()
	c, err := Dial(context.Background(), url, &logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.Eventually(t, func() bool { return swtch.Len() == before+1 },
		2*time.Second, 5*time.Millisecond)
	return c
}

func receive(t *testing.T, c *Client) model.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := c.Receive(ctx)
	require.NoError(t, err)
	return env
}

func TestClient_Negotiation(t *testing.T) {
	url, swtch := startRelay(t, false)
	offerer, answerer := dial(t, url, swtch), dial(t, url, swtch)

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n"}
	require.NoError(t, offerer.SendOffer(offer))

	env := receive(t, answerer)
	assert.Equal(t, model.KindOffer, env.Kind)
	gotOffer, err := DecodeSessionDescription(env)
	require.NoError(t, err)
	assert.Equal(t, offer, gotOffer)

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\no=- 2 1 IN IP4 0.0.0.0\r\n"}
	require.NoError(t, answerer.SendAnswer(answer))
	gotAnswer, err := DecodeSessionDescription(receive(t, offerer))
	require.NoError(t, err)
	assert.Equal(t, answer, gotAnswer)

	mid := "0"
	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2122260223 10.0.0.2 50000 typ host", SDPMid: &mid}
	require.NoError(t, answerer.SendCandidate(cand))
	gotCand, err := DecodeCandidate(receive(t, offerer))
	require.NoError(t, err)
	assert.Equal(t, cand.Candidate, gotCand.Candidate)
	assert.Equal(t, mid, *gotCand.SDPMid)

	require.NoError(t, offerer.SendBye())
	assert.Equal(t, model.KindBye, receive(t, answerer).Kind)
}

func TestClient_Announcements(t *testing.T) {
	url, swtch := startRelay(t, true)
	a := dial(t, url, swtch)
	b := dial(t, url, swtch)

	env := receive(t, a)
	assert.Equal(t, model.KindPeerJoined, env.Kind)

	require.NoError(t, b.Close())
	env = receive(t, a)
	assert.Equal(t, model.KindPeerLeft, env.Kind)
}

func TestClient_ReceiveCanceled(t *testing.T) {
	url, swtch := startRelay(t, false)
	c := dial(t, url, swtch)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Receive(ctx)
	assert.ErrorIs(t, err, ErrReceive)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClient_ReceiveAfterTimeout(t *testing.T) {
	url, swtch := startRelay(t, false)
	a, b := dial(t, url, swtch), dial(t, url, swtch)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := b.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, a.SendReady())
	assert.Equal(t, model.KindReady, receive(t, b).Kind)

	// and again, with a canceled context in between
	canceled, cancelNow := context.WithCancel(context.Background())
	cancelNow()
	_, err = b.Receive(canceled)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, a.SendBye())
	assert.Equal(t, model.KindBye, receive(t, b).Kind)
}

func TestClient_ReceiveAfterClose(t *testing.T) {
	url, swtch := startRelay(t, false)
	c := dial(t, url, swtch)
	require.NoError(t, c.Close())

	_, err := c.Receive(context.Background())
	assert.ErrorIs(t, err, ErrReceive)
	// closing twice is fine
	assert.NoError(t, c.Close())
}
