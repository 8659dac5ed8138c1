// Package client is a Go participant for the signaling relay. It sends and
// receives the same envelopes as the browser pages, so a pion peer connection
// can negotiate with a browser through the relay.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/webrtc-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

const (
	defaultWriteDeadline = 5 * time.Second
	defaultCloseDeadline = 2 * time.Second
	defaultRXQueueSize   = 64
)

var (
	ErrDial               = errors.New("unable to connect to relay")
	ErrClosed             = errors.New("client is closed")
	ErrSend               = errors.New("unable to send message")
	ErrReceive            = errors.New("unable to receive message")
	ErrWrongKind          = errors.New("message has a different kind")
	ErrMissingField       = errors.New("message field is missing")
	ErrInvalidDescription = errors.New("invalid session description")
	ErrInvalidCandidate   = errors.New("invalid ice candidate")
)

type inbound struct {
	env model.Envelope
	err error
}

type Client struct {
	conn *websocket.Conn
	wmx  *sync.Mutex

	// rx is fed by readLoop and closed when the connection fails; readErr
	// is set before that.
	rx        chan inbound
	readErr   error
	done      chan struct{}
	closeOnce *sync.Once

	logger zerolog.Logger
}

func Dial(ctx context.Context, url string, logger *zerolog.Logger) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	c := &Client{
		conn:      conn,
		wmx:       &sync.Mutex{},
		rx:        make(chan inbound, defaultRXQueueSize),
		done:      make(chan struct{}),
		closeOnce: &sync.Once{},
		logger:    logger.With().Str("component", "relay-client").Str("url", url).Logger(),
	}
	go c.readLoop()
	c.logger.Debug().Msg("connected to relay")
	return c, nil
}

// readLoop is the only reader of the connection. Reading also answers the
// relay's pings.
func (c *Client) readLoop() {
	defer close(c.rx)

	for {
		_, b, err := c.conn.ReadMessage()
		if err != nil {
			c.logger.Debug().Err(err).Msg("read loop stopped")
			c.readErr = errors.Join(ErrReceive, err)
			return
		}

		env, err := model.ParseEnvelope(b)
		if errors.Is(err, model.ErrUnknownMessageKind) {
			switch k := model.Kind(env.Type); k {
			case model.KindPeerJoined, model.KindPeerLeft:
				env.Kind = k
				err = nil
			}
		}
		select {
		case c.rx <- inbound{env: env, err: err}:
		case <-c.done:
			c.readErr = errors.Join(ErrReceive, ErrClosed)
			return
		}
	}
}

// Send marshals v and writes it as one text frame.
func (c *Client) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Join(ErrSend, err)
	}
	return c.SendRaw(b)
}

// SendRaw writes b as is.
func (c *Client) SendRaw(b []byte) error {
	c.wmx.Lock()
	defer c.wmx.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return errors.Join(ErrSend, err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Join(ErrSend, err)
	}
	c.logger.Trace().RawJSON("msg", b).Msg("message sent")
	return nil
}

type sdpMessage struct {
	Type model.Kind `json:"type"`
	SDP  string     `json:"sdp"`
}

type candidateMessage struct {
	Type      model.Kind              `json:"type"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type hintMessage struct {
	Type model.Kind `json:"type"`
}

// SendOffer sends the description the way the browser pages do, with sdp as
// a plain string.
func (c *Client) SendOffer(desc webrtc.SessionDescription) error {
	return c.Send(sdpMessage{Type: model.KindOffer, SDP: desc.SDP})
}

func (c *Client) SendAnswer(desc webrtc.SessionDescription) error {
	return c.Send(sdpMessage{Type: model.KindAnswer, SDP: desc.SDP})
}

func (c *Client) SendCandidate(candidate webrtc.ICECandidateInit) error {
	return c.Send(candidateMessage{Type: model.KindCandidate, Candidate: candidate})
}

func (c *Client) SendReady() error {
	return c.Send(hintMessage{Type: model.KindReady})
}

func (c *Client) SendBye() error {
	return c.Send(hintMessage{Type: model.KindBye})
}

// Receive blocks until the next message arrives or ctx is done. A timed out
// or canceled Receive leaves the client usable; messages that arrive later
// are returned by the next call.
// Relay announcements are returned with their own kinds; any other
// unrecognized type is returned together with model.ErrUnknownMessageKind.
func (c *Client) Receive(ctx context.Context) (model.Envelope, error) {
	select {
	case in, ok := <-c.rx:
		if !ok {
			return model.Envelope{}, c.readErr
		}
		return in.env, in.err
	case <-ctx.Done():
		return model.Envelope{}, errors.Join(ErrReceive, ctx.Err())
	}
}

// Close sends a normal close frame and closes the connection. Repeated calls
// are no-ops.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)

		c.wmx.Lock()
		defer c.wmx.Unlock()

		wsErr := c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(defaultCloseDeadline))
		if wsErr != nil {
			c.logger.Debug().Err(wsErr).Msg("failed to send close frame")
		}
		err = c.conn.Close()
	})
	return err
}

// DecodeSessionDescription reads an offer or answer. Both the plain string
// form {"type":"offer","sdp":"v=0..."} and the nested description form
// {"type":"offer","sdp":{"type":"offer","sdp":"v=0..."}} are accepted.
func DecodeSessionDescription(env model.Envelope) (webrtc.SessionDescription, error) {
	var sdpType webrtc.SDPType
	switch env.Kind {
	case model.KindOffer:
		sdpType = webrtc.SDPTypeOffer
	case model.KindAnswer:
		sdpType = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, ErrWrongKind
	}

	var msg struct {
		SDP json.RawMessage `json:"sdp"`
	}
	if err := json.Unmarshal(env.Raw, &msg); err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrInvalidDescription, err)
	}
	if len(msg.SDP) == 0 || string(msg.SDP) == "null" {
		return webrtc.SessionDescription{}, ErrMissingField
	}

	var s string
	if err := json.Unmarshal(msg.SDP, &s); err == nil {
		return webrtc.SessionDescription{Type: sdpType, SDP: s}, nil
	}

	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.SDP, &desc); err != nil {
		return webrtc.SessionDescription{}, errors.Join(ErrInvalidDescription, err)
	}
	if desc.Type == webrtc.SDPTypeUnknown {
		desc.Type = sdpType
	}
	if desc.Type != sdpType {
		return webrtc.SessionDescription{}, errors.Join(ErrInvalidDescription,
			errors.New("description type does not match message type"))
	}
	return desc, nil
}

// DecodeCandidate reads a candidate message whose candidate field is either
// an RTCIceCandidateInit object or a bare candidate string.
func DecodeCandidate(env model.Envelope) (webrtc.ICECandidateInit, error) {
	if env.Kind != model.KindCandidate {
		return webrtc.ICECandidateInit{}, ErrWrongKind
	}

	var msg struct {
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(env.Raw, &msg); err != nil {
		return webrtc.ICECandidateInit{}, errors.Join(ErrInvalidCandidate, err)
	}
	if len(msg.Candidate) == 0 || string(msg.Candidate) == "null" {
		return webrtc.ICECandidateInit{}, ErrMissingField
	}

	var s string
	if err := json.Unmarshal(msg.Candidate, &s); err == nil {
		return webrtc.ICECandidateInit{Candidate: s}, nil
	}
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
		return webrtc.ICECandidateInit{}, errors.Join(ErrInvalidCandidate, err)
	}
	return cand, nil
}
