package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"dropwire/internal/signaling"
)

var upgrader = websocket.Upgrader{}

// fakeRelay accepts one websocket connection at a time and records every
// envelope the client writes.
type fakeRelay struct {
	srv       *httptest.Server
	registers chan signaling.Envelope
	conns     chan *websocket.Conn
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{
		registers: make(chan signaling.Envelope, 8),
		conns:     make(chan *websocket.Conn, 8),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- conn
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env signaling.Envelope
			if json.Unmarshal(raw, &env) == nil {
				r.registers <- env
			}
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func quietLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	return log
}

func waitEnvelope(t *testing.T, ch chan signaling.Envelope) signaling.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return signaling.Envelope{}
	}
}

func TestClientRegistersOnConnect(t *testing.T) {
	relay := newFakeRelay(t)
	c := NewClient(relay.url(), quietLog())
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Connect(context.Background()))

	env := waitEnvelope(t, relay.registers)
	require.Equal(t, signaling.TypeRegister, env.Type)
	require.Equal(t, c.ID(), env.PeerID)
	require.True(t, c.Connected())
	require.Equal(t, StatusConnected, c.Status())
}

func TestClientDispatchesInboundEnvelopes(t *testing.T) {
	relay := newFakeRelay(t)
	c := NewClient(relay.url(), quietLog())
	defer func() { _ = c.Close() }()

	received := make(chan signaling.Envelope, 1)
	c.OnEnvelope(func(env signaling.Envelope) { received <- env })

	require.NoError(t, c.Connect(context.Background()))
	waitEnvelope(t, relay.registers)

	conn := <-relay.conns
	raw := []byte(`{"type":"offer","peerId":"a1b2c3","offer":{"type":"offer","sdp":"v=0"}}`)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))

	env := waitEnvelope(t, received)
	require.Equal(t, signaling.TypeOffer, env.Type)
	require.Equal(t, "a1b2c3", env.PeerID)
}

func TestClientSurvivesMalformedInbound(t *testing.T) {
	relay := newFakeRelay(t)
	c := NewClient(relay.url(), quietLog())
	defer func() { _ = c.Close() }()

	received := make(chan signaling.Envelope, 1)
	c.OnEnvelope(func(env signaling.Envelope) { received <- env })

	require.NoError(t, c.Connect(context.Background()))
	waitEnvelope(t, relay.registers)

	conn := <-relay.conns
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("garbage")))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer","answer":{}}`)))

	env := waitEnvelope(t, received)
	require.Equal(t, signaling.TypeAnswer, env.Type)
}

func TestClientReconnectsWithSameID(t *testing.T) {
	relay := newFakeRelay(t)
	c := NewClient(relay.url(), quietLog())
	c.reconnectDelay = 50 * time.Millisecond
	defer func() { _ = c.Close() }()

	require.NoError(t, c.Connect(context.Background()))
	first := waitEnvelope(t, relay.registers)

	// Sever the connection from the relay side; the client should come
	// back and register under the same identifier.
	conn := <-relay.conns
	_ = conn.Close()

	second := waitEnvelope(t, relay.registers)
	require.Equal(t, first.PeerID, second.PeerID)
}

func TestClientSendBeforeConnect(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", quietLog())
	err := c.Send(signaling.Envelope{Type: signaling.TypeRegister, PeerID: c.ID()})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestClientConnectFailure(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1", quietLog())
	defer func() { _ = c.Close() }()

	err := c.Connect(context.Background())
	require.Error(t, err)
	require.Equal(t, StatusError, c.Status())
	require.False(t, c.Connected())
}

func TestClientCloseIsIdempotent(t *testing.T) {
	relay := newFakeRelay(t)
	c := NewClient(relay.url(), quietLog())
	require.NoError(t, c.Connect(context.Background()))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.False(t, c.Connected())
}
