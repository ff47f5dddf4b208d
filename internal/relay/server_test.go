package relay

import (
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

func newTestServer(t *testing.T, credentials *CredentialClient) *httptest.Server {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	srv := httptest.NewServer(NewServer(log, credentials).Router())
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func register(t *testing.T, conn *websocket.Conn, id string) {
	t.Helper()
	env := signaling.Envelope{Type: signaling.TypeRegister, PeerID: id}
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)

	resp, err := http.Get(srv.URL + "/api/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "ok", body["status"])
}

func TestForwardOfferToTarget(t *testing.T) {
	srv := newTestServer(t, nil)

	peerA := dial(t, srv)
	peerB := dial(t, srv)
	register(t, peerA, "a1b2c3")
	register(t, peerB, "x9y8z7")

	// Registration is asynchronous to the write, give the relay a moment.
	time.Sleep(100 * time.Millisecond)

	raw := []byte(`{"type":"offer","target":"x9y8z7","peerId":"a1b2c3","offer":{"type":"offer","sdp":"v=0"}}`)
	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, peerB.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, got, err := peerB.ReadMessage()
	require.NoError(t, err)

	// Forwarded verbatim, byte for byte.
	require.Equal(t, raw, got)
}

func TestForwardToUnknownTargetIsDropped(t *testing.T) {
	srv := newTestServer(t, nil)

	peerA := dial(t, srv)
	register(t, peerA, "a1b2c3")
	time.Sleep(50 * time.Millisecond)

	raw := []byte(`{"type":"offer","target":"nobody","peerId":"a1b2c3","offer":{}}`)
	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, raw))

	// Nothing comes back to the sender; the connection stays usable.
	require.NoError(t, peerA.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := peerA.ReadMessage()
	require.Error(t, err)
}

func TestMalformedInputKeepsConnectionAlive(t *testing.T) {
	srv := newTestServer(t, nil)

	peerA := dial(t, srv)
	peerB := dial(t, srv)
	register(t, peerB, "x9y8z7")

	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, []byte("not json at all")))
	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))
	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus"}`)))
	time.Sleep(100 * time.Millisecond)

	// The same connection still registers and forwards after the garbage.
	register(t, peerA, "a1b2c3")
	time.Sleep(100 * time.Millisecond)
	raw := []byte(`{"type":"candidate","target":"x9y8z7","candidate":{"candidate":"cand"}}`)
	require.NoError(t, peerA.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, peerB.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, got, err := peerB.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, raw, got)
}

func TestRegisterReplacesEarlierConnection(t *testing.T) {
	srv := newTestServer(t, nil)

	old := dial(t, srv)
	replacement := dial(t, srv)
	sender := dial(t, srv)
	register(t, old, "x9y8z7")
	register(t, replacement, "x9y8z7")
	register(t, sender, "a1b2c3")
	time.Sleep(100 * time.Millisecond)

	raw := []byte(`{"type":"answer","target":"x9y8z7","answer":{}}`)
	require.NoError(t, sender.WriteMessage(websocket.TextMessage, raw))

	require.NoError(t, replacement.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, got, err := replacement.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, raw, got)

	require.NoError(t, old.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err = old.ReadMessage()
	require.Error(t, err, "replaced connection must not receive forwards")
}

func TestCredentialsEndpoint(t *testing.T) {
	var gotKey string
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.URL.Query().Get("apiKey")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"urls":"turn:relay.example.com:443","username":"u","credential":"c"}]`))
	}))
	defer vendor.Close()

	srv := newTestServer(t, NewCredentialClient(vendor.URL, "secret"))

	resp, err := http.Get(srv.URL + "/api/credentials")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ICEServers []map[string]any `json:"iceServers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.ICEServers, 1)
	require.Equal(t, "u", body.ICEServers[0]["username"])
	require.Equal(t, "secret", gotKey)
}

func TestCredentialsEndpointUpstreamFailure(t *testing.T) {
	vendor := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer vendor.Close()

	srv := newTestServer(t, NewCredentialClient(vendor.URL, "secret"))

	resp, err := http.Get(srv.URL + "/api/credentials")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["error"])
}
