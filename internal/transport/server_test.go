package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmbus/swarmbus/internal/store"
)

// fakeBus records orchestrator calls and pushes appended messages back out
// through the hub, enough to exercise the wire path end to end.
type fakeBus struct {
	hub *Hub
	st  *store.Store

	mu            sync.Mutex
	connected     []string
	disconnected  []string
	joins         [][2]string // channel, identity
	despawns      []string
	halts         []string
	ingestErr     error
	historyResult store.HistoryResult
}

func (f *fakeBus) Ingest(ctx context.Context, channel, sender, content string) (store.Message, error) {
	f.mu.Lock()
	err := f.ingestErr
	f.mu.Unlock()
	if err != nil {
		return store.Message{}, err
	}
	f.st.Subscribe(channel, sender)
	msg, appendErr := f.st.Append(ctx, channel, sender, content)
	if appendErr != nil {
		return store.Message{}, appendErr
	}
	f.hub.Broadcast(msg, f.st.Subscribers(channel), sender)
	return msg, nil
}

func (f *fakeBus) History(ctx context.Context, channel string, since uint64, limit int) (store.HistoryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyResult.Messages != nil {
		return f.historyResult, nil
	}
	return f.st.History(ctx, channel, since, limit)
}

func (f *fakeBus) Join(ctx context.Context, channel, identity string) {
	f.mu.Lock()
	f.joins = append(f.joins, [2]string{channel, identity})
	f.mu.Unlock()
	f.st.Subscribe(channel, identity)
}

func (f *fakeBus) AgentConnected(ctx context.Context, identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = append(f.connected, identity)
}

func (f *fakeBus) AgentDisconnected(identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnected = append(f.disconnected, identity)
}

func (f *fakeBus) Despawn(ctx context.Context, identity string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.despawns = append(f.despawns, identity)
}

func (f *fakeBus) EmergencyHalt(ctx context.Context, sender, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.halts = append(f.halts, sender)
}

func (f *fakeBus) Status() map[string]any {
	return map[string]any{"channels": map[string]any{}}
}

func (f *fakeBus) disconnectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.disconnected)
}

func newTestServer(t *testing.T, apiKey string) (*httptest.Server, *fakeBus, *Hub) {
	t.Helper()
	hub := NewHub()
	fb := &fakeBus{hub: hub, st: store.New(50, nil)}
	s := NewServer(ServerConfig{Port: 0, APIKey: apiKey}, hub, fb)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.CloseAll()
		ts.Close()
	})
	return ts, fb, hub
}

func dial(t *testing.T, ts *httptest.Server, identity string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/" + identity
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHealthEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPIKeyRequired(t *testing.T) {
	ts, _, _ := newTestServer(t, "sk-secret")

	resp, err := http.Get(ts.URL + "/api/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/status", nil)
	req.Header.Set("Authorization", "Bearer sk-secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSendEndpoint(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	body, _ := json.Marshal(map[string]string{
		"channel": "c", "sender": "human", "content": "hello",
	})
	resp, err := http.Post(ts.URL+"/api/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var msg store.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&msg))
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, "human", msg.Sender)
}

func TestSendEndpointValidation(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	body, _ := json.Marshal(map[string]string{"sender": "human"})
	resp, err := http.Post(ts.URL+"/api/send", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistoryEndpoint(t *testing.T) {
	ts, fb, _ := newTestServer(t, "")

	for _, content := range []string{"one", "two", "three"} {
		_, err := fb.Ingest(context.Background(), "c", "human", content)
		require.NoError(t, err)
	}

	resp, err := http.Get(ts.URL + "/api/history?channel=c&since=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Channel  string          `json:"channel"`
		Messages []store.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "two", out.Messages[0].Content)
	assert.Equal(t, "three", out.Messages[1].Content)
}

func TestWSConnectNotifiesBus(t *testing.T) {
	ts, fb, hub := newTestServer(t, "")

	dial(t, ts, "zealot-1")

	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.connected) == 1 && fb.connected[0] == "zealot-1"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, hub.Connected("zealot-1"))
}

func TestWSIdentityRequired(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSMessageBroadcast(t *testing.T) {
	ts, fb, _ := newTestServer(t, "")

	sender := dial(t, ts, "zealot-1")
	receiver := dial(t, ts, "dragoon-1")

	// Receiver joins the channel first so the broadcast reaches it.
	require.NoError(t, receiver.WriteJSON(Frame{Type: "subscribe", Channel: "c"}))
	require.Eventually(t, func() bool {
		_, member := fb.st.Subscribers("c")["dragoon-1"]
		return member
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sender.WriteJSON(Frame{Channel: "c", Content: "hello dragoon"}))

	env := readEnvelope(t, receiver)
	assert.Equal(t, "message", env.Type)
	require.NotNil(t, env.Message)
	assert.Equal(t, "zealot-1", env.Message.Sender)
	assert.Equal(t, "hello dragoon", env.Message.Content)
}

func TestWSSenderDoesNotEchoItself(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	sender := dial(t, ts, "zealot-1")
	require.NoError(t, sender.WriteJSON(Frame{Channel: "c", Content: "first"}))

	sender.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var env Envelope
	err := sender.ReadJSON(&env)
	assert.Error(t, err) // nothing should arrive
}

func TestWSHistoryFrame(t *testing.T) {
	ts, fb, _ := newTestServer(t, "")

	for _, content := range []string{"a", "b"} {
		_, err := fb.Ingest(context.Background(), "c", "human", content)
		require.NoError(t, err)
	}

	conn := dial(t, ts, "dragoon-1")
	require.NoError(t, conn.WriteJSON(Frame{Type: "history", Channel: "c"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "catchup", env.Type)
	require.Len(t, env.Messages, 2)
	assert.Equal(t, "a", env.Messages[0].Content)
}

func TestWSMalformedFrame(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	conn := dial(t, ts, "zealot-1")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	env := readEnvelope(t, conn)
	assert.Equal(t, "system", env.Type)
	assert.Equal(t, "malformed frame", env.Error)
}

func TestWSChannelRequired(t *testing.T) {
	ts, _, _ := newTestServer(t, "")

	conn := dial(t, ts, "zealot-1")
	require.NoError(t, conn.WriteJSON(Frame{Content: "no channel"}))

	env := readEnvelope(t, conn)
	assert.Equal(t, "system", env.Type)
	assert.Equal(t, "channel required", env.Error)
}

func TestWSReconnectReplacesWithoutDisconnectHook(t *testing.T) {
	ts, fb, hub := newTestServer(t, "")

	first := dial(t, ts, "zealot-1")
	require.Eventually(t, func() bool {
		return hub.Connected("zealot-1")
	}, 2*time.Second, 10*time.Millisecond)

	second := dial(t, ts, "zealot-1")

	// The first socket gets closed by the replacement; its read loop ends.
	first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	// Replacement never fires the disconnect hook.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, fb.disconnectedCount())
	assert.True(t, hub.Connected("zealot-1"))

	// The surviving connection still works.
	require.NoError(t, second.WriteJSON(Frame{Channel: "c", Content: "still here"}))
	require.Eventually(t, func() bool {
		result, _ := fb.st.History(context.Background(), "c", 0, 0)
		return len(result.Messages) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWSDisconnectFiresHook(t *testing.T) {
	ts, fb, hub := newTestServer(t, "")

	conn := dial(t, ts, "zealot-1")
	require.Eventually(t, func() bool {
		return hub.Connected("zealot-1")
	}, 2*time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return fb.disconnectedCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, hub.Connected("zealot-1"))
}

func TestHubSendToAbsentIdentity(t *testing.T) {
	hub := NewHub()
	assert.False(t, hub.Send("ghost-1", Envelope{Type: "system"}))
}

func TestHaltEndpoint(t *testing.T) {
	ts, fb, _ := newTestServer(t, "")

	body, _ := json.Marshal(map[string]string{"reason": "fire"})
	resp, err := http.Post(ts.URL+"/api/halt", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.halts, 1)
	assert.Equal(t, "operator", fb.halts[0]) // default sender
}

func TestDespawnEndpoint(t *testing.T) {
	ts, fb, _ := newTestServer(t, "")

	body, _ := json.Marshal(map[string]string{"identity": "zealot-1"})
	resp, err := http.Post(ts.URL+"/api/despawn", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	assert.Equal(t, []string{"zealot-1"}, fb.despawns)
}
