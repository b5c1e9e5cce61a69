package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type receivedEnvelope struct {
	Type    string          `json:"type"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func dialWebsocket(t *testing.T, serverURL string, header http.Header) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil reads envelopes until every wanted channel has delivered an event.
func readUntil(t *testing.T, conn *websocket.Conn, channels ...string) map[string]receivedEnvelope {
	t.Helper()
	got := make(map[string]receivedEnvelope, len(channels))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for len(got) < len(channels) {
		var envelope receivedEnvelope
		require.NoError(t, conn.ReadJSON(&envelope))
		if envelope.Type == "event" {
			got[envelope.Channel] = envelope
		}
	}
	return got
}

func TestWebsocketChannels(t *testing.T) {
	server, store := newTestServer(t, testConfig())
	seedTraders(t, server, store)

	conn := dialWebsocket(t, server.URL, nil)
	for _, channel := range []string{"leaderboard", "agent.performance.winner", "market.price.ETH", "bogus"} {
		require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: channel}))
	}

	events := readUntil(t, conn, "leaderboard", "agent.performance.winner", "market.price.ETH")

	var board leaderboardResponse
	require.NoError(t, json.Unmarshal(events["leaderboard"].Data, &board))
	require.Len(t, board.Items, 2)
	assert.Equal(t, "winner", board.Items[0].AgentID)

	var perf agentPerformanceResponse
	require.NoError(t, json.Unmarshal(events["agent.performance.winner"].Data, &perf))
	assert.Equal(t, "winner", perf.AgentID)
	assert.Equal(t, 1, perf.Metrics.TotalTrades)

	var price map[string]any
	require.NoError(t, json.Unmarshal(events["market.price.ETH"].Data, &price))
	assert.Equal(t, "ETH", price["market"])
	assert.Equal(t, 8.0, price["price"])
}

func TestWebsocketUnsubscribe(t *testing.T) {
	server, store := newTestServer(t, testConfig())
	seedTraders(t, server, store)

	conn := dialWebsocket(t, server.URL, nil)
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "market.price.ETH"}))
	readUntil(t, conn, "market.price.ETH")

	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "unsubscribe", Channel: "market.price.ETH"}))
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "leaderboard"}))

	// Drain anything pushed before the unsubscribe was applied.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		var envelope receivedEnvelope
		require.NoError(t, conn.ReadJSON(&envelope))
		if envelope.Channel == "leaderboard" {
			break
		}
	}
	for i := 0; i < 3; i++ {
		var envelope receivedEnvelope
		require.NoError(t, conn.ReadJSON(&envelope))
		assert.Equal(t, "leaderboard", envelope.Channel)
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	server, _ := newTestServer(t, testConfig())

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": []string{"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestIsKnownChannel(t *testing.T) {
	assert.True(t, isKnownChannel("leaderboard"))
	assert.True(t, isKnownChannel("agent.performance.a-1"))
	assert.True(t, isKnownChannel("market.price.BTCUSDT"))
	assert.False(t, isKnownChannel("agent.performance."))
	assert.False(t, isKnownChannel("market.price."))
	assert.False(t, isKnownChannel("system.status"))
}

func TestSubscriptionSet(t *testing.T) {
	subs := newSubscriptionSet()
	subs.Add("market.price.ETH")
	subs.Add("leaderboard")
	subs.Add("leaderboard")
	assert.Equal(t, []string{"leaderboard", "market.price.ETH"}, subs.List())

	subs.Remove("leaderboard")
	assert.Equal(t, []string{"market.price.ETH"}, subs.List())
}

func TestWebsocketAcksAndPublishesOnSubscribe(t *testing.T) {
	cfg := testConfig()
	cfg.WebsocketPushInterval = time.Hour
	server, store := newTestServer(t, cfg)
	seedTraders(t, server, store)

	conn := dialWebsocket(t, server.URL, nil)
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "SUBSCRIBE", Channel: " market.price.ETH "}))
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "subscribe", Channel: "system.status"}))
	require.NoError(t, conn.WriteJSON(websocketSubscribeRequest{Type: "mute", Channel: "leaderboard"}))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	want := []receivedEnvelope{
		{Type: "subscribed", Channel: "market.price.ETH"},
		{Type: "event", Channel: "market.price.ETH"},
		{Type: "error", Channel: "system.status", Error: "unknown channel"},
		{Type: "error", Channel: "leaderboard", Error: "unsupported message type"},
	}
	for _, expected := range want {
		var envelope receivedEnvelope
		require.NoError(t, conn.ReadJSON(&envelope))
		assert.Equal(t, expected.Type, envelope.Type)
		assert.Equal(t, expected.Channel, envelope.Channel)
		assert.Equal(t, expected.Error, envelope.Error)
	}
}
