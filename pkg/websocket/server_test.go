package websocket

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eaglefi/evault/pkg/vault"
)

func newTestServer(t *testing.T) (*Server, *vault.SimBank) {
	t.Helper()
	bank := vault.NewSimBank()
	router := vault.NewSimRouter(bank, "vault-treasury")

	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)

	v, err := vault.New(vault.Config{
		PrimaryAsset:   "USDN",
		SecondaryAsset: "PEGD",
		Feed:           vault.NewSimPriceFeed(),
		Pool:           vault.NewSimPool(),
		Router:         router,
		Custody:        vault.NewSimCustody(bank, "vault-treasury"),
		Owner:          "owner",
		Params:         vault.DefaultParams(),
		Logger:         logger,
	})
	require.NoError(t, err)

	return NewServer(v, logger, DefaultConfig()), bank
}

func dial(t *testing.T, server *Server) *websocket.Conn {
	t.Helper()
	httpServer := httptest.NewServer(http.HandlerFunc(server.handleWebSocket))
	t.Cleanup(httpServer.Close)

	url := "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscribeReceivesStatusSnapshot(t *testing.T) {
	server, bank := newTestServer(t)
	server.wg.Add(1)
	go server.runHub()
	defer server.Stop()

	bank.Mint("alice", "USDN", big.NewInt(1_000))
	_, err := server.vault.Deposit("alice", big.NewInt(1_000), "alice")
	require.NoError(t, err)

	conn := dial(t, server)

	welcome := readMessage(t, conn)
	assert.Equal(t, "welcome", welcome.Type)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChannelStatus},
	}))

	status := readMessage(t, conn)
	require.Equal(t, "status", status.Type)
	assert.Equal(t, ChannelStatus, status.Channel)

	raw, err := json.Marshal(status.Data)
	require.NoError(t, err)
	var update StatusUpdate
	require.NoError(t, json.Unmarshal(raw, &update))
	assert.Equal(t, "1000", update.TotalAssets)
	assert.Equal(t, "10000000", update.TotalSupply)
	assert.False(t, update.Paused)

	ack := readMessage(t, conn)
	assert.Equal(t, "subscribed", ack.Type)
}

func TestBroadcastReachesSubscribers(t *testing.T) {
	server, _ := newTestServer(t)
	server.wg.Add(1)
	go server.runHub()
	defer server.Stop()

	conn := dial(t, server)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":     "subscribe",
		"channels": []string{ChannelDeposits},
	}))
	readMessage(t, conn) // subscribed ack

	server.BroadcastDeposit("alice", "alice", "1000", "10000000")

	msg := readMessage(t, conn)
	require.Equal(t, "deposit", msg.Type)
	data := msg.Data.(map[string]interface{})
	assert.Equal(t, "1000", data["assets"])
	assert.Equal(t, "10000000", data["shares"])
}

func TestUnknownMessageType(t *testing.T) {
	server, _ := newTestServer(t)
	server.wg.Add(1)
	go server.runHub()
	defer server.Stop()

	conn := dial(t, server)
	readMessage(t, conn) // welcome

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "bogus"}))
	msg := readMessage(t, conn)
	assert.Equal(t, "error", msg.Type)
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := newTestServer(t)

	w := httptest.NewRecorder()
	server.handleHealth(w, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, 200, w.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestGetStats(t *testing.T) {
	server, _ := newTestServer(t)
	stats := server.GetStats()
	assert.Equal(t, int32(0), stats["clients"])
	assert.Equal(t, 0, stats["channels"])
}
