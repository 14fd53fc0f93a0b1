package forwarder

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"

	"github.com/andyching168/m7dash"
)

func (w *WS) clientCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.clients)
}

func waitForClients(t *testing.T, w *WS, n int) {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if w.clientCount() == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("never reached %d connected clients", n)
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	assert.NoError(t, err)
	return conn
}

func TestWSEmitBroadcasts(t *testing.T) {
	w := NewWS("")
	srv := httptest.NewServer(http.HandlerFunc(w.handleWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	defer conn.Close()
	waitForClients(t, w, 1)

	w.Emit(m7dash.Update{
		Channel: m7dash.ChannelSpeed,
		Value:   m7dash.Number(53.3),
		At:      time.Now(),
	})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	assert.NoError(t, err)

	var decoded struct {
		Channel string  `json:"channel"`
		Value   float64 `json:"value"`
	}
	assert.NoError(t, json.Unmarshal(msg, &decoded))
	assert.Equal(t, "speed", decoded.Channel)
	assert.InDelta(t, 53.3, decoded.Value, 1e-9)
}

func TestWSEmitReachesEveryClient(t *testing.T) {
	w := NewWS("")
	srv := httptest.NewServer(http.HandlerFunc(w.handleWS))
	defer srv.Close()

	a := dialWS(t, srv)
	defer a.Close()
	b := dialWS(t, srv)
	defer b.Close()
	waitForClients(t, w, 2)

	w.Emit(m7dash.Update{Channel: m7dash.ChannelGear, Value: m7dash.State("P")})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		assert.NoError(t, err)
		assert.Contains(t, string(msg), `"gear"`)
	}
}

func TestWSDeregistersOnDisconnect(t *testing.T) {
	w := NewWS("")
	srv := httptest.NewServer(http.HandlerFunc(w.handleWS))
	defer srv.Close()

	conn := dialWS(t, srv)
	waitForClients(t, w, 1)

	conn.Close()
	waitForClients(t, w, 0)

	// emitting with nobody connected is a no-op
	w.Emit(m7dash.Update{Channel: m7dash.ChannelRPM, Value: m7dash.Number(900)})
}
