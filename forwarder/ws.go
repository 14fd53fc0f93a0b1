package forwarder

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/andyching168/m7dash"
)

const wsSendBuffer = 64

// WS pushes conditioned telemetry updates to dashboard frontends over a
// websocket endpoint. Slow clients miss updates rather than backing up
// the engine.
type WS struct {
	addr     string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewWS(addr string) *WS {
	return &WS{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*wsClient]struct{}),
	}
}

// Start serves the websocket endpoint until ctx is cancelled.
func (w *WS) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/telemetry", w.handleWS)

	srv := &http.Server{
		Addr:    w.addr,
		Handler: mux,
	}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.WithField("addr", w.addr).Info("telemetry websocket listening")
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (w *WS) handleWS(rw http.ResponseWriter, r *http.Request) {
	conn, err := w.upgrader.Upgrade(rw, r, nil)
	if err != nil {
		log.WithField("err", err).Warn("websocket upgrade failed")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, wsSendBuffer),
	}
	w.mu.Lock()
	w.clients[client] = struct{}{}
	total := len(w.clients)
	w.mu.Unlock()
	log.WithField("clients", total).Info("telemetry client connected")

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			w.mu.Lock()
			delete(w.clients, client)
			total := len(w.clients)
			w.mu.Unlock()
			close(client.send)
			log.WithField("clients", total).Info("telemetry client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (w *WS) Emit(u m7dash.Update) {
	data, err := json.Marshal(u)
	if err != nil {
		log.WithField("err", err).Error("unable to encode telemetry update")
		return
	}
	w.mu.Lock()
	for client := range w.clients {
		select {
		case client.send <- data:
		default:
		}
	}
	w.mu.Unlock()
}
