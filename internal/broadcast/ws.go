package broadcast

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sua-org/aibox-bus/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type WSOptions struct {
	// SendSnapshot envia {"type":"snapshot"} logo após o upgrade.
	SendSnapshot bool
	Logger       *slog.Logger
	CheckOrigin  func(r *http.Request) bool
}

// ServeWS expõe o hub via websocket. Mensagem de texto "ping" do cliente recebe "pong".
func ServeWS(hub *Hub, opts WSOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin,
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("upgrade websocket falhou", "err", err, "remote", r.RemoteAddr)
			return
		}
		snapshot, sub := hub.Subscribe()
		defer sub.Close()
		defer conn.Close()

		log := logger.With("remote", r.RemoteAddr, "hub", hub.name)
		log.Debug("assinante conectado", "subscribers", hub.Len())

		pongs := make(chan struct{}, 1)
		readerDone := make(chan struct{})
		go readLoop(conn, pongs, readerDone)

		if opts.SendSnapshot {
			if err := writeJSON(conn, snapshot); err != nil {
				return
			}
		}

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case msg, ok := <-sub.C:
				if !ok {
					if err := sub.Err(); err != nil {
						log.Info("assinante removido pelo hub", "err", err)
					}
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"), time.Now().Add(writeWait))
					return
				}
				if err := writeJSON(conn, msg); err != nil {
					log.Debug("envio falhou, removendo assinante", "err", err)
					return
				}
			case <-pongs:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.TextMessage, []byte("pong")); err != nil {
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			case <-readerDone:
				log.Debug("assinante desconectou")
				return
			}
		}
	})
}

func writeJSON(conn *websocket.Conn, msg Message) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

// readLoop consome mensagens do cliente; só "ping" tem significado.
func readLoop(conn *websocket.Conn, pongs chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && strings.EqualFold(strings.TrimSpace(string(data)), "ping") {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}
