package alarms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// MessageHandler recebe cada frame recebido; não pode bloquear por muito tempo.
type MessageHandler func(ctx context.Context, device core.Device, raw []byte)

type ConnOptions struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// ReadTimeout: silêncio tolerado antes de mandar um ping. Sem pong em mais um
	// ReadTimeout a conexão é considerada perdida.
	ReadTimeout time.Duration
	// StableAfter: tempo conectado para o backoff voltar ao inicial.
	StableAfter time.Duration
	Dialer      *websocket.Dialer
	Header      http.Header
	Logger      *slog.Logger
	Bus         *events.Bus
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 5 * time.Second
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = 60 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 30 * time.Second
	}
	if o.StableAfter <= 0 {
		o.StableAfter = o.BackoffInitial
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Proxy: http.ProxyFromEnvironment}
	}
	if o.Logger == nil {
		o.Logger = logging.Discard()
	}
	return o
}

// Conn mantém uma conexão websocket persistente com uma box, reconectando com backoff.
type Conn struct {
	device  core.Device
	opts    ConnOptions
	handler MessageHandler
	logger  *slog.Logger
	backoff *Backoff

	mu          sync.Mutex
	state       State
	attempts    int
	connectedAt time.Time
	messages    int
	lastErr     string
}

// ConnStatus é a visão de introspecção de uma conexão.
type ConnStatus struct {
	DeviceID    string     `json:"device_id"`
	URL         string     `json:"url"`
	State       State      `json:"state"`
	Attempts    int        `json:"attempts"`
	Messages    int        `json:"messages"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

func NewConn(device core.Device, opts ConnOptions, handler MessageHandler) *Conn {
	opts = opts.withDefaults()
	return &Conn{
		device:  device,
		opts:    opts,
		handler: handler,
		logger:  opts.Logger.With("device_id", device.ID),
		backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax),
		state:   StateDisconnected,
	}
}

// Run conecta e reconecta até ctx terminar. Sempre fecha o socket antes de retornar.
func (c *Conn) Run(ctx context.Context) {
	defer c.setState(StateDisconnected, nil)
	for ctx.Err() == nil {
		c.setState(StateConnecting, nil)
		err := c.runOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if c.connectedFor() >= c.opts.StableAfter {
			c.backoff.Reset()
		}
		c.setState(StateDisconnected, err)

		delay := c.backoff.Next()
		c.logger.Warn("conexão de alarmes caiu, reconectando", "err", err, "retry_in", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Conn) runOnce(ctx context.Context) error {
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.device.EndpointURL, c.opts.Header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.device.EndpointURL, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.device.EndpointURL, err)
	}
	defer ws.Close()
	c.setState(StateConnected, nil)
	c.logger.Info("conectado ao websocket de alarmes", "url", c.device.EndpointURL)

	// ReadMessage só desbloqueia fechando o socket
	connCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer wg.Wait()
	defer cancel()
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.keepAlive(connCtx, ws)
	}()

	deadline := 2 * c.opts.ReadTimeout
	_ = ws.SetReadDeadline(time.Now().Add(deadline))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne interface{ Timeout() bool }
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("sem resposta ao ping em %s: %w", deadline, err)
			}
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(deadline))
		c.mu.Lock()
		c.messages++
		c.mu.Unlock()
		c.handler(ctx, c.device, raw)
	}
}

// keepAlive manda um ping a cada ReadTimeout e fecha o socket quando ctx termina.
func (c *Conn) keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.opts.ReadTimeout)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				c.logger.Debug("ping falhou", "err", err)
			}
		}
	}
}

func (c *Conn) connectedFor() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	return time.Since(c.connectedAt)
}

func (c *Conn) setState(s State, err error) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	switch s {
	case StateConnecting:
		c.attempts++
		c.connectedAt = time.Time{}
	case StateConnected:
		c.connectedAt = time.Now()
		c.lastErr = ""
	}
	if err != nil {
		c.lastErr = err.Error()
	}
	attempt := c.attempts
	c.mu.Unlock()

	if prev != s {
		events.Publish(c.opts.Bus, events.ConnectionState{DeviceID: c.device.ID, State: string(s), Attempt: attempt})
	}
}

func (c *Conn) Status() ConnStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := ConnStatus{
		DeviceID:  c.device.ID,
		URL:       c.device.EndpointURL,
		State:     c.state,
		Attempts:  c.attempts,
		Messages:  c.messages,
		LastError: c.lastErr,
	}
	if c.state == StateConnected {
		t := c.connectedAt
		st.ConnectedAt = &t
	}
	return st
}
