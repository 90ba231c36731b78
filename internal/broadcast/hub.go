// Package broadcast distribui snapshots, diffs de status e alarmes para os assinantes ativos.
package broadcast

import (
	"errors"
	"log/slog"
	"maps"
	"sync"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/logging"
)

// ErrSlowSubscriber: o buffer do assinante encheu e ele foi removido.
var ErrSlowSubscriber = errors.New("broadcast: subscriber too slow")

const (
	TypeSnapshot = "snapshot"
	TypeDiff     = "diff"
	TypeAlarm    = "alarm"
)

// Message é o envelope enviado aos assinantes: {"type": ..., "data": ...}.
type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type Options struct {
	Name   string
	Buffer int
	Logger *slog.Logger
}

// Hub guarda o último snapshot e entrega diffs sem nunca bloquear o publicador.
type Hub struct {
	name   string
	buffer int
	logger *slog.Logger

	mu    sync.Mutex
	subs  map[*Subscription]struct{}
	state map[string]core.StatusEntry
}

func New(opts Options) *Hub {
	if opts.Buffer <= 0 {
		opts.Buffer = 64
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Hub{
		name:   opts.Name,
		buffer: opts.Buffer,
		logger: opts.Logger.With("hub", opts.Name),
		subs:   make(map[*Subscription]struct{}),
		state:  make(map[string]core.StatusEntry),
	}
}

// Subscribe devolve o snapshot atual e a assinatura que recebe as mensagens seguintes.
// Nenhuma mensagem publicada depois do snapshot é perdida (exceto se o assinante for removido).
func (h *Hub) Subscribe() (Message, *Subscription) {
	sub := &Subscription{ch: make(chan Message, h.buffer), hub: h}
	sub.C = sub.ch

	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[sub] = struct{}{}
	return Message{Type: TypeSnapshot, Data: maps.Clone(h.state)}, sub
}

// Snapshot devolve uma cópia do estado atual.
func (h *Hub) Snapshot() map[string]core.StatusEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return maps.Clone(h.state)
}

// PublishStatus troca o estado pelo novo snapshot e envia só o diff.
func (h *Hub) PublishStatus(snapshot, diff map[string]core.StatusEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = maps.Clone(snapshot)
	if len(diff) == 0 {
		return
	}
	h.deliverLocked(Message{Type: TypeDiff, Data: maps.Clone(diff)})
}

// Publish entrega msg sem alterar o estado (alarmes).
func (h *Hub) Publish(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(msg)
}

func (h *Hub) deliverLocked(msg Message) {
	for sub := range h.subs {
		select {
		case sub.ch <- msg:
		default:
			h.removeLocked(sub, ErrSlowSubscriber)
			h.logger.Warn("assinante removido", "err", ErrSlowSubscriber, "remaining", len(h.subs))
		}
	}
}

func (h *Hub) removeLocked(sub *Subscription, reason error) {
	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	sub.err = reason
	close(sub.ch)
}

// Len é o número de assinantes ativos.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close remove todos os assinantes.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		h.removeLocked(sub, nil)
	}
}

// Subscription recebe mensagens em C até ser fechada; C fecha quando o hub a remove.
type Subscription struct {
	C   <-chan Message
	ch  chan Message
	hub *Hub
	err error
}

// Close cancela a assinatura. Pode ser chamado mais de uma vez.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s, nil)
}

// Err diz por que o hub removeu a assinatura (nil se foi Close).
func (s *Subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}
