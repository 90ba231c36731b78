// Package alarms mantém uma conexão websocket por AI box ativa e converte cada frame de
// alarme recebido em core.AlarmEvent para o hub, o catálogo e o MQTT.
package alarms

import "time"

// Backoff dobra o atraso a cada falha consecutiva, até Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

func NewBackoff(initial, maxDelay time.Duration) *Backoff {
	if initial <= 0 {
		initial = 5 * time.Second
	}
	if maxDelay < initial {
		maxDelay = initial
	}
	return &Backoff{Initial: initial, Max: maxDelay}
}

// Next devolve o atraso da próxima tentativa e avança a sequência.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset volta ao atraso inicial; chamado depois de uma conexão estável.
func (b *Backoff) Reset() {
	b.current = 0
}
