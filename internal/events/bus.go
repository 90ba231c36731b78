// Package events é o barramento interno de observabilidade: frotas e loops publicam eventos
// tipados aqui e o pacote metrics (ou os testes) assina.
package events

import (
	"github.com/kelindar/event"
)

// Bus embrulha o dispatcher do kelindar/event. Um *Bus nil descarta tudo.
type Bus struct {
	dispatcher *event.Dispatcher
}

func New() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish envia ev para todos os assinantes do mesmo tipo.
func Publish[T Event](b *Bus, ev T) {
	if b == nil {
		return
	}
	event.Publish(b.dispatcher, ev)
}

// Subscribe registra handler para eventos do tipo T e devolve a função de cancelamento.
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	if b == nil {
		return func() {}
	}
	return event.Subscribe(b.dispatcher, handler)
}
