// Package reconcile leva uma frota até o conjunto informado por um poll externo.
//
// Cada Loop é dono do conjunto vivo da sua frota. Só a goroutine do loop adiciona ou remove
// ids, e o stop de um id sempre termina antes que o loop possa iniciá-lo de novo.
package reconcile

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
)

// Manager inicia e para o recurso de um id.
// Start não bloqueia pela vida do recurso; Stop só retorna quando o recurso acabou.
type Manager[M any] interface {
	Start(ctx context.Context, id string, meta M)
	Stop(ctx context.Context, id string)
}

// PollFunc devolve o conjunto desejado. Erro quer dizer "desconhecido", nunca "vazio".
type PollFunc[M any] func(ctx context.Context) (map[string]M, error)

type Options struct {
	Name        string
	Interval    time.Duration
	PollTimeout time.Duration
	Logger      *slog.Logger
	Bus         *events.Bus
}

type Loop[M any] struct {
	name        string
	interval    time.Duration
	pollTimeout time.Duration
	poll        PollFunc[M]
	manager     Manager[M]
	logger      *slog.Logger
	bus         *events.Bus

	mu   sync.Mutex
	live map[string]M
}

func New[M any](opts Options, poll PollFunc[M], manager Manager[M]) *Loop[M] {
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Loop[M]{
		name:        opts.Name,
		interval:    opts.Interval,
		pollTimeout: opts.PollTimeout,
		poll:        poll,
		manager:     manager,
		logger:      opts.Logger.With("loop", opts.Name),
		bus:         opts.Bus,
		live:        make(map[string]M),
	}
}

// Run reconcilia imediatamente e depois a cada intervalo até ctx ser cancelado.
// Antes de retornar, para todos os ids vivos de forma síncrona.
func (l *Loop[M]) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("reconcile loop iniciado", "interval", l.interval)
	l.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			l.StopAll(context.WithoutCancel(ctx))
			l.logger.Info("reconcile loop encerrado")
			return nil
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick faz um ciclo de poll + convergência. Retorna o erro do poll, se houver;
// nesse caso o conjunto vivo fica intacto.
func (l *Loop[M]) Tick(ctx context.Context) error {
	pollCtx, cancel := context.WithTimeout(ctx, l.pollTimeout)
	desired, err := l.poll(pollCtx)
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			l.logger.Warn("poll falhou, mantendo conjunto atual", "err", err, "live", l.Len())
			events.Publish(l.bus, events.PollFailed{Fleet: l.name, Err: err.Error()})
		}
		return err
	}
	l.apply(ctx, desired)
	return nil
}

func (l *Loop[M]) apply(ctx context.Context, desired map[string]M) {
	l.mu.Lock()
	toStart, toStop := Diff(l.live, desired)
	l.mu.Unlock()

	if len(toStart) == 0 && len(toStop) == 0 {
		return
	}
	l.logger.Info("reconciliando", "start", toStart, "stop", toStop)

	l.stopIDs(ctx, toStop)

	for _, id := range toStart {
		if ctx.Err() != nil {
			return
		}
		meta := desired[id]
		l.mu.Lock()
		l.live[id] = meta
		l.mu.Unlock()
		l.manager.Start(ctx, id, meta)
		events.Publish(l.bus, events.ResourceStarted{Fleet: l.name, ID: id})
	}
}

// stopIDs para os ids em paralelo e só retorna quando todos terminaram.
func (l *Loop[M]) stopIDs(ctx context.Context, ids []string) {
	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error {
			l.manager.Stop(ctx, id)
			l.mu.Lock()
			delete(l.live, id)
			l.mu.Unlock()
			events.Publish(l.bus, events.ResourceStopped{Fleet: l.name, ID: id})
			return nil
		})
	}
	_ = g.Wait()
}

// StopAll para todos os ids vivos e esvazia o conjunto.
func (l *Loop[M]) StopAll(ctx context.Context) {
	l.stopIDs(ctx, l.Live())
}

// Live devolve os ids vivos em ordem.
func (l *Loop[M]) Live() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]string, 0, len(l.live))
	for id := range l.live {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Loop[M]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Diff calcula desired − live (start) e live − desired (stop), ambos ordenados.
func Diff[M, N any](live map[string]M, desired map[string]N) (toStart, toStop []string) {
	for id := range desired {
		if _, ok := live[id]; !ok {
			toStart = append(toStart, id)
		}
	}
	for id := range live {
		if _, ok := desired[id]; !ok {
			toStop = append(toStop, id)
		}
	}
	sort.Strings(toStart)
	sort.Strings(toStop)
	return toStart, toStop
}
