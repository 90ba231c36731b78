// Package status junta a visão do servidor de streams e a visão das tarefas das AI boxes num
// snapshot único e publica só o que mudou a cada tick.
package status

import (
	"context"
	"log/slog"
	"maps"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sua-org/aibox-bus/internal/core"
	"github.com/sua-org/aibox-bus/internal/events"
	"github.com/sua-org/aibox-bus/internal/logging"
)

// Source é uma visão de status consultada a cada tick.
type Source interface {
	Name() string
	Poll(ctx context.Context) (map[string]core.StatusEntry, error)
}

// Publisher recebe o snapshot novo e o diff (broadcast.Hub).
type Publisher interface {
	PublishStatus(snapshot, diff map[string]core.StatusEntry)
}

type Options struct {
	Interval    time.Duration
	PollTimeout time.Duration
	Logger      *slog.Logger
	Bus         *events.Bus
}

// Aggregator: fontes posteriores têm precedência sobre as anteriores na mesma chave.
type Aggregator struct {
	sources     []Source
	pub         Publisher
	interval    time.Duration
	pollTimeout time.Duration
	logger      *slog.Logger
	bus         *events.Bus

	mu       sync.Mutex
	prev     map[string]core.StatusEntry
	lastGood []map[string]core.StatusEntry
}

func NewAggregator(opts Options, pub Publisher, sources ...Source) *Aggregator {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.PollTimeout <= 0 || opts.PollTimeout > opts.Interval {
		opts.PollTimeout = opts.Interval
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return &Aggregator{
		sources:     sources,
		pub:         pub,
		interval:    opts.Interval,
		pollTimeout: opts.PollTimeout,
		logger:      opts.Logger,
		bus:         opts.Bus,
		prev:        make(map[string]core.StatusEntry),
		lastGood:    make([]map[string]core.StatusEntry, len(sources)),
	}
}

func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	a.logger.Info("polling de status iniciado", "interval", a.interval, "sources", len(a.sources))
	a.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			a.logger.Info("polling de status encerrado")
			return nil
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick consulta todas as fontes, publica e devolve o diff.
func (a *Aggregator) Tick(ctx context.Context) map[string]core.StatusEntry {
	results := make([]map[string]core.StatusEntry, len(a.sources))
	errs := make([]error, len(a.sources))

	pollCtx, cancel := context.WithTimeout(ctx, a.pollTimeout)
	var g errgroup.Group
	for i, src := range a.sources {
		g.Go(func() error {
			results[i], errs[i] = src.Poll(pollCtx)
			return nil
		})
	}
	_ = g.Wait()
	cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	layers := make([]map[string]core.StatusEntry, len(a.sources))
	for i, src := range a.sources {
		if errs[i] != nil {
			// fonte degradada: mantém as últimas entradas boas dela
			a.logger.Warn("poll de status falhou", "source", src.Name(), "err", errs[i])
			events.Publish(a.bus, events.PollFailed{Fleet: events.FleetStatus + ":" + src.Name(), Err: errs[i].Error()})
			layers[i] = a.lastGood[i]
			continue
		}
		a.lastGood[i] = results[i]
		layers[i] = results[i]
	}

	next := Merge(layers...)
	diff := Diff(a.prev, next)
	a.prev = next

	if a.pub != nil {
		a.pub.PublishStatus(next, diff)
	}
	if len(diff) > 0 {
		a.logger.Debug("status alterado", "changed", len(diff), "total", len(next))
		events.Publish(a.bus, events.StatusChanged{Changed: len(diff), Total: len(next)})
	}
	return diff
}

// Snapshot devolve uma cópia do último snapshot mesclado.
func (a *Aggregator) Snapshot() map[string]core.StatusEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return maps.Clone(a.prev)
}

// Merge sobrepõe as camadas em ordem; a última vence.
func Merge(layers ...map[string]core.StatusEntry) map[string]core.StatusEntry {
	out := make(map[string]core.StatusEntry)
	for _, layer := range layers {
		maps.Copy(out, layer)
	}
	return out
}

// Diff compara por status sobre a união das chaves. Chave que sumiu vira offline/removed.
func Diff(prev, next map[string]core.StatusEntry) map[string]core.StatusEntry {
	diff := make(map[string]core.StatusEntry)
	for key, n := range next {
		if p, ok := prev[key]; !ok || p.Status != n.Status {
			diff[key] = n
		}
	}
	for key := range prev {
		if _, ok := next[key]; !ok {
			diff[key] = core.StatusEntry{Status: core.StatusOffline, Source: core.SourceRemoved}
		}
	}
	return diff
}
