package notifications

import (
	"context"
	"sync"

	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-farm-bridge/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-farm-bridge/pkg/types"
)

// Sink receives events synchronously and must not block.
type Sink interface {
	Publish(ctx context.Context, evt types.Event)
}

// Sender delivers events to a remote system and may block.
type Sender interface {
	Send(ctx context.Context, evt types.Event) error
}

// SenderFunc adapts a function to a Sender.
type SenderFunc func(ctx context.Context, evt types.Event) error

func (f SenderFunc) Send(ctx context.Context, evt types.Event) error {
	return f(ctx, evt)
}

const DefaultQueueSize int = 256

type Option func(*Notifier)

func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queueSize = size
		}
	}
}

// Notifier fans events out to observers. Every remote sender gets its own queue and worker,
// so events reach each sender in the order they were published and a slow subscriber never
// delays ingestion or a session transition. When a queue is full the event is dropped.
type Notifier struct {
	sinks   []Sink
	workers []*worker

	queueSize int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type delivery struct {
	ctx context.Context
	evt types.Event
}

type worker struct {
	sender Sender
	queue  chan delivery
}

func New(sinks []Sink, senders []Sender, opts ...Option) *Notifier {
	n := &Notifier{sinks: sinks, queueSize: DefaultQueueSize}

	for _, opt := range opts {
		opt(n)
	}

	for _, s := range senders {
		w := &worker{sender: s, queue: make(chan delivery, n.queueSize)}
		n.workers = append(n.workers, w)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			w.run()
		}()
	}

	return n
}

func (w *worker) run() {
	for d := range w.queue {
		if err := w.sender.Send(d.ctx, d.evt); err != nil {
			log := logging.GetLoggerFromContext(d.ctx)
			log.Warn().Err(err).Str("topic", d.evt.TopicName()).Msg("failed to deliver event")
		}
	}
}

func (n *Notifier) Publish(ctx context.Context, evt types.Event) {
	for _, s := range n.sinks {
		s.Publish(ctx, evt)
	}

	if len(n.workers) == 0 {
		return
	}

	log := logging.GetLoggerFromContext(ctx)
	d := delivery{
		ctx: logging.NewContextWithLogger(context.WithoutCancel(ctx), log),
		evt: evt,
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		log.Warn().Str("topic", evt.TopicName()).Msg("notifier is closed, event dropped")
		return
	}

	for _, w := range n.workers {
		select {
		case w.queue <- d:
		default:
			metrics.EventsDropped.Inc()
			log.Warn().Str("topic", evt.TopicName()).Msg("sender queue is full, event dropped")
		}
	}
}

// Close stops accepting events and waits until the queued ones have been handed to their
// senders, or until ctx is done.
func (n *Notifier) Close(ctx context.Context) error {
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		for _, w := range n.workers {
			close(w.queue)
		}
	}
	n.mu.Unlock()

	done := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		pending := 0
		for _, w := range n.workers {
			pending += len(w.queue)
		}
		log := logging.GetLoggerFromContext(ctx)
		log.Warn().Int("pending", pending).Msg("notifier closed before every event was delivered")
		return ctx.Err()
	}
}
