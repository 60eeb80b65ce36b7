package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// Handler runs one turn for an inbound message and returns the final
// assistant reply. The gateway dispatcher satisfies this.
type Handler interface {
	HandleMessage(ctx context.Context, msg *models.Message) (*models.Message, error)
}

// Pump moves inbound adapter messages through the handler and delivers
// each final reply back out through the originating adapter.
type Pump struct {
	registry *Registry
	handler  Handler
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewPump creates a pump over the registry's adapters.
func NewPump(registry *Registry, handler Handler, logger *slog.Logger) *Pump {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pump{
		registry: registry,
		handler:  handler,
		logger:   logger.With("component", "pump"),
	}
}

// Start consumes inbound messages until the context ends. Each message is
// handled in its own goroutine; per-session ordering is the handler's job.
func (p *Pump) Start(ctx context.Context) {
	inbound := p.registry.Aggregate(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for msg := range inbound {
			p.wg.Add(1)
			go func(msg *models.Message) {
				defer p.wg.Done()
				p.handle(ctx, msg)
			}(msg)
		}
	}()
}

// Wait blocks until all in-flight handling finishes. Call after the Start
// context is cancelled.
func (p *Pump) Wait() {
	p.wg.Wait()
}

func (p *Pump) handle(ctx context.Context, msg *models.Message) {
	reply, err := p.handler.HandleMessage(ctx, msg)
	if err != nil {
		p.logger.Warn("turn failed",
			"channel", msg.Channel,
			"channel_id", msg.ChannelID,
			"error", err)
		return
	}
	if reply == nil || reply.Content == "" {
		return
	}

	adapter, ok := p.registry.Get(msg.Channel)
	if !ok {
		p.logger.Warn("no adapter for reply channel", "channel", msg.Channel)
		return
	}
	out := *reply
	out.Channel = msg.Channel
	out.ChannelID = msg.ChannelID
	out.Direction = models.DirectionOutbound
	if err := adapter.Send(ctx, &out); err != nil {
		p.logger.Warn("deliver reply",
			"channel", msg.Channel,
			"channel_id", msg.ChannelID,
			"error", err)
	}
}
