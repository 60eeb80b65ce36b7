// Package channels defines the boundary between the conversation engine
// and messaging platforms. Adapters translate platform traffic to and from
// the unified message format; the pump moves messages between adapters and
// the dispatcher.
package channels

import (
	"context"
	"fmt"
	"sort"

	"github.com/haasonsaas/clawgate/pkg/models"
)

// Adapter is a messaging platform connection.
type Adapter interface {
	// Start begins listening for inbound messages. It returns once the
	// adapter is connected; receiving happens in the background.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and closes its Messages channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg *models.Message) error

	// Messages returns the adapter's inbound stream.
	Messages() <-chan *models.Message

	// Type identifies the platform.
	Type() models.ChannelType
}

// Registry holds the configured adapters. Registration happens at startup
// before Start; lookups after that are read-only.
type Registry struct {
	adapters map[models.ChannelType]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter. Registering the same channel type twice
// replaces the earlier adapter.
func (r *Registry) Register(adapter Adapter) {
	r.adapters[adapter.Type()] = adapter
}

// Get returns the adapter for a channel type.
func (r *Registry) Get(channelType models.ChannelType) (Adapter, bool) {
	adapter, ok := r.adapters[channelType]
	return adapter, ok
}

// Types returns the registered channel types in stable order.
func (r *Registry) Types() []models.ChannelType {
	types := make([]models.ChannelType, 0, len(r.adapters))
	for t := range r.adapters {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// StartAll starts every adapter, stopping the ones already started if a
// later one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0, len(r.adapters))
	for _, adapter := range r.adapters {
		if err := adapter.Start(ctx); err != nil {
			for _, a := range started {
				_ = a.Stop(ctx)
			}
			return fmt.Errorf("start %s adapter: %w", adapter.Type(), err)
		}
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.adapters {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Aggregate fans every adapter's inbound stream into one channel. The
// returned channel closes when the context ends and all adapter streams
// are drained.
func (r *Registry) Aggregate(ctx context.Context) <-chan *models.Message {
	out := make(chan *models.Message)
	done := make(chan struct{}, len(r.adapters))

	for _, adapter := range r.adapters {
		go func(a Adapter) {
			defer func() { done <- struct{}{} }()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-a.Messages():
					if !ok {
						return
					}
					select {
					case out <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}(adapter)
	}

	go func() {
		for range r.adapters {
			<-done
		}
		close(out)
	}()
	return out
}
