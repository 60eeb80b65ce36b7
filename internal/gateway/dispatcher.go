package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/clawgate/internal/agent"
	"github.com/haasonsaas/clawgate/internal/cron"
	"github.com/haasonsaas/clawgate/internal/observability"
	"github.com/haasonsaas/clawgate/internal/sessions"
	"github.com/haasonsaas/clawgate/pkg/models"
)

// Dispatcher runs turns. It serializes turns per session key (callers that
// arrive while a turn is in flight queue in arrival order), publishes the
// turn's event stream to the hub, and guarantees exactly one final or
// failure event per turn.
type Dispatcher struct {
	loop        *agent.Loop
	store       sessions.Store
	locker      *sessions.Locker
	hub         *Hub
	logger      *slog.Logger
	metrics     *observability.Metrics
	turnTimeout time.Duration

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// DispatcherConfig carries the dispatcher's collaborators.
type DispatcherConfig struct {
	Loop        *agent.Loop
	Store       sessions.Store
	Locker      *sessions.Locker
	Hub         *Hub
	Logger      *slog.Logger
	Metrics     *observability.Metrics
	TurnTimeout time.Duration
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Loop == nil {
		return nil, fmt.Errorf("dispatcher requires a turn loop")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("dispatcher requires a session store")
	}
	if cfg.Hub == nil {
		return nil, fmt.Errorf("dispatcher requires an event hub")
	}
	if cfg.Locker == nil {
		cfg.Locker = sessions.NewLocker()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{
		loop:        cfg.Loop,
		store:       cfg.Store,
		locker:      cfg.Locker,
		hub:         cfg.Hub,
		logger:      cfg.Logger.With("component", "dispatcher"),
		metrics:     cfg.Metrics,
		turnTimeout: cfg.TurnTimeout,
		inflight:    make(map[string]context.CancelFunc),
	}, nil
}

// Busy reports whether a turn is currently running or queued for the key.
func (d *Dispatcher) Busy(key string) bool { return d.locker.Busy(key) }

// HandleMessage runs one turn for the inbound message and blocks until the
// turn completes. Turns for the same session key run one at a time in
// arrival order; concurrent calls for different keys proceed in parallel.
// It returns the final assistant message on success.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *models.Message) (*models.Message, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil message")
	}
	if msg.Channel == "" {
		msg.Channel = models.ChannelAPI
	}
	key := sessions.SessionKey(msg.Channel, msg.ChannelID)

	if _, err := d.store.GetOrCreate(ctx, key, msg.Channel, msg.ChannelID); err != nil {
		return nil, fmt.Errorf("get or create session: %w", err)
	}
	d.updateSessionGauge(ctx)

	// Queue behind any in-flight turn for this key.
	if err := d.locker.Lock(ctx, key); err != nil {
		return nil, err
	}
	defer d.locker.Unlock(key)

	turnCtx, cancel := d.registerTurn(ctx, key)
	defer d.clearTurn(key, cancel)

	started := time.Now()
	final, err := d.runTurn(turnCtx, key, msg)

	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	if d.metrics != nil {
		d.metrics.RecordTurn(string(msg.Channel), outcome, time.Since(started).Seconds())
	}
	return final, err
}

func (d *Dispatcher) registerTurn(ctx context.Context, key string) (context.Context, context.CancelFunc) {
	var turnCtx context.Context
	var cancel context.CancelFunc
	if d.turnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, d.turnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	d.mu.Lock()
	d.inflight[key] = cancel
	d.mu.Unlock()
	return turnCtx, cancel
}

func (d *Dispatcher) clearTurn(key string, cancel context.CancelFunc) {
	d.mu.Lock()
	if d.inflight[key] != nil {
		delete(d.inflight, key)
	}
	d.mu.Unlock()
	cancel()
}

// runTurn drives the loop and relays its chunks to the hub. Exactly one
// final or failure event closes the stream.
func (d *Dispatcher) runTurn(ctx context.Context, key string, msg *models.Message) (*models.Message, error) {
	chunks, err := d.loop.Run(ctx, key, msg)
	if err != nil {
		d.publishFailure(key, err)
		return nil, err
	}

	for chunk := range chunks {
		switch {
		case chunk.Error != nil:
			d.publishFailure(key, chunk.Error)
			return nil, chunk.Error
		case chunk.Done:
			d.hub.Publish(&models.OutboundEvent{
				Type:       models.EventFinal,
				SessionKey: key,
				Message:    chunk.Message,
			})
			return chunk.Message, nil
		case chunk.Text != "":
			d.hub.Publish(&models.OutboundEvent{
				Type:       models.EventDelta,
				SessionKey: key,
				Delta:      chunk.Text,
			})
		}
		// Thinking deltas and tool results stay internal to the turn.
	}

	err = fmt.Errorf("turn stream ended without a final message")
	d.publishFailure(key, err)
	return nil, err
}

func (d *Dispatcher) publishFailure(key string, cause error) {
	d.logger.Warn("turn failed", "session_key", key, "error", cause)
	d.hub.Publish(&models.OutboundEvent{
		Type:       models.EventFailure,
		SessionKey: key,
		Reason:     cause.Error(),
	})
}

// Stop cancels the in-flight turn for the key, if any. The cancelled turn
// closes with a failure event; nothing from it is persisted.
func (d *Dispatcher) Stop(key string) bool {
	d.mu.Lock()
	cancel, ok := d.inflight[key]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// OnEvict is wired into the session store's eviction hook. It cancels any
// in-flight turn and drops the session's subscribers.
func (d *Dispatcher) OnEvict(key string) {
	d.Stop(key)
	d.hub.Invalidate(key)
	if d.metrics != nil {
		d.metrics.SessionEvictions.Inc()
	}
	d.logger.Info("session evicted", "session_key", key)
}

func (d *Dispatcher) updateSessionGauge(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	if count, err := d.store.Count(ctx); err == nil {
		d.metrics.ActiveSessions.Set(float64(count))
	}
}

// Run implements cron.Runner: a job firing becomes a synthetic inbound
// message on the job's session. The scheduler fires and forgets; this call
// queues behind any in-flight turn for the same key.
func (d *Dispatcher) Run(ctx context.Context, firing cron.Firing) error {
	channel, channelID := splitSessionKey(firing.SessionKey)
	msg := &models.Message{
		ID:        uuid.NewString(),
		Channel:   channel,
		ChannelID: channelID,
		Direction: models.DirectionInbound,
		Role:      models.RoleUser,
		Content:   firing.Content,
		Metadata: map[string]any{
			"job_id": firing.JobID,
			"due_at": firing.DueAt,
		},
		CreatedAt: time.Now().UTC(),
	}
	_, err := d.HandleMessage(ctx, msg)
	return err
}

// splitSessionKey reverses sessions.SessionKey. Keys without a separator
// land on the scheduler channel.
func splitSessionKey(key string) (models.ChannelType, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return models.ChannelType(key[:i]), key[i+1:]
		}
	}
	return models.ChannelScheduler, key
}
