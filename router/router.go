package router

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/natsclient"
	"github.com/convolabai/langhook/store"
)

// Binding is a running per-subscription consumer.
type Binding interface {
	Stop()
	Unbind(ctx context.Context) error
}

// Binder creates and removes per-subscription durable consumers on
// the canonical stream.
type Binder interface {
	Bind(ctx context.Context, subscriptionID int64, pattern string, handler natsclient.Handler) (Binding, error)
	Remove(ctx context.Context, subscriptionID int64) error
}

// NATSBinder implements Binder over the stream client.
type NATSBinder struct {
	Client *natsclient.Client
}

func (b *NATSBinder) Bind(ctx context.Context, subscriptionID int64, pattern string, handler natsclient.Handler) (Binding, error) {
	return b.Client.Consume(ctx, events.StreamCanonical, pattern,
		natsclient.DurableName(subscriptionID), handler)
}

func (b *NATSBinder) Remove(ctx context.Context, subscriptionID int64) error {
	return b.Client.DeleteConsumer(ctx, events.StreamCanonical, natsclient.DurableName(subscriptionID))
}

// SubscriptionStore is the slice of the store the router needs.
type SubscriptionStore interface {
	ListActiveSubscriptions(ctx context.Context) ([]*store.Subscription, error)
	MarkSubscriptionUsed(ctx context.Context, id int64) error
	InsertSubscriptionEventLog(ctx context.Context, l *store.SubscriptionEventLog) (int64, error)
	UpdateDeliveryOutcome(ctx context.Context, id int64, sent bool, status *int) error
}

// Registry owns the per-subscription consumers. Each active
// subscription gets one durable consumer filtered on its pattern, so
// its deliveries stay serial and survive restarts.
type Registry struct {
	binder     Binder
	store      SubscriptionStore
	gate       *Gate
	dispatcher *Dispatcher
	metrics    *metric.Metrics
	logger     *slog.Logger

	mu       sync.Mutex
	bindings map[int64]Binding
}

// NewRegistry wires the subscription router.
func NewRegistry(binder Binder, st SubscriptionStore, gate *Gate, dispatcher *Dispatcher, metrics *metric.Metrics, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		binder:     binder,
		store:      st,
		gate:       gate,
		dispatcher: dispatcher,
		metrics:    metrics,
		logger:     logger,
		bindings:   map[int64]Binding{},
	}
}

// Start binds a consumer for every active subscription.
func (r *Registry) Start(ctx context.Context) error {
	subs, err := r.store.ListActiveSubscriptions(ctx)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := r.BindSubscription(ctx, sub); err != nil {
			return err
		}
	}
	r.logger.Info("subscription consumers bound", "count", len(subs))
	return nil
}

// BindSubscription starts the consumer for one subscription.
func (r *Registry) BindSubscription(ctx context.Context, sub *store.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bindLocked(ctx, sub)
}

func (r *Registry) bindLocked(ctx context.Context, sub *store.Subscription) error {
	if old, ok := r.bindings[sub.ID]; ok {
		old.Stop()
		delete(r.bindings, sub.ID)
	}
	binding, err := r.binder.Bind(ctx, sub.ID, sub.Pattern, r.handlerFor(sub))
	if err != nil {
		return err
	}
	r.bindings[sub.ID] = binding
	r.logger.Debug("subscription bound", "subscription_id", sub.ID, "pattern", sub.Pattern)
	return nil
}

// RebindSubscription replaces a subscription's consumer after its
// pattern or gate changed. The old durable is deleted so the new
// filter takes effect cleanly.
func (r *Registry) RebindSubscription(ctx context.Context, sub *store.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.bindings[sub.ID]; ok {
		old.Stop()
		delete(r.bindings, sub.ID)
	}
	if err := r.binder.Remove(ctx, sub.ID); err != nil {
		return err
	}
	if !sub.Active || sub.Used {
		return nil
	}
	return r.bindLocked(ctx, sub)
}

// UnbindSubscription stops a subscription's consumer and deletes its
// durable.
func (r *Registry) UnbindSubscription(ctx context.Context, id int64) error {
	r.mu.Lock()
	binding, ok := r.bindings[id]
	if ok {
		delete(r.bindings, id)
	}
	r.mu.Unlock()

	if ok {
		binding.Stop()
	}
	return r.binder.Remove(ctx, id)
}

// Stop halts every consumer without deleting durables, so redelivery
// resumes after a restart.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, binding := range r.bindings {
		binding.Stop()
		delete(r.bindings, id)
	}
}

// handlerFor builds the delivery handler for one subscription.
func (r *Registry) handlerFor(sub *store.Subscription) natsclient.Handler {
	return func(ctx context.Context, msg natsclient.Message) {
		r.handleEvent(ctx, sub, msg)
	}
}

func (r *Registry) handleEvent(ctx context.Context, sub *store.Subscription, msg natsclient.Message) {
	var event events.CanonicalEvent
	if err := json.Unmarshal(msg.Data(), &event); err != nil {
		r.logger.Error("malformed canonical event, discarding",
			"subscription_id", sub.ID, "error", err)
		_ = msg.Term()
		return
	}

	logRow := &store.SubscriptionEventLog{
		SubscriptionID: sub.ID,
		EventID:        event.ID,
		Subject:        msg.Subject(),
		Publisher:      event.Publisher,
		ResourceType:   event.Resource.Type,
		ResourceID:     event.Resource.ID.String(),
		Action:         event.Action,
		CanonicalData:  msg.Data(),
		OccurredAt:     event.Timestamp,
	}

	if sub.Gate != nil && sub.Gate.Enabled {
		outcome := r.gate.Evaluate(ctx, sub.Gate, sub.Description, msg.Data())
		passed := outcome.Passed
		logRow.GatePassed = &passed
		logRow.GateReason = outcome.Reason

		if !passed {
			// Suppressed by the gate: record and move on.
			if _, err := r.store.InsertSubscriptionEventLog(ctx, logRow); err != nil {
				r.logger.Warn("delivery log insert failed, redelivering",
					"subscription_id", sub.ID, "error", err)
				_ = msg.Nak()
				return
			}
			r.logger.Debug("event suppressed by gate",
				"subscription_id", sub.ID, "event_id", event.ID, "reason", outcome.Reason)
			_ = msg.Ack()
			return
		}
	}

	// The dispatch must be on record before any delivery attempt.
	rowID, err := r.store.InsertSubscriptionEventLog(ctx, logRow)
	if err != nil {
		r.logger.Warn("delivery log insert failed, redelivering",
			"subscription_id", sub.ID, "error", err)
		_ = msg.Nak()
		return
	}

	if sub.ChannelType == "webhook" && len(sub.ChannelConfig) > 0 {
		status, err := r.dispatcher.Deliver(ctx, sub.ChannelConfig, msg.Data())
		var statusPtr *int
		if status != 0 {
			statusPtr = &status
		}
		if upErr := r.store.UpdateDeliveryOutcome(ctx, rowID, err == nil, statusPtr); upErr != nil {
			r.logger.Warn("delivery outcome update failed",
				"subscription_id", sub.ID, "error", upErr)
		}
		if err != nil {
			// The retry schedule is exhausted. The last status stays on
			// record; the canonical event is not redelivered just to
			// retry the channel.
			r.logger.Warn("webhook delivery failed",
				"subscription_id", sub.ID, "event_id", event.ID, "status", status, "error", err)
		}
	}
	_ = msg.Ack()

	// A dispatch occurred: the event cleared the gate (or had none), so
	// a disposable subscription has fired regardless of channel.
	if sub.Disposable {
		r.retire(ctx, sub)
	}
}

// retire consumes a disposable subscription after its first delivery.
func (r *Registry) retire(ctx context.Context, sub *store.Subscription) {
	if err := r.store.MarkSubscriptionUsed(ctx, sub.ID); err != nil && !errors.Is(err, errors.ErrNotFound) {
		r.logger.Warn("failed to mark disposable subscription used",
			"subscription_id", sub.ID, "error", err)
	}
	if err := r.UnbindSubscription(ctx, sub.ID); err != nil {
		r.logger.Warn("failed to unbind disposable subscription",
			"subscription_id", sub.ID, "error", err)
	}
	r.logger.Info("disposable subscription retired", "subscription_id", sub.ID)
}
