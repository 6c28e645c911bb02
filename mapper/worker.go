package mapper

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/natsclient"
)

// Publisher publishes onto broker subjects. *natsclient.Client
// satisfies it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// SchemaStore records discovered event vocabulary.
type SchemaStore interface {
	UpsertSchema(ctx context.Context, publisher, resourceType, action string) error
}

// EventLogStore persists canonical events when event logging is on.
type EventLogStore interface {
	InsertEventLog(ctx context.Context, e *events.CanonicalEvent, source string, raw json.RawMessage) error
}

// Worker consumes raw events, canonicalizes them through the engine,
// and publishes onto canonical subjects. Unmappable events go to the
// map dead-letter subject and are acknowledged; transient failures are
// redelivered.
type Worker struct {
	publisher Publisher
	engine    *Engine
	schemas   SchemaStore
	eventLogs EventLogStore
	metrics   *metric.Metrics
	logger    *slog.Logger
}

// Durable consumer identity for the raw stream.
const (
	RawFilterSubject = events.RawSubjectPrefix + ".>"
	DurableName      = "map-worker"
)

// NewWorker wires a map worker. eventLogs may be nil to disable event
// logging.
func NewWorker(publisher Publisher, engine *Engine, schemas SchemaStore, eventLogs EventLogStore, metrics *metric.Metrics, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		publisher: publisher,
		engine:    engine,
		schemas:   schemas,
		eventLogs: eventLogs,
		metrics:   metrics,
		logger:    logger,
	}
}

// Handle processes one raw-event delivery.
func (w *Worker) Handle(ctx context.Context, msg natsclient.Message) {
	start := time.Now()
	source := strings.TrimPrefix(msg.Subject(), events.RawSubjectPrefix+".")
	w.metrics.EventsProcessed.WithLabelValues(source).Inc()

	var raw events.RawEvent
	if err := json.Unmarshal(msg.Data(), &raw); err != nil {
		w.deadLetter(ctx, msg, source, raw, err)
		return
	}
	if raw.Source != "" {
		source = raw.Source
	}

	mapping, err := w.engine.Resolve(ctx, source, raw.Payload)
	if err != nil {
		w.fail(ctx, msg, source, raw, err)
		return
	}

	event, err := w.engine.Apply(ctx, mapping, raw.Payload)
	if err != nil && !errors.IsTransient(err) {
		// The stored transform no longer fits payloads arriving under
		// its fingerprint: synthesize a replacement and retry once.
		mapping, err = w.engine.Resynthesize(ctx, source, raw.Payload, mapping)
		if err == nil {
			event, err = w.engine.Apply(ctx, mapping, raw.Payload)
		}
	}
	if err != nil {
		w.fail(ctx, msg, source, raw, err)
		return
	}
	event.ID = raw.ID
	event.Timestamp = raw.ReceivedAt

	data, err := json.Marshal(event)
	if err != nil {
		w.fail(ctx, msg, source, raw, errors.Wrap(err, "Worker", "Handle", "encode canonical event"))
		return
	}
	if err := w.publisher.Publish(ctx, event.Subject(), data, nil); err != nil {
		w.logger.Warn("canonical publish failed, redelivering", "source", source, "error", err)
		_ = msg.Nak()
		return
	}

	// Registry and log writes happen after the publish; both are
	// best-effort so a store blip cannot duplicate canonical events.
	if err := w.schemas.UpsertSchema(ctx, event.Publisher, event.Resource.Type, event.Action); err != nil {
		w.logger.Warn("schema registry upsert failed", "publisher", event.Publisher, "error", err)
	}
	if w.eventLogs != nil {
		if err := w.eventLogs.InsertEventLog(ctx, event, source, raw.Payload); err != nil {
			w.logger.Warn("event log insert failed", "event_id", event.ID, "error", err)
		} else {
			w.metrics.EventLogRows.Inc()
		}
	}

	w.metrics.EventsMapped.WithLabelValues(source).Inc()
	w.metrics.ObserveMapDuration(source, time.Since(start))
	w.logger.Debug("event canonicalized",
		"source", source, "event_id", event.ID, "subject", event.Subject())
	_ = msg.Ack()
}

// fail routes an error: transient failures are redelivered, invalid
// events are dead-lettered and acknowledged.
func (w *Worker) fail(ctx context.Context, msg natsclient.Message, source string, raw events.RawEvent, err error) {
	if errors.IsTransient(err) {
		w.logger.Warn("transient map failure, redelivering",
			"source", source, "event_id", raw.ID, "error", err)
		_ = msg.Nak()
		return
	}
	w.deadLetter(ctx, msg, source, raw, err)
}

func (w *Worker) deadLetter(ctx context.Context, msg natsclient.Message, source string, raw events.RawEvent, cause error) {
	reason := string(errors.KindOf(cause))
	if reason == "" {
		reason = "unmappable"
	}
	w.metrics.EventsFailed.WithLabelValues(source, reason).Inc()

	dlq := events.DLQMessage{
		ID:        raw.ID,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Error:     cause.Error(),
		Headers:   raw.Headers,
		Payload:   raw.Payload,
	}
	if raw.ID == "" {
		dlq.Raw = string(msg.Data())
	}
	data, err := json.Marshal(dlq)
	if err != nil {
		w.logger.Error("encode DLQ message failed", "source", source, "error", err)
		_ = msg.Term()
		return
	}

	if err := w.publisher.Publish(ctx, events.DLQMapSubject(source), data, nil); err != nil {
		// The DLQ write must land before the delivery is given up.
		w.logger.Warn("DLQ publish failed, redelivering", "source", source, "error", err)
		_ = msg.Nak()
		return
	}

	w.logger.Info("event dead-lettered",
		"source", source, "event_id", raw.ID, "reason", reason)
	_ = msg.Ack()
}
