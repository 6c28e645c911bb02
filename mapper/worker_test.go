package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/store"
)

type fakeMessage struct {
	subject string
	data    []byte
	acked   bool
	naked   bool
	termed  bool
}

func (m *fakeMessage) Subject() string          { return m.subject }
func (m *fakeMessage) Data() []byte             { return m.data }
func (m *fakeMessage) Header(string) string     { return "" }
func (m *fakeMessage) Ack() error               { m.acked = true; return nil }
func (m *fakeMessage) Nak() error               { m.naked = true; return nil }
func (m *fakeMessage) Term() error              { m.termed = true; return nil }

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu     sync.Mutex
	msgs   []published
	failOn string
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failOn != "" && subject == p.failOn {
		return fmt.Errorf("publish to %s failed", subject)
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

func (p *fakePublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.subject
	}
	return out
}

type fakeSchemaStore struct {
	mu      sync.Mutex
	entries []string
	err     error
}

func (s *fakeSchemaStore) UpsertSchema(_ context.Context, publisher, resourceType, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, publisher+"/"+resourceType+"/"+action)
	return nil
}

type fakeEventLogStore struct {
	mu   sync.Mutex
	rows int
}

func (s *fakeEventLogStore) InsertEventLog(_ context.Context, _ *events.CanonicalEvent, _ string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows++
	return nil
}

func rawEventMsg(t *testing.T, payload string) *fakeMessage {
	t.Helper()
	raw := events.RawEvent{
		ID:         "evt-1",
		ReceivedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		Source:     "github",
		Payload:    json.RawMessage(payload),
	}
	data, err := json.Marshal(raw)
	require.NoError(t, err)
	return &fakeMessage{subject: "raw.github", data: data}
}

func newTestWorker(t *testing.T, completer *fakeCompleter) (*Worker, *fakePublisher, *fakeSchemaStore, *fakeEventLogStore) {
	t.Helper()
	pub := &fakePublisher{}
	schemas := &fakeSchemaStore{}
	logs := &fakeEventLogStore{}
	engine := newTestEngine(t, newMemMappingStore(), completer)
	w := NewWorker(pub, engine, schemas, logs, metric.New(), nil)
	return w, pub, schemas, logs
}

func TestHandlePublishesCanonicalEvent(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	w, pub, schemas, logs := newTestWorker(t, completer)

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)

	subjects := pub.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "langhook.events.github.pull_request.1374.create", subjects[0])

	var event events.CanonicalEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &event))
	assert.Equal(t, "evt-1", event.ID)
	assert.Equal(t, "2026-08-25T12:00:00Z", event.Timestamp.Format(time.RFC3339))

	assert.Equal(t, []string{"github/pull_request/create"}, schemas.entries)
	assert.Equal(t, 1, logs.rows)
}

func TestHandleDeadLettersUnmappableEvent(t *testing.T) {
	// Synthesized transform fails the round-trip check.
	completer := &fakeCompleter{response: synthesisResponse(`{publisher: "github"}`, "")}
	w, pub, _, _ := newTestWorker(t, completer)

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked, "dead-lettered events are acknowledged")
	subjects := pub.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "dlq.map.github", subjects[0])

	var dlq events.DLQMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &dlq))
	assert.Equal(t, "evt-1", dlq.ID)
	assert.Equal(t, "github", dlq.Source)
	assert.NotEmpty(t, dlq.Error)
}

// brokenStoredWorker wires a worker whose mapping store already holds
// a transform that no longer canonicalizes the test payload.
func brokenStoredWorker(t *testing.T, completer *fakeCompleter) (*Worker, *fakePublisher, *memMappingStore, string) {
	t.Helper()
	st := newMemMappingStore()
	fingerprint, err := Fingerprint(json.RawMessage(prPayload))
	require.NoError(t, err)
	require.NoError(t, st.UpsertMapping(context.Background(), &store.Mapping{
		Fingerprint: fingerprint,
		Publisher:   "github",
		Expression:  `{publisher: "github"}`,
		Source:      store.MappingSourceSynthesized,
	}))

	pub := &fakePublisher{}
	engine := newTestEngine(t, st, completer)
	w := NewWorker(pub, engine, &fakeSchemaStore{}, nil, metric.New(), nil)
	return w, pub, st, fingerprint
}

func TestHandleResynthesizesBrokenStoredMapping(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	w, pub, st, fingerprint := brokenStoredWorker(t, completer)

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	subjects := pub.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "langhook.events.github.pull_request.1374.create", subjects[0])
	assert.Equal(t, 1, completer.callCount(), "one synthesis replaces the broken transform")

	replaced, err := st.GetMapping(context.Background(), fingerprint)
	require.NoError(t, err)
	assert.Equal(t, prExpression, replaced.Expression)
}

func TestHandleDeadLettersWhenResynthesisStillFails(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(`{publisher: "github"}`, "")}
	w, pub, _, _ := brokenStoredWorker(t, completer)

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	subjects := pub.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "dlq.map.github", subjects[0])
}

func TestHandleRedeliversOnModelOutage(t *testing.T) {
	completer := &fakeCompleter{err: fmt.Errorf("connection refused")}
	w, pub, _, _ := newTestWorker(t, completer)

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.naked, "transient failures are redelivered")
	assert.False(t, msg.acked)
	assert.Empty(t, pub.subjects())
}

func TestHandleRedeliversWhenCanonicalPublishFails(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	w, pub, _, _ := newTestWorker(t, completer)
	pub.failOn = "langhook.events.github.pull_request.1374.create"

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.False(t, msg.acked)
}

func TestHandleRedeliversWhenDLQPublishFails(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(`{publisher: "github"}`, "")}
	w, pub, _, _ := newTestWorker(t, completer)
	pub.failOn = "dlq.map.github"

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.naked, "the DLQ write must land before the delivery is dropped")
	assert.False(t, msg.acked)
}

func TestHandleDeadLettersMalformedEnvelope(t *testing.T) {
	completer := &fakeCompleter{}
	w, pub, _, _ := newTestWorker(t, completer)

	msg := &fakeMessage{subject: "raw.github", data: []byte("not json")}
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked)
	subjects := pub.subjects()
	require.Len(t, subjects, 1)
	assert.Equal(t, "dlq.map.github", subjects[0])
}

func TestHandleSchemaUpsertFailureDoesNotBlockAck(t *testing.T) {
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	w, _, schemas, _ := newTestWorker(t, completer)
	schemas.err = fmt.Errorf("store down")

	msg := rawEventMsg(t, prPayload)
	w.Handle(context.Background(), msg)

	assert.True(t, msg.acked, "registry writes are best-effort after publish")
}
