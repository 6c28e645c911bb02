package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/store"
)

const prPayload = `{
	"action": "opened",
	"pull_request": {"number": 1374, "title": "Add retry logic"},
	"repository": {"name": "langhook"}
}`

const prExpression = `{
	publisher: "github",
	resource: {type: "pull_request", id: .pull_request.number},
	action: (if .action == "opened" then "create" else "update" end),
	summary: .pull_request.title
}`

type memMappingStore struct {
	mu       sync.Mutex
	mappings map[string]*store.Mapping
}

func newMemMappingStore() *memMappingStore {
	return &memMappingStore{mappings: map[string]*store.Mapping{}}
}

func (s *memMappingStore) GetMapping(_ context.Context, fingerprint string) (*store.Mapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mappings[fingerprint]
	if !ok {
		return nil, errors.ErrNotFound
	}
	return m, nil
}

func (s *memMappingStore) UpsertMapping(_ context.Context, m *store.Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mappings[m.Fingerprint] = m
	return nil
}

type fakeCompleter struct {
	mu       sync.Mutex
	response string
	err      error
	calls    int
}

func (f *fakeCompleter) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return openai.ChatCompletionResponse{}, f.err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.response}},
		},
	}, nil
}

func (f *fakeCompleter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func synthesisResponse(expr, fieldExpr string) string {
	resp := map[string]string{
		"publisher":    "github",
		"event_name":   "pull_request",
		"mapping_expr": expr,
	}
	if fieldExpr != "" {
		resp["event_field_expr"] = fieldExpr
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

func newTestEngine(t *testing.T, st MappingStore, completer llm.ChatCompleter) *Engine {
	t.Helper()
	broker := llm.NewBrokerWithClient(completer, "gpt-4o-mini", nil, nil, nil)
	e, err := NewEngine(st, broker, nil)
	require.NoError(t, err)
	return e
}

func TestApplyProducesCanonicalEvent(t *testing.T) {
	e := newTestEngine(t, newMemMappingStore(), &fakeCompleter{})
	m := &store.Mapping{Expression: prExpression}

	event, err := e.Apply(context.Background(), m, json.RawMessage(prPayload))
	require.NoError(t, err)
	assert.Equal(t, "github", event.Publisher)
	assert.Equal(t, "pull_request", event.Resource.Type)
	assert.Equal(t, "1374", event.Resource.ID.String())
	assert.True(t, event.Resource.ID.IsNumber())
	assert.Equal(t, "create", event.Action)
	assert.Equal(t, "Add retry logic", event.Summary)
	assert.Equal(t, "langhook.events.github.pull_request.1374.create", event.Subject())
}

func TestApplyRejectsNonCanonicalOutput(t *testing.T) {
	e := newTestEngine(t, newMemMappingStore(), &fakeCompleter{})

	cases := map[string]string{
		"missing resource":  `{publisher: "github", action: "create"}`,
		"bad action":        `{publisher: "github", resource: {type: "pr", id: 1}, action: "merged"}`,
		"empty publisher":   `{publisher: "", resource: {type: "pr", id: 1}, action: "create"}`,
		"composite id":      `{publisher: "github", resource: {type: "pr", id: "acme/repo#42"}, action: "create"}`,
		"scalar output":     `"not an object"`,
		"bad jq expression": `.pull_request | explode`,
	}
	for name, expr := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := e.Apply(context.Background(), &store.Mapping{Expression: expr}, json.RawMessage(prPayload))
			assert.Error(t, err)
			assert.False(t, errors.IsTransient(err))
		})
	}
}

func TestResolveReturnsStoredMapping(t *testing.T) {
	st := newMemMappingStore()
	fingerprint, err := Fingerprint(json.RawMessage(prPayload))
	require.NoError(t, err)
	require.NoError(t, st.UpsertMapping(context.Background(), &store.Mapping{
		Fingerprint: fingerprint,
		Publisher:   "github",
		Expression:  prExpression,
	}))

	completer := &fakeCompleter{}
	e := newTestEngine(t, st, completer)

	m, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.NoError(t, err)
	assert.Equal(t, fingerprint, m.Fingerprint)
	assert.Zero(t, completer.callCount(), "stored mapping must not invoke the model")
}

func TestResolveSynthesizesUnknownShape(t *testing.T) {
	st := newMemMappingStore()
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	e := newTestEngine(t, st, completer)

	m, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.NoError(t, err)
	assert.Equal(t, "github", m.Publisher)
	assert.Equal(t, 1, completer.callCount())

	// Second resolve for the same shape hits the store.
	_, err = e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.NoError(t, err)
	assert.Equal(t, 1, completer.callCount())
}

func TestResolveRejectsTransformThatFailsRoundTrip(t *testing.T) {
	st := newMemMappingStore()
	// The synthesized transform emits an invalid action.
	bad := `{publisher: "github", resource: {type: "pr", id: 1}, action: "opened"}`
	completer := &fakeCompleter{response: synthesisResponse(bad, "")}
	e := newTestEngine(t, st, completer)

	_, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.Error(t, err)
	assert.Equal(t, errors.KindSynthesisFailed, errors.KindOf(err))
	assert.Empty(t, st.mappings, "failed round-trip must not persist")
}

func TestResolveUsesEnhancedFingerprintForSharedShapes(t *testing.T) {
	st := newMemMappingStore()
	completer := &fakeCompleter{response: synthesisResponse(prExpression, ".action")}
	e := newTestEngine(t, st, completer)
	ctx := context.Background()

	opened := json.RawMessage(prPayload)
	_, err := e.Resolve(ctx, "github", opened)
	require.NoError(t, err)
	assert.Equal(t, 1, completer.callCount())
	assert.Len(t, st.mappings, 2, "shape record plus enhanced transform")

	// Same shape, same event field value: no new synthesis.
	_, err = e.Resolve(ctx, "github", opened)
	require.NoError(t, err)
	assert.Equal(t, 1, completer.callCount())

	// Same shape, different event field value: synthesized separately.
	closed := json.RawMessage(`{
		"action": "closed",
		"pull_request": {"number": 9, "title": "Old PR"},
		"repository": {"name": "langhook"}
	}`)
	_, err = e.Resolve(ctx, "github", closed)
	require.NoError(t, err)
	assert.Equal(t, 2, completer.callCount())
}

func TestResolveMapsModelRefusalToMappingMissing(t *testing.T) {
	completer := &fakeCompleter{response: "ERROR: Cannot map this payload"}
	st := newMemMappingStore()
	e := newTestEngine(t, st, completer)

	_, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.Error(t, err)
	assert.Equal(t, errors.KindMappingMissing, errors.KindOf(err))
	assert.False(t, errors.IsTransient(err), "a refusal dead-letters instead of redelivering")
	assert.Empty(t, st.mappings)
}

func TestResynthesizeReplacesBrokenMapping(t *testing.T) {
	st := newMemMappingStore()
	ctx := context.Background()
	fingerprint, err := Fingerprint(json.RawMessage(prPayload))
	require.NoError(t, err)

	broken := &store.Mapping{
		Fingerprint: fingerprint,
		Publisher:   "github",
		Expression:  `{publisher: "github"}`,
		Source:      store.MappingSourceSynthesized,
	}
	require.NoError(t, st.UpsertMapping(ctx, broken))

	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	e := newTestEngine(t, st, completer)

	m, err := e.Resynthesize(ctx, "github", json.RawMessage(prPayload), broken)
	require.NoError(t, err)
	assert.Equal(t, prExpression, m.Expression)
	assert.Equal(t, 1, completer.callCount(), "the stored row must not short-circuit the replacement")

	stored, err := st.GetMapping(ctx, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, prExpression, stored.Expression)
}

func TestResynthesizeKeepsStoredRowWhenReplacementFailsRoundTrip(t *testing.T) {
	st := newMemMappingStore()
	ctx := context.Background()
	fingerprint, err := Fingerprint(json.RawMessage(prPayload))
	require.NoError(t, err)

	broken := &store.Mapping{
		Fingerprint: fingerprint,
		Publisher:   "github",
		Expression:  `{publisher: "github"}`,
	}
	require.NoError(t, st.UpsertMapping(ctx, broken))

	// The replacement is just as broken.
	completer := &fakeCompleter{response: synthesisResponse(`{publisher: "github"}`, "")}
	e := newTestEngine(t, st, completer)

	_, err = e.Resynthesize(ctx, "github", json.RawMessage(prPayload), broken)
	require.Error(t, err)
	assert.Equal(t, errors.KindSynthesisFailed, errors.KindOf(err))

	stored, err := st.GetMapping(ctx, fingerprint)
	require.NoError(t, err)
	assert.Equal(t, broken.Expression, stored.Expression, "a failed replacement must not overwrite the row")
}

func TestResolvePropagatesModelOutage(t *testing.T) {
	completer := &fakeCompleter{err: fmt.Errorf("connection refused")}
	e := newTestEngine(t, newMemMappingStore(), completer)

	_, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
	require.Error(t, err)
	assert.Equal(t, errors.KindLLMUnavailable, errors.KindOf(err))
	assert.True(t, errors.IsTransient(err))
}

func TestSynthesisCoalescesConcurrentRequests(t *testing.T) {
	st := newMemMappingStore()
	completer := &fakeCompleter{response: synthesisResponse(prExpression, "")}
	e := newTestEngine(t, st, completer)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Resolve(context.Background(), "github", json.RawMessage(prPayload))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completer.callCount(), "concurrent unseen deliveries synthesize once")
}
