package mapper

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/itchyny/gojq"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/singleflight"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/llm"
	"github.com/convolabai/langhook/store"
)

// canonicalSchema is the shape every mapping output must satisfy
// before an event is published.
const canonicalSchema = `{
	"type": "object",
	"required": ["publisher", "resource", "action"],
	"properties": {
		"publisher": {"type": "string", "minLength": 1},
		"resource": {
			"type": "object",
			"required": ["type", "id"],
			"properties": {
				"type": {"type": "string", "minLength": 1},
				"id": {"type": ["string", "integer", "number"]}
			}
		},
		"action": {"enum": ["create", "read", "update", "delete"]},
		"summary": {"type": "string"}
	}
}`

// MappingStore is the slice of the store the engine needs.
type MappingStore interface {
	GetMapping(ctx context.Context, fingerprint string) (*store.Mapping, error)
	UpsertMapping(ctx context.Context, m *store.Mapping) error
}

// Engine applies stored jq transforms to payloads and synthesizes new
// transforms for unseen shapes.
type Engine struct {
	store  MappingStore
	broker *llm.Broker
	logger *slog.Logger

	schema *gojsonschema.Schema

	mu       sync.RWMutex
	programs map[string]*gojq.Code

	// Concurrent deliveries of the same unseen shape synthesize once.
	sf singleflight.Group
}

// NewEngine creates an Engine over the mapping store and LLM broker.
func NewEngine(st MappingStore, broker *llm.Broker, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(canonicalSchema))
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "NewEngine", "compile canonical schema")
	}
	return &Engine{
		store:    st,
		broker:   broker,
		logger:   logger,
		schema:   schema,
		programs: map[string]*gojq.Code{},
	}, nil
}

func (e *Engine) compile(expr string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.programs[expr]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expr)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindSynthesisFailed, errors.ErrorInvalid,
			"Engine", "compile")
	}
	code, err = gojq.Compile(query)
	if err != nil {
		return nil, errors.WrapKind(err, errors.KindSynthesisFailed, errors.ErrorInvalid,
			"Engine", "compile")
	}

	e.mu.Lock()
	e.programs[expr] = code
	e.mu.Unlock()
	return code, nil
}

func (e *Engine) evalOne(ctx context.Context, expr string, payload json.RawMessage) (any, error) {
	outputs, err := e.evalAll(ctx, expr, payload)
	if err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, errors.NewKind(errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
			"Engine", "evalOne", "transform produced no output")
	}
	return outputs[0], nil
}

func (e *Engine) evalAll(ctx context.Context, expr string, payload json.RawMessage) ([]any, error) {
	code, err := e.compile(expr)
	if err != nil {
		return nil, err
	}

	var input any
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidJSON, errors.ErrorInvalid,
			"Engine", "evalAll")
	}

	var outputs []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, errors.WrapKind(err, errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
				"Engine", "evalAll")
		}
		outputs = append(outputs, v)
	}
	return outputs, nil
}

// Apply runs a mapping's transform over a payload and validates the
// result into a canonical event. ID and timestamps are the caller's
// to fill in.
func (e *Engine) Apply(ctx context.Context, m *store.Mapping, payload json.RawMessage) (*events.CanonicalEvent, error) {
	out, err := e.evalOne(ctx, m.Expression, payload)
	if err != nil {
		return nil, err
	}

	result, err := e.schema.Validate(gojsonschema.NewGoLoader(out))
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "Apply", "validate transform output")
	}
	if !result.Valid() {
		return nil, errors.NewKind(errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
			"Engine", "Apply", fmt.Sprintf("transform output violates canonical shape: %v", result.Errors()))
	}

	obj, ok := out.(map[string]any)
	if !ok {
		return nil, errors.NewKind(errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
			"Engine", "Apply", "transform output is not an object")
	}

	event := &events.CanonicalEvent{
		Publisher: stringField(obj, "publisher"),
		Action:    stringField(obj, "action"),
		Summary:   stringField(obj, "summary"),
		Payload:   payload,
	}
	if resource, ok := obj["resource"].(map[string]any); ok {
		event.Resource.Type = stringField(resource, "type")
		id, err := events.CoerceResourceID(resource["id"])
		if err != nil {
			return nil, errors.WrapKind(err, errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
				"Engine", "Apply")
		}
		event.Resource.ID = id
	}

	if err := event.Validate(); err != nil {
		return nil, errors.WrapKind(err, errors.KindMappingInvalidCanonical, errors.ErrorInvalid,
			"Engine", "Apply")
	}
	return event, nil
}

func stringField(obj map[string]any, key string) string {
	s, _ := obj[key].(string)
	return s
}

// EvalFieldValues evaluates an event-field expression over a payload,
// returning every output value.
func (e *Engine) EvalFieldValues(ctx context.Context, expr string, payload json.RawMessage) (any, error) {
	values, err := e.evalAll(ctx, expr, payload)
	if err != nil {
		return nil, err
	}
	return canonicalFieldValues(values), nil
}

// Resolve finds the mapping for a payload, synthesizing one when the
// shape is unseen. Shapes whose mappings carry an event-field
// expression resolve through the enhanced fingerprint so distinct
// event types within one shape get distinct mappings.
func (e *Engine) Resolve(ctx context.Context, source string, payload json.RawMessage) (*store.Mapping, error) {
	fingerprint, err := Fingerprint(payload)
	if err != nil {
		return nil, err
	}

	m, err := e.store.GetMapping(ctx, fingerprint)
	switch {
	case err == nil && m.EventFieldExpr == "":
		return m, nil
	case err == nil:
		// Shape-level record: the real transform lives under the
		// enhanced fingerprint.
		values, err := e.EvalFieldValues(ctx, m.EventFieldExpr, payload)
		if err != nil {
			return nil, err
		}
		enhanced, err := EnhancedFingerprint(payload, values)
		if err != nil {
			return nil, err
		}
		if em, err := e.store.GetMapping(ctx, enhanced); err == nil {
			return em, nil
		} else if !errors.Is(err, errors.ErrNotFound) {
			return nil, err
		}
		return e.synthesize(ctx, source, payload, enhanced, m.EventFieldExpr, false)
	case errors.Is(err, errors.ErrNotFound):
		return e.synthesize(ctx, source, payload, fingerprint, "", false)
	default:
		return nil, err
	}
}

// Resynthesize replaces a stored mapping whose transform no longer
// canonicalizes the payloads arriving under its fingerprint. The
// stored row is overwritten only when the replacement round-trips.
func (e *Engine) Resynthesize(ctx context.Context, source string, payload json.RawMessage, m *store.Mapping) (*store.Mapping, error) {
	replacement, err := e.synthesize(ctx, source, payload, m.Fingerprint, m.EventFieldExpr, true)
	if err != nil {
		return nil, err
	}
	e.logger.Info("mapping resynthesized",
		"source", source, "fingerprint", m.Fingerprint,
		"publisher", replacement.Publisher, "event_name", replacement.EventName)
	return replacement, nil
}

// synthesize asks the model for a transform, validates it against the
// triggering payload, and persists it under key. Coalesced per key.
// force skips the store check so a broken stored row gets replaced.
func (e *Engine) synthesize(ctx context.Context, source string, payload json.RawMessage, key, knownFieldExpr string, force bool) (*store.Mapping, error) {
	v, err, _ := e.sf.Do(key, func() (any, error) {
		if !force {
			if m, err := e.store.GetMapping(ctx, key); err == nil {
				return m, nil
			}
		}

		resp, err := e.broker.Complete(ctx, "map-synthesis",
			llm.MappingSynthesisSystemPrompt(),
			llm.MappingSynthesisUserPrompt(source, payload))
		if err != nil {
			return nil, err
		}
		result, err := llm.ParseSynthesisResponse(resp)
		if err != nil {
			return nil, err
		}

		skeleton, err := TypeSkeleton(payload)
		if err != nil {
			return nil, err
		}
		structure, err := json.Marshal(skeleton)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "synthesize", "encode structure")
		}

		fieldExpr := result.EventFieldExpr
		if knownFieldExpr != "" {
			fieldExpr = knownFieldExpr
		}

		m := &store.Mapping{
			Fingerprint:    key,
			Publisher:      result.Publisher,
			EventName:      result.EventName,
			Expression:     result.Expression,
			EventFieldExpr: fieldExpr,
			Source:         store.MappingSourceSynthesized,
			Structure:      structure,
		}

		// Round-trip check before anything is persisted: the new
		// transform must canonicalize the payload that triggered it.
		if _, err := e.Apply(ctx, m, payload); err != nil {
			return nil, errors.WrapKind(err, errors.KindSynthesisFailed, errors.ErrorInvalid,
				"Engine", "synthesize")
		}

		if fieldExpr != "" && knownFieldExpr == "" {
			// First sighting of a shape that needs event-field
			// disambiguation: persist the shape-level record, then
			// the transform under its enhanced key.
			values, err := e.EvalFieldValues(ctx, fieldExpr, payload)
			if err != nil {
				return nil, errors.WrapKind(err, errors.KindSynthesisFailed, errors.ErrorInvalid,
					"Engine", "synthesize")
			}
			enhanced, err := EnhancedFingerprint(payload, values)
			if err != nil {
				return nil, err
			}
			shapeRecord := &store.Mapping{
				Fingerprint:    key,
				Publisher:      result.Publisher,
				EventName:      result.EventName,
				Expression:     result.Expression,
				EventFieldExpr: fieldExpr,
				Source:         store.MappingSourceSynthesized,
				Structure:      structure,
			}
			if err := e.store.UpsertMapping(ctx, shapeRecord); err != nil {
				return nil, err
			}
			m.Fingerprint = enhanced
		}

		if err := e.store.UpsertMapping(ctx, m); err != nil {
			return nil, err
		}
		e.logger.Info("mapping synthesized",
			"source", source, "fingerprint", m.Fingerprint,
			"publisher", m.Publisher, "event_name", m.EventName)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*store.Mapping), nil
}
