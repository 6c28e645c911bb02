package llm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/store"
)

// SynthesisResult is the parsed output of a mapping-synthesis call.
type SynthesisResult struct {
	Publisher      string `json:"publisher"`
	EventName      string `json:"event_name"`
	Expression     string `json:"mapping_expr"`
	EventFieldExpr string `json:"event_field_expr,omitempty"`
}

const mappingSynthesisSystem = `You are an expert at mapping webhook payloads to a canonical event format.

Given a webhook payload, produce a jq program that transforms it into a canonical event object with exactly these fields:
- publisher: the system that sent the event (lowercase, e.g. "github", "stripe")
- resource: an object with "type" (the kind of thing the event is about, e.g. "pull_request") and "id" (the single atomic identifier of that thing, a string or number; never a composite like "owner/repo#42")
- action: exactly one of "create", "read", "update", "delete"
- summary: optional one-line human description

Map fine-grained verbs onto the closest CRUD action: "opened" is create, "merged" or "closed" is update, "deleted" or "removed" is delete.

Respond with a single JSON object, no markdown, with these fields:
{
  "publisher": "<publisher>",
  "event_name": "<short descriptive name for this event shape>",
  "mapping_expr": "<jq program producing the canonical object>",
  "event_field_expr": "<jq expression selecting the field(s) that distinguish this event type within the shape, or null>"
}

If the payload carries no identifiable resource or action and cannot be mapped, respond with exactly: ERROR: Cannot map this payload`

// MappingSynthesisUserPrompt renders the user turn for mapping
// synthesis.
func MappingSynthesisUserPrompt(source string, payload json.RawMessage) string {
	return fmt.Sprintf("Source header: %s\n\nWebhook payload:\n%s", source, payload)
}

// MappingSynthesisSystemPrompt returns the system turn for mapping
// synthesis.
func MappingSynthesisSystemPrompt() string {
	return mappingSynthesisSystem
}

// noMappingMarker is the contract the mapping-synthesis prompt
// establishes for "this payload cannot be canonicalized".
const noMappingMarker = "ERROR: Cannot map this payload"

// ParseSynthesisResponse decodes a mapping-synthesis response,
// tolerating a markdown code fence. A refusal maps to mapping-missing
// so the event dead-letters instead of retrying.
func ParseSynthesisResponse(resp string) (*SynthesisResult, error) {
	cleaned := StripCodeFence(resp)
	if strings.Contains(cleaned, noMappingMarker) {
		return nil, errors.NewKind(errors.KindMappingMissing, errors.ErrorInvalid,
			"Broker", "ParseSynthesisResponse",
			"no mapping exists for this payload shape and none could be synthesized")
	}
	var result SynthesisResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, errors.WrapKind(err, errors.KindSynthesisFailed, errors.ErrorInvalid,
			"Broker", "ParseSynthesisResponse")
	}
	if result.Publisher == "" || result.Expression == "" {
		return nil, errors.NewKind(errors.KindSynthesisFailed, errors.ErrorInvalid,
			"Broker", "ParseSynthesisResponse", "response missing publisher or mapping_expr")
	}
	return &result, nil
}

// noSchemaMarker is the contract the pattern-synthesis prompt
// establishes for "nothing in the registry fits this request".
const noSchemaMarker = "ERROR: No suitable schema found"

const patternSynthesisSystemTemplate = `You convert natural-language event descriptions into NATS subject filter patterns.

Subjects have the form: langhook.events.{publisher}.{resource_type}.{resource_id}.{action}
- "*" matches exactly one token
- ">" matches one or more trailing tokens
- action is one of: create, read, update, delete

Only these publishers, resource types, and actions exist:
%s

Rules:
- Use only publishers and resource types from the list above.
- When the description names a specific resource id, place it in the resource_id position; otherwise use "*".
- Respond with the pattern alone, no explanation, no markdown.
- If the description cannot be expressed with the schemas above, respond with exactly: %s`

// PatternSynthesisSystemPrompt renders the system turn for
// subscription pattern synthesis, fed by the live schema registry.
func PatternSynthesisSystemPrompt(summary *store.SchemaSummary) string {
	return fmt.Sprintf(patternSynthesisSystemTemplate, renderSchemaSummary(summary), noSchemaMarker)
}

func renderSchemaSummary(summary *store.SchemaSummary) string {
	if summary == nil || len(summary.Publishers) == 0 {
		return "(the registry is empty; no schemas have been discovered yet)"
	}
	var b strings.Builder
	publishers := append([]string(nil), summary.Publishers...)
	sort.Strings(publishers)
	for _, pub := range publishers {
		types := append([]string(nil), summary.ResourceTypes[pub]...)
		sort.Strings(types)
		fmt.Fprintf(&b, "- %s: %s\n", pub, strings.Join(types, ", "))
	}
	actions := append([]string(nil), summary.Actions...)
	sort.Strings(actions)
	fmt.Fprintf(&b, "Actions seen: %s", strings.Join(actions, ", "))
	return b.String()
}

// ParsePatternResponse validates a pattern-synthesis response. A
// no-schema refusal maps to a subscription-pattern-unknown-schema
// error.
func ParsePatternResponse(resp string) (string, error) {
	cleaned := StripCodeFence(resp)
	if strings.Contains(cleaned, noSchemaMarker) {
		return "", errors.NewKind(errors.KindPatternUnknownSchema, errors.ErrorInvalid,
			"Broker", "ParsePatternResponse",
			"no registered schema matches the subscription description")
	}
	if !strings.HasPrefix(cleaned, "langhook.events.") {
		return "", errors.NewKind(errors.KindSynthesisFailed, errors.ErrorInvalid,
			"Broker", "ParsePatternResponse",
			fmt.Sprintf("response is not a subject pattern: %q", cleaned))
	}
	return cleaned, nil
}

// GateResult is the parsed output of a gate evaluation.
type GateResult struct {
	Decision   bool    `json:"decision"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// Gate prompt templates. "default" balances precision and recall,
// "strict" demands an exact match, "summary" additionally weighs the
// event summary text.
var gateTemplates = map[string]string{
	"default": `You decide whether an event matches a subscriber's intent.

Subscriber's intent: %s

Evaluate the event against the intent. Respond with a single JSON object, no markdown:
{"decision": true|false, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`,

	"strict": `You decide whether an event matches a subscriber's intent. Only approve events that unambiguously satisfy every condition in the intent; when in doubt, reject.

Subscriber's intent: %s

Respond with a single JSON object, no markdown:
{"decision": true|false, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`,

	"summary": `You decide whether an event matches a subscriber's intent. Weigh the event's summary field as the primary signal and the raw payload as supporting detail.

Subscriber's intent: %s

Respond with a single JSON object, no markdown:
{"decision": true|false, "confidence": <0.0-1.0>, "reasoning": "<one sentence>"}`,
}

// GateSystemPrompt renders the gate system turn. template selects a
// named template ("default" when empty); intent is the subscriber's
// gate prompt or subscription description.
func GateSystemPrompt(template, intent string) string {
	tpl, ok := gateTemplates[template]
	if !ok {
		tpl = gateTemplates["default"]
	}
	return fmt.Sprintf(tpl, intent)
}

// GateTemplateNames lists the available gate prompt templates.
func GateTemplateNames() []string {
	names := make([]string, 0, len(gateTemplates))
	for name := range gateTemplates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// GateUserPrompt renders the event under evaluation.
func GateUserPrompt(canonicalEvent json.RawMessage) string {
	return fmt.Sprintf("Event:\n%s", canonicalEvent)
}

// ParseGateResponse decodes a gate response, tolerating a markdown
// code fence.
func ParseGateResponse(resp string) (*GateResult, error) {
	cleaned := StripCodeFence(resp)
	var result GateResult
	if err := json.Unmarshal([]byte(cleaned), &result); err != nil {
		return nil, errors.WrapKind(err, errors.KindLLMUnavailable, errors.ErrorTransient,
			"Broker", "ParseGateResponse")
	}
	if result.Confidence < 0 || result.Confidence > 1 {
		return nil, errors.WrapKind(
			fmt.Errorf("confidence %v outside [0,1]", result.Confidence),
			errors.KindLLMUnavailable, errors.ErrorTransient, "Broker", "ParseGateResponse")
	}
	return &result, nil
}
