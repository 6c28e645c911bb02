// Package events defines the event shapes that move through the
// pipeline: the raw event produced by ingest and the canonical
// five-tuple emitted after mapping, together with subject derivation.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Subject layout on the broker.
const (
	RawSubjectPrefix       = "raw"
	CanonicalSubjectPrefix = "langhook.events"
	DLQIngestSubjectPrefix = "dlq.ingest"
	DLQMapSubjectPrefix    = "dlq.map"
)

// Stream names. The control plane ensures these exist at startup.
const (
	StreamRaw       = "raw"
	StreamCanonical = "langhook"
	StreamDLQ       = "dlq"
)

// Valid canonical actions. Webhook verbs are normalized onto CRUD
// during mapping (opened->create, merged->update, removed->delete).
var ValidActions = map[string]bool{
	"create": true,
	"read":   true,
	"update": true,
	"delete": true,
}

// RawEvent is the envelope published on raw.{source} by the ingest
// pipeline and consumed by the map worker.
type RawEvent struct {
	ID             string            `json:"id"`
	ReceivedAt     time.Time         `json:"received_at"`
	Source         string            `json:"source"`
	Headers        map[string]string `json:"headers"`
	SignatureValid bool              `json:"signature_valid"`
	Payload        json.RawMessage   `json:"payload"`
}

// Resource identifies the entity a canonical event is about.
type Resource struct {
	Type string     `json:"type"`
	ID   ResourceID `json:"id"`
}

// CanonicalEvent is the normalized event emitted by the map worker.
type CanonicalEvent struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Publisher string          `json:"publisher"`
	Resource  Resource        `json:"resource"`
	Action    string          `json:"action"`
	Summary   string          `json:"summary,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

// DLQMessage carries a failed event onto a dead-letter subject.
type DLQMessage struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Source    string            `json:"source"`
	Error     string            `json:"error"`
	Headers   map[string]string `json:"headers,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Raw       string            `json:"raw,omitempty"`
}

// ResourceID models the source's string-or-number resource identifier.
type ResourceID struct {
	str   string
	num   int64
	isNum bool
}

// StringID returns a string-typed resource id.
func StringID(s string) ResourceID { return ResourceID{str: s} }

// NumberID returns a number-typed resource id.
func NumberID(n int64) ResourceID { return ResourceID{num: n, isNum: true} }

// IsNumber reports whether the id carries a numeric value.
func (r ResourceID) IsNumber() bool { return r.isNum }

// String renders the id as a subject token.
func (r ResourceID) String() string {
	if r.isNum {
		return strconv.FormatInt(r.num, 10)
	}
	return r.str
}

// IsZero reports whether the id is unset.
func (r ResourceID) IsZero() bool {
	return !r.isNum && r.str == ""
}

// MarshalJSON encodes numeric ids as JSON numbers and everything else
// as strings, preserving the shape the mapping produced.
func (r ResourceID) MarshalJSON() ([]byte, error) {
	if r.isNum {
		return []byte(strconv.FormatInt(r.num, 10)), nil
	}
	return json.Marshal(r.str)
}

// UnmarshalJSON accepts a JSON number or string.
func (r *ResourceID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return err
	}
	return r.fromDecoded(v)
}

func (r *ResourceID) fromDecoded(v any) error {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			*r = NumberID(n)
		} else {
			*r = StringID(t.String())
		}
		return nil
	case string:
		*r = StringID(t)
		return nil
	default:
		return fmt.Errorf("resource id must be a string or number, got %T", v)
	}
}

// CoerceResourceID converts a decoded JSON value to a ResourceID.
// Integral floats become numbers; other numbers and strings keep their
// textual form.
func CoerceResourceID(v any) (ResourceID, error) {
	switch t := v.(type) {
	case string:
		return StringID(t), nil
	case int:
		return NumberID(int64(t)), nil
	case int64:
		return NumberID(t), nil
	case float64:
		if t == float64(int64(t)) {
			return NumberID(int64(t)), nil
		}
		return StringID(strconv.FormatFloat(t, 'f', -1, 64)), nil
	case json.Number:
		var r ResourceID
		err := r.fromDecoded(t)
		return r, err
	default:
		return ResourceID{}, fmt.Errorf("resource id must be a string or number, got %T", v)
	}
}

// CleanToken normalizes a value into a broker subject token: lowercase,
// with the subject separator replaced by underscore.
func CleanToken(s string) string {
	return strings.ReplaceAll(strings.ToLower(s), ".", "_")
}

// Subject derives the canonical publish subject:
// langhook.events.{publisher}.{resource_type}.{resource_id}.{action}.
// Validate must have passed; tokens are cleaned, never empty.
func (e *CanonicalEvent) Subject() string {
	return strings.Join([]string{
		CanonicalSubjectPrefix,
		CleanToken(e.Publisher),
		CleanToken(e.Resource.Type),
		CleanToken(e.Resource.ID.String()),
		CleanToken(e.Action),
	}, ".")
}

// Validate enforces the canonical-event invariants: mandatory non-empty
// lowercase-safe tokens, a CRUD action, and an atomic resource id.
func (e *CanonicalEvent) Validate() error {
	if e.Publisher == "" {
		return fmt.Errorf("publisher is required")
	}
	if e.Resource.Type == "" {
		return fmt.Errorf("resource.type is required")
	}
	if e.Resource.ID.IsZero() {
		return fmt.Errorf("resource.id is required")
	}
	if !ValidActions[e.Action] {
		return fmt.Errorf("action %q is not one of create, read, update, delete", e.Action)
	}
	id := e.Resource.ID.String()
	for _, c := range []string{"#", " ", "/"} {
		if strings.Contains(id, c) {
			return fmt.Errorf("resource id %q contains %q; atomic ids only", id, c)
		}
	}
	return nil
}

// RawSubject returns the ingest subject for a source.
func RawSubject(source string) string {
	return RawSubjectPrefix + "." + CleanToken(source)
}

// DLQIngestSubject returns the ingest dead-letter subject for a source.
func DLQIngestSubject(source string) string {
	return DLQIngestSubjectPrefix + "." + CleanToken(source)
}

// DLQMapSubject returns the map dead-letter subject for a source.
func DLQMapSubject(source string) string {
	return DLQMapSubjectPrefix + "." + CleanToken(source)
}

// MatchesPattern reports whether a concrete subject matches a broker
// filter pattern ('*' one token, '>' one or more trailing tokens).
func MatchesPattern(subject, pattern string) bool {
	st := strings.Split(subject, ".")
	pt := strings.Split(pattern, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(st) == len(pt)
}
