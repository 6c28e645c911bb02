// Package mapper turns raw webhook payloads into canonical events:
// structural fingerprinting, stored jq transforms, and LLM synthesis
// of new transforms for unseen payload shapes.
package mapper

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/convolabai/langhook/errors"
)

// TypeSkeleton reduces a JSON document to its shape: every value is
// replaced by its type name, object keys are kept, and an array is
// represented by the skeleton of its first element.
func TypeSkeleton(payload json.RawMessage) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.WrapKind(err, errors.KindInvalidJSON, errors.ErrorInvalid,
			"mapper", "TypeSkeleton")
	}
	return skeletonOf(doc), nil
}

func skeletonOf(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			out[k] = skeletonOf(child)
		}
		return out
	case []any:
		if len(val) == 0 {
			return []any{}
		}
		return []any{skeletonOf(val[0])}
	case string:
		return "string"
	case json.Number, float64:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%T", val)
	}
}

// Fingerprint hashes a payload's type skeleton. Two payloads with the
// same shape share a fingerprint regardless of their values.
func Fingerprint(payload json.RawMessage) (string, error) {
	skeleton, err := TypeSkeleton(payload)
	if err != nil {
		return "", err
	}
	return hashCanonical(skeleton)
}

// EnhancedFingerprint extends the structural hash with the values of
// the event-distinguishing fields, so payloads that share a shape but
// describe different event types get distinct mappings.
func EnhancedFingerprint(payload json.RawMessage, fieldValues any) (string, error) {
	skeleton, err := TypeSkeleton(payload)
	if err != nil {
		return "", err
	}
	return hashCanonical(map[string]any{
		"structure":    skeleton,
		"event_fields": fieldValues,
	})
}

// hashCanonical hashes the canonical JSON encoding of a value.
// encoding/json sorts map keys, which is exactly the canonical form
// needed for stable hashes.
func hashCanonical(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "mapper", "hashCanonical", "encode skeleton")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalFieldValues normalizes event-field values for hashing:
// maps are already stable, everything else is used as-is. Slices are
// sorted when they contain strings so field order does not change the
// hash.
func canonicalFieldValues(values []any) any {
	if len(values) == 1 {
		return values[0]
	}
	strs := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return values
		}
		strs = append(strs, s)
	}
	sort.Strings(strs)
	return strs
}
