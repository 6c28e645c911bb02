package mapper

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeSkeleton(t *testing.T) {
	payload := json.RawMessage(`{
		"action": "opened",
		"number": 1374,
		"merged": false,
		"assignee": null,
		"labels": [{"name": "bug"}, {"name": "urgent"}],
		"repository": {"name": "langhook", "private": false}
	}`)

	skeleton, err := TypeSkeleton(payload)
	require.NoError(t, err)

	want := map[string]any{
		"action":   "string",
		"number":   "number",
		"merged":   "boolean",
		"assignee": "null",
		// Arrays reduce to their first element's shape.
		"labels": []any{map[string]any{"name": "string"}},
		"repository": map[string]any{
			"name":    "string",
			"private": "boolean",
		},
	}
	if diff := cmp.Diff(want, skeleton); diff != "" {
		t.Errorf("skeleton mismatch (-want +got):\n%s", diff)
	}
}

func TestFingerprintIgnoresValues(t *testing.T) {
	a := json.RawMessage(`{"action": "opened", "number": 1}`)
	b := json.RawMessage(`{"action": "closed", "number": 99999}`)
	c := json.RawMessage(`{"action": "opened", "number": "1"}`)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	fc, err := Fingerprint(c)
	require.NoError(t, err)

	assert.Equal(t, fa, fb, "same shape must share a fingerprint")
	assert.NotEqual(t, fa, fc, "number vs string changes the shape")
	assert.Len(t, fa, 64)
}

func TestFingerprintKeyOrderIrrelevant(t *testing.T) {
	a := json.RawMessage(`{"x": 1, "y": "s"}`)
	b := json.RawMessage(`{"y": "t", "x": 2}`)

	fa, err := Fingerprint(a)
	require.NoError(t, err)
	fb, err := Fingerprint(b)
	require.NoError(t, err)
	assert.Equal(t, fa, fb)
}

func TestFingerprintRejectsInvalidJSON(t *testing.T) {
	_, err := Fingerprint(json.RawMessage(`{"broken`))
	assert.Error(t, err)
}

func TestEnhancedFingerprintSeparatesEventTypes(t *testing.T) {
	opened := json.RawMessage(`{"action": "opened", "number": 1}`)
	closed := json.RawMessage(`{"action": "closed", "number": 1}`)

	fOpened, err := EnhancedFingerprint(opened, "opened")
	require.NoError(t, err)
	fClosed, err := EnhancedFingerprint(closed, "closed")
	require.NoError(t, err)
	basic, err := Fingerprint(opened)
	require.NoError(t, err)

	assert.NotEqual(t, fOpened, fClosed)
	assert.NotEqual(t, basic, fOpened)
}

func TestCanonicalFieldValues(t *testing.T) {
	assert.Equal(t, "opened", canonicalFieldValues([]any{"opened"}))
	assert.Equal(t, []string{"a", "b"}, canonicalFieldValues([]any{"b", "a"}))

	mixed := []any{"a", 1.0}
	assert.Equal(t, mixed, canonicalFieldValues(mixed))
}
