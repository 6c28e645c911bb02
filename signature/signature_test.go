package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func verifierWith(secrets map[string]string) *Verifier {
	return NewVerifier(func(source string) (string, bool) {
		s, ok := secrets[source]
		return s, ok
	})
}

func TestVerifyNoSecretConfigured(t *testing.T) {
	v := verifierWith(nil)
	res := v.Verify("github", http.Header{}, []byte(`{"a":1}`))
	assert.True(t, res.Valid)
}

func TestVerifyGitHub(t *testing.T) {
	body := []byte(`{"action":"opened"}`)
	v := verifierWith(map[string]string{"github": "gh-secret"})

	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+sign("gh-secret", body))
	assert.True(t, v.Verify("github", h, body).Valid)

	h.Set("X-Hub-Signature-256", "sha256="+sign("wrong", body))
	res := v.Verify("github", h, body)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "mismatch")

	h.Set("X-Hub-Signature-256", sign("gh-secret", body))
	res = v.Verify("github", h, body)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "malformed")
}

func TestVerifyStripe(t *testing.T) {
	body := []byte(`{"type":"invoice.paid"}`)
	secret := "whsec_test"
	timestamp := "1716600000"
	v := verifierWith(map[string]string{"stripe": secret})

	signed := sign(secret, []byte(fmt.Sprintf("%s.%s", timestamp, body)))

	h := http.Header{}
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, signed))
	assert.True(t, v.Verify("stripe", h, body).Valid)

	// Multiple v1 entries, one valid (key rotation).
	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s,v1=%s", timestamp, sign("old", body), signed))
	assert.True(t, v.Verify("stripe", h, body).Valid)

	h.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", timestamp, sign(secret, body)))
	assert.False(t, v.Verify("stripe", h, body).Valid, "signing body without timestamp must fail")

	h.Set("Stripe-Signature", "v1="+signed)
	res := v.Verify("stripe", h, body)
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "malformed")
}

func TestVerifyGeneric(t *testing.T) {
	body := []byte(`{"event":"ping"}`)
	v := verifierWith(map[string]string{"my_crm": "crm-secret"})

	h := http.Header{}
	h.Set("X-Webhook-Signature", sign("crm-secret", body))
	assert.True(t, v.Verify("my_crm", h, body).Valid)

	h.Set("X-Webhook-Signature", "sha256="+sign("crm-secret", body))
	assert.True(t, v.Verify("my_crm", h, body).Valid)

	h.Set("X-Webhook-Signature", sign("other", body))
	assert.False(t, v.Verify("my_crm", h, body).Valid)
}

func TestVerifySecretButNoHeader(t *testing.T) {
	v := verifierWith(map[string]string{"github": "gh-secret"})
	res := v.Verify("github", http.Header{}, []byte(`{}`))
	assert.False(t, res.Valid)
	assert.Contains(t, res.Reason, "no signature header")
}
