// Package signature verifies webhook payload signatures against
// per-publisher shared secrets. Verification never rejects a request
// outright: the caller decides what an invalid signature means.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Result reports the outcome of a verification attempt.
type Result struct {
	Valid  bool
	Reason string
}

// Verifier checks an inbound request body against a shared secret.
type Verifier struct {
	secretFor func(source string) (string, bool)
}

// NewVerifier creates a Verifier that resolves secrets through the
// given lookup, typically config.Config.SecretFor.
func NewVerifier(secretFor func(source string) (string, bool)) *Verifier {
	return &Verifier{secretFor: secretFor}
}

// Verify checks the request signature for a source. When no secret is
// configured for the source the payload is accepted as-is.
func (v *Verifier) Verify(source string, header http.Header, body []byte) Result {
	secret, ok := v.secretFor(source)
	if !ok || secret == "" {
		return Result{Valid: true, Reason: "no secret configured"}
	}

	switch {
	case header.Get("X-Hub-Signature-256") != "":
		return verifyGitHub(secret, header.Get("X-Hub-Signature-256"), body)
	case header.Get("Stripe-Signature") != "":
		return verifyStripe(secret, header.Get("Stripe-Signature"), body)
	case header.Get("X-Webhook-Signature") != "":
		return verifyGeneric(secret, header.Get("X-Webhook-Signature"), body)
	}
	return Result{Valid: false, Reason: "secret configured but no signature header present"}
}

// verifyGitHub checks the x-hub-signature-256 scheme: "sha256=" +
// hex(HMAC-SHA256(secret, body)).
func verifyGitHub(secret, header string, body []byte) Result {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return Result{Valid: false, Reason: "malformed x-hub-signature-256 header"}
	}
	expected := hmacHex(secret, body)
	if !hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, prefix))) {
		return Result{Valid: false, Reason: "x-hub-signature-256 mismatch"}
	}
	return Result{Valid: true}
}

// verifyStripe checks the stripe-signature scheme: the header carries
// "t=<timestamp>,v1=<sig>[,...]" and the signed payload is
// "<timestamp>.<body>".
func verifyStripe(secret, header string, body []byte) Result {
	var timestamp string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, val, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			timestamp = val
		case "v1":
			sigs = append(sigs, val)
		}
	}
	if timestamp == "" || len(sigs) == 0 {
		return Result{Valid: false, Reason: "malformed stripe-signature header"}
	}

	signed := fmt.Sprintf("%s.%s", timestamp, body)
	expected := hmacHex(secret, []byte(signed))
	for _, sig := range sigs {
		if hmac.Equal([]byte(expected), []byte(sig)) {
			return Result{Valid: true}
		}
	}
	return Result{Valid: false, Reason: "stripe-signature mismatch"}
}

// verifyGeneric checks the x-webhook-signature scheme: bare
// hex(HMAC-SHA256(secret, body)), with an optional "sha256=" prefix.
func verifyGeneric(secret, header string, body []byte) Result {
	got := strings.TrimPrefix(header, "sha256=")
	expected := hmacHex(secret, body)
	if !hmac.Equal([]byte(expected), []byte(got)) {
		return Result{Valid: false, Reason: "x-webhook-signature mismatch"}
	}
	return Result{Valid: true}
}

func hmacHex(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
