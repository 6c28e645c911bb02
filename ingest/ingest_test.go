package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/ratelimit"
	"github.com/convolabai/langhook/signature"
)

type published struct {
	subject string
	data    []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, subject string, data []byte, _ map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{subject: subject, data: data})
	return nil
}

type fakeLimiter struct {
	decision ratelimit.Decision
}

func (l *fakeLimiter) Check(context.Context, string) ratelimit.Decision {
	return l.decision
}

func newTestServer(t *testing.T, pub *fakePublisher, limiter RateLimiter, secrets map[string]string) *httptest.Server {
	t.Helper()
	if limiter == nil {
		limiter = &fakeLimiter{decision: ratelimit.Decision{Allowed: true}}
	}
	verifier := signature.NewVerifier(func(source string) (string, bool) {
		s, ok := secrets[source]
		return s, ok
	})
	h := NewHandler(pub, limiter, verifier, 1024, metric.New(), nil)
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, url, body string, headers map[string]string) (*http.Response, map[string]string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	decoded := map[string]string{}
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestIngestAcceptsValidEvent(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, pub, nil, nil)

	resp, body := post(t, srv.URL+"/ingest/github", `{"action":"opened"}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, body["request_id"])

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "raw.github", pub.msgs[0].subject)

	var raw events.RawEvent
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &raw))
	assert.Equal(t, body["request_id"], raw.ID)
	assert.Equal(t, "github", raw.Source)
	assert.JSONEq(t, `{"action":"opened"}`, string(raw.Payload))
	assert.True(t, raw.SignatureValid)
	assert.WithinDuration(t, time.Now(), raw.ReceivedAt, time.Minute)
}

func TestIngestRejectsOversizedBody(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, pub, nil, nil)

	big := `{"pad":"` + strings.Repeat("x", 2048) + `"}`
	resp, body := post(t, srv.URL+"/ingest/github", big, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, body["detail"], "exceeds")
	assert.Equal(t, "body-too-large", body["error"])
	assert.Empty(t, pub.msgs)
}

func TestIngestRateLimited(t *testing.T) {
	pub := &fakePublisher{}
	limiter := &fakeLimiter{decision: ratelimit.Decision{Allowed: false, RetryAfter: 30 * time.Second}}
	srv := newTestServer(t, pub, limiter, nil)

	resp, body := post(t, srv.URL+"/ingest/github", `{}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "30", resp.Header.Get("Retry-After"))
	assert.Equal(t, "rate-limited", body["error"])
	assert.Empty(t, pub.msgs)
}

func TestIngestDeadLettersInvalidJSON(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, pub, nil, nil)

	resp, body := post(t, srv.URL+"/ingest/github", `{"broken`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["detail"], "invalid JSON")
	assert.Equal(t, "invalid-json", body["error"])

	require.Len(t, pub.msgs, 1, "invalid bodies are preserved on the DLQ")
	assert.Equal(t, "dlq.ingest.github", pub.msgs[0].subject)

	var dlq events.DLQMessage
	require.NoError(t, json.Unmarshal(pub.msgs[0].data, &dlq))
	assert.Equal(t, `{"broken`, dlq.Raw)
	assert.Equal(t, "github", dlq.Source)
}

func TestIngestVerifiesSignature(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, pub, nil, map[string]string{"github": "gh-secret"})
	payload := `{"action":"opened"}`

	// Missing signature with a configured secret.
	resp, _ := post(t, srv.URL+"/ingest/github", payload, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Wrong signature.
	resp, body := post(t, srv.URL+"/ingest/github", payload, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "invalid-signature", body["error"])
	assert.Empty(t, pub.msgs)

	// Correct signature.
	mac := hmac.New(sha256.New, []byte("gh-secret"))
	mac.Write([]byte(payload))
	resp, _ = post(t, srv.URL+"/ingest/github", payload, map[string]string{
		"X-Hub-Signature-256": "sha256=" + hex.EncodeToString(mac.Sum(nil)),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "raw.github", pub.msgs[0].subject)
}

func TestIngestBrokerOutageReturns503(t *testing.T) {
	pub := &fakePublisher{err: fmt.Errorf("no responders")}
	srv := newTestServer(t, pub, nil, nil)

	resp, body := post(t, srv.URL+"/ingest/github", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Contains(t, body["detail"], "broker")
	assert.Equal(t, "broker-unavailable", body["error"])
}

func TestIngestNormalizesSourceToken(t *testing.T) {
	pub := &fakePublisher{}
	srv := newTestServer(t, pub, nil, nil)

	resp, _ := post(t, srv.URL+"/ingest/My.CRM", `{}`, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "raw.my_crm", pub.msgs[0].subject)
}

func TestClientKeyPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/ingest/github", nil)
	req.RemoteAddr = "10.0.0.1:4321"
	assert.Equal(t, "10.0.0.1", clientKey(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientKey(req))
}
