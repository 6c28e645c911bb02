// Package ingest is the webhook intake surface: one POST route per
// source that authenticates, rate-limits, and publishes raw events
// onto the broker. Bodies that fail JSON parsing are dead-lettered,
// never dropped.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/convolabai/langhook/errors"
	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/ratelimit"
	"github.com/convolabai/langhook/signature"
)

// Publisher publishes onto broker subjects.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// RateLimiter admits or rejects a request for a key.
type RateLimiter interface {
	Check(ctx context.Context, key string) ratelimit.Decision
}

// Handler serves POST /ingest/{source}.
type Handler struct {
	publisher    Publisher
	limiter      RateLimiter
	verifier     *signature.Verifier
	maxBodyBytes int64
	metrics      *metric.Metrics
	logger       *slog.Logger
}

// NewHandler wires the ingest surface.
func NewHandler(publisher Publisher, limiter RateLimiter, verifier *signature.Verifier, maxBodyBytes int64, metrics *metric.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		publisher:    publisher,
		limiter:      limiter,
		verifier:     verifier,
		maxBodyBytes: maxBodyBytes,
		metrics:      metrics,
		logger:       logger,
	}
}

// Routes mounts the ingest endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/ingest/{source}", h.handleIngest)
}

func (h *Handler) handleIngest(w http.ResponseWriter, r *http.Request) {
	source := events.CleanToken(chi.URLParam(r, "source"))
	if source == "" || strings.ContainsAny(source, "*> ") {
		h.respondError(w, source, http.StatusNotFound, "unknown source")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			h.respondKind(w, source, errors.KindBodyTooLarge,
				fmt.Sprintf("body exceeds %d bytes", h.maxBodyBytes))
			return
		}
		h.respondError(w, source, http.StatusBadRequest, "failed to read request body")
		return
	}

	if decision := h.limiter.Check(r.Context(), source+":"+clientKey(r)); !decision.Allowed {
		h.metrics.RateLimitRejects.WithLabelValues(source).Inc()
		retryAfter := int(decision.RetryAfter.Round(time.Second).Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		h.respondKind(w, source, errors.KindRateLimited, "rate limit exceeded")
		return
	}

	if !json.Valid(body) {
		h.deadLetter(r.Context(), source, r.Header, body, "invalid JSON payload")
		h.respondKind(w, source, errors.KindInvalidJSON, "invalid JSON payload")
		return
	}

	if result := h.verifier.Verify(source, r.Header, body); !result.Valid {
		h.logger.Warn("signature verification failed",
			"source", source, "reason", result.Reason)
		h.respondKind(w, source, errors.KindInvalidSignature, "signature verification failed")
		return
	}

	raw := events.RawEvent{
		ID:             uuid.NewString(),
		ReceivedAt:     time.Now().UTC(),
		Source:         source,
		Headers:        flattenHeaders(r.Header),
		SignatureValid: true,
		Payload:        body,
	}
	data, err := json.Marshal(raw)
	if err != nil {
		h.respondError(w, source, http.StatusInternalServerError, "failed to encode event")
		return
	}

	if err := h.publisher.Publish(r.Context(), events.RawSubject(source), data, nil); err != nil {
		h.logger.Error("raw event publish failed", "source", source, "error", err)
		h.respondKind(w, source, errors.KindBrokerUnavailable, "event broker unavailable")
		return
	}

	h.metrics.IngestRequests.WithLabelValues(source, "202").Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"message":    "event accepted",
		"request_id": raw.ID,
	})
}

// deadLetter preserves an unparseable body on the ingest DLQ subject.
// Best-effort: a broker outage here still yields the 400.
func (h *Handler) deadLetter(ctx context.Context, source string, header http.Header, body []byte, reason string) {
	dlq := events.DLQMessage{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Source:    source,
		Error:     reason,
		Headers:   flattenHeaders(header),
		Raw:       string(body),
	}
	data, err := json.Marshal(dlq)
	if err != nil {
		h.logger.Error("encode ingest DLQ message failed", "source", source, "error", err)
		return
	}
	if err := h.publisher.Publish(ctx, events.DLQIngestSubject(source), data, nil); err != nil {
		h.logger.Error("ingest DLQ publish failed", "source", source, "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, source string, status int, detail string) {
	h.metrics.IngestRequests.WithLabelValues(source, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}

// respondKind rejects a request with a classified pipeline error. The
// kind travels in the response body so producers can tell the failure
// modes apart without parsing detail text.
func (h *Handler) respondKind(w http.ResponseWriter, source string, kind errors.Kind, detail string) {
	status := statusForKind(kind)
	h.metrics.IngestRequests.WithLabelValues(source, strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"detail": detail,
		"error":  string(kind),
	})
}

// statusForKind maps a pipeline error kind onto its ingest HTTP status.
func statusForKind(kind errors.Kind) int {
	switch kind {
	case errors.KindBodyTooLarge:
		return http.StatusRequestEntityTooLarge
	case errors.KindRateLimited:
		return http.StatusTooManyRequests
	case errors.KindInvalidSignature:
		return http.StatusUnauthorized
	case errors.KindInvalidJSON:
		return http.StatusBadRequest
	case errors.KindBrokerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// clientKey identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, otherwise the peer address.
func clientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k := range header {
		out[strings.ToLower(k)] = header.Get(k)
	}
	return out
}
