package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/convolabai/langhook/events"
	"github.com/convolabai/langhook/natsclient"
)

// StreamConsumer starts ordered ephemeral consumers for live tails.
// *natsclient.Client satisfies it.
type StreamConsumer interface {
	ConsumeEphemeral(ctx context.Context, stream, filterSubject string, handler natsclient.Handler) (*natsclient.Subscription, error)
}

// Tailer streams canonical events to websocket clients as they are
// published. Each connection gets its own ephemeral consumer starting
// at the stream head, so a tail never replays history.
type Tailer struct {
	consumer StreamConsumer
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewTailer wires the live tail over the broker.
func NewTailer(consumer StreamConsumer, logger *slog.Logger) *Tailer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tailer{
		consumer: consumer,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The management API key already guards this route.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades the connection and forwards canonical events
// matching the optional ?pattern= filter.
func (t *Tailer) ServeWS(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("pattern")
	if filter == "" {
		filter = events.CanonicalSubjectPrefix + ".>"
	}
	if !strings.HasPrefix(filter, events.CanonicalSubjectPrefix+".") {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"detail": "pattern must be under " + events.CanonicalSubjectPrefix,
		})
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		t.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	frames := make(chan []byte, 64)
	sub, err := t.consumer.ConsumeEphemeral(ctx, events.StreamCanonical, filter,
		func(_ context.Context, msg natsclient.Message) {
			select {
			case frames <- msg.Data():
			default:
				// Slow client: drop rather than stall the consumer.
			}
			_ = msg.Ack()
		})
	if err != nil {
		t.logger.Error("live tail consumer failed", "filter", filter, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "broker unavailable"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}
	defer sub.Stop()
	defer conn.Close()

	// Read pump: the client sends nothing we act on, but reading is how
	// we notice the connection closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case data := <-frames:
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}
