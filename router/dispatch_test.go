package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convolabai/langhook/metric"
	"github.com/convolabai/langhook/pkg/retry"
)

func newTestDispatcher() *Dispatcher {
	d := NewDispatcher(metric.New(), nil)
	d.schedule = retry.FixedSchedule(time.Millisecond, time.Millisecond, time.Millisecond)
	return d
}

func webhookCfg(url string) json.RawMessage {
	data, _ := json.Marshal(WebhookConfig{URL: url, Headers: map[string]string{"X-Token": "t0k"}})
	return data
}

func TestDeliverSuccess(t *testing.T) {
	var gotToken atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken.Store(r.Header.Get("X-Token"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(srv.URL), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "t0k", gotToken.Load())
}

func TestDeliverRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(srv.URL), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestDeliverDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(srv.URL), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, int32(1), calls.Load(), "4xx other than 408/429 is terminal")
}

func TestDeliverRetries429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(srv.URL), []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeliverExhaustsSchedule(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(srv.URL), []byte(`{}`))
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three scheduled retries")
}

func TestDeliverRejectsBadChannelConfig(t *testing.T) {
	d := newTestDispatcher()

	_, err := d.Deliver(context.Background(), json.RawMessage(`{}`), []byte(`{}`))
	require.Error(t, err)

	_, err = d.Deliver(context.Background(), json.RawMessage(`not json`), []byte(`{}`))
	assert.Error(t, err)
}

func TestDeliverConnectionRefusedRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	d := newTestDispatcher()
	status, err := d.Deliver(context.Background(), webhookCfg(url), []byte(`{}`))
	require.Error(t, err)
	assert.Zero(t, status)
}
