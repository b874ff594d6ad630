package push

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

	"github.com/coderelay/coderelay/internal/common/config"
	"github.com/coderelay/coderelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stderr",
	})
	require.NoError(t, err)
	return log
}

func newTestNotifier(t *testing.T, providerURL string) *Notifier {
	t.Helper()
	return NewNotifier(config.PushConfig{
		ProviderURL: providerURL,
		AuthToken:   "secret-token",
		Timeout:     2,
	}, newTestLogger(t))
}

func TestNotifier_SendsBearerAndPayload(t *testing.T) {
	var gotAuth string
	var gotBody map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Send(context.Background(), &Notification{
		DeviceToken: "tok-1",
		ThreadID:    "th-1",
		JobID:       "job-1",
		Kind:        KindJobFinished,
		Title:       "Turn completed",
	})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "tok-1", gotBody["deviceToken"])
	assert.Equal(t, "th-1", gotBody["threadId"])
	assert.Equal(t, "job-1", gotBody["jobId"])
	assert.Equal(t, "jobFinished", gotBody["kind"])
	assert.Equal(t, "Turn completed", gotBody["title"])
	_, hasBody := gotBody["body"]
	assert.False(t, hasBody, "empty body should be omitted")
}

func TestNotifier_RetriesOnceOnTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Send(context.Background(), &Notification{DeviceToken: "tok", Kind: KindJobFinished})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestNotifier_GivesUpAfterSecondTransientFailure(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Send(context.Background(), &Notification{DeviceToken: "tok", Kind: KindJobFinished})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
	assert.Equal(t, int32(2), attempts.Load())
}

func TestNotifier_NoRetryOnClientError(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	n := newTestNotifier(t, srv.URL)
	err := n.Send(context.Background(), &Notification{DeviceToken: "tok", Kind: KindApprovalRequired})
	require.Error(t, err)
	assert.Equal(t, int32(1), attempts.Load())
}

func TestNotifier_RetriesOnTimeout(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			time.Sleep(2 * time.Second)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(config.PushConfig{
		ProviderURL: srv.URL,
		Timeout:     1,
	}, newTestLogger(t))

	err := n.Send(context.Background(), &Notification{DeviceToken: "tok", Kind: KindJobFinished})
	require.NoError(t, err)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestNotifier_DisabledWithoutProviderURL(t *testing.T) {
	n := newTestNotifier(t, "")
	assert.False(t, n.Enabled())
	require.NoError(t, n.Send(context.Background(), &Notification{DeviceToken: "tok", Kind: KindJobFinished}))
}
