package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracepipe/internal/logging"
)

type capturedRequest struct {
	path    string
	headers http.Header
	body    []byte
}

func newCollector(status int) (*httptest.Server, *[]capturedRequest, *sync.Mutex) {
	var mu sync.Mutex
	var requests []capturedRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, capturedRequest{
			path:    r.URL.Path,
			headers: r.Header.Clone(),
			body:    body,
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))

	return srv, &requests, &mu
}

func TestSendAsync_Success(t *testing.T) {
	srv, requests, mu := newCollector(http.StatusOK)
	defer srv.Close()

	c := New(srv.URL, "key-123", time.Second, logging.NopDiagnostics{})
	require.True(t, c.Enabled())

	payload := map[string]any{"hello": "world"}
	err := c.SendAsync(context.Background(), "/sessions/s1/events", "s1", payload)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *requests, 1)

	req := (*requests)[0]
	assert.Equal(t, "/sessions/s1/events", req.path)
	assert.Equal(t, "application/json", req.headers.Get("Content-Type"))
	assert.Equal(t, "key-123", req.headers.Get("X-API-Key"))
	assert.Equal(t, "s1", req.headers.Get("X-Session-ID"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(req.body, &body))
	assert.Equal(t, "world", body["hello"])
}

func TestSendAsync_NonTwoHundredIsFailure(t *testing.T) {
	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusInternalServerError} {
		srv, _, _ := newCollector(status)

		c := New(srv.URL, "", time.Second, nil)
		err := c.SendAsync(context.Background(), "/sessions/s1/events", "s1", map[string]any{})
		assert.Error(t, err, "status %d must map to failure", status)

		srv.Close()
	}
}

func TestSendAsync_NetworkRejectionIsFailure(t *testing.T) {
	// Nothing listens here.
	c := New("http://127.0.0.1:1", "", 200*time.Millisecond, nil)
	err := c.SendAsync(context.Background(), "/sessions/s1/events", "s1", map[string]any{})
	assert.Error(t, err)
}

func TestSendAsync_DisabledWithoutEndpoint(t *testing.T) {
	c := New("", "key", time.Second, nil)
	assert.False(t, c.Enabled())
	assert.Error(t, c.SendAsync(context.Background(), "/x", "s1", nil))
}

func TestSendBestEffort_DeliversWithoutBlocking(t *testing.T) {
	srv, requests, mu := newCollector(http.StatusAccepted)
	defer srv.Close()

	c := New(srv.URL, "key", time.Second, nil)
	c.SendBestEffort("/sessions/s1/events", "s1", map[string]any{"n": 1})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*requests) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "s1", (*requests)[0].headers.Get("X-Session-ID"))
}

func TestSendBestEffort_FailureIsUnobservable(t *testing.T) {
	c := New("http://127.0.0.1:1", "", 100*time.Millisecond, logging.NopDiagnostics{})

	// Must neither panic nor block.
	done := make(chan struct{})
	go func() {
		c.SendBestEffort("/sessions/s1/events", "s1", map[string]any{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendBestEffort blocked the caller")
	}
}
