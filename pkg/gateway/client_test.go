package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/synaptica-ai/publisher/pkg/gateway/httpclient"
)

func newTestClient(url string, attempts int) *Client {
	return NewClient(Options{
		BaseURL:       url,
		HeaderTimeout: time.Second,
		BodyTimeout:   time.Second,
		Retry:         httpclient.Backoff{Attempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
}

func TestPostSuccess(t *testing.T) {
	var got Request
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/post", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"data":{"publishedAt":"2026-01-02T10:00:00Z","url":"https://t.me/c/1"}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3).Post(context.Background(), Request{
		Platform:  "telegram",
		Body:      "hello",
		ChannelID: "@chan",
		Auth:      Auth{APIKey: "token"},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "https://t.me/c/1", resp.Data.URL)
	assert.Equal(t, "telegram", got.Platform)
	assert.Equal(t, "token", got.Auth.APIKey)
}

func TestPostBusinessRejectionIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"error":{"message":["text too long","bad media"],"code":"VALIDATION"}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3).Post(context.Background(), Request{Platform: "vk"})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "text too long; bad media", resp.Error.Text())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPostRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"success":true,"data":{}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL, 3).Post(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestPostServiceErrorAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 2).Post(context.Background(), Request{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrServiceUnavailable))
	var svcErr *ServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, http.StatusServiceUnavailable, svcErr.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPostUnauthorizedWithoutEnvelope(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL, 3).Post(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServiceUnavailable)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestPreviewUsesPreviewPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/preview", r.URL.Path)
		_, _ = w.Write([]byte(`{"success":true,"data":{"preview":"<b>hi</b>"}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv.URL+"/", 1).Preview(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "<b>hi</b>", resp.Data.Preview)
}

func TestErrorBodySingleMessage(t *testing.T) {
	var body ErrorBody
	require.NoError(t, json.Unmarshal([]byte(`{"message":"chat not found"}`), &body))
	assert.Equal(t, "chat not found", body.Text())

	var empty *ErrorBody
	assert.Equal(t, "unknown gateway error", empty.Text())
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
