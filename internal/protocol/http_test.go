package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPPullerDecodesResponse(t *testing.T) {
	var got PullRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"cookie":"4","lastMutationID":2,"patch":[{"op":"clear"},{"op":"put","key":"shape/a","value":{"x":1}}]}`))
	}))
	t.Cleanup(srv.Close)

	pull := NewHTTPPuller(srv.Client(), srv.URL)
	result, err := pull(t.Context(), &PullRequest{ClientID: "c1", Cookie: "3", LastMutationID: 2})
	require.NoError(t, err)
	require.True(t, result.OK())
	assert.Equal(t, Cookie("4"), result.Response.Cookie)
	assert.Equal(t, int64(2), result.Response.LastMutationID)
	require.Len(t, result.Response.Patch, 2)
	assert.Equal(t, OpClear, result.Response.Patch[0].Op)
	assert.JSONEq(t, `{"x":1}`, string(result.Response.Patch[1].Value))

	assert.Equal(t, "c1", got.ClientID)
	assert.Equal(t, Cookie("3"), got.Cookie)
}

func TestHTTPPullerReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	result, err := NewHTTPPuller(srv.Client(), srv.URL)(t.Context(), &PullRequest{ClientID: "c1"})
	require.NoError(t, err, "HTTP failures are not transport errors")
	assert.False(t, result.OK())
	assert.Nil(t, result.Response)
	assert.Equal(t, http.StatusServiceUnavailable, result.HTTPRequestInfo.HTTPStatusCode)
	assert.Contains(t, result.HTTPRequestInfo.ErrorMessage, "overloaded")
}

func TestHTTPPullerBadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	t.Cleanup(srv.Close)

	_, err := NewHTTPPuller(srv.Client(), srv.URL)(t.Context(), &PullRequest{ClientID: "c1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode response")
}

func TestHTTPPusher(t *testing.T) {
	var got PushRequest
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(srv.Close)

	push := NewHTTPPusher(srv.Client(), srv.URL)
	info, err := push(t.Context(), &PushRequest{
		ClientID:  "c1",
		Mutations: []Mutation{{ID: 1, Name: "moveShape", Args: json.RawMessage(`{"id":"a","dx":1}`)}},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, info.HTTPStatusCode)
	assert.Empty(t, info.ErrorMessage)
	require.Len(t, got.Mutations, 1)
	assert.Equal(t, "moveShape", got.Mutations[0].Name)

	status.Store(http.StatusInternalServerError)
	info, err = push(t.Context(), &PushRequest{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, info.HTTPStatusCode)
	assert.Equal(t, "{}", info.ErrorMessage)
}

func TestHTTPPullerCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	_, err := NewHTTPPuller(srv.Client(), srv.URL)(ctx, &PullRequest{ClientID: "c1"})
	require.ErrorIs(t, err, context.Canceled)
}
