package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOpenAI(srv *httptest.Server) *OpenAI {
	c := NewOpenAI("test-key", "test-model")
	c.url = srv.URL
	c.client = srv.Client()
	return c
}

func TestOpenAICompleteReturnsFirstChoice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Write([]byte(`{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"Task completed."}}]}`))
	}))
	defer srv.Close()

	got, err := newTestOpenAI(srv).Complete(context.Background(), "do the thing")
	require.NoError(t, err)
	assert.Equal(t, "Task completed.", got)
}

func TestOpenAIErrorCategories(t *testing.T) {
	cases := []struct {
		status   int
		category string
	}{
		{http.StatusUnauthorized, CategoryAuth},
		{http.StatusTooManyRequests, CategoryRateLimit},
		{http.StatusInternalServerError, CategoryServer},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			w.Write([]byte(`{"error":{"message":"nope","type":"api_error"}}`))
		}))
		_, err := newTestOpenAI(srv).Complete(context.Background(), "p")
		srv.Close()

		var se *ServiceError
		require.ErrorAs(t, err, &se, "status %d", tc.status)
		assert.Equal(t, tc.category, se.Category)
		assert.Equal(t, tc.status, se.Status)
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer srv.Close()

	_, err := newTestOpenAI(srv).Complete(context.Background(), "p")
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, CategoryDecode, se.Category)
}

func TestScriptedReplaysAndRepeats(t *testing.T) {
	s := NewScripted("first", "second")
	ctx := context.Background()

	for _, want := range []string{"first", "second", "second"} {
		got, err := s.Complete(ctx, "prompt")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 3, s.Calls())
	assert.Len(t, s.Prompts(), 3)
}

func TestScriptedFailWithDrainsErrorsFirst(t *testing.T) {
	boom := errors.New("boom")
	s := NewScripted("ok").FailWith(boom)
	ctx := context.Background()

	_, err := s.Complete(ctx, "p1")
	assert.ErrorIs(t, err, boom)
	got, err := s.Complete(ctx, "p2")
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestScriptedHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewScripted().Complete(ctx, "p")
	assert.ErrorIs(t, err, context.Canceled)
}
