package security

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func readingHandler(captured *string, readErr *error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		*readErr = err
		*captured = string(data)
		w.WriteHeader(http.StatusOK)
	})
}

func TestBodyLimitAllowsWithinLimit(t *testing.T) {
	var (
		captured string
		readErr  error
	)
	handler := BodyLimit{Max: 10}.Middleware(readingHandler(&captured, &readErr))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader("hello")))
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, readErr)
	require.Equal(t, "hello", captured)
}

func TestBodyLimitCapsStreamedBody(t *testing.T) {
	var (
		captured string
		readErr  error
	)
	handler := BodyLimit{Max: 5}.Middleware(readingHandler(&captured, &readErr))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader("excessive"))
	req.ContentLength = -1
	handler.ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	require.True(t, errors.As(readErr, &maxErr))
	require.EqualValues(t, 5, maxErr.Limit)
}

func TestBodyLimitRejectsDeclaredLength(t *testing.T) {
	called := false
	handler := BodyLimit{Max: 5}.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/events", strings.NewReader("content"))
	req.ContentLength = 100
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	require.Contains(t, rr.Body.String(), "PAYLOAD_TOO_LARGE")
	require.False(t, called)
}
