package middleware

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/doorman/gateway/internal/gwerrors"
)

func limitConfig(limit int64) BodyLimitConfig {
	return BodyLimitConfig{
		LimitFor: func(*http.Request) int64 { return limit },
	}
}

func TestBodyExactlyAtCapAccepted(t *testing.T) {
	var read []byte
	h := BodyLimit(limitConfig(4))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var err error
		read, err = io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("POST", "/", strings.NewReader("abcd"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "abcd", string(read))
}

func TestDeclaredContentLengthOverCapRejected(t *testing.T) {
	rejected := false
	cfg := limitConfig(4)
	cfg.OnReject = func(*http.Request, int64) { rejected = true }

	h := BodyLimit(cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("POST", "/", strings.NewReader("abcde"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "REQ001")
	assert.True(t, rejected)
}

func TestChunkedBodyOverCapAbortsMidStream(t *testing.T) {
	h := BodyLimit(limitConfig(4))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, err := io.ReadAll(r.Body)
		require.Error(t, err)
		var gwe *gwerrors.Error
		require.True(t, errors.As(err, &gwe))
		assert.Equal(t, gwerrors.ReqBodyTooLarge, gwe.ErrCode)
		assert.True(t, BodyTripped(r))
		gwe.WriteJSON(w, false)
	}))

	// ContentLength -1 mimics Transfer-Encoding: chunked with a spoofed or
	// absent length declaration.
	req := httptest.NewRequest("POST", "/", io.NopCloser(bytes.NewReader([]byte("abcdefgh"))))
	req.ContentLength = -1
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "REQ001")
}

func TestZeroLimitDisablesGuard(t *testing.T) {
	h := BodyLimit(limitConfig(0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.Write(data)
	}))

	req := httptest.NewRequest("POST", "/", strings.NewReader(strings.Repeat("x", 1<<16)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
