package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/eventmill/eventmill/internal/errors"
	"github.com/eventmill/eventmill/pkg/jobstore"
)

func TestHTTPErrorResponderSeam(t *testing.T) {
	original := httpErrorResponder
	defer func() { httpErrorResponder = original }()

	t.Run("custom responder is used", func(t *testing.T) {
		called := false
		var captured error
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			called = true
			captured = err
			w.WriteHeader(http.StatusTeapot)
		})

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)

		assert.True(t, called)
		assert.Equal(t, assert.AnError, captured)
		assert.Equal(t, http.StatusTeapot, rec.Code)
	})

	t.Run("nil restores the default", func(t *testing.T) {
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			w.WriteHeader(http.StatusTeapot)
		})

		SetHTTPErrorResponder(nil)
		assert.NotNil(t, httpErrorResponder)

		// The default responder classifies application errors.
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, jobstore.ErrJobNotFound)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("reset restores the default", func(t *testing.T) {
		customCalled := false
		SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
			customCalled = true
		})

		ResetHTTPErrorResponder()

		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		rec := httptest.NewRecorder()
		respondWithError(rec, req, assert.AnError)

		assert.False(t, customCalled)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestDefaultResponderWritesEnvelope(t *testing.T) {
	ResetHTTPErrorResponder()

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()

	respondWithError(rec, req, jobstore.ErrJobNotFound)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Contains(t, body.Error.Message, "job not found")
}
