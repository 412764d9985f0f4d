package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChain_InvokesHooksAfterHandler(t *testing.T) {
	var gotStatus int
	var gotPath string

	c := New(nil).Use(func(r *http.Request, status int, d time.Duration) {
		gotStatus = status
		gotPath = r.URL.Path
	})

	handler := c.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest("GET", "/dashboard", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTeapot, gotStatus)
	assert.Equal(t, "/dashboard", gotPath)
}

func TestChain_DefaultStatusIsOK(t *testing.T) {
	var gotStatus int
	c := New(nil).Use(func(r *http.Request, status int, d time.Duration) {
		gotStatus = status
	})
	handler := c.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, gotStatus)
}
