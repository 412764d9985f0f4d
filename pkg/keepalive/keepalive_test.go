package keepalive

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestPing_SendsTokenHeader(t *testing.T) {
	var gotToken string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("x-keepalive-token")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(nil, "shh", zaptest.NewLogger(t))
	p.Ping(context.Background(), srv.URL)
	assert.Equal(t, "shh", gotToken)
}

func TestPing_ErrorsDoNotPanic(t *testing.T) {
	p := New(nil, "shh", zaptest.NewLogger(t))
	// Port 0 on localhost is never listening; this should just log and return.
	p.Ping(context.Background(), "http://127.0.0.1:0")
}
