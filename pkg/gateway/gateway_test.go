package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dfein/sandbox-watchdog/pkg/store"
)

type memStore struct {
	data map[string]json.RawMessage
}

func newMemStore() *memStore { return &memStore{data: map[string]json.RawMessage{}} }

func (m *memStore) set(key, val string) {
	raw, _ := json.Marshal(val)
	m.data[key] = raw
}

func (m *memStore) Read(ctx context.Context, key string) (json.RawMessage, error) {
	return m.data[key], nil
}

func (m *memStore) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	for _, k := range keys {
		if v := m.data[k]; v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (m *memStore) Apply(ctx context.Context, ops ...store.Op) error { return nil }

func TestGateway_NoPointersSet_Returns503(t *testing.T) {
	g := New(newMemStore(), Config{SelfURL: "https://edge.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/dashboard", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "no-store", rec.Header().Get("cache-control"))
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("content-type"))
	assert.Equal(t, "No healthy sandbox available", rec.Body.String())
}

func TestGateway_SelfLoopBypassesRewrite(t *testing.T) {
	st := newMemStore()
	st.set(store.KeyActiveURL, "https://sbx-1.example.com")
	g := New(st, Config{SelfURL: "https://edge.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge.example.com/dashboard", nil)
	req.Host = "edge.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_PathPreservingRewrite(t *testing.T) {
	var gotPath, gotQuery string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := newMemStore()
	st.set(store.KeyActiveURL, backend.URL)
	g := New(st, Config{SelfURL: "https://edge.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/dashboard/sub?x=1&y=2", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)

	assert.Equal(t, "/dashboard/sub", gotPath)
	assert.Equal(t, "x=1&y=2", gotQuery)
	assert.Equal(t, "edge-rewrite", rec.Header().Get("x-sandbox-routing"))
}

func TestGateway_FallbackToLastKnownGood(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := newMemStore()
	st.set(store.KeyLastKnownGoodURL, backend.URL)
	g := New(st, Config{SelfURL: "https://edge.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, "edge-rewrite-stale", rec.Header().Get("x-sandbox-routing"))
}

func TestGateway_BypassPathPrefix(t *testing.T) {
	st := newMemStore()
	st.set(store.KeyActiveURL, "https://sbx-1.example.com")
	g := New(st, Config{SelfURL: "https://edge.example.com"}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/api/health", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_DisableEdgeRewriteBypassesEverything(t *testing.T) {
	st := newMemStore()
	st.set(store.KeyActiveURL, "https://sbx-1.example.com")
	g := New(st, Config{SelfURL: "https://edge.example.com", DisableEdgeRewrite: true}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/dashboard", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_MalformedSelfURLBypassesAll(t *testing.T) {
	st := newMemStore()
	st.set(store.KeyActiveURL, "https://sbx-1.example.com")
	g := New(st, Config{SelfURL: "http://exa mple.com"}, nil) // space makes this unparseable into a host

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/dashboard", nil)
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_UnsetSelfURLDoesNotBypass(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	st := newMemStore()
	st.set(store.KeyActiveURL, backend.URL)
	g := New(st, Config{SelfURL: ""}, nil)

	req := httptest.NewRequest(http.MethodGet, "http://edge-client.example.com/dashboard", nil)
	req.Host = "edge-client.example.com"
	rec := httptest.NewRecorder()

	g.ServeHTTP(rec, req)
	assert.Equal(t, "edge-rewrite", rec.Header().Get("x-sandbox-routing"))
}
