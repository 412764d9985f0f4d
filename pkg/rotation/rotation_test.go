package rotation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/dfein/sandbox-watchdog/pkg/health"
	"github.com/dfein/sandbox-watchdog/pkg/keepalive"
	"github.com/dfein/sandbox-watchdog/pkg/provider"
	"github.com/dfein/sandbox-watchdog/pkg/sandboxstate"
	"github.com/dfein/sandbox-watchdog/pkg/store"
	"github.com/dfein/sandbox-watchdog/pkg/werrors"
)

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newMemStore() *memStore { return &memStore{data: map[string]json.RawMessage{}} }

func (m *memStore) Read(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memStore) ReadFirst(ctx context.Context, keys ...string) (json.RawMessage, error) {
	for _, k := range keys {
		v, _ := m.Read(ctx, k)
		if v != nil {
			return v, nil
		}
	}
	return nil, nil
}

func (m *memStore) Apply(ctx context.Context, ops ...store.Op) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		if op.Operation == "delete" {
			delete(m.data, op.Key)
			continue
		}
		raw, err := json.Marshal(op.Value)
		if err != nil {
			return err
		}
		m.data[op.Key] = raw
	}
	return nil
}

func (m *memStore) getString(t *testing.T, key string) string {
	t.Helper()
	v, _ := m.Read(context.Background(), key)
	if v == nil {
		return ""
	}
	var s string
	require.NoError(t, json.Unmarshal(v, &s))
	return s
}

// fakeProvider is a scripted provider.Provider for tests.
type fakeProvider struct {
	mu        sync.Mutex
	nextID    int
	urlForNew string // URL every newly created sandbox gets (points at a test server)
	stopped   map[string]bool
	missing   map[string]bool // ids that Get/Stop should report NotFound for
}

func newFakeProvider(url string) *fakeProvider {
	return &fakeProvider{urlForNew: url, stopped: map[string]bool{}, missing: map[string]bool{}}
}

func (f *fakeProvider) Create(ctx context.Context, spec provider.Spec) (*provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := "sbx-new-" + itoa(f.nextID)
	return &provider.Handle{ID: id, URL: f.urlForNew}, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (*provider.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[id] {
		return nil, assertNotFound(id)
	}
	return &provider.Handle{ID: id, URL: f.urlForNew}, nil
}

func (f *fakeProvider) Stop(ctx context.Context, h *provider.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missing[h.ID] {
		return assertNotFound(h.ID)
	}
	f.stopped[h.ID] = true
	return nil
}

func (f *fakeProvider) RunCommand(ctx context.Context, h *provider.Handle, step string, cmd provider.Command) (*provider.CommandResult, error) {
	return &provider.CommandResult{ExitCode: 0}, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func assertNotFound(id string) error {
	return werrors.New(werrors.KindNotFound, "sandbox "+id+" not found")
}

func newTestController(t *testing.T, st store.Store, pv provider.Provider, healthURL string) *Controller {
	t.Helper()
	prober := health.New(nil, 2*time.Second)
	pinger := keepalive.New(nil, "tok", zaptest.NewLogger(t))
	params := Params{
		RotationInterval:     5 * time.Hour,
		DrainGrace:           10 * time.Minute,
		ReadinessPollEvery:   10 * time.Millisecond,
		ReadinessDeadline:    200 * time.Millisecond,
		ProvisionAttempts:    3,
		ProvisionFactor:      2,
		ProvisionFloor:       5 * time.Millisecond,
		MaxDrainStopAttempts: 5,
	}
	newSpec := func() provider.Spec { return provider.Spec{Port: 3000, Runtime: "node22"} }
	return New(st, pv, prober, pinger, params, newSpec, nil, zaptest.NewLogger(t), nil, nil)
}

func healthyServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"ok"}`))
	}))
}

func TestTick_ColdStartProvisionsAndPromotes(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	st := newMemStore()
	pv := newFakeProvider(srv.URL)
	c := newTestController(t, st, pv, srv.URL)

	err := c.Tick(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, srv.URL, st.getString(t, store.KeyActiveURL))
	assert.Equal(t, srv.URL, st.getString(t, store.KeyLastKnownGoodURL))

	raw, err := st.Read(context.Background(), store.KeyState)
	require.NoError(t, err)
	var s sandboxstate.State
	require.NoError(t, json.Unmarshal(raw, &s))
	require.NotNil(t, s.Active)
	assert.Equal(t, sandboxstate.StatusHealthy, s.Active.Status)
	assert.Empty(t, s.Draining)
	assert.Nil(t, s.LastFailure)
}

func TestTick_HealthyNoRotationDue_NoProvision(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	st := newMemStore()
	pv := newFakeProvider(srv.URL)
	c := newTestController(t, st, pv, srv.URL)

	now := time.Now().UTC()
	initial := &sandboxstate.State{
		Active:         &sandboxstate.SandboxRecord{ID: "sbx-1", URL: srv.URL, Status: sandboxstate.StatusHealthy},
		Draining:       []sandboxstate.DrainingSandboxRecord{},
		LastRotationAt: &now,
	}
	require.NoError(t, st.Apply(context.Background(), store.Upsert(store.KeyState, initial)))

	err := c.Tick(context.Background(), false)
	require.NoError(t, err)

	raw, _ := st.Read(context.Background(), store.KeyState)
	var s sandboxstate.State
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Equal(t, "sbx-1", s.Active.ID)
	assert.NotNil(t, s.LastCheckAt)
}

func TestTick_ForcedProvisionOverHealthyActive(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	st := newMemStore()
	pv := newFakeProvider(srv.URL)
	c := newTestController(t, st, pv, srv.URL)

	initial := &sandboxstate.State{
		Active:   &sandboxstate.SandboxRecord{ID: "sbx-1", URL: srv.URL, Status: sandboxstate.StatusHealthy},
		Draining: []sandboxstate.DrainingSandboxRecord{},
	}
	require.NoError(t, st.Apply(context.Background(), store.Upsert(store.KeyState, initial)))

	err := c.Tick(context.Background(), true)
	require.NoError(t, err)

	raw, _ := st.Read(context.Background(), store.KeyState)
	var s sandboxstate.State
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.NotEqual(t, "sbx-1", s.Active.ID)
	require.Len(t, s.Draining, 1)
	assert.Equal(t, "sbx-1", s.Draining[0].ID)
}

func TestTick_DrainGraceElapsed_NotFoundRemovesRecord(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	st := newMemStore()
	pv := newFakeProvider(srv.URL)
	pv.missing["sbx-0"] = true
	c := newTestController(t, st, pv, srv.URL)

	now := time.Now().UTC()
	initial := &sandboxstate.State{
		Active:         &sandboxstate.SandboxRecord{ID: "sbx-1", URL: srv.URL, Status: sandboxstate.StatusHealthy},
		LastRotationAt: &now,
		Draining: []sandboxstate.DrainingSandboxRecord{
			{SandboxRecord: sandboxstate.SandboxRecord{ID: "sbx-0"}, DrainStartedAt: now.Add(-11 * time.Minute)},
		},
	}
	require.NoError(t, st.Apply(context.Background(), store.Upsert(store.KeyState, initial)))

	err := c.Tick(context.Background(), false)
	require.NoError(t, err)

	raw, _ := st.Read(context.Background(), store.KeyState)
	var s sandboxstate.State
	require.NoError(t, json.Unmarshal(raw, &s))
	assert.Empty(t, s.Draining)
}

func TestTick_ReadinessTimeout_FailsTickKeepsPreviousActive(t *testing.T) {
	unhealthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer unhealthy.Close()

	st := newMemStore()
	pv := newFakeProvider(unhealthy.URL)
	c := newTestController(t, st, pv, unhealthy.URL)

	now := time.Now().UTC()
	initial := &sandboxstate.State{
		Active:         &sandboxstate.SandboxRecord{ID: "sbx-1", URL: unhealthy.URL, Status: sandboxstate.StatusHealthy},
		Draining:       []sandboxstate.DrainingSandboxRecord{},
		LastRotationAt: &now,
	}
	require.NoError(t, st.Apply(context.Background(), store.Upsert(store.KeyState, initial), store.Upsert(store.KeyActiveURL, unhealthy.URL)))

	err := c.Tick(context.Background(), false)
	require.Error(t, err)
	assert.True(t, werrors.Is(err, werrors.KindHealthTimeout))

	// The previous active must remain untouched: no promotion happened.
	assert.Equal(t, unhealthy.URL, st.getString(t, store.KeyActiveURL))

	raw, _ := st.Read(context.Background(), store.KeyState)
	var s sandboxstate.State
	require.NoError(t, json.Unmarshal(raw, &s))
	require.NotNil(t, s.Active)
	assert.Equal(t, "sbx-1", s.Active.ID)
	require.NotNil(t, s.LastFailure)
	assert.Contains(t, s.LastFailure.Reason, "failed to become healthy in time")
}

func TestTick_NonReentrant(t *testing.T) {
	srv := healthyServer(t)
	defer srv.Close()

	st := newMemStore()
	pv := newFakeProvider(srv.URL)
	c := newTestController(t, st, pv, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Tick(context.Background(), false)
		}()
	}
	wg.Wait()
	// No assertion beyond "does not panic / race" — singleflight collapses
	// concurrent calls onto one execution.
}
