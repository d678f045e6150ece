package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"bookingsync/internal/config"
	"bookingsync/internal/models"
	"bookingsync/internal/pipeline"
	"bookingsync/internal/queue"
	"bookingsync/internal/scheduler"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "secret-admin-key"

type recordingSubmitter struct {
	mu     sync.Mutex
	events []models.ChangeEvent
	err    error
}

func (r *recordingSubmitter) Submit(_ context.Context, event models.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return r.err
}

func (r *recordingSubmitter) submitted() []models.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ChangeEvent(nil), r.events...)
}

type staticPending struct{ status models.PendingStatus }

func (p staticPending) Status() models.PendingStatus { return p.status }

func (p staticPending) SchedulerStats() scheduler.Stats {
	return scheduler.Stats{Pending: p.status.Count, Debounced: 4, Dispatched: 2, Rearmed: 1}
}

type staticCredentials struct{ snap models.CredentialSnapshot }

func (c staticCredentials) Snapshot() models.CredentialSnapshot { return c.snap }

type mockUpstreamWriter struct{ mock.Mock }

func (m *mockUpstreamWriter) CancelBooking(ctx context.Context, bookingID, reason string) error {
	args := m.Called(ctx, bookingID, reason)
	return args.Error(0)
}

type fixture struct {
	server    *Server
	queue     *queue.Queue
	pipeline  *pipeline.Pipeline
	submitter *recordingSubmitter
	upstream  *mockUpstreamWriter
	clock     clockwork.FakeClock
}

func testAPIConfig() config.APIConfig {
	return config.APIConfig{
		Enabled: true,
		Auth: config.APIAuthConfig{
			Enabled:      true,
			HeaderAPIKey: "X-API-Key",
			APIKeys: []config.APIClientKey{
				{Key: testAPIKey, Name: "ops"},
				{Key: "reader-key", Name: "dashboard", Permissions: []string{permReadQueues}},
			},
		},
		RateLimit: config.APIRateLimitConfig{RPS: 100, Burst: 100},
		Webhook:   config.APIWebhookConfig{MaxBodyBytes: 4096},
	}
}

func newFixture(t *testing.T, cfg config.APIConfig, handler queue.Handler) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	if handler == nil {
		handler = queue.HandlerFunc(func(context.Context, *models.Job) error { return nil })
	}
	q := queue.New(queue.NewMemoryStore(), handler, queue.Options{
		Clock:       clock,
		Concurrency: 1,
		Retry:       queue.RetryPolicy{MaxAttempts: 1},
	})
	p, err := pipeline.New(pipeline.Deps{Queue: q, Mode: config.WebhookModeQueueDelay, Clock: clock})
	require.NoError(t, err)

	sub := &recordingSubmitter{}
	up := &mockUpstreamWriter{}
	srv, err := NewServer(cfg, Deps{
		Events:      sub,
		Pending:     staticPending{status: models.PendingStatus{Count: 1, EntityIDs: []string{"BK9"}}},
		Resync:      p,
		Queue:       q,
		Credentials: staticCredentials{snap: models.CredentialSnapshot{State: "active", HasRefreshSecret: true}},
		Upstream:    up,
		Clock:       clock,
	}, nil)
	require.NoError(t, err)
	return &fixture{server: srv, queue: q, pipeline: p, submitter: sub, upstream: up, clock: clock}
}

func (f *fixture) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) admin(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return f.do(t, method, path, body, map[string]string{"X-API-Key": testAPIKey})
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNewServer_RequiresCoreDeps(t *testing.T) {
	_, err := NewServer(testAPIConfig(), Deps{}, nil)
	assert.Error(t, err)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "active", body["credentials"])
	assert.NotEmpty(t, rec.Header().Get(headerRequestID))
}

func TestRequestIDIsPropagated(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.do(t, http.MethodGet, "/healthz", "", map[string]string{headerRequestID: "req-42"})
	assert.Equal(t, "req-42", rec.Header().Get(headerRequestID))
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.do(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuth(t *testing.T) {
	f := newFixture(t, testAPIConfig(), nil)

	rec := f.do(t, http.MethodGet, "/admin/queues/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/queues/stats", "", map[string]string{"X-API-Key": "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/admin/queues/stats", "", map[string]string{"X-API-Key": "reader-key"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/queues/retry-failed", "", map[string]string{"X-API-Key": "reader-key"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.admin(t, http.MethodPost, "/admin/queues/retry-failed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminAuthDisabled(t *testing.T) {
	cfg := testAPIConfig()
	cfg.Auth.Enabled = false
	f := newFixture(t, cfg, nil)

	rec := f.do(t, http.MethodGet, "/admin/queues/stats", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminRateLimitPerKey(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	f := newFixture(t, cfg, nil)

	for i := 0; i < 2; i++ {
		rec := f.admin(t, http.MethodGet, "/admin/queues/stats", "")
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := f.admin(t, http.MethodGet, "/admin/queues/stats", "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = f.do(t, http.MethodGet, "/admin/queues/stats", "", map[string]string{"X-API-Key": "reader-key"})
	assert.Equal(t, http.StatusOK, rec.Code, "other keys have their own bucket")
}

func TestCheckPermission(t *testing.T) {
	open := config.APIClientKey{Name: "all"}
	assert.NoError(t, checkPermission(open, permWriteBookings))

	scoped := config.APIClientKey{Permissions: []string{" read:queues "}}
	assert.NoError(t, checkPermission(scoped, permReadQueues))
	assert.True(t, errors.Is(checkPermission(scoped, permWriteQueues), errPermissionDenied))

	wildcard := config.APIClientKey{Permissions: []string{"*"}}
	assert.NoError(t, checkPermission(wildcard, permWriteQueues))
}
