package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/orneryd/tierstore/pkg/config"
	"github.com/orneryd/tierstore/pkg/knowledge"
	"github.com/orneryd/tierstore/pkg/storage"
	"github.com/orneryd/tierstore/pkg/tiering"
	"github.com/orneryd/tierstore/pkg/validation"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type constValidator struct {
	name  string
	score float64
}

func (v constValidator) Name() string { return v.name }

func (v constValidator) Score(context.Context, *validation.Request) (validation.Result, error) {
	return validation.Result{Score: v.score, IsValid: v.score >= validation.PassMark}, nil
}

func storeConfig(mode string) *config.Config {
	cfg := config.LoadDefaults()
	cfg.Storage.InMemory = true
	cfg.Scheduler.Enabled = false
	cfg.Trust.ConflictMode = mode
	return cfg
}

func setupServer(t *testing.T, cfg *config.Config, srvCfg *Config, opts ...knowledge.Option) (*Server, *knowledge.Store) {
	t.Helper()
	store, err := knowledge.Open(cfg, storage.NewMemoryEngine(), opts...)
	require.NoError(t, err)
	if srvCfg == nil {
		srvCfg = DefaultConfig()
		srvCfg.RateLimitPerMinute = 0
	}
	srv, err := New(store, srvCfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = srv.Stop(context.Background())
		_ = store.Close()
	})
	return srv, store
}

func do(t *testing.T, h http.Handler, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestHealth(t *testing.T) {
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), nil)
	rec := do(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())
}

func TestProposeAndFetch(t *testing.T) {
	srv, store := setupServer(t, storeConfig(config.ModeStrict), nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/mutations",
		storage.DocumentMutation("doc:42", "Badger is an LSM store", map[string]string{"lang": "en"}),
		"X-Caller-ID", "ingest-bot")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	receipt := decode[knowledge.Receipt](t, rec)
	assert.Equal(t, knowledge.StatusCommitted, receipt.Status)
	assert.Equal(t, int64(1), receipt.Version)

	stored, err := store.Peek(context.Background(), "doc:42")
	require.NoError(t, err)
	require.Len(t, stored.UpdateHistory, 1)
	assert.Equal(t, "write by ingest-bot", stored.UpdateHistory[0].Reason)

	rec = do(t, h, http.MethodGet, "/v1/records/doc:42", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	view := decode[knowledge.View](t, rec)
	assert.Equal(t, "Badger is an LSM store", view.Payload.Text)
	assert.Equal(t, storage.TierWarm, view.Tier)
	assert.Equal(t, int64(1), view.Version)

	rec = do(t, h, http.MethodGet, "/v1/records/doc:missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPropose_BadRequests(t *testing.T) {
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), nil)
	h := srv.Handler()

	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"key":`, http.StatusBadRequest},
		{"unknown field", `{"key":"doc:1","kind":"DOCUMENT","claimz":[]}`, http.StatusBadRequest},
		{"unknown kind", `{"key":"doc:1","kind":"BLOB","claims":[{"id":"text","field":"text","value":"x"}]}`, http.StatusBadRequest},
		{"no claims", `{"key":"doc:1","kind":"DOCUMENT","claims":[]}`, http.StatusBadRequest},
		{"expected version", `{"key":"doc:1","kind":"DOCUMENT","expected_version":4,"claims":[{"id":"text","field":"text","value":"x"}]}`, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/v1/mutations", tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			resp := decode[ErrorResponse](t, rec)
			assert.True(t, resp.Error)
			assert.False(t, resp.Retryable)
		})
	}
}

func TestPropose_RejectedIs422(t *testing.T) {
	reg := validation.NewRegistry()
	reg.MustRegister(constValidator{name: "skeptic", score: 0.4})
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), nil, knowledge.WithRegistry(reg))

	rec := do(t, srv.Handler(), http.MethodPost, "/v1/mutations", storage.DocumentMutation("doc:1", "text", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	receipt := decode[knowledge.Receipt](t, rec)
	assert.Equal(t, knowledge.StatusRejected, receipt.Status)
	assert.NotEmpty(t, receipt.ConflictID)
}

func TestConflictReview(t *testing.T) {
	reg := validation.NewRegistry()
	reg.MustRegister(constValidator{name: "a", score: 0.9})
	reg.MustRegister(constValidator{name: "b", score: 0.6})
	srv, store := setupServer(t, storeConfig(config.ModeStaged), nil, knowledge.WithRegistry(reg))
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/mutations", storage.DocumentMutation("doc:1", "staged text", nil))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	receipt := decode[knowledge.Receipt](t, rec)
	require.Equal(t, knowledge.StatusPendingReview, receipt.Status)
	require.NotEmpty(t, receipt.ConflictID)

	rec = do(t, h, http.MethodGet, "/v1/conflicts?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[ConflictList](t, rec)
	require.Equal(t, 1, list.Count)
	assert.Equal(t, receipt.ConflictID, list.Conflicts[0].ID)

	rec = do(t, h, http.MethodGet, "/v1/conflicts?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/conflicts/"+receipt.ConflictID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[storage.ConflictRecord](t, rec)
	assert.Equal(t, storage.ConflictPending, c.Status)

	rec = do(t, h, http.MethodPost, "/v1/conflicts/"+receipt.ConflictID+"/approve", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "reviewer required")

	rec = do(t, h, http.MethodPost, "/v1/conflicts/"+receipt.ConflictID+"/approve", ReviewRequest{Reviewer: "alice"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decode[knowledge.Receipt](t, rec)
	assert.Equal(t, knowledge.StatusCommitted, approved.Status)
	assert.Equal(t, int64(1), approved.Version)

	rec = do(t, h, http.MethodPost, "/v1/conflicts/"+receipt.ConflictID+"/approve", nil, "X-Caller-ID", "alice")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/conflicts/unknown/discard", nil, "X-Caller-ID", "alice")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	view, err := store.FetchRecord(context.Background(), "doc:1")
	require.NoError(t, err)
	assert.Equal(t, "staged text", view.Payload.Text)
}

func TestDiscardConflict(t *testing.T) {
	reg := validation.NewRegistry()
	reg.MustRegister(constValidator{name: "a", score: 0.6})
	srv, _ := setupServer(t, storeConfig(config.ModeStaged), nil, knowledge.WithRegistry(reg))
	h := srv.Handler()

	receipt := decode[knowledge.Receipt](t, do(t, h, http.MethodPost, "/v1/mutations", storage.DocumentMutation("doc:1", "text", nil)))
	rec := do(t, h, http.MethodPost, "/v1/conflicts/"+receipt.ConflictID+"/discard", ReviewRequest{Reviewer: "bob"})
	require.Equal(t, http.StatusOK, rec.Code)
	c := decode[storage.ConflictRecord](t, rec)
	assert.Equal(t, storage.ConflictDiscarded, c.Status)
	assert.Equal(t, "bob", c.ReviewedBy)

	rec = do(t, h, http.MethodGet, "/v1/records/doc:1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTierEndpoints(t *testing.T) {
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), nil)
	h := srv.Handler()
	for _, key := range []string{"doc:a", "doc:b", "doc:c"} {
		rec := do(t, h, http.MethodPost, "/v1/mutations", storage.DocumentMutation(key, "text for "+key, nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := do(t, h, http.MethodPost, "/v1/records/doc:b/tier", MoveTierRequest{Tier: "cold", Reason: "archive"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[MoveTierResponse](t, rec).Moved)

	rec = do(t, h, http.MethodPost, "/v1/records/doc:b/tier", MoveTierRequest{Tier: "COLD"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[MoveTierResponse](t, rec).Moved)

	rec = do(t, h, http.MethodPost, "/v1/records/doc:b/tier", MoveTierRequest{Tier: "TEPID"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/v1/records/doc:zzz/tier", MoveTierRequest{Tier: "HOT"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/tiers/WARM?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[knowledge.Page](t, rec)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "doc:a", page.Records[0].Key)
	assert.Equal(t, "doc:a", page.NextCursor)

	rec = do(t, h, http.MethodGet, "/v1/tiers/WARM?cursor=doc:a&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[knowledge.Page](t, rec)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "doc:c", page.Records[0].Key)
	assert.Empty(t, page.NextCursor)

	rec = do(t, h, http.MethodGet, "/v1/tiers/LUKEWARM", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSweepAndStatus(t *testing.T) {
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), nil)
	h := srv.Handler()
	do(t, h, http.MethodPost, "/v1/mutations", storage.DocumentMutation("doc:1", "text", nil))

	rec := do(t, h, http.MethodPost, "/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[tiering.SweepReport](t, rec)
	assert.Equal(t, 1, report.Scanned)

	rec = do(t, h, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[StatusResponse](t, rec)
	assert.Equal(t, "running", status.Status)
	assert.Equal(t, int64(1), status.Store.Sweeps)
	assert.Equal(t, config.ModeStrict, status.Mode)
	assert.GreaterOrEqual(t, status.Server.RequestCount, int64(3))
	assert.Equal(t, runtime.GOOS, status.Host.OS)
	assert.Empty(t, status.Host.DiskPath, "in-memory store has no data dir")
}

func TestReload(t *testing.T) {
	srv, store := setupServer(t, storeConfig(config.ModeStrict), nil)
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/v1/admin/reload", nil)
	assert.Equal(t, http.StatusNotImplemented, rec.Code)

	next := storeConfig(config.ModeStrict)
	next.Trust.Threshold = 2
	srv.SetReloader(func() (*config.Config, error) { return next, nil })
	rec = do(t, h, http.MethodPost, "/v1/admin/reload", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0.85, store.Config().Trust.Threshold)

	srv.SetReloader(func() (*config.Config, error) { return nil, errors.New("read failed") })
	rec = do(t, h, http.MethodPost, "/v1/admin/reload", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	next = storeConfig(config.ModeSoft)
	next.Trust.Threshold = 0.7
	srv.SetReloader(func() (*config.Config, error) { return next, nil })
	rec = do(t, h, http.MethodPost, "/v1/admin/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, decode[ReloadResponse](t, rec).Reloaded)
	assert.Equal(t, 0.7, store.Config().Trust.Threshold)
	assert.Equal(t, config.ModeSoft, store.Config().Trust.ConflictMode)
}

func TestRateLimit(t *testing.T) {
	srvCfg := DefaultConfig()
	srvCfg.RateLimitPerMinute = 2
	srvCfg.WriteRateLimitPerMinute = 1
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), srvCfg)
	h := srv.Handler()

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/v1/records/doc:x", nil).Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/records/doc:x", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	assert.NotEqual(t, http.StatusTooManyRequests, do(t, h, http.MethodPost, "/v1/admin/sweep", nil).Code, "writes have their own budget")
	rec = do(t, h, http.MethodPost, "/v1/admin/sweep", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/health", nil).Code, "health is never limited")
	assert.Equal(t, 1, srv.Stats().LimitedClients)
}

func TestClientLimiter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l, err := NewClientLimiter(60, 6, 3, 2)
	require.NoError(t, err)
	l.now = func() time.Time { return now }

	t.Run("burst then refill", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			ok, _ := l.Allow("10.0.0.1", false)
			require.True(t, ok, "request %d", i)
		}
		ok, wait := l.Allow("10.0.0.1", false)
		assert.False(t, ok)
		assert.Equal(t, time.Second, wait)

		now = now.Add(time.Second)
		ok, _ = l.Allow("10.0.0.1", false)
		assert.True(t, ok)
	})

	t.Run("writes use the smaller budget", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			ok, _ := l.Allow("10.0.0.1", true)
			require.True(t, ok)
		}
		ok, wait := l.Allow("10.0.0.1", true)
		assert.False(t, ok)
		assert.Equal(t, 10*time.Second, wait)
	})

	t.Run("clients are independent", func(t *testing.T) {
		ok, _ := l.Allow("10.0.0.2", true)
		assert.True(t, ok)
	})

	t.Run("evicted client starts full", func(t *testing.T) {
		ok, _ := l.Allow("10.0.0.3", false)
		assert.True(t, ok)
		assert.Equal(t, 2, l.Clients())
		ok, _ = l.Allow("10.0.0.1", true)
		assert.True(t, ok, "10.0.0.1 was evicted and forgot its empty write bucket")
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := NewClientLimiter(0, 0, 0, 0)
		assert.Error(t, err)
	})
}

func TestConfigFrom(t *testing.T) {
	sc := config.LoadDefaults().Server
	sc.Port = 9001
	sc.RateLimitPerMinute = 0
	sc.WriteRateLimitPerMinute = 10

	c := ConfigFrom(sc)
	assert.Equal(t, 9001, c.Port)
	assert.Zero(t, c.RateLimitPerMinute)
	assert.Equal(t, 10, c.WriteRateLimitPerMinute)
	assert.Equal(t, 10000, c.RateLimitClients)

	srv, err := New(&knowledge.Store{}, c, nil)
	require.NoError(t, err)
	assert.Nil(t, srv.limiter, "zero rate disables limiting")
}

func TestStartStop(t *testing.T) {
	srvCfg := DefaultConfig()
	srvCfg.Port = 0
	srvCfg.RateLimitPerMinute = 0
	srv, _ := setupServer(t, storeConfig(config.ModeStrict), srvCfg)

	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	resp, err := client.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Stop(context.Background()))
	require.NoError(t, srv.Stop(context.Background()))
	assert.ErrorIs(t, srv.Start(), ErrServerClosed)
}

func TestStatusForError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{knowledge.ErrInvalidMutation, http.StatusBadRequest},
		{config.ErrConfiguration, http.StatusBadRequest},
		{knowledge.ErrNotFound, http.StatusNotFound},
		{knowledge.ErrStaleConflict, http.StatusConflict},
		{tiering.ErrSweepInProgress, http.StatusConflict},
		{knowledge.ErrPersistence, http.StatusServiceUnavailable},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusForError(tt.err))
		})
	}
}
