package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tenantgate/internal/broadcast"
	"tenantgate/internal/health"
	"tenantgate/internal/httpservice"
	"tenantgate/internal/pool"
	"tenantgate/internal/resolver"
	"tenantgate/internal/security"
	"tenantgate/internal/tenant"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "api-test-secret"
	sharedDSN  = "postgres://app@db/tenants"
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 测试用存储
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type stubDialer struct {
	failKeys map[string]bool
}

func (d *stubDialer) Open(ctx context.Context, target pool.Target) (pool.Backend, error) {
	if d.failKeys[target.Key] {
		return nil, errors.New("dial tcp 10.1.1.1:5432: connection refused")
	}
	return &stubBackend{schema: target.Schema}, nil
}

type stubBackend struct {
	schema string
}

func (b *stubBackend) Acquire(ctx context.Context) (pool.Session, error) {
	return &stubSession{schema: b.schema}, nil
}

func (b *stubBackend) Close() {}

type stubSession struct {
	schema string
}

func (s *stubSession) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 1"), nil
}

func (s *stubSession) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (s *stubSession) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return oneRow{}
}

func (s *stubSession) Begin(ctx context.Context) (pgx.Tx, error) {
	return nil, errors.New("not supported")
}

func (s *stubSession) Ping(ctx context.Context) error { return nil }
func (s *stubSession) Schema() string                 { return s.schema }
func (s *stubSession) Release()                       {}

type oneRow struct{}

func (oneRow) Scan(dest ...any) error {
	if p, ok := dest[0].(*int); ok {
		*p = 1
	}
	return nil
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(ctx context.Context) error { return p.err }

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 测试环境
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

type testEnv struct {
	server    *Server
	handler   http.Handler
	tenants   *tenant.Registry
	source    *tenant.MemorySource
	broadcast *broadcast.Registry
	health    *health.HealthManager
	checks    *health.CompositeHealthChecker
	tokens    *resolver.JWTIdentityExtractor
}

func descriptor(t *testing.T, rec tenant.Record) tenant.Descriptor {
	t.Helper()
	d, err := rec.Descriptor(sharedDSN)
	require.NoError(t, err)
	return d
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	src := tenant.NewMemorySource(
		descriptor(t, tenant.Record{ID: "7", Name: "Camara 7", DBSchema: "camara_7", Status: "ATIVO", Active: true, StorageProvisioned: true}),
		descriptor(t, tenant.Record{ID: "9", Name: "Camara 9", DBSchema: "camara_9", Status: "PENDENTE", Active: true}),
		descriptor(t, tenant.Record{ID: "11", Name: "Camara 11", DBSchema: "camara_11", Status: "ATIVO", Active: true, StorageProvisioned: true}),
	)
	tenants := tenant.NewRegistry(ctx, src, tenant.Config{}, nil)
	require.NoError(t, tenants.Refresh(ctx))

	pools := pool.NewManager(ctx, pool.Config{MaxConns: 2}, &stubDialer{failKeys: map[string]bool{"camara_11": true}})
	events := broadcast.NewRegistry(ctx, broadcast.Config{BufferSize: 16, HistorySize: 10})
	guard := security.NewAdmissionGuard(ctx, security.DefaultAdmissionConfig())
	tokens := resolver.NewJWTIdentityExtractor(testSecret, "")
	mw := resolver.NewMiddleware(resolver.New(tenants), tokens, resolver.MiddlewareConfig{})
	hm := health.NewHealthManager(ctx, "node-1", "test")
	checks := health.NewCompositeHealthChecker(time.Second)

	s := NewServer(ctx, Deps{
		Tenants:   tenants,
		Pools:     pools,
		Broadcast: events,
		Admission: guard,
		Resolver:  mw,
		Health:    hm,
		Checks:    checks,
	})
	hm.SetStatsProvider(s)

	t.Cleanup(func() {
		s.Close()
		events.Close()
		pools.Close()
		guard.Close()
		tenants.Close()
		hm.Close()
	})

	return &testEnv{
		server:    s,
		handler:   s.Handler(),
		tenants:   tenants,
		source:    src,
		broadcast: events,
		health:    hm,
		checks:    checks,
		tokens:    tokens,
	}
}

func (e *testEnv) token(t *testing.T, identity *resolver.Identity) string {
	t.Helper()
	tok, err := e.tokens.Sign(identity, time.Hour)
	require.NoError(t, err)
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) httpservice.ResponseData {
	t.Helper()
	var body httpservice.ResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func dataMap(t *testing.T, body httpservice.ResponseData) map[string]interface{} {
	t.Helper()
	m, ok := body.Data.(map[string]interface{})
	require.True(t, ok, "data is %T", body.Data)
	return m
}

var (
	member     = &resolver.Identity{UserID: "42", Role: "VEREADOR", ClaimedTenantID: "7"}
	superAdmin = &resolver.Identity{UserID: "1", Role: resolver.RoleSuperAdmin, SuperAdmin: true}
)

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 健康检查
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	env.checks.RegisterChecker("central_db", health.NewPingHealthChecker(stubPinger{}, true))

	rec := env.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "node-1", body["node_id"])
	checks := body["checks"].(map[string]interface{})
	assert.Equal(t, "healthy", checks["status"])

	env.checks.RegisterChecker("broker", health.NewPingHealthChecker(stubPinger{err: errors.New("down")}, true))
	rec = env.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz_Draining(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	env.health.MarkDraining()
	rec = env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReadyz_OptionalDependencyDegraded(t *testing.T) {
	env := newTestEnv(t)
	env.checks.RegisterChecker("broker", health.NewPingHealthChecker(stubPinger{err: errors.New("down")}, false))

	rec := env.do(t, http.MethodGet, "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 管理接口
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestAdmin_RequiresSuperAdmin(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/admin/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/admin/stats", env.token(t, member), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAdmin_Stats(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/admin/stats", env.token(t, superAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	data := dataMap(t, decode(t, rec))
	tenants := data["tenants"].(map[string]interface{})
	assert.Equal(t, float64(3), tenants["total"])
	assert.Equal(t, float64(2), tenants["ready"])
	assert.Contains(t, data, "pools")
	assert.Contains(t, data, "broadcast")
	assert.Contains(t, data, "admission")
}

func TestAdmin_RefreshAndMark(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, superAdmin)

	rec := env.do(t, http.MethodPost, "/api/admin/tenants/refresh", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), dataMap(t, decode(t, rec))["tenants"])

	rec = env.do(t, http.MethodPost, "/api/admin/tenants/9/ready", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "READY", dataMap(t, decode(t, rec))["status"])

	rec = env.do(t, http.MethodPost, "/api/admin/tenants/7/error", tok, map[string]string{"reason": "schema migration failed"})
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, decode(t, rec))
	assert.Equal(t, "ERROR", data["status"])
	assert.Equal(t, "schema migration failed", data["status_message"])

	d, err := env.tenants.Lookup("7")
	require.NoError(t, err)
	assert.False(t, d.Ready())

	rec = env.do(t, http.MethodPost, "/api/admin/tenants/404/ready", tok, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdmin_SuperAdminClaimingPendingTenant(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, &resolver.Identity{UserID: "1", Role: resolver.RoleSuperAdmin, SuperAdmin: true, ClaimedTenantID: "9"})

	rec := env.do(t, http.MethodPost, "/api/admin/tenants/9/ready", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "READY", dataMap(t, decode(t, rec))["status"])
}

func TestAdmin_MarkPicksUpNewTenant(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, superAdmin)

	env.source.Put(descriptor(t, tenant.Record{ID: "12", Name: "Camara 12", DBSchema: "camara_12", Status: "PENDENTE", Active: true}))
	_, err := env.tenants.Lookup("12")
	require.Error(t, err)

	rec := env.do(t, http.MethodPost, "/api/admin/tenants/12/ready", tok, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "READY", dataMap(t, decode(t, rec))["status"])
}

func TestAdmin_ListTenantsHidesDSN(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/admin/tenants", env.token(t, superAdmin), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), sharedDSN)
	assert.Contains(t, rec.Body.String(), `"camara_7"`)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 租户范围
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestTenantPing(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/tenant/ping", env.token(t, member), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	data := dataMap(t, decode(t, rec))
	assert.Equal(t, "7", data["tenant_id"])
	assert.NotContains(t, rec.Body.String(), "camara_7")
}

func TestTenantPing_NotReady(t *testing.T) {
	env := newTestEnv(t)

	tok := env.token(t, &resolver.Identity{UserID: "5", Role: "VEREADOR", ClaimedTenantID: "9"})
	rec := env.do(t, http.MethodGet, "/api/tenant/ping", tok, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "tenant_not_ready", body.Error)
	assert.Equal(t, "status:PENDING", body.Reason)
}

func TestTenantPing_StorageUnavailableIsMasked(t *testing.T) {
	env := newTestEnv(t)

	tok := env.token(t, &resolver.Identity{UserID: "5", Role: "VEREADOR", ClaimedTenantID: "11"})
	rec := env.do(t, http.MethodGet, "/api/tenant/ping", tok, nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "storage unavailable, retry later", body.Message)
	assert.NotContains(t, rec.Body.String(), "camara_11")
	assert.NotContains(t, rec.Body.String(), "10.1.1.1")
}

func TestTenantScoped_RequiresTenant(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/tenant/ping", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "tenant_required", decode(t, rec).Error)
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 事件
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestPublish_Validation(t *testing.T) {
	env := newTestEnv(t)
	tok := env.token(t, member)

	rec := env.do(t, http.MethodPost, "/api/events/publish", tok, map[string]string{"type": "tick"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/events/publish", tok, map[string]string{"topic": "painel", "type": "tick"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), dataMap(t, decode(t, rec))["delivered"])
}

func TestSubscribe_RoleMustBeGranted(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodGet, "/api/events?topic=painel&role=ADMIN", env.token(t, member), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/events", env.token(t, member), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, env.broadcast.Count())
}

func TestSubscribeSSE_ReceivesTenantEvents(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(env.handler)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/events?topic=painel", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token(t, member))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.Eventually(t, func() bool { return env.broadcast.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	subs := env.broadcast.Subscribers("7")
	require.Len(t, subs, 1)
	assert.Equal(t, "VEREADOR", subs[0].Role)
	assert.Equal(t, "42", subs[0].UserID)

	// another tenant publishing on the same topic is not seen
	other := env.token(t, &resolver.Identity{UserID: "8", Role: "VEREADOR", ClaimedTenantID: "11"})
	rec := env.do(t, http.MethodPost, "/api/events/publish", other, map[string]string{"topic": "painel", "type": "foreign"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/events/publish", env.token(t, member), map[string]interface{}{
		"topic": "painel",
		"type":  "tick",
		"data":  map[string]int{"n": 1},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), dataMap(t, decode(t, rec))["delivered"])

	buf := make([]byte, 0, 1024)
	chunk := make([]byte, 256)
	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(string(buf), `"type":"tick"`) && time.Now().Before(deadline) {
		n, err := resp.Body.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	body := string(buf)
	assert.True(t, strings.HasPrefix(body, `data: {"type":"connected"`), body)
	assert.Contains(t, body, `"type":"tick"`)
	assert.NotContains(t, body, "foreign")
}

// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
// 准入
// ━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━

func TestLogin_AdmissionGuard(t *testing.T) {
	env := newTestEnv(t)

	call := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 30; i++ {
		require.Equal(t, http.StatusNotImplemented, call("10.0.0.5").Code)
	}
	rec := call("10.0.0.5")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "120", rec.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusNotImplemented, call("10.0.0.6").Code)
}

func TestLogin_AdmissionIgnoresSpoofedForwarding(t *testing.T) {
	env := newTestEnv(t)

	blocked := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/login", nil)
		req.RemoteAddr = "203.0.113.9:5000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("10.9.0.%d", i))
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			blocked++
		}
	}
	assert.Equal(t, 70, blocked)
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{deps: Deps{CORS: &httpservice.CORSConfig{Enabled: true, AllowedOrigins: []string{"https://painel.example"}}}}

	req := httptest.NewRequest(http.MethodGet, "/api/events/ws", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://painel.example")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, s.checkOrigin(req))

	s.deps.CORS = nil
	req.Host = "gate.example"
	req.Header.Set("Origin", "https://gate.example")
	assert.True(t, s.checkOrigin(req))
}
