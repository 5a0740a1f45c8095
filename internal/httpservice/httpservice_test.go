package httpservice

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	coreerrors "tenantgate/internal/core/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientIP(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"192.168.0.0/24", "172.16.0.1"})
	require.NoError(t, err)

	tests := []struct {
		name    string
		trusted *TrustedProxies
		xff     string
		realIP  string
		remote  string
		want    string
	}{
		{name: "forwarded via trusted proxy", trusted: proxies, xff: "10.0.0.5", remote: "192.168.0.10:5000", want: "10.0.0.5"},
		{name: "skips trusted hops", trusted: proxies, xff: "10.0.0.5, 172.16.0.1", remote: "192.168.0.10:5000", want: "10.0.0.5"},
		{name: "spoofed leftmost hop ignored", trusted: proxies, xff: "1.2.3.4, 10.0.0.5", remote: "192.168.0.10:5000", want: "10.0.0.5"},
		{name: "real ip via trusted proxy", trusted: proxies, realIP: "10.0.0.6", remote: "192.168.0.10:5000", want: "10.0.0.6"},
		{name: "untrusted peer headers ignored", trusted: proxies, xff: "10.0.0.5", realIP: "10.0.0.6", remote: "203.0.113.9:5000", want: "203.0.113.9"},
		{name: "no trust list", xff: "10.0.0.5", realIP: "10.0.0.6", remote: "192.168.0.10:5000", want: "192.168.0.10"},
		{name: "remote addr", remote: "10.0.0.7:41234", want: "10.0.0.7"},
		{name: "remote without port", remote: "10.0.0.8", want: "10.0.0.8"},
		{name: "garbage hop falls back", trusted: proxies, xff: "not-an-ip", realIP: "10.0.0.9", remote: "192.168.0.10:5000", want: "10.0.0.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			assert.Equal(t, tt.want, tt.trusted.ClientIP(req))
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5000"
	req.Header.Set("X-Forwarded-For", "10.0.0.5")
	assert.Equal(t, "203.0.113.9", ClientIP(req))
}

func TestParseTrustedProxies(t *testing.T) {
	p, err := ParseTrustedProxies([]string{"10.0.0.0/8", " ", "::1"})
	require.NoError(t, err)
	assert.True(t, p.Trusts("10.20.30.40"))
	assert.True(t, p.Trusts("::1"))
	assert.False(t, p.Trusts("11.0.0.1"))
	assert.False(t, p.Trusts("garbage"))

	_, err = ParseTrustedProxies([]string{"10.0.0.0/33"})
	assert.True(t, coreerrors.IsCode(err, coreerrors.CodeInvalidParam))
	_, err = ParseTrustedProxies([]string{"proxy.local"})
	assert.Error(t, err)
}

func TestIsAPIRequest(t *testing.T) {
	assert.True(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/api/painel", nil)))
	assert.False(t, IsAPIRequest(httptest.NewRequest(http.MethodGet, "/painel", nil)))

	req := httptest.NewRequest(http.MethodGet, "/painel", nil)
	req.Header.Set("Accept", "application/json, text/plain")
	assert.True(t, IsAPIRequest(req))
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) ResponseData {
	t.Helper()
	var body ResponseData
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRespondErr_MasksStorageErrors(t *testing.T) {
	cause := fmt.Errorf("dial tcp 10.1.1.1:5432: connection refused")
	err := coreerrors.Wrap(cause, coreerrors.CodeTargetUnavailable, "storage target unavailable").
		WithDetail(coreerrors.DetailKey, "camara_7")

	rec := httptest.NewRecorder()
	RespondErr(rec, err)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decodeBody(t, rec)
	assert.False(t, body.Success)
	assert.Equal(t, "target_unavailable", body.Error)
	assert.Equal(t, "storage unavailable, retry later", body.Message)
	assert.NotContains(t, rec.Body.String(), "camara_7")
	assert.NotContains(t, rec.Body.String(), "10.1.1.1")
}

func TestRespondErr_Mapping(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondErr(rec, coreerrors.New(coreerrors.CodeInvalidParam, "topic is required"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "topic is required", decodeBody(t, rec).Message)

	rec = httptest.NewRecorder()
	RespondErr(rec, coreerrors.ErrTenantNotFound)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	RespondErr(rec, fmt.Errorf("boom: secret detail"))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeBody(t, rec).Message)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := RecoveryMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/x", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decodeBody(t, rec).Error)
}

func TestRequestIDMiddleware(t *testing.T) {
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, rec.Header().Get(HeaderRequestID))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(HeaderRequestID, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", rec.Header().Get(HeaderRequestID))
}

func TestCORSMiddleware_Preflight(t *testing.T) {
	cfg := DefaultCORSConfig()
	cfg.Enabled = true
	cfg.AllowedOrigins = []string{"https://painel.example"}

	reached := false
	h := CORSMiddleware(&cfg)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { reached = true }))

	req := httptest.NewRequest(http.MethodOptions, "/api/events/publish", nil)
	req.Header.Set("Origin", "https://painel.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://painel.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.False(t, reached)
}

func TestBodySizeLimitMiddleware(t *testing.T) {
	h := BodySizeLimitMiddleware(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, err := io.ReadAll(r.Body); err != nil {
			RespondError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("short")))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader("much longer than eight")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestHTTPService_StartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"

	s := NewHTTPService(context.Background(), cfg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		RespondSuccess(w, "pong")
	}))
	require.NoError(t, s.Start(context.Background()))

	addr := s.Addr()
	resp, err := http.Get("http://" + addr + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Close())

	_, err = http.Get("http://" + addr + "/")
	assert.Error(t, err)
}
