package gateway

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/tenantd/internal/workspace"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func upstreamPort(t *testing.T, ts *httptest.Server) int {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	_, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return port
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestProxyForwardsRequestAndResponse(t *testing.T) {
	var gotKey, gotPrefix, gotQuery, gotBody, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		gotPrefix = r.Header.Get("X-Forwarded-Prefix")
		gotQuery = r.URL.RawQuery
		gotPath = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.Header().Set("Transfer-Encoding", "chunked")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer ts.Close()

	cfg := workspace.Config{Workspace: "demo", APIKey: "secret_key", Port: upstreamPort(t, ts)}
	f := NewForwarder("127.0.0.1", time.Second, "/rag", false, nil)

	req := httptest.NewRequest(http.MethodPost, "/documents/upload?mode=fast", strings.NewReader("payload"))
	rec := httptest.NewRecorder()
	f.Proxy(rec, req, cfg, "/documents/upload")

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("Transfer-Encoding"))
	assert.Equal(t, "secret_key", gotKey)
	assert.Equal(t, "/rag", gotPrefix)
	assert.Equal(t, "mode=fast", gotQuery)
	assert.Equal(t, "/documents/upload", gotPath)
	assert.Equal(t, "payload", gotBody)
}

func TestProxySkipsKeyInjectionWithoutAuth(t *testing.T) {
	var gotKey string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
	}))
	defer ts.Close()

	cfg := workspace.Config{Workspace: "demo", APIKey: "secret_key", Port: upstreamPort(t, ts)}
	f := NewForwarder("127.0.0.1", time.Second, "", true, nil)

	rec := httptest.NewRecorder()
	f.Proxy(rec, httptest.NewRequest(http.MethodGet, "/", nil), cfg, "/")
	assert.Empty(t, gotKey)
}

func TestProxyRefusedConnectionIs502(t *testing.T) {
	cfg := workspace.Config{Workspace: "down", APIKey: "k", Port: freePort(t)}
	f := NewForwarder("127.0.0.1", time.Second, "", false, nil)

	rec := httptest.NewRecorder()
	f.Proxy(rec, httptest.NewRequest(http.MethodGet, "/", nil), cfg, "/")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "down")
}

func TestProxyUpstreamTimeoutIs504(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer ts.Close()

	cfg := workspace.Config{Workspace: "slow", APIKey: "k", Port: upstreamPort(t, ts)}
	f := NewForwarder("127.0.0.1", 200*time.Millisecond, "", false, nil)

	rec := httptest.NewRecorder()
	f.Proxy(rec, httptest.NewRequest(http.MethodGet, "/", nil), cfg, "/")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
}
