package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/tenantd/internal/metrics"
	"github.com/loykin/tenantd/internal/workspace"
)

// Headers never copied back from the worker response. Length and encoding are
// re-derived by the server when the body is streamed through.
var excludedRespHeaders = map[string]struct{}{
	"content-length":    {},
	"content-encoding":  {},
	"transfer-encoding": {},
	"connection":        {},
}

// Forwarder proxies client requests to a workspace worker.
type Forwarder struct {
	client      *http.Client
	host        string
	rootPath    string
	disableAuth bool
	log         *slog.Logger
}

func NewForwarder(host string, timeout time.Duration, rootPath string, disableAuth bool, log *slog.Logger) *Forwarder {
	if host == "" {
		host = "127.0.0.1"
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Forwarder{
		client:      &http.Client{Timeout: timeout},
		host:        host,
		rootPath:    rootPath,
		disableAuth: disableAuth,
		log:         log,
	}
}

// Proxy forwards r to the worker for cfg and streams the response back.
// Refused connections map to 502, timeouts to 504, anything else to 500.
func (f *Forwarder) Proxy(w http.ResponseWriter, r *http.Request, cfg workspace.Config, path string) {
	start := time.Now()
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := fmt.Sprintf("http://%s:%d%s", f.host, cfg.Port, path)

	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		writeProxyError(w, http.StatusInternalServerError, "gateway error: "+err.Error())
		return
	}
	req.Header = r.Header.Clone()
	req.URL.RawQuery = r.URL.RawQuery
	req.ContentLength = r.ContentLength
	if !f.disableAuth && cfg.APIKey != "" {
		req.Header.Set("X-API-Key", cfg.APIKey)
	}
	if f.rootPath != "" {
		req.Header.Set("X-Forwarded-Prefix", f.rootPath)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		code, msg := classifyProxyError(cfg.Workspace, err)
		metrics.IncProxyRequest(cfg.Workspace, strconv.Itoa(code))
		if code != statusClientClosedRequest {
			f.log.Warn("proxy failed", "workspace", cfg.Workspace, "port", cfg.Port, "code", code, "error", err)
			writeProxyError(w, code, msg)
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for k, vs := range resp.Header {
		if _, skip := excludedRespHeaders[strings.ToLower(k)]; skip {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)

	metrics.IncProxyRequest(cfg.Workspace, strconv.Itoa(resp.StatusCode))
	metrics.ObserveProxyDuration(cfg.Workspace, time.Since(start).Seconds())
}

// statusClientClosedRequest follows the nginx convention for a client that
// went away mid-request. Nothing is written back in that case.
const statusClientClosedRequest = 499

func classifyProxyError(ws string, err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest, ""
	case errors.Is(err, syscall.ECONNREFUSED):
		return http.StatusBadGateway, fmt.Sprintf("workspace %q refused the connection, retry shortly", ws)
	case errors.Is(err, context.DeadlineExceeded) || isTimeout(err):
		return http.StatusGatewayTimeout, fmt.Sprintf("workspace %q took too long to respond", ws)
	default:
		return http.StatusInternalServerError, "gateway error: " + err.Error()
	}
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}

func writeProxyError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
