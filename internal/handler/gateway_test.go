package handler

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"

	"xroad-gateway/internal/client"
	"xroad-gateway/internal/config"
	"xroad-gateway/internal/service"
)

// captured records the last request an upstream test server received.
type captured struct {
	mu          sync.Mutex
	method      string
	path        string
	rawQuery    string
	auth        string
	contentType string
	body        []byte
}

func (c *captured) record(r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.method = r.Method
	c.path = r.URL.Path
	c.rawQuery = r.URL.RawQuery
	c.auth = r.Header.Get("Authorization")
	c.contentType = r.Header.Get("Content-Type")
	c.body, _ = io.ReadAll(r.Body)
}

// newUpstream starts a server that records each request and answers with fn.
func newUpstream(t *testing.T, fn http.HandlerFunc) (*httptest.Server, *captured) {
	t.Helper()
	got := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.record(r)
		if fn != nil {
			fn(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func testConfig(centralURL, securityURL string) *config.Config {
	return &config.Config{
		Central: config.SurfaceConfig{
			BaseURL:        centralURL,
			APIKey:         "cs-key",
			TimeoutSeconds: 5,
		},
		Security: config.SurfaceConfig{
			BaseURL:        securityURL,
			APIKey:         "ss-key",
			TimeoutSeconds: 5,
		},
		Upstream: config.UpstreamConfig{IdleConnections: 10},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *echo.Echo {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	xc := client.NewXRoadClient(cfg, logger, nil)
	svc := service.NewGatewayService(xc, cfg, logger, nil)

	e := echo.New()
	RegisterRoutes(e, NewGatewayHandler(svc, logger), NewHealthHandler(cfg, svc, "test"))
	return e
}

func serve(e *echo.Echo, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJSON_PassThrough(t *testing.T) {
	upstream, got := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1, "name":"Test CA"}]`))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/certification-services", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.path != "/api/v1/certification-services" {
		t.Errorf("upstream path = %q, want %q", got.path, "/api/v1/certification-services")
	}
	if got.auth != "X-Road-ApiKey token=cs-key" {
		t.Errorf("Authorization = %q", got.auth)
	}
	if rec.Body.String() != `[{"id":1, "name":"Test CA"}]` {
		t.Errorf("body = %q, want upstream bytes", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != echo.MIMEApplicationJSON {
		t.Errorf("Content-Type = %q, want %q", ct, echo.MIMEApplicationJSON)
	}
}

func TestJSON_PathParametersAndQuery(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig("https://cs.example", upstream.URL))

	rec := serve(e, httptest.NewRequest(http.MethodGet,
		"/xroad-ss/members/GOV/12345?instance=EE&custom_api_key=&env_prefix=&sort=desc", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.path != "/api/v1/members/GOV/12345" {
		t.Errorf("upstream path = %q", got.path)
	}
	if got.rawQuery != "instance=EE&sort=desc" {
		t.Errorf("upstream query = %q, want %q", got.rawQuery, "instance=EE&sort=desc")
	}
}

func TestJSON_ForwardsBody(t *testing.T) {
	upstream, got := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"code":"G1"}`))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := httptest.NewRequest(http.MethodPost, "/xroad-cs/global-groups",
		strings.NewReader(`{"code":"G1","description":"first"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := serve(e, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	if got.contentType != "application/json" {
		t.Errorf("upstream Content-Type = %q", got.contentType)
	}
	var body map[string]any
	if err := json.Unmarshal(got.body, &body); err != nil {
		t.Fatalf("upstream body is not JSON: %v", err)
	}
	if body["code"] != "G1" || body["description"] != "first" {
		t.Errorf("upstream body = %v", body)
	}
}

func TestJSON_RejectsNonObjectBody(t *testing.T) {
	upstream, _ := newUpstream(t, nil)
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := httptest.NewRequest(http.MethodPost, "/xroad-cs/global-groups", strings.NewReader(`[1,2]`))
	rec := serve(e, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestOverrides_Environment(t *testing.T) {
	defaultUpstream, defaultGot := newUpstream(t, nil)
	devUpstream, devGot := newUpstream(t, nil)

	cfg := testConfig(defaultUpstream.URL, "https://ss.example")
	cfg.Central.Environments = map[string]config.EnvironmentConfig{
		"dev": {BaseURL: devUpstream.URL},
	}
	e := newTestGateway(t, cfg)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/tokens?env_prefix=DEV", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if devGot.path != "/api/v1/tokens" {
		t.Errorf("dev upstream path = %q, want /api/v1/tokens", devGot.path)
	}
	if devGot.auth != "X-Road-ApiKey token=cs-key" {
		t.Errorf("dev upstream should inherit the default key, got %q", devGot.auth)
	}
	if devGot.rawQuery != "" {
		t.Errorf("env_prefix leaked upstream: %q", devGot.rawQuery)
	}
	if defaultGot.path != "" {
		t.Errorf("default upstream should not be called, got %q", defaultGot.path)
	}
}

func TestOverrides_Rejected(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"unknown environment", "env_prefix=staging", http.StatusBadRequest},
		{"relative custom url", "custom_base_url=/elsewhere", http.StatusBadRequest},
		{"custom url disabled", "custom_base_url=https://other.example", http.StatusForbidden},
		{"custom key disabled", "custom_api_key=secret", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/tokens?"+tt.query, http.NoBody))
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body: %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if strings.Contains(rec.Body.String(), "secret") {
				t.Errorf("response leaks the custom key: %s", rec.Body.String())
			}
		})
	}

	if got.path != "" {
		t.Errorf("rejected requests reached the upstream: %q", got.path)
	}
}

func TestOverrides_CustomTargetAllowed(t *testing.T) {
	defaultUpstream, _ := newUpstream(t, nil)
	custom, got := newUpstream(t, nil)

	cfg := testConfig(defaultUpstream.URL, "https://ss.example")
	cfg.Server.AllowTargetOverrides = true
	e := newTestGateway(t, cfg)

	rec := serve(e, httptest.NewRequest(http.MethodGet,
		"/xroad-cs/tokens?custom_base_url="+custom.URL+"&custom_api_key=mine", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.auth != "X-Road-ApiKey token=mine" {
		t.Errorf("Authorization = %q, want custom key", got.auth)
	}
	if got.rawQuery != "" {
		t.Errorf("override parameters leaked upstream: %q", got.rawQuery)
	}
}

func TestMissingAPIKey(t *testing.T) {
	upstream, _ := newUpstream(t, nil)
	cfg := testConfig(upstream.URL, "https://ss.example")
	cfg.Central.APIKey = ""
	e := newTestGateway(t, cfg)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/tokens", http.NoBody))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func multipartRequest(t *testing.T, method, target string, fields map[string]string, fileField, filename, fileType string, content []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	if fileField != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{`form-data; name="` + fileField + `"; filename="` + filename + `"`}
		if fileType != "" {
			h["Content-Type"] = []string{fileType}
		}
		part, err := w.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		_, _ = part.Write(content)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

type upstreamPart struct {
	filename    string
	contentType string
	content     string
}

func readUpstreamParts(t *testing.T, got *captured) map[string]upstreamPart {
	t.Helper()
	_, params, err := mime.ParseMediaType(got.contentType)
	if err != nil {
		t.Fatalf("upstream Content-Type %q: %v", got.contentType, err)
	}
	parts := map[string]upstreamPart{}
	mr := multipart.NewReader(bytes.NewReader(got.body), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		b, _ := io.ReadAll(p)
		parts[p.FormName()] = upstreamPart{p.FileName(), p.Header.Get("Content-Type"), string(b)}
	}
	return parts
}

func TestUpload_BackupWithIgnoreWarnings(t *testing.T) {
	upstream, got := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"filename":"conf_backup.tar"}`))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := multipartRequest(t, http.MethodPost, "/xroad-cs/backups/upload",
		map[string]string{"ignore_warnings": "True"}, "file", "conf_backup.tar", "", []byte("tar-bytes"))
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.path != "/api/v1/backups/upload" {
		t.Errorf("upstream path = %q", got.path)
	}
	if got.rawQuery != "ignore_warnings=true" {
		t.Errorf("upstream query = %q, want ignore_warnings=true", got.rawQuery)
	}
	if strings.Contains(got.contentType, "application/json") {
		t.Errorf("upstream Content-Type = %q must not be JSON", got.contentType)
	}

	parts := readUpstreamParts(t, got)
	file := parts["file"]
	if file.filename != "conf_backup.tar" || file.content != "tar-bytes" {
		t.Errorf("file part = %+v", file)
	}
	if file.contentType != MIMEBinary {
		t.Errorf("file Content-Type = %q, want default %q", file.contentType, MIMEBinary)
	}
	if _, ok := parts["ignore_warnings"]; ok {
		t.Error("ignore_warnings should travel in the query, not as a form field")
	}
}

func TestUpload_DefaultsAndTextFields(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := multipartRequest(t, http.MethodPost, "/xroad-cs/certification-services",
		map[string]string{"certificate_profile_info": "ee.ria.Profile", "tls_auth": "true"},
		"certificate", "ca.pem", "application/x-pem-file", []byte("PEM"))
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.rawQuery != "" {
		t.Errorf("upstream query = %q, want none", got.rawQuery)
	}
	parts := readUpstreamParts(t, got)
	if parts["certificate"].contentType != "application/x-pem-file" {
		t.Errorf("declared part type lost: %q", parts["certificate"].contentType)
	}
	if parts["certificate_profile_info"].content != "ee.ria.Profile" || parts["tls_auth"].content != "true" {
		t.Errorf("text fields = %+v", parts)
	}
}

func TestUpload_DefaultQueryValue(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig("https://cs.example", upstream.URL))

	req := multipartRequest(t, http.MethodPost, "/xroad-ss/backups/upload?env_prefix=", nil,
		"file", "ss.tar", "", []byte("x"))
	rec := serve(e, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	if got.rawQuery != "ignore_warnings=false" {
		t.Errorf("upstream query = %q, want ignore_warnings=false", got.rawQuery)
	}
}

func TestUpload_QueryValueForLiftedField(t *testing.T) {
	tests := []struct {
		name      string
		path      string
		fields    map[string]string
		wantQuery string
	}{
		{"central query", "/xroad-cs/backups/upload?ignore_warnings=true", nil, "ignore_warnings=true"},
		{"security query", "/xroad-ss/backups/upload?ignore_warnings=true", nil, "ignore_warnings=true"},
		{"security query normalized", "/xroad-ss/backups/upload?ignore_warnings=True", nil, "ignore_warnings=true"},
		{"other params kept in order", "/xroad-ss/backups/upload?a=1&ignore_warnings=true&b=2", nil, "a=1&b=2&ignore_warnings=true"},
		{
			"form field wins over query",
			"/xroad-cs/backups/upload?ignore_warnings=false",
			map[string]string{"ignore_warnings": "true"},
			"ignore_warnings=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream, got := newUpstream(t, nil)
			e := newTestGateway(t, testConfig(upstream.URL, upstream.URL))

			req := multipartRequest(t, http.MethodPost, tt.path, tt.fields, "file", "b.tar", "", []byte("x"))
			rec := serve(e, req)

			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
			}
			if got.rawQuery != tt.wantQuery {
				t.Errorf("upstream query = %q, want %q", got.rawQuery, tt.wantQuery)
			}
		})
	}
}

func TestUpload_RepeatedTextFields(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, v := range []string{"a", "b"} {
		if err := w.WriteField("tag", v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := w.CreateFormFile("certificate", "ca.pem")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte("PEM"))
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/xroad-cs/certification-services", &buf)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())

	rec := serve(e, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}

	_, params, err := mime.ParseMediaType(got.contentType)
	if err != nil {
		t.Fatalf("upstream Content-Type %q: %v", got.contentType, err)
	}
	form, err := multipart.NewReader(bytes.NewReader(got.body), params["boundary"]).ReadForm(1 << 20)
	if err != nil {
		t.Fatalf("ReadForm: %v", err)
	}
	if tags := form.Value["tag"]; len(tags) != 2 || tags[0] != "a" || tags[1] != "b" {
		t.Errorf("tag values = %v, want [a b]", tags)
	}
}

func TestUpload_MissingFile(t *testing.T) {
	upstream, got := newUpstream(t, nil)
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := multipartRequest(t, http.MethodPost, "/xroad-cs/trusted-anchors", map[string]string{"x": "y"}, "", "", "", nil)
	rec := serve(e, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
	if got.path != "" {
		t.Error("request without file reached the upstream")
	}
}

func TestFailure_WarningsPassThrough(t *testing.T) {
	body := `{"status":400,"error":{"code":"warnings_detected"},"warnings":[{"code":"warning_file_already_exists","metadata":["conf_backup_20201006-094932.tar"]}]}`
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(body))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	req := multipartRequest(t, http.MethodPost, "/xroad-cs/backups/upload", nil, "file", "b.tar", "", []byte("x"))
	rec := serve(e, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("body = %q, want upstream bytes verbatim", rec.Body.String())
	}
	if rec.Header().Get(HeaderWarnings) != "true" {
		t.Errorf("%s = %q, want true", HeaderWarnings, rec.Header().Get(HeaderWarnings))
	}
}

func TestFailure_UpstreamErrorPassThrough(t *testing.T) {
	body := `{"status":404,"error":{"code":"global_group_not_found"}}`
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(body))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/global-groups/NOPE", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if rec.Body.String() != body {
		t.Errorf("body = %q, want upstream bytes verbatim", rec.Body.String())
	}
	if rec.Header().Get(HeaderWarnings) != "" {
		t.Error("plain errors must not be marked as warnings")
	}
}

func TestJSONMediaTypePreserved(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		upstream string
		want     string
	}{
		{"problem details error", http.StatusConflict, "application/problem+json", "application/problem+json"},
		{"charset on success", http.StatusOK, "application/json; charset=utf-8", "application/json; charset=utf-8"},
		{"undeclared json", http.StatusOK, "", echo.MIMEApplicationJSON},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			upstream, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
				if tt.upstream == "" {
					w.Header()["Content-Type"] = nil
				} else {
					w.Header().Set("Content-Type", tt.upstream)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"title":"x"}`))
			})
			e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

			rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/member-classes", http.NoBody))

			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if ct := rec.Header().Get(echo.HeaderContentType); ct != tt.want {
				t.Errorf("Content-Type = %q, want %q", ct, tt.want)
			}
			if rec.Body.String() != `{"title":"x"}` {
				t.Errorf("body = %q", rec.Body.String())
			}
		})
	}
}

func TestFailure_Transport(t *testing.T) {
	e := newTestGateway(t, testConfig("http://127.0.0.1:1", "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/system/status", http.NoBody))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "upstream connection failed" {
		t.Errorf("error = %q", body["error"])
	}
	if !strings.HasPrefix(body["detail"], "Request failed: ") {
		t.Errorf("detail = %q", body["detail"])
	}
}

func TestFailure_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream, _ := newUpstream(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	cfg := testConfig(upstream.URL, "https://ss.example")
	cfg.Central.TimeoutSeconds = 1
	e := newTestGateway(t, cfg)

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/system/status", http.NoBody))
	if rec.Code != http.StatusGatewayTimeout {
		t.Errorf("status = %d, want 504", rec.Code)
	}
}

func TestDownload(t *testing.T) {
	upstream, got := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/x-tar")
		_, _ = w.Write([]byte("tar-archive"))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/backups/conf_backup.tar/download", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got.path != "/api/v1/backups/conf_backup.tar/download" {
		t.Errorf("upstream path = %q", got.path)
	}
	if rec.Body.String() != "tar-archive" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/x-tar" {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != `attachment; filename="conf_backup.tar"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestDownload_DefaultContentType(t *testing.T) {
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header()["Content-Type"] = nil
		_, _ = w.Write([]byte("<anchor/>"))
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-cs/trusted-anchors/abc123/download", http.NoBody))

	if ct := rec.Header().Get(echo.HeaderContentType); ct != MIMEXML {
		t.Errorf("Content-Type = %q, want %q", ct, MIMEXML)
	}
	if cd := rec.Header().Get(echo.HeaderContentDisposition); cd != `attachment; filename="trusted_anchor_abc123.xml"` {
		t.Errorf("Content-Disposition = %q", cd)
	}
}

func TestMessage_Delete(t *testing.T) {
	upstream, got := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	e := newTestGateway(t, testConfig(upstream.URL, "https://ss.example"))

	rec := serve(e, httptest.NewRequest(http.MethodDelete, "/xroad-cs/backups/conf%20backup.tar", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got.method != http.MethodDelete {
		t.Errorf("upstream method = %q", got.method)
	}
	if got.path != "/api/v1/backups/conf backup.tar" {
		t.Errorf("upstream path = %q", got.path)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["message"] != "Backup file 'conf backup.tar' deleted successfully" {
		t.Errorf("message = %q", body["message"])
	}
}

func TestProbe(t *testing.T) {
	healthy, _ := newUpstream(t, nil)
	broken, _ := newUpstream(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	e := newTestGateway(t, testConfig(healthy.URL, broken.URL))

	tests := []struct {
		path       string
		wantStatus string
		wantEnv    any
	}{
		{"/xroad-cs/backups/health", "healthy", nil},
		{"/xroad-cs/system/health?env_prefix=test", "healthy", "test"},
		{"/xroad-ss/backups/health", "unhealthy", nil},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := serve(e, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			var body struct {
				Status        string `json:"status"`
				APIAccessible bool   `json:"api_accessible"`
				Config        struct {
					EnvPrefix         any  `json:"env_prefix"`
					UsingCustomConfig bool `json:"using_custom_config"`
				} `json:"config"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if body.APIAccessible != (tt.wantStatus == "healthy") {
				t.Errorf("api_accessible = %v", body.APIAccessible)
			}
			if body.Config.EnvPrefix != tt.wantEnv {
				t.Errorf("env_prefix = %v, want %v", body.Config.EnvPrefix, tt.wantEnv)
			}
		})
	}
}

func TestDiagnostics_Aggregate(t *testing.T) {
	upstream, _ := newUpstream(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/api/v1/diagnostics/addon-status" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"status":500}`))
			return
		}
		_, _ = w.Write([]byte(`{"path":"` + r.URL.Path + `"}`))
	})
	e := newTestGateway(t, testConfig("https://cs.example", upstream.URL))

	rec := serve(e, httptest.NewRequest(http.MethodGet, "/xroad-ss/diagnostics/all", http.NoBody))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body struct {
		Timestamp   string                    `json:"timestamp"`
		Diagnostics map[string]map[string]any `json:"diagnostics"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.Timestamp == "" {
		t.Error("timestamp missing")
	}
	if len(body.Diagnostics) != len(securityDiagnostics) {
		t.Fatalf("got %d diagnostics, want %d", len(body.Diagnostics), len(securityDiagnostics))
	}
	if body.Diagnostics["global_configuration"]["path"] != "/api/v1/diagnostics/globalconf" {
		t.Errorf("global_configuration = %v", body.Diagnostics["global_configuration"])
	}
	if body.Diagnostics["addon_status"]["error"] == nil {
		t.Errorf("addon_status = %v, want an error entry", body.Diagnostics["addon_status"])
	}
}

func TestSanitizeError(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Authorization: X-Road-ApiKey token=abc123 rejected", "Authorization: X-Road-ApiKey token=[REDACTED] rejected"},
		{`GET "https://x/api?custom_api_key=s3cret&a=1"`, `GET "https://x/api?custom_api_key=[REDACTED]&a=1"`},
		{"dial tcp 127.0.0.1:1: connect: connection refused", "dial tcp 127.0.0.1:1: connect: connection refused"},
	}

	for _, tt := range tests {
		if got := sanitizeError(errString(tt.in)); got != tt.want {
			t.Errorf("sanitizeError(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

type errString string

func (e errString) Error() string { return string(e) }
