// Package client provides the upstream HTTP client for the X-Road management APIs.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"xroad-gateway/internal/config"
	"xroad-gateway/internal/metrics"
	"xroad-gateway/internal/model"
	"xroad-gateway/internal/target"
)

const (
	// AuthScheme is the authorization scheme expected by X-Road REST APIs.
	AuthScheme = "X-Road-ApiKey"

	// DefaultContentType is used for file parts and binary responses that
	// carry no declared MIME type.
	DefaultContentType = "application/octet-stream"

	// TransportFailureStatus is the status code of a result whose call never
	// produced an upstream response.
	TransportFailureStatus = http.StatusInternalServerError

	apiPrefix   = "/api"
	apiV1Prefix = "/api/v1"
)

// Failure reasons reported for transport errors.
const (
	ReasonTimeout    = "timeout"
	ReasonCanceled   = "canceled"
	ReasonDNS        = "dns"
	ReasonTLS        = "tls"
	ReasonConnection = "connection"
	ReasonOther      = "other"
)

// Version is sent in the User-Agent header; set by main.
var Version = "dev"

// XRoadClient sends requests to X-Road Central and Security Server APIs.
type XRoadClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewXRoadClient creates an XRoadClient with a shared connection pool.
// Timeouts are per target and applied on each call, not on the http.Client.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewXRoadClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *XRoadClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		// X-Road servers are reached over the management network and commonly
		// use self-signed certificates.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // accepted risk, see DESIGN.md
	}

	return &XRoadClient{
		httpClient: &http.Client{Transport: transport},
		logger:     logger.With("component", "xroad_client"),
		metrics:    m,
	}
}

// BuildURL joins baseURL and endpoint, inserting /api/v1 unless the endpoint
// already starts with /api/v1 or /api.
func BuildURL(baseURL, endpoint string) string {
	baseURL = strings.TrimRight(baseURL, "/")
	endpoint = "/" + strings.TrimLeft(endpoint, "/")

	if hasPathPrefix(endpoint, apiV1Prefix) || hasPathPrefix(endpoint, apiPrefix) {
		return baseURL + endpoint
	}
	return baseURL + apiV1Prefix + endpoint
}

func hasPathPrefix(path, prefix string) bool {
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	rest := path[len(prefix):]
	return rest == "" || rest[0] == '/' || rest[0] == '?'
}

// Forward performs one upstream call against tgt and normalises the outcome.
// It never returns an error: transport failures are reported as a result with
// StatusCode TransportFailureStatus and Kind model.PayloadError.
func (c *XRoadClient) Forward(ctx context.Context, tgt target.Target, fr *model.ForwardRequest) *model.ForwardResult {
	rawURL := BuildURL(tgt.BaseURL(), fr.Endpoint)
	if len(fr.Query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + fr.Query.Encode()
	}

	body, contentType, err := encodeBody(fr)
	if err != nil {
		return failure(fmt.Errorf("encode request body: %w", err))
	}

	if tgt.Timeout() > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tgt.Timeout())
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, fr.Method, rawURL, body)
	if err != nil {
		return failure(fmt.Errorf("build upstream request: %w", err))
	}
	req.Header.Set("Authorization", AuthScheme+" token="+tgt.APIKey())
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("User-Agent", "xroad-gateway/"+Version)

	c.logger.Debug("upstream request",
		"method", fr.Method,
		"url", redactURL(req.URL),
		"multipart", fr.Multipart(),
	)

	method := metrics.NormalizeMethod(fr.Method)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observeFailure(method, start, err)
		return failure(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observeFailure(method, start, err)
		return failure(fmt.Errorf("read upstream response: %w", err))
	}

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return Normalize(resp.StatusCode, resp.Header, data)
}

func (c *XRoadClient) observeFailure(method string, start time.Time, err error) {
	reason := FailureReason(err)
	c.logger.Warn("upstream request failed", "reason", reason, "error", err)
	if c.metrics == nil {
		return
	}
	c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	c.metrics.UpstreamFailures.WithLabelValues(method, reason).Inc()
}

// Normalize converts a buffered upstream response into a ForwardResult.
// 204 is never decoded; other bodies are tried as JSON first and fall back
// to an opaque binary payload.
func Normalize(status int, header http.Header, data []byte) *model.ForwardResult {
	if status == http.StatusNoContent {
		return &model.ForwardResult{StatusCode: status, Kind: model.PayloadEmpty, Header: header}
	}

	var decoded any
	if err := json.Unmarshal(data, &decoded); err == nil {
		return &model.ForwardResult{
			StatusCode: status,
			Kind:       model.PayloadJSON,
			Header:     header,
			JSON:       decoded,
			Body:       data,
		}
	}

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}
	return &model.ForwardResult{
		StatusCode:  status,
		Kind:        model.PayloadBinary,
		Header:      header,
		Body:        data,
		ContentType: contentType,
	}
}

func failure(err error) *model.ForwardResult {
	return &model.ForwardResult{
		StatusCode: TransportFailureStatus,
		Kind:       model.PayloadError,
		Error:      "Request failed: " + err.Error(),
		Err:        err,
	}
}

// FailureReason classifies a transport error into a bounded label.
func FailureReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ReasonTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ReasonDNS
	}

	var recordErr tls.RecordHeaderError
	var alertErr tls.AlertError
	if errors.As(err, &recordErr) || errors.As(err, &alertErr) {
		return ReasonTLS
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}

	var opErr *net.OpError
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.As(err, &opErr) {
		return ReasonConnection
	}
	return ReasonOther
}

func encodeBody(fr *model.ForwardRequest) (io.Reader, string, error) {
	if fr.Multipart() {
		return encodeMultipart(fr.Data, fr.Files)
	}
	if fr.Data == nil {
		return http.NoBody, "application/json", nil
	}
	data, err := json.Marshal(fr.Data)
	if err != nil {
		return nil, "", err
	}
	return bytes.NewReader(data), "application/json", nil
}

func encodeMultipart(fields map[string]any, files []model.FilePart) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		if v == nil {
			continue
		}
		// Repeated form fields travel as one part per value.
		values, ok := v.([]string)
		if !ok {
			value, err := formValue(v)
			if err != nil {
				return nil, "", fmt.Errorf("field %q: %w", k, err)
			}
			values = []string{value}
		}
		for _, value := range values {
			if err := w.WriteField(k, value); err != nil {
				return nil, "", err
			}
		}
	}

	for _, f := range files {
		contentType := f.ContentType
		if contentType == "" {
			contentType = DefaultContentType
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fileDisposition(f.Field, f.Filename))
		h.Set("Content-Type", contentType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(f.Content); err != nil {
			return nil, "", err
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// formValue renders a structured field as a multipart text value.
func formValue(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case bool:
		return strconv.FormatBool(x), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case json.Number:
		return x.String(), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		data, err := json.Marshal(x)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

func fileDisposition(field, filename string) string {
	return fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(field), quoteEscaper.Replace(filename))
}

// redactURL drops any userinfo before logging.
func redactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
