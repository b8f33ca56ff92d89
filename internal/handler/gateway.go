package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"xroad-gateway/internal/config"
	"xroad-gateway/internal/model"
	"xroad-gateway/internal/service"
)

// Default MIME types for uploads and downloads that do not declare one.
const (
	MIMEBinary      = "application/octet-stream"
	MIMECertificate = "application/x-x509-ca-cert"
	MIMEXML         = "application/xml"
	MIMEGzip        = "application/gzip"
)

// placeholderPattern matches {name} placeholders filled from path parameters.
var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Call is the upstream side of one inbound route. Endpoint may contain
// {name} placeholders that are filled from the inbound path parameters.
type Call struct {
	Surface  config.Surface
	Method   string
	Endpoint string
}

// Upload describes the multipart file part a route forwards.
type Upload struct {
	// Field is the form field name, identical inbound and upstream.
	Field string
	// ContentType is used when the inbound part declares none.
	ContentType string
	// Optional allows requests without a file.
	Optional bool
	// Query lists form fields sent as upstream query parameters instead of
	// multipart text fields, with the value used when the field is absent.
	Query map[string]string
}

// Download describes how a binary upstream payload is returned.
type Download struct {
	// Filename is the attachment name and may contain {name} placeholders.
	Filename string
	// ContentType is used when the upstream sends none.
	ContentType string
}

// Diagnostic is one entry of an aggregated diagnostics view.
type Diagnostic struct {
	Name     string
	Endpoint string
}

// GatewayHandler builds the echo handlers that forward inbound requests.
type GatewayHandler struct {
	service *service.GatewayService
	logger  *slog.Logger
}

// NewGatewayHandler creates a GatewayHandler.
func NewGatewayHandler(svc *service.GatewayService, logger *slog.Logger) *GatewayHandler {
	return &GatewayHandler{
		service: svc,
		logger:  logger.With("component", "gateway_handler"),
	}
}

// JSON forwards an optional JSON object body and returns the upstream result.
func (h *GatewayHandler) JSON(call Call) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, query, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}

		data, err := readJSONObject(c.Request().Body)
		if err != nil {
			return h.reject(c, err)
		}

		res, err := h.service.Forward(c.Request().Context(), call.Surface, o, &model.ForwardRequest{
			Method:   call.Method,
			Endpoint: expand(call.Endpoint, c, url.PathEscape),
			Query:    query,
			Data:     data,
		})
		if err != nil {
			return h.reject(c, err)
		}
		if res.Failed() {
			return h.fail(c, res)
		}
		return writeResult(c, res)
	}
}

// Upload forwards an inbound multipart form as a multipart upstream request.
func (h *GatewayHandler) Upload(call Call, up Upload) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, query, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}

		form, err := c.MultipartForm()
		if err != nil {
			return h.reject(c, fmt.Errorf("request must be multipart/form-data: %w", err))
		}

		files, err := readFileParts(form, up)
		if err != nil {
			return h.reject(c, err)
		}

		fields := make(map[string]any, len(form.Value))
		for name, values := range form.Value {
			switch len(values) {
			case 0:
			case 1:
				fields[name] = values[0]
			default:
				fields[name] = values
			}
		}
		// A lifted field is sent once: form value, else inbound query, else default.
		for _, name := range slices.Sorted(maps.Keys(up.Query)) {
			v := firstFormValue(form, name)
			delete(fields, name)
			if v == "" {
				v = query.Get(name)
			}
			if v == "" {
				v = up.Query[name]
			}
			query = query.Without(name).Add(name, normalizeFormBool(v))
		}

		fr := &model.ForwardRequest{
			Method:   call.Method,
			Endpoint: expand(call.Endpoint, c, url.PathEscape),
			Query:    query,
			Files:    files,
		}
		if len(fields) > 0 {
			fr.Data = fields
		}

		res, err := h.service.Forward(c.Request().Context(), call.Surface, o, fr)
		if err != nil {
			return h.reject(c, err)
		}
		if res.Failed() {
			return h.fail(c, res)
		}
		return writeResult(c, res)
	}
}

// Download returns the upstream payload as an attachment.
func (h *GatewayHandler) Download(call Call, dl Download) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, query, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}

		res, err := h.service.Forward(c.Request().Context(), call.Surface, o, &model.ForwardRequest{
			Method:   call.Method,
			Endpoint: expand(call.Endpoint, c, url.PathEscape),
			Query:    query,
		})
		if err != nil {
			return h.reject(c, err)
		}
		if res.Failed() {
			return h.fail(c, res)
		}

		contentType := res.Header.Get(echo.HeaderContentType)
		if contentType == "" {
			contentType = dl.ContentType
		}
		filename := expand(dl.Filename, c, verbatim)
		c.Response().Header().Set(echo.HeaderContentDisposition, attachment(filename))
		return c.Blob(http.StatusOK, contentType, res.Body)
	}
}

// Message forwards a call whose upstream answer carries nothing worth
// returning (deletions, activations) and answers with a confirmation
// message instead. The message may contain {name} placeholders.
func (h *GatewayHandler) Message(call Call, message string) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, query, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}

		res, err := h.service.Forward(c.Request().Context(), call.Surface, o, &model.ForwardRequest{
			Method:   call.Method,
			Endpoint: expand(call.Endpoint, c, url.PathEscape),
			Query:    query,
		})
		if err != nil {
			return h.reject(c, err)
		}
		if res.Failed() {
			return h.fail(c, res)
		}
		return c.JSON(http.StatusOK, map[string]string{
			"message": expand(message, c, verbatim),
		})
	}
}

// Probe answers with the health of the upstream API behind endpoint.
func (h *GatewayHandler) Probe(surface config.Surface, endpoint string) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, _, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}
		if _, err := h.service.Resolve(surface, o); err != nil {
			return h.reject(c, err)
		}

		ok := h.service.Probe(c.Request().Context(), surface, o, endpoint)
		status := "unhealthy"
		if ok {
			status = "healthy"
		}

		var env any
		if o.Environment != "" {
			env = o.Environment
		}
		return c.JSON(http.StatusOK, map[string]any{
			"status":         status,
			"api_accessible": ok,
			"config": map[string]any{
				"env_prefix":          env,
				"using_custom_config": o.Custom(),
			},
		})
	}
}

// Diagnostics runs every diagnostic call concurrently and aggregates the payloads.
// A failing entry is reported in place and does not fail the whole view.
func (h *GatewayHandler) Diagnostics(surface config.Surface, entries []Diagnostic) echo.HandlerFunc {
	return func(c echo.Context) error {
		o, _, err := parseOverrides(c.QueryString())
		if err != nil {
			return h.reject(c, err)
		}
		if _, err := h.service.Resolve(surface, o); err != nil {
			return h.reject(c, err)
		}

		ctx := c.Request().Context()
		results := make([]any, len(entries))

		var wg sync.WaitGroup
		for i, d := range entries {
			wg.Go(func() {
				res, err := h.service.Forward(ctx, surface, o, &model.ForwardRequest{
					Method:   http.MethodGet,
					Endpoint: d.Endpoint,
				})
				results[i] = diagnosticPayload(res, err)
			})
		}
		wg.Wait()

		diagnostics := make(map[string]any, len(entries))
		for i, d := range entries {
			diagnostics[d.Name] = results[i]
		}
		return c.JSON(http.StatusOK, map[string]any{
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"diagnostics": diagnostics,
		})
	}
}

func diagnosticPayload(res *model.ForwardResult, err error) any {
	switch {
	case err != nil:
		return map[string]string{"error": err.Error()}
	case res.Kind == model.PayloadError:
		return map[string]string{"error": sanitizeError(errors.New(res.Error))}
	case res.Failed():
		return map[string]any{"error": "upstream returned an error", "status": res.StatusCode}
	case res.Kind == model.PayloadJSON:
		return json.RawMessage(res.Body)
	default:
		return nil
	}
}

// readJSONObject decodes an optional JSON object body. An empty body yields nil.
func readJSONObject(body io.Reader) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		return nil, nil
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("request body must be a JSON object: %w", err)
	}
	return data, nil
}

func readFileParts(form *multipart.Form, up Upload) ([]model.FilePart, error) {
	headers := form.File[up.Field]
	if len(headers) == 0 {
		if up.Optional {
			return nil, nil
		}
		return nil, fmt.Errorf("missing file field %q", up.Field)
	}

	fh := headers[0]
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("open uploaded file: %w", err)
	}
	defer f.Close()

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read uploaded file: %w", err)
	}

	contentType := fh.Header.Get(echo.HeaderContentType)
	if contentType == "" {
		contentType = up.ContentType
	}
	return []model.FilePart{{
		Field:       up.Field,
		Filename:    fh.Filename,
		Content:     content,
		ContentType: contentType,
	}}, nil
}

func firstFormValue(form *multipart.Form, name string) string {
	if values := form.Value[name]; len(values) > 0 {
		return values[0]
	}
	return ""
}

// normalizeFormBool renders boolean form values the way the upstream expects them.
func normalizeFormBool(v string) string {
	if b, err := strconv.ParseBool(v); err == nil {
		return strconv.FormatBool(b)
	}
	return v
}

// expand fills {name} placeholders from path parameters, passing each value
// through escape.
func expand(tmpl string, c echo.Context, escape func(string) string) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(m string) string {
		v := c.Param(m[1 : len(m)-1])
		if u, err := url.PathUnescape(v); err == nil {
			v = u
		}
		return escape(v)
	})
}

func verbatim(s string) string { return s }

func attachment(filename string) string {
	if filename == "" {
		return "attachment"
	}
	return fmt.Sprintf("attachment; filename=%q", filename)
}
