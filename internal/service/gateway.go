// Package service implements target resolution and forwarding for the gateway.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"xroad-gateway/internal/client"
	"xroad-gateway/internal/config"
	"xroad-gateway/internal/metrics"
	"xroad-gateway/internal/model"
	"xroad-gateway/internal/target"
)

var (
	// ErrTargetOverrideDisabled is returned when a caller sends custom_base_url
	// or custom_api_key while server.allow_target_overrides is off.
	ErrTargetOverrideDisabled = errors.New("custom_base_url and custom_api_key are disabled on this gateway")

	// ErrHostNotAllowed is returned when custom_base_url points at a host
	// outside server.allowed_override_hosts.
	ErrHostNotAllowed = errors.New("custom_base_url host is not in the allowlist")

	// ErrMissingAPIKey is returned when neither config nor the caller supplies an API key.
	ErrMissingAPIKey = errors.New("API key required: set api_key in config or send custom_api_key")
)

// forwardableResponseHeaders are the only upstream headers passed back to callers.
var forwardableResponseHeaders = map[string]bool{
	"Content-Type":        true,
	"Content-Disposition": true,
	"Cache-Control":       true,
	"Date":                true,
	"Etag":                true,
	"Last-Modified":       true,
}

// Call outcomes recorded per surface and environment.
const (
	outcomeSuccess       = "success"
	outcomeUpstreamError = "upstream_error"
	outcomeTransport     = "transport_error"
	outcomeRejected      = "rejected"
)

// GatewayService resolves the upstream target of each call and forwards it.
type GatewayService struct {
	client         *client.XRoadClient
	profiles       map[config.Surface]target.Profile
	allowOverrides bool
	allowedHosts   map[string]bool
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// NewGatewayService creates a GatewayService from the loaded configuration.
// The metrics parameter is optional.
func NewGatewayService(c *client.XRoadClient, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *GatewayService {
	profiles := make(map[config.Surface]target.Profile, len(config.Surfaces))
	for _, s := range config.Surfaces {
		profiles[s] = cfg.Profile(s)
	}

	var hosts map[string]bool
	if len(cfg.Server.AllowedOverrideHosts) > 0 {
		hosts = make(map[string]bool, len(cfg.Server.AllowedOverrideHosts))
		for _, h := range cfg.Server.AllowedOverrideHosts {
			hosts[strings.ToLower(h)] = true
		}
	}

	return &GatewayService{
		client:         c,
		profiles:       profiles,
		allowOverrides: cfg.Server.AllowTargetOverrides,
		allowedHosts:   hosts,
		logger:         logger.With("component", "gateway_service"),
		metrics:        m,
	}
}

// Resolve returns the target for one call on surface after checking that the
// caller's overrides are permitted.
func (s *GatewayService) Resolve(surface config.Surface, o target.Overrides) (target.Target, error) {
	if o.Custom() && !s.allowOverrides {
		return target.Target{}, ErrTargetOverrideDisabled
	}
	if o.BaseURL != "" && s.allowedHosts != nil {
		u, err := url.Parse(o.BaseURL)
		if err != nil || !s.allowedHosts[strings.ToLower(u.Hostname())] {
			return target.Target{}, fmt.Errorf("%w: %q", ErrHostNotAllowed, o.BaseURL)
		}
	}

	tgt := s.profiles[surface].Resolve(o)
	if tgt.APIKey() == "" {
		return target.Target{}, ErrMissingAPIKey
	}
	return tgt, nil
}

// Forward resolves the target and performs the upstream call. The returned
// error is non-nil only when the call was rejected before reaching the
// upstream; upstream and transport failures are reported in the result.
func (s *GatewayService) Forward(ctx context.Context, surface config.Surface, o target.Overrides, fr *model.ForwardRequest) (*model.ForwardResult, error) {
	env := metrics.NormalizeEnvironment(o.Environment)

	tgt, err := s.Resolve(surface, o)
	if err != nil {
		s.record(surface, env, outcomeRejected)
		return nil, err
	}

	s.logger.Debug("forwarding request",
		"surface", surface,
		"environment", env,
		"method", fr.Method,
		"endpoint", fr.Endpoint,
		"target", tgt,
	)

	res := s.client.Forward(ctx, tgt, fr)
	switch {
	case res.Kind == model.PayloadError:
		s.record(surface, env, outcomeTransport)
	case res.Failed():
		s.record(surface, env, outcomeUpstreamError)
	default:
		s.record(surface, env, outcomeSuccess)
	}

	res.Header = ResponseHeaders(res.Header)
	return res, nil
}

// Probe issues a read-only GET and reports whether the upstream answered
// with a non-error status.
func (s *GatewayService) Probe(ctx context.Context, surface config.Surface, o target.Overrides, endpoint string) bool {
	res, err := s.Forward(ctx, surface, o, &model.ForwardRequest{Method: http.MethodGet, Endpoint: endpoint})
	if err != nil {
		s.logger.Warn("health probe rejected", "surface", surface, "error", err)
		return false
	}
	return !res.Failed()
}

// Environments lists the environments of surface that override the base URL.
func (s *GatewayService) Environments(surface config.Surface) []string {
	return s.profiles[surface].Names()
}

// Default returns the configured default target of surface.
func (s *GatewayService) Default(surface config.Surface) target.Target {
	return s.profiles[surface].Default
}

func (s *GatewayService) record(surface config.Surface, env, outcome string) {
	if s.metrics == nil {
		return
	}
	s.metrics.UpstreamCalls.WithLabelValues(string(surface), env, outcome).Inc()
}

// ResponseHeaders keeps only the upstream headers that are safe to pass back.
func ResponseHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for key, vals := range src {
		if forwardableResponseHeaders[http.CanonicalHeaderKey(key)] {
			dst[http.CanonicalHeaderKey(key)] = vals
		}
	}
	return dst
}
