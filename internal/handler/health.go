package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xroad-gateway/internal/config"
	"xroad-gateway/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	service *service.GatewayService
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, svc *service.GatewayService, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, service: svc, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type upstreamStatus struct {
	BaseURL      string   `json:"base_url"`
	APIKeySet    bool     `json:"api_key_set"`
	TimeoutSecs  float64  `json:"timeout_seconds"`
	Environments []string `json:"environments"`
}

// Status returns gateway status information. API keys are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	upstreams := make(map[config.Surface]upstreamStatus, len(config.Surfaces))
	for _, s := range config.Surfaces {
		def := h.service.Default(s)
		upstreams[s] = upstreamStatus{
			BaseURL:      def.BaseURL(),
			APIKeySet:    def.APIKey() != "",
			TimeoutSecs:  def.Timeout().Seconds(),
			Environments: h.service.Environments(s),
		}
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":           "ok",
		"version":          string(h.version),
		"upstreams":        upstreams,
		"target_overrides": h.cfg.Server.AllowTargetOverrides,
	})
}
