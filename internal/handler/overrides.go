package handler

import (
	"errors"
	"net/url"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"xroad-gateway/internal/config"
	"xroad-gateway/internal/model"
	"xroad-gateway/internal/target"
)

// Query parameters that select the upstream target. They never reach the upstream.
const (
	paramEnvPrefix     = "env_prefix"
	paramCustomBaseURL = "custom_base_url"
	paramCustomAPIKey  = "custom_api_key"
)

// parseOverrides splits the inbound query into target overrides and the
// parameters that are forwarded upstream, keeping their order.
func parseOverrides(rawQuery string) (target.Overrides, model.Params, error) {
	params := model.ParseParams(rawQuery)

	o := target.Overrides{
		Environment: strings.ToLower(params.Get(paramEnvPrefix)),
		BaseURL:     params.Get(paramCustomBaseURL),
		APIKey:      params.Get(paramCustomAPIKey),
	}

	err := validation.Errors{
		paramEnvPrefix:     validation.Validate(o.Environment, validation.In(config.EnvDev, config.EnvProd, config.EnvTest).Error("must be one of dev, prod, test")),
		paramCustomBaseURL: validation.Validate(o.BaseURL, validation.By(absoluteHTTPURL)),
	}.Filter()
	if err != nil {
		return target.Overrides{}, nil, err
	}

	return o, params.Without(paramEnvPrefix, paramCustomBaseURL, paramCustomAPIKey), nil
}

func absoluteHTTPURL(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return errors.New("not a valid URL")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("must be an absolute http(s) URL")
	}
	return nil
}
