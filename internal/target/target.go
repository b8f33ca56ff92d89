// Package target resolves which upstream X-Road server a single call goes to.
package target

import (
	"log/slog"
	"sort"
	"strings"
	"time"
)

// Target is the resolved upstream base URL, API key and timeout of one call.
// Values are immutable; use Merge to derive a new Target.
type Target struct {
	baseURL string
	apiKey  string
	timeout time.Duration
}

// New creates a Target. Trailing slashes are stripped from baseURL.
func New(baseURL, apiKey string, timeout time.Duration) Target {
	return Target{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		timeout: timeout,
	}
}

// BaseURL returns the upstream base URL without a trailing slash.
func (t Target) BaseURL() string { return t.baseURL }

// APIKey returns the X-Road API key.
func (t Target) APIKey() string { return t.apiKey }

// Timeout returns the timeout covering a whole call.
func (t Target) Timeout() time.Duration { return t.timeout }

// LogValue implements slog.LogValuer. The API key is never logged.
func (t Target) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("base_url", t.baseURL),
		slog.Bool("api_key_set", t.apiKey != ""),
		slog.Duration("timeout", t.timeout),
	)
}

// Partial is a Target with optional fields; zero values mean "unset".
type Partial struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// IsZero reports whether no field is set.
func (p Partial) IsZero() bool {
	return p.BaseURL == "" && p.APIKey == "" && p.Timeout == 0
}

// Merge returns base with every field set in p replacing the base value.
func Merge(base Target, p Partial) Target {
	out := base
	if p.BaseURL != "" {
		out.baseURL = strings.TrimRight(p.BaseURL, "/")
	}
	if p.APIKey != "" {
		out.apiKey = p.APIKey
	}
	if p.Timeout > 0 {
		out.timeout = p.Timeout
	}
	return out
}

// Overrides are the per-call selectors supplied by a caller.
type Overrides struct {
	BaseURL     string
	APIKey      string
	Environment string
}

// Custom reports whether an explicit base URL or API key was supplied.
func (o Overrides) Custom() bool {
	return o.BaseURL != "" || o.APIKey != ""
}

// Profile holds the default target of one upstream surface together with
// its named environment overrides.
type Profile struct {
	Default      Target
	Environments map[string]Partial
}

// Resolve produces the Target for one call.
//
// Precedence, highest first: explicit base URL / key in o, the named
// environment's partial, the profile default. Resolution is per field, so
// an environment may override only the base URL and inherit the default key.
// An environment with no configured partial, including an unknown name,
// resolves to the default.
func (p Profile) Resolve(o Overrides) Target {
	t := p.Default
	if env, ok := p.Environment(o.Environment); ok {
		t = Merge(t, env)
	}
	return Merge(t, Partial{BaseURL: o.BaseURL, APIKey: o.APIKey})
}

// Environment looks up a named environment, case-insensitively.
func (p Profile) Environment(name string) (Partial, bool) {
	if name == "" {
		return Partial{}, false
	}
	env, ok := p.Environments[strings.ToLower(name)]
	if !ok || env.IsZero() {
		return Partial{}, false
	}
	return env, true
}

// Names returns the environments that override the base URL, sorted.
func (p Profile) Names() []string {
	names := make([]string, 0, len(p.Environments))
	for name, env := range p.Environments {
		if env.BaseURL != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
