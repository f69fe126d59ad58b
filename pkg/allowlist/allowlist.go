// Package allowlist implements the stateless endpoint/model allowlist
// decisions and default-model normalization.
package allowlist

import (
	"fmt"
	"strings"
)

// Config is an immutable-after-load allowlist configuration.
type Config struct {
	Enabled      bool
	Endpoints    map[string]struct{}
	Models       map[string]struct{}
	DefaultModel string
}

func NewConfig(enabled bool, endpoints, models []string, defaultModel string) Config {
	c := Config{
		Enabled:      enabled,
		Endpoints:    make(map[string]struct{}, len(endpoints)),
		Models:       make(map[string]struct{}, len(models)),
		DefaultModel: strings.TrimSpace(defaultModel),
	}
	for _, e := range endpoints {
		c.Endpoints[normalizeEndpoint(e)] = struct{}{}
	}
	for _, m := range models {
		m = strings.TrimSpace(m)
		if m != "" {
			c.Models[m] = struct{}{}
		}
	}
	return c
}

func normalizeEndpoint(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1/" + strings.TrimPrefix(path, "/")
	}
	return path
}

// EndpointAllowed strips the query string and, if the path lacks the
// /v1/ prefix, prepends it before checking membership.
func (c Config) EndpointAllowed(path string) bool {
	if !c.Enabled {
		return true
	}
	_, ok := c.Endpoints[normalizeEndpoint(path)]
	return ok
}

// ModelAllowed reports whether a non-empty model is in the configured
// set. An empty model is always allowed here — it will be defaulted by
// Normalize.
func (c Config) ModelAllowed(model string) bool {
	if !c.Enabled {
		return true
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return true
	}
	_, ok := c.Models[model]
	return ok
}

// ErrModelNotAllowed is returned by Normalize when the request names a
// model outside the configured set.
type ErrModelNotAllowed struct {
	Model string
}

func (e *ErrModelNotAllowed) Error() string {
	return fmt.Sprintf("model %q is not allowed", e.Model)
}

// Normalize substitutes the default model into body when absent, and
// rejects a present-but-disallowed model. It mutates body in place and
// reports whether the model field was defaulted, so callers can log the
// substitution without inspecting body themselves.
func (c Config) Normalize(body map[string]any) (defaulted bool, err error) {
	raw, present := body["model"]
	model, _ := raw.(string)
	model = strings.TrimSpace(model)
	if !present || model == "" {
		body["model"] = c.DefaultModel
		return true, nil
	}
	if !c.ModelAllowed(model) {
		return false, &ErrModelNotAllowed{Model: model}
	}
	return false, nil
}
