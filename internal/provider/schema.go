// Package provider holds the schema registry that validates job submissions
// at the API boundary. Parameters are sanitized here once; the orchestration
// core never interprets them.
package provider

import (
	"fmt"
	"sort"
	"strings"

	"portal-orchestrator/internal/models"
)

// ValidationError reports missing or malformed submission fields.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Registry maps configured providers to the parameters each action requires.
type Registry struct {
	required map[string]map[string][]string
}

// defaultRequired lists the parameters every provider needs per action unless
// overridden. Circuit numbers identify the service on the provider portal.
var defaultRequired = map[string][]string{
	models.ActionValidation:   {"circuit_number"},
	models.ActionCancellation: {"circuit_number"},
}

// NewRegistry builds a registry for the configured provider set.
func NewRegistry(providers []string) *Registry {
	r := &Registry{required: make(map[string]map[string][]string, len(providers))}
	for _, p := range providers {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		actions := make(map[string][]string, len(defaultRequired))
		for action, params := range defaultRequired {
			actions[action] = params
		}
		r.required[p] = actions
	}
	return r
}

// Require overrides the required parameter list for one provider/action pair.
func (r *Registry) Require(provider, action string, params ...string) {
	actions, ok := r.required[provider]
	if !ok {
		actions = make(map[string][]string)
		r.required[provider] = actions
	}
	actions[action] = params
}

// Providers returns the configured provider names, sorted.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.required))
	for p := range r.required {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Validate checks a submission against the registry and returns the sanitized
// parameter map. Unknown providers or actions and missing required parameters
// yield a *ValidationError; nothing is written in that case.
func (r *Registry) Validate(provider, action string, params map[string]string) (map[string]string, error) {
	actions, ok := r.required[strings.ToLower(provider)]
	if !ok {
		return nil, &ValidationError{Field: "provider", Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	required, ok := actions[action]
	if !ok {
		return nil, &ValidationError{Field: "action", Reason: fmt.Sprintf("unknown action %q", action)}
	}

	sanitized := Sanitize(params)
	for _, name := range required {
		if sanitized[name] == "" {
			return nil, &ValidationError{Field: "parameters." + name, Reason: "required"}
		}
	}
	return sanitized, nil
}

// Sanitize trims whitespace and drops empty keys and values. The result is
// the immutable parameter map carried by the job.
func Sanitize(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
