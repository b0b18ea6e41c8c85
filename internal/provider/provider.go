// ABOUTME: Typed resolution of chat/job endpoints from a source tag and provider id
// ABOUTME: Returns a tagged Resolution instead of failing on missing configuration

package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/config"
)

// Status tags a Resolution
type Status int

const (
	StatusOK Status = iota
	StatusMissing
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusMissing:
		return "missing"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Endpoint is a fully resolved backend target.
type Endpoint struct {
	Source       string
	ProviderID   string
	Kind         string // config.KindOpenAI or config.KindOllama
	BaseURL      string
	APIKey       string
	RequiresAuth bool // send the identity's bearer token instead of APIKey
}

// Resolution is the tagged result of Resolve. Endpoint is only meaningful
// when Status is StatusOK.
type Resolution struct {
	Status   Status
	Endpoint Endpoint
	Reason   string
}

// OK reports whether the resolution produced a usable endpoint.
func (r Resolution) OK() bool { return r.Status == StatusOK }

// Err converts a failed resolution into an error.
func (r Resolution) Err() error {
	if r.OK() {
		return nil
	}
	return fmt.Errorf("provider %s: %s", r.Status, r.Reason)
}

// Resolve picks the endpoint for a request. The "system" source (or an
// empty one) routes to the managed backend; "custom" and "builtin" look up
// the configured provider by id.
func Resolve(cfg *config.Config, source, providerID string) Resolution {
	switch source {
	case "", config.SourceSystem:
		if cfg.Backend.BaseURL == "" {
			return Resolution{Status: StatusMissing, Reason: "backend.base_url is not configured"}
		}
		requiresAuth := cfg.Backend.RequiresAuth == nil || *cfg.Backend.RequiresAuth
		return Resolution{Status: StatusOK, Endpoint: Endpoint{
			Source:       config.SourceSystem,
			Kind:         cfg.Backend.Kind,
			BaseURL:      strings.TrimRight(cfg.Backend.BaseURL, "/"),
			RequiresAuth: requiresAuth,
		}}
	case config.SourceCustom, config.SourceBuiltin:
		if providerID == "" {
			return Resolution{Status: StatusInvalid, Reason: fmt.Sprintf("source %q requires a provider id", source)}
		}
		p, ok := cfg.FindProvider(source, providerID)
		if !ok {
			return Resolution{Status: StatusMissing, Reason: fmt.Sprintf("no %s provider %q", source, providerID)}
		}
		if p.BaseURL == "" {
			return Resolution{Status: StatusInvalid, Reason: fmt.Sprintf("provider %q has no base_url", providerID)}
		}
		kind := p.Kind
		if kind == "" {
			kind = config.KindOpenAI
		}
		return Resolution{Status: StatusOK, Endpoint: Endpoint{
			Source:       source,
			ProviderID:   p.ID,
			Kind:         kind,
			BaseURL:      strings.TrimRight(p.BaseURL, "/"),
			APIKey:       p.APIKey,
			RequiresAuth: p.RequiresAuth,
		}}
	default:
		return Resolution{Status: StatusInvalid, Reason: fmt.Sprintf("unknown source %q", source)}
	}
}

// Authorize sets the Authorization header for req. Endpoints that require
// auth use the identity's bearer token; a missing identity or a token
// failure degrades to an unauthenticated request. Otherwise the static API
// key is used when present.
func Authorize(ctx context.Context, req *http.Request, ep Endpoint, id auth.Identity, logger *slog.Logger) {
	if token := Credential(ctx, ep, id, logger); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Credential returns the bearer credential for ep, or "" for an
// unauthenticated request.
func Credential(ctx context.Context, ep Endpoint, id auth.Identity, logger *slog.Logger) string {
	if !ep.RequiresAuth {
		return ep.APIKey
	}
	if id == nil {
		return ""
	}
	token, err := id.Token(ctx)
	if err != nil {
		if logger != nil {
			logger.Warn("failed to obtain bearer token, sending unauthenticated", "error", err)
		}
		return ""
	}
	return token
}
