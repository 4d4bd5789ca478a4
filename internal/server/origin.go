package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

func normalizeOrigins(origins []string, logger zerolog.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p *policy) originAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.allowAllOrigins {
		return true
	}
	_, exists := p.allowedOrigins[normalizedOrigin]
	return exists
}

// checkOrigin is the websocket.Upgrader CheckOrigin hook.
func (p *policy) checkOrigin(r *http.Request) bool {
	if p.originAllowed(r) {
		return true
	}

	p.log.Warn().Str("origin", r.Header.Get("Origin")).Str("remote", r.RemoteAddr).Msg("blocked websocket connection from disallowed origin")
	return false
}
