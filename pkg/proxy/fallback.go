package proxy

import (
	"net/http"

	"github.com/wisbric/gatehouse/pkg/route"
)

// ShouldUseFallback reports whether a failure should serve the configured
// static response instead of the terminal error.
func ShouldUseFallback(cfg *route.FallbackConfig) bool {
	return cfg != nil && cfg.Enabled
}

// WriteFallback serves the static fallback response. The body is sent as-is.
func WriteFallback(w http.ResponseWriter, cfg *route.FallbackConfig) {
	w.Header().Set("Content-Type", cfg.ContentType)
	w.WriteHeader(cfg.StatusCode)
	_, _ = w.Write([]byte(cfg.Body))
}
