package gateway

import (
	"os"

	"github.com/openclaw/openclaw/internal/config"
)

// LoadGatewayToken attempts to find the OpenClaw Gateway token.
// It checks:
// 1. OPENCLAW_GATEWAY_TOKEN environment variable
// 2. Configuration file via config.Load()
func LoadGatewayToken() (string, error) {
	// 1. Check environment variables
	if token := os.Getenv("OPENCLAW_GATEWAY_TOKEN"); token != "" {
		return token, nil
	}

	// 2. Load from configuration file using the unified config loader
	cfg, err := config.Load()
	if err != nil {
		return "", nil // Ignore errors, token is optional
	}

	return cfg.Gateway.Auth.Token, nil
}
