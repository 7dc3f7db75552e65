package provider

import (
	"fmt"

	"go.uber.org/zap"
)

// Build constructs a provider client for cfg.Type.
func Build(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	if cfg.ID == "" {
		cfg.ID = cfg.Name
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("provider id is required")
	}
	switch cfg.Type {
	case "openai":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}
