package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/felipepmaragno/foundry-gateway/internal/config"
)

// LoadConfigSource prefetches secret name and exposes it as a configuration
// layer. A JSON object maps configuration keys ("Foundry:ApiKey",
// "ContentSafety:ApiKey") to values; any other payload is taken as the
// Foundry API key.
func LoadConfigSource(ctx context.Context, store SecretStore, name string) (config.MapSource, error) {
	raw, err := store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}

	src := config.MapSource{}

	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var values map[string]any
		if err := json.Unmarshal([]byte(trimmed), &values); err != nil {
			return nil, fmt.Errorf("parse secret %s: %w", name, err)
		}
		for k, v := range values {
			switch v := v.(type) {
			case string:
				src[k] = v
			case nil:
			default:
				src[k] = fmt.Sprint(v)
			}
		}
	} else if trimmed != "" {
		src[config.KeyFoundryAPIKey] = trimmed
	}

	slog.Info("loaded configuration from secrets manager", "secret", name, "keys", len(src))

	return src, nil
}
