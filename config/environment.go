package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	appEnvVar              = "APP_ENV"
	environmentDevelopment = "development"
	environmentProduction  = "production"
	environmentStaging     = "staging"
)

var environmentAliases = map[string]string{
	"dev":   environmentDevelopment,
	"local": environmentDevelopment,
	"prod":  environmentProduction,
	"stag":  environmentStaging,
	"stage": environmentStaging,
}

// getAppEnvironment reads APP_ENV and defaults to development.
func getAppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return environmentDevelopment
	}
	if canonical, ok := environmentAliases[env]; ok {
		return canonical
	}
	return env
}

// resolveEnvSpecificPath selects the APP_ENV config file when the caller
// asked for the default one.
func resolveEnvSpecificPath(path, defaultPath string, envPaths map[string]string) string {
	if path == "" {
		path = defaultPath
	}

	env := getAppEnvironment()
	if envPath, ok := envPaths[env]; ok {
		if path == defaultPath || path == envPath {
			return envPath
		}
	}

	return path
}

func isProductionLike(env string) bool {
	return env == environmentProduction || env == environmentStaging
}

// validateForEnvironment applies the stricter rules of production and
// staging: the feed must be reached over TLS and the symbol list must come
// from a shared source rather than a file baked into the image.
func validateForEnvironment(cfg *Config, env string) error {
	if !isProductionLike(env) {
		return nil
	}
	if !strings.HasPrefix(cfg.Feed.URL, "wss://") {
		return fmt.Errorf("feed.url '%s' must use wss:// in %s", cfg.Feed.URL, env)
	}
	if cfg.ReferenceData.Source == "file" {
		return fmt.Errorf("reference_data.source 'file' is not allowed in %s", env)
	}
	return nil
}
