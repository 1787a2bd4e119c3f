package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variable names read by LoadSettings.
const (
	BaseDomainEnvVar        = "BASE_NUCLIA_DOMAIN"
	TestingEnvVar           = "TESTING"
	DebugRequestsEnvVar     = "DEBUG_HTTPX_REQUESTS"
	RegionalEndpointsEnvVar = "USE_NEW_REGIONAL_ENDPOINTS"

	// DefaultBaseDomain is the root of every platform URL.
	DefaultBaseDomain = "rag.progress.cloud"
)

// Settings are the process-level knobs that come from the environment.
type Settings struct {
	// BaseDomain is the root of all URLs.
	BaseDomain string
	// Testing makes interactive confirmations auto-accept.
	Testing bool
	// DebugRequests logs every outbound HTTP request.
	DebugRequests bool
	// RegionalEndpoints routes account operations through the zone hostname
	// instead of the global one.
	RegionalEndpoints bool
	// ConfigPath overrides the document location.
	ConfigPath string
}

// LoadEnvFiles loads .env.local and .env from the working directory if
// present. Variables already set in the environment win.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// LoadSettings reads Settings from the process environment.
func LoadSettings() Settings {
	return SettingsFromEnv(os.Getenv)
}

// SettingsFromEnv reads Settings through getenv.
func SettingsFromEnv(getenv func(string) string) Settings {
	s := Settings{
		BaseDomain:        strings.TrimSpace(getenv(BaseDomainEnvVar)),
		Testing:           getenv(TestingEnvVar) == "True",
		DebugRequests:     truthy(getenv(DebugRequestsEnvVar)),
		RegionalEndpoints: isSet(getenv(RegionalEndpointsEnvVar)),
		ConfigPath:        getenv(ConfigPathEnvVar),
	}
	if s.BaseDomain == "" {
		s.BaseDomain = DefaultBaseDomain
	}
	return s
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on", "y":
		return true
	}
	return false
}

// isSet treats any non-empty value as set unless it is an explicit false.
func isSet(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "0", "false", "no", "off":
		return false
	}
	return true
}
