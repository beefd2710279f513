// Package config loads settings from the platform backend, a .env file, and
// environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Mail     MailConfig
	Provider ProviderConfig
	Storage  StorageConfig
	Ollama   OllamaConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port  int
	Token string
}

type MailConfig struct {
	StaffDomain string
}

type ProviderConfig struct {
	BaseURL       string
	APIKey        string
	WebhookSecret string
	CallbackURL   string
}

type StorageConfig struct {
	DataDir string
}

type OllamaConfig struct {
	Enabled bool
	BaseURL string
	Model   string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
			Model:   "llama3.2",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, a .env file in
// the working directory, environment variables, and the platform secret
// store.
//
// On macOS the backend is UserDefaults (domain: com.mailgauge.app) and the
// provider API key falls back to macOS Keychain. On Linux the backend is a
// JSON file at $XDG_CONFIG_HOME/mailgauge/config.json and secrets come from
// a secrets file under $XDG_DATA_HOME/mailgauge or the environment.
//
// Environment variables (MAILGAUGE_*) override backend values on all
// platforms. Secrets are never read from the config backend.
func Load() (Config, error) {
	// Developer convenience; absence of .env is not an error.
	_ = godotenv.Load()
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts the platform secret store for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Provider.APIKey == "" {
		if key, err := kc.Get("mailgauge", "provider_api_key"); err == nil && key != "" {
			cfg.Provider.APIKey = key
		}
	}

	var missing []string
	if cfg.Server.Token == "" {
		missing = append(missing, "API token (MAILGAUGE_API_TOKEN)")
	}
	if cfg.Provider.WebhookSecret == "" {
		missing = append(missing, "webhook secret (MAILGAUGE_WEBHOOK_SECRET)")
	}
	if cfg.Mail.StaffDomain == "" {
		missing = append(missing, "staff domain (MAILGAUGE_STAFF_DOMAIN or config key mail.staff_domain)")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required config: %s", strings.Join(missing, "; "))
	}

	return cfg, nil
}

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
