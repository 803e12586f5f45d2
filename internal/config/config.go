// Package config loads config.yml, the core's single top-level
// configuration file, and resolves ${NAME} placeholders against the
// vault and then the process environment — mirroring the original
// Python implementation's resolve_secret_ref behavior exactly.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yml.
type Config struct {
	Home     string         `yaml:"home"`
	Server   ServerConfig   `yaml:"server"`
	Agents   AgentPolicy    `yaml:"agents"`
	Channels ChannelsConfig `yaml:"channels"`
}

// ServerConfig controls the HTTP/WS gateway transport (C11).
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	TLSCert string `yaml:"tls_cert"`
	TLSKey  string `yaml:"tls_key"`
}

// ProviderConfig names one way to launch an agent (spec.md glossary: Provider).
type ProviderConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// AgentPolicy is the agent-supervisor (C6) and orchestrator (C10) policy
// table: default provider, concurrency cap, escalation thresholds. Durations
// are expressed in whole seconds in YAML to avoid pulling in a custom
// time.Duration unmarshaller for what is, in every config file, a plain
// integer.
type AgentPolicy struct {
	DefaultProvider      string           `yaml:"default_provider"`
	Providers            []ProviderConfig `yaml:"providers"`
	MaxConcurrent        int              `yaml:"max_concurrent"`
	PollIntervalSeconds  int              `yaml:"poll_interval_seconds"`
	StuckTimeoutSeconds  int              `yaml:"stuck_timeout_seconds"`
	MaxRetries           int              `yaml:"max_retries"`
	OutputCaptureCap     int              `yaml:"output_capture_cap_bytes"`
}

// PollInterval is the orchestrator's inter-tick sleep (spec.md §4.10).
func (a AgentPolicy) PollInterval() time.Duration {
	return time.Duration(a.PollIntervalSeconds) * time.Second
}

// StuckTimeout is how long a working session may go without activity
// before the orchestrator emits a stuck warning (spec.md §4.10).
func (a AgentPolicy) StuckTimeout() time.Duration {
	return time.Duration(a.StuckTimeoutSeconds) * time.Second
}

// ChannelsConfig enables/configures the chat channel adapter contract (C12)
// and the escalation notification channels.
type ChannelsConfig struct {
	Telegram ChatChannel              `yaml:"telegram"`
	Slack    NotifyWebhookChannel     `yaml:"slack"`
	Discord  NotifyWebhookChannel     `yaml:"discord"`
	Email    NotifyEmailChannel       `yaml:"email"`
}

// ChatChannel is the inbound command-adapter allow-list (spec.md §4.12).
type ChatChannel struct {
	Enabled         bool     `yaml:"enabled"`
	BotToken        string   `yaml:"bot_token"`
	AllowedUserIDs  []string `yaml:"allowed_user_ids"`
}

// NotifyWebhookChannel is an outbound escalation-delivery channel.
type NotifyWebhookChannel struct {
	Enabled    bool     `yaml:"enabled"`
	WebhookURL string   `yaml:"webhook_url"`
	EventTypes []string `yaml:"events"`
}

// NotifyEmailChannel is the SMTP escalation-delivery channel.
type NotifyEmailChannel struct {
	Enabled  bool     `yaml:"enabled"`
	SMTPHost string   `yaml:"smtp_host"`
	SMTPPort int      `yaml:"smtp_port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	Events   []string `yaml:"events"`
}

// Default returns the documented defaults (§4.10, §4.11) before a config.yml
// is layered on top.
func Default() *Config {
	return &Config{
		Home: "~/.adt",
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8420,
		},
		Agents: AgentPolicy{
			DefaultProvider:     "cli",
			MaxConcurrent:       3,
			PollIntervalSeconds: 5,
			StuckTimeoutSeconds: 300,
			MaxRetries:          3,
			OutputCaptureCap:    1 << 20, // 1 MiB, per spec.md §4.5
		},
	}
}

// Load reads config.yml at path, falling back to defaults for anything
// unset, and returns the config with ${NAME} references still unresolved
// (callers resolve those via Resolve once the vault is available).
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
// Used by `adtctl config init` to lay down a starter config.yml.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

var secretRefPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_.-]+)\}$`)

// SecretResolver resolves a ${NAME} reference, vault first. The vault
// package implements this; config stays decoupled from it to avoid an
// import cycle (config is loaded before the vault, in main.go's wiring).
type SecretResolver func(name string) (string, bool)

// ResolveSecretRef implements spec.md §1's "${NAME}" resolution: vault
// lookup, then environment fallback, literal passthrough otherwise —
// grounded on original_source's vault.resolve_secret_ref.
func ResolveSecretRef(value string, resolve SecretResolver) string {
	m := secretRefPattern.FindStringSubmatch(value)
	if m == nil {
		return value
	}
	name := m[1]
	if resolve != nil {
		if v, ok := resolve(name); ok {
			return v
		}
	}
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return value
}

// ResolveAll walks every exported string field of cfg (recursively through
// structs, slices, and maps of strings) and resolves ${NAME} references in
// place.
func ResolveAll(cfg *Config, resolve SecretResolver) {
	resolveValue(reflect.ValueOf(cfg), resolve)
}

func resolveValue(v reflect.Value, resolve SecretResolver) {
	if !v.IsValid() {
		return
	}
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if !v.IsNil() {
			resolveValue(v.Elem(), resolve)
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			f := v.Field(i)
			if f.CanSet() {
				resolveValue(f, resolve)
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			resolveValue(v.Index(i), resolve)
		}
	case reflect.String:
		if v.CanSet() && strings.HasPrefix(v.String(), "${") {
			v.SetString(ResolveSecretRef(v.String(), resolve))
		}
	}
}
