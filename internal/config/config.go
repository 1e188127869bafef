package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	yaml "go.yaml.in/yaml/v3"
)

type SourceConfig struct {
	Kind         string `json:"kind"` // "websocket" or "mqtt"
	URL          string `json:"url"`
	Broker       string `json:"broker"`
	Topic        string `json:"topic"`
	ClientID     string `json:"clientId"`
	ReconnectMin string `json:"reconnectMin"`
	ReconnectMax string `json:"reconnectMax"`
}

type DecoderConfig struct {
	KindField    string   `json:"kindField"`
	MessagePaths []string `json:"messagePaths"`
}

type PresenterConfig struct {
	Policy    string `json:"policy"` // "preempt", "drop" or "queue"
	QueueSize int    `json:"queueSize"`
}

type TLSConfig struct {
	Mode     string `json:"mode"`     // "self-signed", "manual", or "" (disabled)
	CertFile string `json:"certFile"` // required for manual
	KeyFile  string `json:"keyFile"`  // required for manual
	CacheDir string `json:"cacheDir"` // for self-signed; defaults to ~/.notify-overlay/certs
}

type AuthConfig struct {
	Enabled         bool   `json:"enabled"`
	JWTSecret       string `json:"jwtSecret"`
	AccessTokenTTL  string `json:"accessTokenTTL"`
	RefreshTokenTTL string `json:"refreshTokenTTL"`
}

type WebserverConfig struct {
	Enabled      bool       `json:"enabled"`
	Port         int        `json:"port"`
	Host         string     `json:"host"`
	TLS          TLSConfig  `json:"tls"`
	Auth         AuthConfig `json:"auth"`
	IngestPerSec float64    `json:"ingestPerSec"`
	IngestBurst  int        `json:"ingestBurst"`
	AssetsDir    string     `json:"assetsDir"`
}

type RelayConfig struct {
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	RatePerSec float64 `json:"ratePerSec"`
	Burst      int     `json:"burst"`
}

type HooksConfig struct {
	Enabled bool   `json:"enabled"`
	Webhook string `json:"webhook"`
	NtfyURL string `json:"ntfy"`
}

// TwitchConfig drives the chat forwarder. RelayURL defaults to the
// websocket source URL.
type TwitchConfig struct {
	RelayURL string `json:"relayUrl"`
	Nick     string `json:"nick"`
	Token    string `json:"token"`
	Channel  string `json:"channel"`
	TLS      bool   `json:"tls"`
	Port     int    `json:"port"` // 0 picks 6697 with TLS, 6667 without
	SendGap  string `json:"sendGap"`
}

type Config struct {
	Source      SourceConfig    `json:"source"`
	Decoder     DecoderConfig   `json:"decoder"`
	Presenter   PresenterConfig `json:"presenter"`
	RulesFile   string          `json:"rulesFile"`
	Webserver   WebserverConfig `json:"webserver"`
	Relay       RelayConfig     `json:"relay"`
	Hooks       HooksConfig     `json:"hooks"`
	Twitch      TwitchConfig    `json:"twitch"`
	LogDir      string          `json:"logDir"`
	LogLevel    string          `json:"logLevel"`
	LogFormat   string          `json:"logFormat"` // "text" or "json"
	LogKeepDays int             `json:"logKeepDays"`
	Console     bool            `json:"console"`
}

func Defaults() Config {
	return Config{
		Source: SourceConfig{
			Kind:         "websocket",
			URL:          "ws://localhost:8765/",
			Topic:        "notifications/events",
			ClientID:     "notify-overlay",
			ReconnectMin: "1s",
			ReconnectMax: "30s",
		},
		Decoder: DecoderConfig{
			KindField:    "event",
			MessagePaths: []string{"message", "data.message"},
		},
		Presenter: PresenterConfig{
			Policy:    "preempt",
			QueueSize: 16,
		},
		Webserver: WebserverConfig{
			Enabled:      true,
			Port:         8080,
			Host:         "127.0.0.1",
			IngestPerSec: 5,
			IngestBurst:  10,
			Auth: AuthConfig{
				AccessTokenTTL:  "15m",
				RefreshTokenTTL: "168h",
			},
		},
		Relay: RelayConfig{
			Host:       "localhost",
			Port:       8765,
			RatePerSec: 20,
			Burst:      40,
		},
		Twitch: TwitchConfig{
			SendGap: "500ms",
		},
		LogDir:      filepath.Join(DataDir(), "logs"),
		LogLevel:    "info",
		LogFormat:   "text",
		LogKeepDays: 7,
		Console:     true,
	}
}

func DataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".notify-overlay")
}

func DefaultPath() string {
	return filepath.Join(DataDir(), "config.json")
}

func DBPath() string {
	return filepath.Join(DataDir(), "state.db")
}

func CertsDir() string {
	return filepath.Join(DataDir(), "certs")
}

// Load reads a JSON or YAML (.yaml/.yml) config on top of Defaults. A
// missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if isYAML(path) {
		if data, err = yamlToJSON(data); err != nil {
			return cfg, err
		}
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// yamlToJSON re-encodes YAML as JSON so both formats share the json tags.
func yamlToJSON(data []byte) ([]byte, error) {
	var v any
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if v == nil {
		return []byte("{}"), nil
	}
	j, err := json.Marshal(normalizeYAML(v))
	if err != nil {
		return nil, fmt.Errorf("yaml->json marshal: %w", err)
	}
	return j, nil
}

// normalizeYAML ensures all map keys are strings so the result can be JSON-marshaled.
func normalizeYAML(in any) any {
	switch x := in.(type) {
	case map[any]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[fmt.Sprint(k)] = normalizeYAML(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(x))
		for k, v := range x {
			m[k] = normalizeYAML(v)
		}
		return m
	case []any:
		for i := range x {
			x[i] = normalizeYAML(x[i])
		}
		return x
	default:
		return in
	}
}

// ApplyEnv loads envFile (if present) into the process environment and
// then overrides cfg from the environment.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if v := os.Getenv("WEBSOCKET_SERVER_URL"); v != "" {
		cfg.Source.Kind = "websocket"
		cfg.Source.URL = v
	}
	if v := os.Getenv("MQTT_BROKER"); v != "" {
		cfg.Source.Kind = "mqtt"
		cfg.Source.Broker = v
	}
	if v := os.Getenv("MQTT_TOPIC"); v != "" {
		cfg.Source.Topic = v
	}
	if v := os.Getenv("OVERLAY_MESSAGE_PATH"); v != "" {
		cfg.Decoder.MessagePaths = strings.Split(v, ",")
	}
	if v := os.Getenv("OVERLAY_POLICY"); v != "" {
		cfg.Presenter.Policy = v
	}
	if v := os.Getenv("OVERLAY_RULES_FILE"); v != "" {
		cfg.RulesFile = v
	}
	if v := os.Getenv("OVERLAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WS_URI"); v != "" {
		cfg.Twitch.RelayURL = v
	}
	if v := os.Getenv("TWITCH_NICK"); v != "" {
		cfg.Twitch.Nick = v
	}
	if v := os.Getenv("TWITCH_OAUTH"); v != "" {
		cfg.Twitch.Token = v
	}
	if v := os.Getenv("TWITCH_CHANNEL"); v != "" {
		cfg.Twitch.Channel = v
	}
	if v := os.Getenv("TWITCH_TLS"); v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			cfg.Twitch.TLS = true
		default:
			cfg.Twitch.TLS = false
		}
	}
	return nil
}

// ParseDuration parses a duration field, falling back to def when raw is
// empty. field names the setting in error messages.
func ParseDuration(field, raw string, def time.Duration) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be > 0", field)
	}
	return d, nil
}

// EnsureJWTSecret generates a signing secret when auth is enabled and none
// is configured, and writes it back to the JSON config at path so issued
// tokens survive restarts.
func EnsureJWTSecret(path string, cfg *Config) error {
	if !cfg.Webserver.Auth.Enabled || cfg.Webserver.Auth.JWTSecret != "" {
		return nil
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	cfg.Webserver.Auth.JWTSecret = hex.EncodeToString(b)

	if isYAML(path) {
		return errors.New("jwt secret generated for this run only; set webserver.auth.jwtSecret in the yaml config")
	}
	raw := map[string]any{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
	}
	ws, _ := raw["webserver"].(map[string]any)
	if ws == nil {
		ws = map[string]any{}
	}
	auth, _ := ws["auth"].(map[string]any)
	if auth == nil {
		auth = map[string]any{"enabled": true}
	}
	auth["jwtSecret"] = cfg.Webserver.Auth.JWTSecret
	ws["auth"] = auth
	raw["webserver"] = ws

	out, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, out, 0600)
}
