package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for relaybot.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Telegram  TelegramConfig  `json:"telegram"`
	Workflow  WorkflowConfig  `json:"workflow"`
	Telegraph TelegraphConfig `json:"telegraph"`
	Media     MediaConfig     `json:"media"`
	Browser   BrowserConfig   `json:"browser"`
	Storage   StorageConfig   `json:"storage"`
	Metrics   MetricsConfig   `json:"metrics"`
}

type GeneralConfig struct {
	DataDir                string `json:"dataDir"`
	LogLevel               string `json:"logLevel"`
	LogFile                string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentTurns     int    `json:"maxConcurrentTurns"`
	ShutdownTimeoutSeconds int    `json:"shutdownTimeoutSeconds"`
}

type TelegramConfig struct {
	Token       string         `json:"token"`
	AllowChats  FlexStringList `json:"allowChats"`
	ParseModes  []string       `json:"parseModes"`  // tried in order; plain text is always last
	PollTimeout int            `json:"pollTimeout"` // seconds
	APIEndpoint string         `json:"apiEndpoint,omitempty"`
}

// WorkflowConfig points at a Dify-compatible workflow app.
type WorkflowConfig struct {
	APIBase        string `json:"apiBase"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxRetries     int    `json:"maxRetries"`
	AnswerKey      string `json:"answerKey"`
	TypeKey        string `json:"typeKey"`
	ExtrasKey      string `json:"extrasKey"`
}

type TelegraphConfig struct {
	Enabled     bool   `json:"enabled"`
	AccessToken string `json:"accessToken,omitempty"`
	TokenFile   string `json:"tokenFile"`
	ShortName   string `json:"shortName"`
	AuthorName  string `json:"authorName,omitempty"`
	AuthorURL   string `json:"authorURL,omitempty"`
}

type MediaConfig struct {
	DownloadDir      string `json:"downloadDir"`
	MaxAgeHours      int    `json:"maxAgeHours"`
	MaxDownloadBytes int64  `json:"maxDownloadBytes"`
	JPEGQuality      int    `json:"jpegQuality"`
	MaxDimension     int    `json:"maxDimension"`
	GroupTTLSeconds  int    `json:"groupTTLSeconds"`
}

type BrowserConfig struct {
	Enabled        bool   `json:"enabled"`
	Headless       bool   `json:"headless"`
	ProfileDir     string `json:"profileDir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Listen   string `json:"listen"`
	Endpoint string `json:"endpoint"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

// ChatIDs parses the allow list, skipping entries that are not chat ids.
func (t TelegramConfig) ChatIDs() []int64 {
	var ids []int64
	for _, s := range t.AllowChats {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// DefaultConfigDir returns the default config directory (~/.relaybot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relaybot"
	}
	return filepath.Join(home, ".relaybot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	if isYAML(path) {
		// Route YAML through JSON so one set of field tags serves both.
		var doc map[string]any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
		if data, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Media.DownloadDir = ExpandPath(cfg.Media.DownloadDir)
	cfg.Storage.DBPath = ExpandPath(cfg.Storage.DBPath)
	cfg.Telegraph.TokenFile = ExpandPath(cfg.Telegraph.TokenFile)
	cfg.Browser.ProfileDir = ExpandPath(cfg.Browser.ProfileDir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg to path, as YAML when the extension says so.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	if isYAML(path) {
		var doc map[string]any
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("cannot marshal config: %w", err)
		}
	}

	return os.WriteFile(path, data, 0o600)
}

var validParseModes = map[string]bool{"Markdown": true, "MarkdownV2": true, "HTML": true}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentTurns < 1 || cfg.General.MaxConcurrentTurns > 100 {
		errs = append(errs, "general.maxConcurrentTurns must be between 1 and 100")
	}
	if cfg.General.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "general.shutdownTimeoutSeconds must be >= 1")
	}
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	for _, m := range cfg.Telegram.ParseModes {
		if !validParseModes[m] {
			errs = append(errs, fmt.Sprintf("telegram.parseModes: unknown parse mode %q", m))
		}
	}
	if cfg.Telegram.PollTimeout < 1 {
		errs = append(errs, "telegram.pollTimeout must be >= 1")
	}
	for _, s := range cfg.Telegram.AllowChats {
		if _, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err != nil {
			errs = append(errs, fmt.Sprintf("telegram.allowChats: %q is not a chat id", s))
		}
	}

	if cfg.Workflow.TimeoutSeconds < 1 {
		errs = append(errs, "workflow.timeoutSeconds must be >= 1")
	}
	if cfg.Workflow.MaxRetries < 0 || cfg.Workflow.MaxRetries > 10 {
		errs = append(errs, "workflow.maxRetries must be between 0 and 10")
	}

	if cfg.Media.JPEGQuality < 1 || cfg.Media.JPEGQuality > 100 {
		errs = append(errs, "media.jpegQuality must be between 1 and 100")
	}
	if cfg.Media.MaxDimension < 320 {
		errs = append(errs, "media.maxDimension must be >= 320")
	}
	if cfg.Media.MaxAgeHours < 1 {
		errs = append(errs, "media.maxAgeHours must be >= 1")
	}
	if cfg.Media.MaxDownloadBytes < 1 {
		errs = append(errs, "media.maxDownloadBytes must be >= 1")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen is required when metrics are enabled")
	}
	if cfg.Metrics.Endpoint != "" && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Ready reports the settings the gateway cannot start without.
func Ready(cfg *Config) error {
	var missing []string
	if cfg.Telegram.Token == "" {
		missing = append(missing, "telegram.token")
	}
	if cfg.Workflow.APIBase == "" {
		missing = append(missing, "workflow.apiBase")
	}
	if cfg.Workflow.APIKey == "" {
		missing = append(missing, "workflow.apiKey")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
