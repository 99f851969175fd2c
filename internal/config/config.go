// Package config handles BrickChat configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/brickchat/config.yaml, /etc/brickchat/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "brickchat", "config.yaml"))
	}

	paths = append(paths, "/etc/brickchat/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all BrickChat configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"` // text (default) or json
	Auth      AuthConfig      `yaml:"auth"`
	Models    ModelsConfig    `yaml:"models"`
	Agents    AgentsConfig    `yaml:"agents"`
	Documents DocumentsConfig `yaml:"documents"`
	TTS       TTSConfig       `yaml:"tts"`
	Objects   ObjectsConfig   `yaml:"objects"`
	Stream    StreamConfig    `yaml:"stream"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AuthConfig controls how caller identity is resolved from forwarded
// headers.
type AuthConfig struct {
	// DevUser is the identity used when no forwarded identity headers
	// are present (local development). Empty rejects such requests.
	DevUser string `yaml:"dev_user"`
	// Admins lists user ids allowed to curate the agent catalog.
	Admins []string `yaml:"admins"`
}

// IsAdmin reports whether userID is listed as an administrator. The
// dev user is always an administrator.
func (a AuthConfig) IsAdmin(userID string) bool {
	if userID == "" {
		return false
	}
	if a.DevUser != "" && userID == a.DevUser {
		return true
	}
	for _, id := range a.Admins {
		if id == userID {
			return true
		}
	}
	return false
}

// ModelsConfig names the models used for each call site and the
// provider endpoints that serve them.
type ModelsConfig struct {
	Default    string `yaml:"default"`    // standard conversation path
	Document   string `yaml:"document"`   // document-augmented path
	Router     string `yaml:"router"`     // agent classification
	Normalizer string `yaml:"normalizer"` // speech text normalization

	// ServingURL is the base URL of an OpenAI-compatible serving
	// workspace. Requests go to {ServingURL}/serving-endpoints/chat/completions.
	ServingURL   string `yaml:"serving_url"`
	ServingToken string `yaml:"serving_token"`

	OllamaURL    string `yaml:"ollama_url"`
	GeminiAPIKey string `yaml:"gemini_api_key"`

	Available []ModelConfig `yaml:"available"`
}

// ModelConfig maps a model name to the provider that serves it.
type ModelConfig struct {
	Name     string `yaml:"name"`
	Provider string `yaml:"provider"` // serving, ollama, gemini
}

// AgentsConfig controls agent discovery and classification.
type AgentsConfig struct {
	// WorkspaceURL is queried for serving endpoints during discovery.
	// Empty disables remote discovery.
	WorkspaceURL string `yaml:"workspace_url"`
	Token        string `yaml:"token"`
	// Task filters discovered endpoints (default "agent/v1/responses").
	Task string `yaml:"task"`
	// Static lists agents that are always offered to discovery.
	Static []AgentCandidate `yaml:"static"`

	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec"`
	ClassifyTimeoutSec  int `yaml:"classify_timeout_sec"`
	AuditLogSize        int `yaml:"audit_log_size"`
}

// AgentCandidate is a statically configured agent endpoint.
type AgentCandidate struct {
	Endpoint    string `yaml:"endpoint"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// DocumentsConfig defines the document volume and its limits.
type DocumentsConfig struct {
	Path         string `yaml:"path"`
	MaxFiles     int    `yaml:"max_files"`
	MaxFileBytes int64  `yaml:"max_file_bytes"`
}

// TTSConfig defines the speech synthesis pipeline.
type TTSConfig struct {
	Enabled      bool   `yaml:"enabled"`
	CacheEnabled bool   `yaml:"cache_enabled"`
	Primary      string `yaml:"primary"`   // polly or deepgram
	Secondary    string `yaml:"secondary"` // polly, deepgram, or "" for none
	DefaultVoice string `yaml:"default_voice"`
	Concurrency  int    `yaml:"concurrency"`
	// Normalize runs cleaned text through the normalizer model before
	// synthesis.
	Normalize bool `yaml:"normalize"`

	Polly    PollyConfig    `yaml:"polly"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
}

// PollyConfig defines Amazon Polly settings. Credentials come from the
// standard AWS credential chain.
type PollyConfig struct {
	Region       string `yaml:"region"`
	Engine       string `yaml:"engine"` // neural (default) or standard
	DefaultVoice string `yaml:"default_voice"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// DeepgramConfig defines Deepgram Aura settings.
type DeepgramConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultVoice string `yaml:"default_voice"`
	TimeoutSec   int    `yaml:"timeout_sec"`
}

// Configured reports whether a Deepgram API key is present.
func (d DeepgramConfig) Configured() bool {
	return d.APIKey != ""
}

// ObjectsConfig selects the object store backing cached audio.
type ObjectsConfig struct {
	Backend string `yaml:"backend"` // bolt (default) or fs
	Path    string `yaml:"path"`
}

// StreamConfig bounds upstream calls made by the streaming aggregator.
type StreamConfig struct {
	UpstreamTimeoutSec int `yaml:"upstream_timeout_sec"`
	DrainTimeoutSec    int `yaml:"drain_timeout_sec"`
	Buffer             int `yaml:"buffer"`
}

// Load reads configuration from a YAML file. Environment variables in
// the form ${VAR} are expanded before parsing, then defaults are applied
// to any unset field and the result is validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Auth: AuthConfig{DevUser: "dev_user"},
		TTS: TTSConfig{
			Enabled:      true,
			CacheEnabled: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.DataDir == "" {
		c.DataDir = "./db"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}

	if c.Models.Default == "" {
		c.Models.Default = "databricks-claude-sonnet-4"
	}
	if c.Models.Document == "" {
		c.Models.Document = c.Models.Default
	}
	if c.Models.Router == "" {
		c.Models.Router = c.Models.Default
	}
	if c.Models.Normalizer == "" {
		c.Models.Normalizer = "databricks-gemma-3-12b"
	}
	if c.Models.OllamaURL == "" {
		c.Models.OllamaURL = "http://localhost:11434"
	}
	for i := range c.Models.Available {
		if c.Models.Available[i].Provider == "" {
			c.Models.Available[i].Provider = "serving"
		}
	}

	if c.Agents.Task == "" {
		c.Agents.Task = "agent/v1/responses"
	}
	if c.Agents.DiscoveryTimeoutSec == 0 {
		c.Agents.DiscoveryTimeoutSec = 30
	}
	if c.Agents.ClassifyTimeoutSec == 0 {
		c.Agents.ClassifyTimeoutSec = 15
	}
	if c.Agents.AuditLogSize == 0 {
		c.Agents.AuditLogSize = 1000
	}

	if c.Documents.Path == "" {
		c.Documents.Path = filepath.Join(c.DataDir, "documents")
	}
	if c.Documents.MaxFiles == 0 {
		c.Documents.MaxFiles = 10
	}
	if c.Documents.MaxFileBytes == 0 {
		c.Documents.MaxFileBytes = 10 << 20
	}

	if c.TTS.Primary == "" {
		c.TTS.Primary = "polly"
	}
	if c.TTS.DefaultVoice == "" {
		c.TTS.DefaultVoice = "Joanna"
	}
	if c.TTS.Concurrency == 0 {
		c.TTS.Concurrency = 4
	}
	if c.TTS.Polly.Region == "" {
		c.TTS.Polly.Region = "us-east-1"
	}
	if c.TTS.Polly.Engine == "" {
		c.TTS.Polly.Engine = "neural"
	}
	if c.TTS.Polly.DefaultVoice == "" {
		c.TTS.Polly.DefaultVoice = "Joanna"
	}
	if c.TTS.Polly.TimeoutSec == 0 {
		c.TTS.Polly.TimeoutSec = 15
	}
	if c.TTS.Deepgram.BaseURL == "" {
		c.TTS.Deepgram.BaseURL = "https://api.deepgram.com"
	}
	if c.TTS.Deepgram.DefaultVoice == "" {
		c.TTS.Deepgram.DefaultVoice = "aura-2-thalia-en"
	}
	if c.TTS.Deepgram.TimeoutSec == 0 {
		c.TTS.Deepgram.TimeoutSec = 30
	}

	if c.Objects.Backend == "" {
		c.Objects.Backend = "bolt"
	}
	if c.Objects.Path == "" {
		if c.Objects.Backend == "fs" {
			c.Objects.Path = filepath.Join(c.DataDir, "objects")
		} else {
			c.Objects.Path = filepath.Join(c.DataDir, "objects.db")
		}
	}

	if c.Stream.UpstreamTimeoutSec == 0 {
		c.Stream.UpstreamTimeoutSec = 300
	}
	if c.Stream.DrainTimeoutSec == 0 {
		c.Stream.DrainTimeoutSec = 60
	}
	if c.Stream.Buffer == 0 {
		c.Stream.Buffer = 64
	}
}

// Validate checks the configuration for values that cannot work.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}

	for _, m := range c.Models.Available {
		switch m.Provider {
		case "serving", "ollama", "gemini":
		default:
			errs = append(errs, fmt.Errorf("models.available %q: unknown provider %q", m.Name, m.Provider))
		}
	}

	for i, a := range c.Agents.Static {
		if strings.TrimSpace(a.Endpoint) == "" {
			errs = append(errs, fmt.Errorf("agents.static[%d]: endpoint is required", i))
		}
	}

	if c.TTS.Enabled {
		if !validSpeechProvider(c.TTS.Primary) {
			errs = append(errs, fmt.Errorf("tts.primary %q (valid: polly, deepgram)", c.TTS.Primary))
		}
		if c.TTS.Secondary != "" && !validSpeechProvider(c.TTS.Secondary) {
			errs = append(errs, fmt.Errorf("tts.secondary %q (valid: polly, deepgram)", c.TTS.Secondary))
		}
		if c.TTS.Concurrency < 1 {
			errs = append(errs, fmt.Errorf("tts.concurrency must be positive"))
		}
	}

	switch c.Objects.Backend {
	case "bolt", "fs":
	default:
		errs = append(errs, fmt.Errorf("objects.backend %q (valid: bolt, fs)", c.Objects.Backend))
	}

	return errors.Join(errs...)
}

func validSpeechProvider(name string) bool {
	return name == "polly" || name == "deepgram"
}
