// Package config loads and persists the proxy's server configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "llmgate.toml"

// RateLimitConfig describes one limiter's reservoir and concurrency budget.
type RateLimitConfig struct {
	RequestsPerMinute int `toml:"requests_per_minute"`
	ConcurrentLimit   int `toml:"concurrent_limit"`
	QueueSize         int `toml:"queue_size"`
}

// RateLimitingConfig is the RATE_LIMITING section: a global limiter chained
// under a per-user limiter.
type RateLimitingConfig struct {
	Global         RateLimitConfig `toml:"global"`
	PerUser        RateLimitConfig `toml:"per_user"`
	Enabled        bool            `toml:"enabled"`
	MetricsEnabled bool            `toml:"metrics_enabled"`
}

// AllowlistConfig is the ALLOWLIST section.
type AllowlistConfig struct {
	Enabled      bool     `toml:"enabled"`
	Endpoints    []string `toml:"endpoints"`
	Models       []string `toml:"models"`
	DefaultModel string   `toml:"default_model"`
}

// HTTPClientConfig is the HTTP_CLIENT section governing upstream transport.
type HTTPClientConfig struct {
	BaseURL           string `toml:"base_url"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MultipartTimeoutS int    `toml:"multipart_timeout_seconds"`
	MaxRetries        int    `toml:"max_retries"`
	BaseDelayMS       int    `toml:"base_delay_ms"`
	MaxDelayMS        int    `toml:"max_delay_ms"`
	RetryableStatuses []int  `toml:"retryable_statuses"`
}

// TLSConfig optionally terminates TLS via autocert.
type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

// ServerConfig is the full server configuration document.
type ServerConfig struct {
	ListenAddr    string              `toml:"listen_addr"`
	LogLevel      string              `toml:"log_level"`
	KeyFile       string              `toml:"key_file"`
	StagingDir    string              `toml:"staging_dir"`
	AccessLogPath string              `toml:"access_log_path"`
	UsageDir      string              `toml:"usage_dir"`
	MaxUploadsPer int                 `toml:"max_concurrent_uploads_per_user"`

	RateLimiting RateLimitingConfig `toml:"rate_limiting"`
	Allowlist    AllowlistConfig    `toml:"allowlist"`
	HTTPClient   HTTPClientConfig   `toml:"http_client"`
	TLS          TLSConfig          `toml:"tls"`

	OpenAIAPIKey string `toml:"openai_api_key,omitempty"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "llmgate", defaultConfigFileName)
}

func DefaultKeyFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "keys.json"
	}
	return filepath.Join(home, ".config", "llmgate", "keys.json")
}

func DefaultStagingDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "staging"
	}
	return filepath.Join(home, ".cache", "llmgate", "staging")
}

func DefaultAccessLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "access.log"
	}
	return filepath.Join(home, ".cache", "llmgate", "access.log")
}

func DefaultUsageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "usage"
	}
	return filepath.Join(home, ".cache", "llmgate", "usage")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:    "127.0.0.1:8787",
		LogLevel:      "info",
		KeyFile:       DefaultKeyFilePath(),
		StagingDir:    DefaultStagingDir(),
		AccessLogPath: DefaultAccessLogPath(),
		UsageDir:      DefaultUsageDir(),
		MaxUploadsPer: 2,
		RateLimiting: RateLimitingConfig{
			Global:         RateLimitConfig{RequestsPerMinute: 600, ConcurrentLimit: 32, QueueSize: 64},
			PerUser:        RateLimitConfig{RequestsPerMinute: 60, ConcurrentLimit: 2, QueueSize: 5},
			Enabled:        true,
			MetricsEnabled: true,
		},
		Allowlist: AllowlistConfig{
			Enabled:      true,
			Endpoints:    []string{"/v1/chat/completions", "/v1/completions", "/v1/embeddings", "/v1/audio/transcriptions"},
			Models:       []string{"gpt-4o-mini"},
			DefaultModel: "gpt-4o-mini",
		},
		HTTPClient: HTTPClientConfig{
			BaseURL:           "https://api.openai.com",
			TimeoutSeconds:    120,
			MultipartTimeoutS: 30,
			MaxRetries:        2,
			BaseDelayMS:       200,
			MaxDelayMS:        10000,
			RetryableStatuses: []int{429, 500, 502, 503, 504},
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.OpenAIAPIKey) == "" {
		cfg.OpenAIAPIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	if _, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		cfg := NewDefaultServerConfig()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
		return LoadServerConfig(path)
	}
	return LoadServerConfig(path)
}

func load(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return toml.Unmarshal(b, v)
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	c.KeyFile = strings.TrimSpace(c.KeyFile)
	c.StagingDir = strings.TrimSpace(c.StagingDir)
	c.AccessLogPath = strings.TrimSpace(c.AccessLogPath)
	c.UsageDir = strings.TrimSpace(c.UsageDir)
	if c.MaxUploadsPer <= 0 {
		c.MaxUploadsPer = 2
	}
	c.HTTPClient.BaseURL = strings.TrimRight(strings.TrimSpace(c.HTTPClient.BaseURL), "/")
	if c.HTTPClient.TimeoutSeconds <= 0 {
		c.HTTPClient.TimeoutSeconds = 120
	}
	if c.HTTPClient.MultipartTimeoutS <= 0 {
		c.HTTPClient.MultipartTimeoutS = 30
	}
	if c.HTTPClient.MaxDelayMS <= 0 {
		c.HTTPClient.MaxDelayMS = 10000
	}
	if c.HTTPClient.BaseDelayMS <= 0 {
		c.HTTPClient.BaseDelayMS = 200
	}
	if len(c.HTTPClient.RetryableStatuses) == 0 {
		c.HTTPClient.RetryableStatuses = []int{429, 500, 502, 503, 504}
	}
	c.Allowlist.DefaultModel = strings.TrimSpace(c.Allowlist.DefaultModel)
	for i, e := range c.Allowlist.Endpoints {
		c.Allowlist.Endpoints[i] = normalizeEndpoint(e)
	}
	normalizeLimiter(&c.RateLimiting.Global, 600, 32, 64)
	normalizeLimiter(&c.RateLimiting.PerUser, 60, 2, 5)
	c.OpenAIAPIKey = strings.TrimSpace(c.OpenAIAPIKey)
}

func normalizeLimiter(l *RateLimitConfig, rpm, conc, queue int) {
	if l.RequestsPerMinute <= 0 {
		l.RequestsPerMinute = rpm
	}
	if l.ConcurrentLimit <= 0 {
		l.ConcurrentLimit = conc
	}
	if l.QueueSize < 0 {
		l.QueueSize = queue
	}
}

func normalizeEndpoint(path string) string {
	path = strings.TrimSpace(path)
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	if !strings.HasPrefix(path, "/v1/") {
		path = "/v1/" + strings.TrimPrefix(path, "/")
	}
	return path
}

func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.Global.ConcurrentLimit <= 0 {
			return fmt.Errorf("rate_limiting.global.concurrent_limit must be > 0")
		}
		if c.RateLimiting.PerUser.ConcurrentLimit <= 0 {
			return fmt.Errorf("rate_limiting.per_user.concurrent_limit must be > 0")
		}
	}
	if c.Allowlist.Enabled && strings.TrimSpace(c.Allowlist.DefaultModel) == "" && len(c.Allowlist.Models) == 0 {
		return fmt.Errorf("allowlist.default_model or allowlist.models must be set when allowlist is enabled")
	}
	if c.HTTPClient.BaseURL == "" {
		return fmt.Errorf("http_client.base_url is required")
	}
	return nil
}

// ServerConfigStore holds the active configuration behind a copy-on-write
// pointer swap, so request handlers can read a stable snapshot while a
// config reload replaces the whole document atomically.
type ServerConfigStore struct {
	mu   sync.RWMutex
	path string
	cfg  *ServerConfig
}

func NewServerConfigStore(path string, cfg *ServerConfig) *ServerConfigStore {
	return &ServerConfigStore{path: path, cfg: cfg}
}

func (s *ServerConfigStore) Snapshot() ServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := *s.cfg
	cp.Allowlist.Endpoints = append([]string(nil), s.cfg.Allowlist.Endpoints...)
	cp.Allowlist.Models = append([]string(nil), s.cfg.Allowlist.Models...)
	cp.HTTPClient.RetryableStatuses = append([]int(nil), s.cfg.HTTPClient.RetryableStatuses...)
	return cp
}

func (s *ServerConfigStore) Update(mutator func(*ServerConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *s.cfg
	cp.Allowlist.Endpoints = append([]string(nil), s.cfg.Allowlist.Endpoints...)
	cp.Allowlist.Models = append([]string(nil), s.cfg.Allowlist.Models...)
	cp.HTTPClient.RetryableStatuses = append([]int(nil), s.cfg.HTTPClient.RetryableStatuses...)
	if err := mutator(&cp); err != nil {
		return err
	}
	cp.Normalize()
	if err := cp.Validate(); err != nil {
		return err
	}
	if err := Save(s.path, &cp); err != nil {
		return err
	}
	s.cfg = &cp
	return nil
}
