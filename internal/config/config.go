package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nbdeploy/internal/runstore"
)

const (
	DefaultRootURL          = "https://manager.prod.saagie.io"
	DefaultAPIPrefix        = "/api-internal/v1"
	DefaultLoginPath        = "/login_check"
	DefaultProxyListen      = "127.0.0.1:8642"
	DefaultAllowedHosts     = `^https?://[^/]+\.prod\.saagie\.io(?:/.*)?$`
	DefaultUpstreamTimeout  = 5 * time.Second
	DefaultTransportTimeout = 6 * time.Second
	DefaultPollInterval     = time.Second
	DefaultUploadRetryDelay = time.Second
	DefaultCPU              = 0.6
	DefaultDiskMB           = 1024
	DefaultMemoryMB         = 1024
	DefaultLanguageVersion  = "3.5.2"
	DefaultLogLevel         = "info"
	DefaultNotifySubject    = "nbdeploy.events"

	// transport timeouts outside this window are clamped
	minTransportTimeout = 6 * time.Second
	maxTransportTimeout = 10 * time.Second
)

type Config struct {
	Platform  PlatformConfig    `yaml:"platform" json:"platform"`
	Proxy     ProxyConfig       `yaml:"proxy" json:"proxy"`
	Transport TransportConfig   `yaml:"transport" json:"transport"`
	Deploy    DeployConfig      `yaml:"deploy" json:"deploy"`
	Kernels   map[string]string `yaml:"kernels,omitempty" json:"kernels,omitempty"`
	Logging   LoggingConfig     `yaml:"logging" json:"logging"`
	Store     StoreConfig       `yaml:"store" json:"store"`
	Notify    NotifyConfig      `yaml:"notify" json:"notify"`
	Telemetry TelemetryConfig   `yaml:"telemetry" json:"telemetry"`
}

type PlatformConfig struct {
	RootURL   string `yaml:"root_url" json:"root_url"`
	APIPrefix string `yaml:"api_prefix" json:"api_prefix"`
	LoginPath string `yaml:"login_path" json:"login_path"`
}

type ProxyConfig struct {
	// URL of an external proxy endpoint. Empty starts an embedded proxy on loopback.
	URL             string        `yaml:"url" json:"url"`
	Listen          string        `yaml:"listen" json:"listen"`
	AllowedHosts    string        `yaml:"allowed_hosts" json:"allowed_hosts"`
	UpstreamTimeout time.Duration `yaml:"upstream_timeout" json:"upstream_timeout"`
}

type TransportConfig struct {
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

type DeployConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`
	UploadRetryDelay time.Duration `yaml:"upload_retry_delay" json:"upload_retry_delay"`
	// MaxUploadAttempts bounds notebook upload retries; 0 retries until the session closes.
	MaxUploadAttempts int            `yaml:"max_upload_attempts" json:"max_upload_attempts"`
	Defaults          DeployDefaults `yaml:"defaults" json:"defaults"`
}

type DeployDefaults struct {
	CPU             float64 `yaml:"cpu" json:"cpu"`
	DiskMB          int     `yaml:"disk_mb" json:"disk_mb"`
	MemoryMB        int     `yaml:"memory_mb" json:"memory_mb"`
	LanguageVersion string  `yaml:"language_version" json:"language_version"`
}

type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

type StoreConfig struct {
	// Path of the badger directory. Empty keeps records in memory for the process lifetime.
	Path string `yaml:"path" json:"path"`
}

type NotifyConfig struct {
	NATSURL string `yaml:"nats_url" json:"nats_url"`
	Subject string `yaml:"subject" json:"subject"`
}

type TelemetryConfig struct {
	TraceFile string `yaml:"trace_file" json:"trace_file"`
}

func Default() Config {
	return Config{
		Platform: PlatformConfig{
			RootURL:   DefaultRootURL,
			APIPrefix: DefaultAPIPrefix,
			LoginPath: DefaultLoginPath,
		},
		Proxy: ProxyConfig{
			Listen:          DefaultProxyListen,
			AllowedHosts:    DefaultAllowedHosts,
			UpstreamTimeout: DefaultUpstreamTimeout,
		},
		Transport: TransportConfig{Timeout: DefaultTransportTimeout},
		Deploy: DeployConfig{
			PollInterval:     DefaultPollInterval,
			UploadRetryDelay: DefaultUploadRetryDelay,
			Defaults: DeployDefaults{
				CPU:             DefaultCPU,
				DiskMB:          DefaultDiskMB,
				MemoryMB:        DefaultMemoryMB,
				LanguageVersion: DefaultLanguageVersion,
			},
		},
		Logging: LoggingConfig{Level: DefaultLogLevel, File: DefaultLogPath()},
		Notify:  NotifyConfig{Subject: DefaultNotifySubject},
	}
}

func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil || strings.TrimSpace(dir) == "" {
		return filepath.Join(".nbdeploy", "config.yaml")
	}
	return filepath.Join(dir, "nbdeploy", "config.yaml")
}

func DefaultLogPath() string {
	if dir := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); dir != "" {
		return filepath.Join(dir, "nbdeploy", "nbdeploy.log")
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".nbdeploy", "nbdeploy.log")
	}
	return filepath.Join(home, ".local", "state", "nbdeploy", "nbdeploy.log")
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return runstore.WriteBytes(path, data)
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_ROOT_URL")); v != "" {
		c.Platform.RootURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_PROXY_URL")); v != "" {
		c.Proxy.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_PROXY_LISTEN")); v != "" {
		c.Proxy.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_LOG_LEVEL")); v != "" {
		c.Logging.Level = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_LOG_FILE")); v != "" {
		c.Logging.File = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_STORE_PATH")); v != "" {
		c.Store.Path = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_NATS_URL")); v != "" {
		c.Notify.NATSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_POLL_INTERVAL")); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Deploy.PollInterval = d
		}
	}
	if v := strings.TrimSpace(os.Getenv("NBDEPLOY_MAX_UPLOAD_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Deploy.MaxUploadAttempts = n
		}
	}
}

func (c *Config) normalize() {
	c.Platform.RootURL = strings.TrimRight(strings.TrimSpace(c.Platform.RootURL), "/")
	if c.Platform.RootURL == "" {
		c.Platform.RootURL = DefaultRootURL
	}
	c.Platform.APIPrefix = normalizePrefix(c.Platform.APIPrefix, DefaultAPIPrefix)
	c.Platform.LoginPath = normalizePrefix(c.Platform.LoginPath, DefaultLoginPath)

	c.Proxy.URL = strings.TrimRight(strings.TrimSpace(c.Proxy.URL), "/")
	c.Proxy.Listen = strings.TrimSpace(c.Proxy.Listen)
	if c.Proxy.Listen == "" {
		c.Proxy.Listen = DefaultProxyListen
	}
	if strings.TrimSpace(c.Proxy.AllowedHosts) == "" {
		c.Proxy.AllowedHosts = DefaultAllowedHosts
	}
	if c.Proxy.UpstreamTimeout <= 0 {
		c.Proxy.UpstreamTimeout = DefaultUpstreamTimeout
	}

	switch {
	case c.Transport.Timeout <= 0:
		c.Transport.Timeout = DefaultTransportTimeout
	case c.Transport.Timeout < minTransportTimeout:
		c.Transport.Timeout = minTransportTimeout
	case c.Transport.Timeout > maxTransportTimeout:
		c.Transport.Timeout = maxTransportTimeout
	}

	if c.Deploy.PollInterval <= 0 {
		c.Deploy.PollInterval = DefaultPollInterval
	}
	if c.Deploy.UploadRetryDelay <= 0 {
		c.Deploy.UploadRetryDelay = DefaultUploadRetryDelay
	}
	if c.Deploy.MaxUploadAttempts < 0 {
		c.Deploy.MaxUploadAttempts = 0
	}
	if c.Deploy.Defaults.CPU <= 0 {
		c.Deploy.Defaults.CPU = DefaultCPU
	}
	if c.Deploy.Defaults.DiskMB <= 0 {
		c.Deploy.Defaults.DiskMB = DefaultDiskMB
	}
	if c.Deploy.Defaults.MemoryMB <= 0 {
		c.Deploy.Defaults.MemoryMB = DefaultMemoryMB
	}
	if strings.TrimSpace(c.Deploy.Defaults.LanguageVersion) == "" {
		c.Deploy.Defaults.LanguageVersion = DefaultLanguageVersion
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	c.Store.Path = strings.TrimSpace(c.Store.Path)
	c.Notify.NATSURL = strings.TrimSpace(c.Notify.NATSURL)
	if strings.TrimSpace(c.Notify.Subject) == "" {
		c.Notify.Subject = DefaultNotifySubject
	}
}

func (c Config) Validate() error {
	root, err := url.Parse(c.Platform.RootURL)
	if err != nil || root.Scheme == "" || root.Host == "" {
		return fmt.Errorf("platform.root_url must be an absolute URL, got %q", c.Platform.RootURL)
	}
	if _, err := regexp.Compile(c.Proxy.AllowedHosts); err != nil {
		return fmt.Errorf("proxy.allowed_hosts is not a valid pattern: %w", err)
	}
	if _, _, err := net.SplitHostPort(c.Proxy.Listen); err != nil {
		return fmt.Errorf("proxy.listen must be host:port, got %q", c.Proxy.Listen)
	}
	if c.Proxy.URL != "" {
		u, err := url.Parse(c.Proxy.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("proxy.url must be an absolute URL, got %q", c.Proxy.URL)
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug|info|warn|error, got %q", c.Logging.Level)
	}
	return nil
}

func normalizePrefix(raw, fallback string) string {
	v := strings.TrimRight(strings.TrimSpace(raw), "/")
	if v == "" {
		return fallback
	}
	if !strings.HasPrefix(v, "/") {
		v = "/" + v
	}
	return v
}
