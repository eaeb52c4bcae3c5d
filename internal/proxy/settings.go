package proxy

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"nbdeploy/internal/config"
)

const (
	// DefaultMaxBodyBytes bounds envelopes, which carry whole notebooks.
	DefaultMaxBodyBytes int64 = 32 << 20
	DefaultReadTimeout        = 30 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultIdleTimeout        = 60 * time.Second
)

// Settings captures runtime configuration for the relay server.
type Settings struct {
	Listen          string
	RootURL         string
	AllowedHosts    *regexp.Regexp
	UpstreamTimeout time.Duration
	MaxBodyBytes    int64
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
}

func SettingsFromConfig(cfg config.Config) (Settings, error) {
	pattern, err := regexp.Compile(cfg.Proxy.AllowedHosts)
	if err != nil {
		return Settings{}, fmt.Errorf("proxy: compile allowed hosts: %w", err)
	}
	s := Settings{
		Listen:          cfg.Proxy.Listen,
		RootURL:         cfg.Platform.RootURL,
		AllowedHosts:    pattern,
		UpstreamTimeout: cfg.Proxy.UpstreamTimeout,
	}
	s.normalize()
	return s, nil
}

func (s *Settings) normalize() {
	s.Listen = strings.TrimSpace(s.Listen)
	if s.Listen == "" {
		s.Listen = config.DefaultProxyListen
	}
	s.RootURL = strings.TrimRight(strings.TrimSpace(s.RootURL), "/")
	if s.RootURL == "" {
		s.RootURL = config.DefaultRootURL
	}
	if s.AllowedHosts == nil {
		s.AllowedHosts = regexp.MustCompile(config.DefaultAllowedHosts)
	}
	if s.UpstreamTimeout <= 0 {
		s.UpstreamTimeout = config.DefaultUpstreamTimeout
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
}

// resolve turns an envelope URL into an upstream URL. Relative paths are
// joined to the root; absolute URLs must have their scheme://host match the
// allow-list.
func (s Settings) resolve(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, "//") {
		return s.RootURL + raw, true
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	if !s.AllowedHosts.MatchString(u.Scheme + "://" + u.Host) {
		return "", false
	}
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), true
}
